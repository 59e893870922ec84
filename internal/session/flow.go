package session

import "sync"

// Window is a byte budget bounding how much data one relay direction may
// hold in flight. Acquire blocks while the budget is spent; Release gives
// budget back as bytes are acknowledged. Fail poisons the window so every
// blocked and future acquirer sees the channel's fate.
type Window struct {
	mu    sync.Mutex
	cond  *sync.Cond
	avail int64
	size  int64
	err   error
}

func NewWindow(size int64) *Window {
	w := &Window{avail: size, size: size}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Acquire claims up to max bytes of budget, blocking until at least one
// byte is free. The claimed amount is returned.
func (w *Window) Acquire(max int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.avail == 0 && w.err == nil {
		w.cond.Wait()
	}
	if w.err != nil {
		return 0, w.err
	}
	n := w.avail
	if n > max {
		n = max
	}
	w.avail -= n
	return n, nil
}

// Release returns n bytes of budget and wakes blocked acquirers.
func (w *Window) Release(n int64) {
	w.mu.Lock()
	w.avail += n
	if w.avail > w.size {
		w.avail = w.size
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Fail poisons the window. The first error sticks.
func (w *Window) Fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Available reports the unclaimed budget.
func (w *Window) Available() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.avail
}

// InFlight reports how much budget is currently claimed.
func (w *Window) InFlight() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size - w.avail
}
