package session

import (
	"sort"
	"sync"

	"github.com/matst80/sshfwd/internal/obs"
)

// table maps channel identifiers to live channels. Identifiers are
// assigned from a counter that only moves forward, so an identifier is
// never reused within a session even after its channel is removed.
type table struct {
	mu     sync.Mutex
	chans  map[uint32]*Channel
	nextID uint32
}

func newTable() *table {
	return &table{chans: make(map[uint32]*Channel)}
}

// register assigns the next identifier and stores the channel under it.
func (t *table) register(c *Channel) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	c.id = t.nextID
	t.chans[c.id] = c
	obs.ActiveChannels.Set(float64(len(t.chans)))
	return c.id
}

func (t *table) lookup(id uint32) (*Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chans[id]
	return c, ok
}

func (t *table) remove(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.chans, id)
	obs.ActiveChannels.Set(float64(len(t.chans)))
}

// drainAll empties the table and returns everything it held. The counter
// keeps its value so identifiers stay unique across the drain.
func (t *table) drainAll() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Channel, 0, len(t.chans))
	for _, c := range t.chans {
		out = append(out, c)
	}
	t.chans = make(map[uint32]*Channel)
	obs.ActiveChannels.Set(0)
	return out
}

func (t *table) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chans)
}

func (t *table) snapshot() []ChannelInfo {
	t.mu.Lock()
	chans := make([]*Channel, 0, len(t.chans))
	for _, c := range t.chans {
		chans = append(chans, c)
	}
	t.mu.Unlock()
	out := make([]ChannelInfo, 0, len(chans))
	for _, c := range chans {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
