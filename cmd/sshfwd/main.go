package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/matst80/sshfwd/internal/forward"
	"github.com/matst80/sshfwd/internal/obs"
	"github.com/matst80/sshfwd/internal/ratelimit"
	"github.com/matst80/sshfwd/internal/session"
	"github.com/matst80/sshfwd/internal/transport"
	"github.com/matst80/sshfwd/internal/transport/sshx"
)

// Exit codes, so scripts can tell a bad config from a dead peer.
const (
	exitConfig    = 1
	exitAuth      = 2
	exitReconnect = 3
)

func main() {
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if err := validate(&cfg); err != nil {
		obs.Error("config.invalid", obs.Fields{"err": err.Error()})
		os.Exit(exitConfig)
	}

	ep := transport.Endpoint{Address: cfg.SSHAddress, User: cfg.SSHUser}
	dest := transport.Destination{Host: cfg.RemoteSrv, Port: uint32(cfg.RemotePort)}
	obs.Info("sshfwd.start", obs.Fields{
		"endpoint": ep.Address,
		"user":     ep.User,
		"dest":     dest.String(),
		"local":    cfg.LocalSrvAddress,
	})

	ln, err := net.Listen("tcp", cfg.LocalSrvAddress)
	if err != nil {
		obs.Error("listen.local", obs.Fields{"err": err.Error(), "addr": cfg.LocalSrvAddress})
		os.Exit(exitConfig)
	}
	defer ln.Close()

	dialer := &sshx.Dialer{
		KeyFile:        cfg.Identity,
		KnownHostsFile: cfg.KnownHosts,
		HostKeyPolicy:  sshx.HostKeyPolicy(cfg.HostKeyPolicy),
		ConnectTimeout: cfg.ConnectTimeout,
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		dialer.PasswordPrompt = sshx.TerminalPrompt
	}

	sv := session.NewSupervisor(dialer, ep, dest, session.Options{
		OpenTimeout:       cfg.OpenTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		KeepaliveTimeout:  cfg.KeepaliveTimeout,
		Window:            cfg.Window,
	}, session.RetryPolicy{
		MaxAttempts: cfg.MaxRetries,
		Base:        cfg.RetryBase,
		Max:         cfg.RetryMax,
	})

	var limiter *ratelimit.Limiter
	if cfg.MaxConnRate > 0 || cfg.MaxSourceRate > 0 {
		limiter = ratelimit.New(cfg.MaxConnRate, cfg.MaxSourceRate, cfg.ConnBurst)
	}
	fwd := forward.New(ln, sv, limiter, cfg.GracePeriod)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go startMetricsServer(cfg.MetricsAddr, ep.Address, sv)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sv.Run(gctx) })
	g.Go(func() error { return fwd.Serve(gctx) })
	err = g.Wait()
	stop()
	sv.Shutdown()

	if err != nil {
		obs.Error("sshfwd.fatal", obs.Fields{"err": err.Error()})
		var ae *transport.AuthError
		if errors.As(err, &ae) {
			os.Exit(exitAuth)
		}
		var ce *transport.ConnectError
		if errors.As(err, &ce) {
			os.Exit(exitReconnect)
		}
		os.Exit(exitConfig)
	}
	obs.Info("sshfwd.shutdown.complete", obs.Fields{})
}
