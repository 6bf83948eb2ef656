package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler serves one accepted connection to completion. It must return once
// ctx is cancelled or the connection is closed.
type Handler func(ctx context.Context, conn net.Conn)

// Listener is one front-end's accept loop: an address to bind and the
// handler that drives each accepted connection (spec.md §4.7).
type Listener struct {
	Name    string // "http" or "socks5", for logs
	Addr    string
	Handler Handler
}

// Supervisor owns the listeners for every configured front-end, running one
// accept loop per listener and one task per accepted connection, all under
// a shared cancellation context (spec.md §4.7, §5). Grounded on
// sadewadee/google-scraper's ProxyGate.Run (errgroup.WithContext, one Go
// per subsystem).
type Supervisor struct {
	Listeners []Listener
	Logger    *slog.Logger
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run binds every listener and serves until ctx is cancelled, then closes
// all listeners and waits for in-flight sessions to notice the cancelled
// context before returning (spec.md §4.7: "outstanding tasks receive a
// cancel signal and must drop their streams within a short grace window").
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.Listeners) == 0 {
		return errors.New("hub: no listeners configured")
	}

	group, ctx := errgroup.WithContext(ctx)
	lc := net.ListenConfig{}

	for _, l := range s.Listeners {
		l := l
		ln, err := lc.Listen(ctx, "tcp", l.Addr)
		if err != nil {
			return fmt.Errorf("hub: listen %s on %s: %w", l.Name, l.Addr, err)
		}
		s.logger().Info("listening", "front_end", l.Name, "addr", ln.Addr())

		group.Go(func() error {
			<-ctx.Done()
			return ln.Close()
		})
		group.Go(func() error {
			return s.acceptLoop(ctx, l, ln)
		})
	}

	err := group.Wait()
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Supervisor) acceptLoop(ctx context.Context, l Listener, ln net.Listener) error {
	var sessions errgroup.Group
	var retryDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				sessions.Wait()
				return nil
			}
			// Back off on a persistent accept error (e.g. descriptor
			// exhaustion) instead of spinning, mirroring net/http.Server's
			// tempDelay loop.
			if retryDelay == 0 {
				retryDelay = 5 * time.Millisecond
			} else {
				retryDelay *= 2
			}
			if retryDelay > time.Second {
				retryDelay = time.Second
			}
			s.logger().Warn("accept error", "front_end", l.Name, "err", err, "retry_in", retryDelay)
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				sessions.Wait()
				return nil
			}
			continue
		}
		retryDelay = 0
		sessions.Go(func() error {
			l.Handler(ctx, conn)
			return nil
		})
	}
}
