// Package service supervises the background engines: ordered startup,
// reverse-order shutdown with a hard deadline, and context fan-in so one
// fatal engine error brings the group down cleanly.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chainclaw/chainclaw/log"
)

// DefaultShutdownTimeout is the hard deadline for a full stop.
const DefaultShutdownTimeout = 30 * time.Second

// Service is one supervised engine.
type Service interface {
	Start(ctx context.Context) error
	Stop()
}

// named pairs a service with its log name.
type named struct {
	name string
	svc  Service
}

// Group runs services in registration order and stops them in reverse.
type Group struct {
	services        []named
	shutdownTimeout time.Duration
	started         int
}

// NewGroup creates an empty group. A zero timeout means
// DefaultShutdownTimeout.
func NewGroup(shutdownTimeout time.Duration) *Group {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Group{shutdownTimeout: shutdownTimeout}
}

// Add registers a service. Registration order is start order.
func (g *Group) Add(name string, svc Service) {
	g.services = append(g.services, named{name: name, svc: svc})
}

// Start brings every service up in order. The first failure stops the
// services already running, in reverse, and is returned.
func (g *Group) Start(ctx context.Context) error {
	for i, n := range g.services {
		if err := n.svc.Start(ctx); err != nil {
			g.started = i
			g.Stop()
			return fmt.Errorf("starting %s: %w", n.name, err)
		}
		log.Infow("service started", "service", n.name)
	}
	g.started = len(g.services)
	return nil
}

// Stop halts the running services in reverse order. Each Stop blocks until
// that service's in-flight work drains; the whole pass is bounded by the
// shutdown timeout, after which remaining services are abandoned with a log
// line rather than blocking process exit.
func (g *Group) Stop() {
	deadline := time.After(g.shutdownTimeout)
	for i := g.started - 1; i >= 0; i-- {
		n := g.services[i]
		done := make(chan struct{})
		go func() {
			defer close(done)
			n.svc.Stop()
		}()
		select {
		case <-done:
			log.Infow("service stopped", "service", n.name)
		case <-deadline:
			log.Warnw("shutdown deadline reached, abandoning remaining services",
				"service", n.name)
			g.started = 0
			return
		}
	}
	g.started = 0
}

// Run starts the group and blocks until the context is cancelled or a
// startup error occurs, then stops everything.
func (g *Group) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	if err := g.Start(ctx); err != nil {
		return err
	}
	grp.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	err := grp.Wait()
	g.Stop()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
