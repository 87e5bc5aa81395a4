package engine

import (
	"context"
	"sync"
)

// gate blocks callers while closed. Opening it releases every waiter at once.
type gate struct {
	mu     sync.Mutex
	openCh chan struct{}
	isOpen bool
}

func newGate() *gate {
	openCh := make(chan struct{})
	close(openCh)

	return &gate{openCh: openCh, isOpen: true}
}

func (g *gate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.isOpen {
		g.openCh = make(chan struct{})
		g.isOpen = false
	}
}

func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.isOpen {
		close(g.openCh)
		g.isOpen = true
	}
}

func (g *gate) opened() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.isOpen
}

// wait returns nil once the gate is open, or ctx.Err() if ctx ends first.
func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	openCh := g.openCh
	g.mu.Unlock()

	select {
	case <-openCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
