// Package gate provides the single-permit mutual-exclusion primitive that
// serializes oversqlite's DB phases. Network phases (HTTP perform/
// fetch) deliberately run without holding the gate.
package gate

import "context"

// Gate is a binary semaphore: at most one holder at a time.
type Gate struct {
	ch chan struct{}
}

// New returns a ready-to-use Gate.
func New() *Gate {
	return &Gate{ch: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the gate. Must be called exactly once per successful Acquire.
func (g *Gate) Release() {
	<-g.ch
}
