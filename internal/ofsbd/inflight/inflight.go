// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package for synchronized accounting of requests running against a device.
// Once the gate is closed no new request is admitted and the closer waits
// until the running ones leave.
package inflight

import (
	"context"
	"sync"
)

// Gate counts requests in flight. The zero value is an open gate.
type Gate struct {
	mutex   sync.Mutex
	count   int64
	closed  bool
	drained chan struct{}
}

// Enter admits one request. It returns false when the gate is closed, in
// which case Leave must not be called.
func (g *Gate) Enter() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.closed {
		return false
	}

	g.count++

	return true
}

// Leave marks one admitted request as finished.
func (g *Gate) Leave() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.count <= 0 {
		panic("inflight: Leave without Enter")
	}

	g.count--
	if g.count == 0 && g.drained != nil {
		close(g.drained)
		g.drained = nil
	}
}

// Current returns the number of requests in flight.
func (g *Gate) Current() int64 {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return g.count
}

// Closed reports whether Close was called.
func (g *Gate) Closed() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return g.closed
}

// Close stops admitting requests and waits until all admitted ones leave or
// ctx is done. Requests are never cancelled, a caller giving up on ctx can
// call Close again to keep waiting.
func (g *Gate) Close(ctx context.Context) error {
	g.mutex.Lock()
	g.closed = true
	if g.count == 0 {
		g.mutex.Unlock()
		return nil
	}
	if g.drained == nil {
		g.drained = make(chan struct{})
	}
	drained := g.drained
	g.mutex.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
