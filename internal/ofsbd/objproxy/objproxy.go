// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objproxy is a proxy for store.Conn which bounds the number of
// concurrent backend operations of a device, prioritizes requests and
// retries operations failing on an unreachable backend.
package objproxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ofsbd/ofsbd/internal/ofsbd/metrics"
	"github.com/ofsbd/ofsbd/internal/ofsbd/store"
)

var errClosed = fmt.Errorf("proxy closed: %w", store.ErrNotReachable)

// Options to use in New() function due to high number of parameters.
type Options struct {
	// Number of go routines to spawn for handling reads and writes.
	// Deletes are served by writers.
	Readers int
	Writers int

	// How many times an operation failing with store.ErrNotReachable is
	// repeated, and the initial wait before the first repetition. The
	// wait grows exponentially.
	Retries   int
	RetryWait time.Duration

	// Upper bound of backend operations per second. Zero means no limit.
	OpsPerSecond float64
}

// Proxy for the backing store connection which prioritizes requests.
// Requests coming to the priority channels are handled first. Like this
// advisory operations like deleting unmapped chunks do not slow down reads
// and writes.
type ObjectProxy struct {
	Instance store.Conn

	retries   int
	retryWait time.Duration
	limiter   *rate.Limiter

	// Internal channels.
	reads      chan request
	readsPrio  chan request
	writes     chan request
	writesPrio chan request

	quit    chan struct{}
	workers sync.WaitGroup
	once    sync.Once
}

type opKind int

const (
	opRead opKind = iota
	opWrite
	opDelete
	opExists
)

func (k opKind) String() string {
	switch k {
	case opRead:
		return "read"
	case opWrite:
		return "write"
	case opDelete:
		return "delete"
	case opExists:
		return "exists"
	}

	return "unknown"
}

// Request is internal structure for wrapping the communication into channels.
type request struct {
	ctx    context.Context
	kind   opKind
	path   string
	data   []byte
	offset int64
	done   chan result
}

type result struct {
	n      int
	exists bool
	err    error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for read and write workers. Close stops them.
func New(instance store.Conn, o Options) *ObjectProxy {
	if o.Readers < 1 {
		o.Readers = 1
	}
	if o.Writers < 1 {
		o.Writers = 1
	}

	p := &ObjectProxy{
		Instance:   instance,
		retries:    o.Retries,
		retryWait:  o.RetryWait,
		reads:      make(chan request),
		readsPrio:  make(chan request),
		writes:     make(chan request),
		writesPrio: make(chan request),
		quit:       make(chan struct{}),
	}

	if o.OpsPerSecond > 0 {
		burst := int(o.OpsPerSecond)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(o.OpsPerSecond), burst)
	}

	p.workers.Add(o.Readers + o.Writers)
	for i := 0; i < o.Readers; i++ {
		go p.worker(p.readsPrio, p.reads)
	}
	for i := 0; i < o.Writers; i++ {
		go p.worker(p.writesPrio, p.writes)
	}

	return p
}

// ReadAt reads a chunk range with high priority.
func (p *ObjectProxy) ReadAt(ctx context.Context, path string, buf []byte, off int64) (int, error) {
	r := p.send(p.readsPrio, request{ctx: ctx, kind: opRead, path: path, data: buf, offset: off})
	return r.n, r.err
}

// WriteAt writes a chunk range with high priority.
func (p *ObjectProxy) WriteAt(ctx context.Context, path string, buf []byte, off int64) (int, error) {
	r := p.send(p.writesPrio, request{ctx: ctx, kind: opWrite, path: path, data: buf, offset: off})
	return r.n, r.err
}

// Delete removes a chunk with normal priority.
func (p *ObjectProxy) Delete(ctx context.Context, path string) error {
	return p.send(p.writes, request{ctx: ctx, kind: opDelete, path: path}).err
}

// Exists queries a chunk with normal priority.
func (p *ObjectProxy) Exists(ctx context.Context, path string) (bool, error) {
	r := p.send(p.reads, request{ctx: ctx, kind: opExists, path: path})
	return r.exists, r.err
}

// CanFlush reports whether the backend buffers writes.
func (p *ObjectProxy) CanFlush() bool {
	_, ok := p.Instance.(store.Flusher)
	return ok
}

// Flush makes acknowledged writes durable. It bypasses the queues, every
// write it has to cover was already acknowledged by a worker.
func (p *ObjectProxy) Flush(ctx context.Context) error {
	f, ok := p.Instance.(store.Flusher)
	if !ok {
		return nil
	}

	err := p.retry(ctx, "flush", func() error {
		return f.Flush(ctx)
	})
	metrics.StoreOps.WithLabelValues("flush", metrics.Status(err)).Inc()

	return err
}

// Close stops the workers. Requests must not be sent after Close. The
// underlying connection is left open.
func (p *ObjectProxy) Close() {
	p.once.Do(func() {
		close(p.quit)
	})
	p.workers.Wait()
}

// Selects the right channel and waits for reply.
func (p *ObjectProxy) send(c chan request, r request) result {
	r.done = make(chan result, 1)

	select {
	case c <- r:
	case <-p.quit:
		return result{err: store.Wrap(r.kind.String(), r.path, errClosed)}
	case <-r.ctx.Done():
		return result{err: store.Wrap(r.kind.String(), r.path, r.ctx.Err())}
	}

	return <-r.done
}

// Generic function for prioritization used by both, reader and writer
// workers. Returns false when the proxy is closing.
func (p *ObjectProxy) receiveRequest(prio chan request, normal chan request) (request, bool) {
	var r request

	select {
	case r = <-prio:
	case <-p.quit:
		return r, false
	default:
		select {
		case r = <-prio:
		case r = <-normal:
		case <-p.quit:
			return r, false
		}
	}

	return r, true
}

func (p *ObjectProxy) worker(prio chan request, normal chan request) {
	defer p.workers.Done()

	for {
		r, ok := p.receiveRequest(prio, normal)
		if !ok {
			return
		}

		r.done <- p.serve(r)
	}
}

func (p *ObjectProxy) serve(r request) result {
	var res result

	res.err = p.retry(r.ctx, r.kind.String(), func() error {
		var err error

		switch r.kind {
		case opRead:
			res.n, err = p.Instance.ReadAt(r.ctx, r.path, r.data, r.offset)
		case opWrite:
			res.n, err = p.Instance.WriteAt(r.ctx, r.path, r.data, r.offset)
		case opDelete:
			err = p.Instance.Delete(r.ctx, r.path)
		case opExists:
			res.exists, err = p.Instance.Exists(r.ctx, r.path)
		}

		return err
	})

	// Missing objects are a regular outcome of reads.
	status := metrics.Status(res.err)
	if r.kind == opRead && errors.Is(res.err, store.ErrObjectNotFound) {
		status = "missing"
	}
	metrics.StoreOps.WithLabelValues(r.kind.String(), status).Inc()

	return res
}

// Runs fn, repeating it with exponential backoff while it fails with
// store.ErrNotReachable. Any other error is returned immediately.
func (p *ObjectProxy) retry(ctx context.Context, op string, fn func() error) error {
	attempt := 0

	operation := func() error {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		if attempt > 0 {
			metrics.StoreRetries.WithLabelValues(op).Inc()
		}
		attempt++

		err := fn()
		if err != nil && !errors.Is(err, store.ErrNotReachable) {
			return backoff.Permanent(err)
		}

		return err
	}

	if p.retries <= 0 {
		err := operation()

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}

		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryWait
	if b.InitialInterval <= 0 {
		b.InitialInterval = backoff.DefaultInitialInterval
	}
	b.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Str("op", op).Dur("wait", wait).Msg("Backing store not reachable, retrying.")
	}

	return backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.retries)), ctx), notify)
}
