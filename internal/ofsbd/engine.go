// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ofsbd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ofsbd/ofsbd/internal/ofsbd/chunk"
	"github.com/ofsbd/ofsbd/internal/ofsbd/metrics"
	"github.com/ofsbd/ofsbd/internal/ofsbd/store"
)

// Op is the kind of a block request.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpUnmap
	OpFlush

	// Operations known to block layers which are not served by devices.
	OpWriteZeroes
	OpReset
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpUnmap:
		return "unmap"
	case OpFlush:
		return "flush"
	case OpWriteZeroes:
		return "write_zeroes"
	case OpReset:
		return "reset"
	}

	return "unknown"
}

// SupportsOp reports whether devices serve op.
func SupportsOp(op Op) bool {
	switch op {
	case OpRead, OpWrite, OpUnmap, OpFlush:
		return true
	}

	return false
}

// Completion is called exactly once per submitted request with the final
// status and the number of bytes transferred, which is the requested length
// on success and 0 on failure. It is never called on the submitting
// goroutine.
type Completion func(err error, n uint64)

type state int32

const (
	stateReceived state = iota
	stateSegmented
	stateDispatching
	stateMerging
	stateCompleted
	stateFailed
)

func (s state) String() string {
	return [...]string{"received", "segmented", "dispatching", "merging", "completed", "failed"}[s]
}

// Request is one block request in flight. It is owned by the device until
// completion, buf is borrowed from the submitter for the same time.
type request struct {
	dev        *Device
	op         Op
	startBlock uint64
	numBlocks  uint64
	buf        []byte
	done       Completion
	began      time.Time

	state    atomic.Int32
	admitted bool
	segments []chunk.Segment
	pending  atomic.Int64
	once     sync.Once
}

// Submit starts an asynchronous request. For reads buf receives the data, for
// writes it is the source. Only the first numBlocks*BlockSize bytes of buf
// are used and buf must not be touched until done is called.
func (d *Device) Submit(op Op, startBlock, numBlocks uint64, buf []byte, done Completion) {
	r := &request{
		dev:        d,
		op:         op,
		startBlock: startBlock,
		numBlocks:  numBlocks,
		buf:        buf,
		done:       done,
		began:      time.Now(),
	}

	if !SupportsOp(op) {
		go r.complete(fmt.Errorf("%w: %s", ErrUnsupported, op))
		return
	}

	if !d.gate.Enter() {
		go r.complete(fmt.Errorf("%w: %s is being deleted", ErrNotFound, d.cfg.Name))
		return
	}
	r.admitted = true

	if err := r.validate(); err != nil {
		go r.complete(err)
		return
	}

	if op != OpFlush {
		r.segments = chunk.Segments(startBlock, numBlocks, d.cfg.BlockSize, d.cfg.ChunkSize)
	}
	r.setState(stateSegmented)

	go r.dispatch()
}

func (r *request) setState(s state) {
	r.state.Store(int32(s))
	r.dev.logger.Trace().
		Stringer("op", r.op).
		Uint64("block", r.startBlock).
		Uint64("blocks", r.numBlocks).
		Stringer("state", s).
		Send()
}

func (r *request) validate() error {
	d := r.dev

	if r.numBlocks > d.blockCount || r.startBlock > d.blockCount-r.numBlocks {
		return fmt.Errorf("%w: blocks [%d, +%d) on %s with %d blocks",
			ErrOutOfBounds, r.startBlock, r.numBlocks, d.cfg.Name, d.blockCount)
	}

	if r.op == OpRead || r.op == OpWrite {
		if uint64(len(r.buf)) < r.length() {
			return fmt.Errorf("%w: %d bytes for %d blocks", ErrInvalidBuffer, len(r.buf), r.numBlocks)
		}
	}

	return nil
}

func (r *request) length() uint64 {
	return r.numBlocks * uint64(r.dev.cfg.BlockSize)
}

// Fans out one store operation per segment and waits for all of them. The
// first failure becomes the status of the request, later ones are only
// logged.
func (r *request) dispatch() {
	r.setState(stateDispatching)

	if r.op == OpFlush {
		r.complete(r.dev.proxy.Flush(context.Background()))
		return
	}

	r.pending.Store(int64(len(r.segments)))

	var g errgroup.Group
	for _, seg := range r.segments {
		g.Go(func() error {
			defer r.pending.Add(-1)

			err := r.serve(seg)
			if err != nil {
				r.dev.logger.Debug().Err(err).Uint64("chunk", seg.ChunkID).Stringer("op", r.op).Msg("Segment failed.")
			}

			return err
		})
	}

	r.setState(stateMerging)
	r.complete(g.Wait())
}

func (r *request) serve(seg chunk.Segment) error {
	path, err := r.dev.chunkPath(seg.ChunkID)
	if err != nil {
		return err
	}

	ctx := context.Background()

	switch r.op {
	case OpRead:
		return r.read(ctx, path, seg)
	case OpWrite:
		return r.write(ctx, path, seg)
	case OpUnmap:
		return r.unmap(ctx, path, seg)
	}

	return fmt.Errorf("%w: %s", ErrUnsupported, r.op)
}

// Part of the request buffer belonging to seg.
func (r *request) window(seg chunk.Segment) []byte {
	off := seg.DeviceOffset - r.startBlock*uint64(r.dev.cfg.BlockSize)
	return r.buf[off : off+seg.Length]
}

// Never written ranges read as zeros, both missing chunks and reads past the
// end of a short chunk.
func (r *request) read(ctx context.Context, path string, seg chunk.Segment) error {
	b := r.window(seg)

	n, err := r.dev.proxy.ReadAt(ctx, path, b, int64(seg.Offset))
	if errors.Is(err, store.ErrObjectNotFound) {
		n, err = 0, nil
	}
	if err != nil {
		return err
	}

	clear(b[n:])

	return nil
}

func (r *request) write(ctx context.Context, path string, seg chunk.Segment) error {
	b := r.window(seg)

	n, err := r.dev.proxy.WriteAt(ctx, path, b, int64(seg.Offset))
	if err != nil {
		return err
	}
	if n < len(b) {
		return store.Wrap("write", path, fmt.Errorf("%w: %d of %d bytes", store.ErrPartialWrite, n, len(b)))
	}

	return nil
}

// Only whole chunks are released. Unmap is advisory, so partially covered
// chunks keep their data.
func (r *request) unmap(ctx context.Context, path string, seg chunk.Segment) error {
	d := r.dev

	whole := seg.Offset == 0 && (seg.Length == uint64(d.cfg.ChunkSize) || seg.End() == d.cfg.SizeBytes)
	if !whole {
		d.logger.Trace().Uint64("chunk", seg.ChunkID).Uint64("offset", seg.Offset).Uint64("length", seg.Length).Msg("Partial unmap ignored.")
		return nil
	}

	return d.proxy.Delete(ctx, path)
}

func (r *request) complete(err error) {
	r.once.Do(func() {
		var n uint64
		if err == nil {
			r.setState(stateCompleted)
			if r.op != OpFlush {
				n = r.length()
			}
			metrics.Bytes.WithLabelValues(r.op.String()).Add(float64(n))
		} else {
			r.setState(stateFailed)
			r.dev.logger.Warn().Err(err).
				Stringer("op", r.op).
				Uint64("block", r.startBlock).
				Uint64("blocks", r.numBlocks).
				Msg("Request failed.")
		}

		metrics.Requests.WithLabelValues(r.op.String(), metrics.Status(err)).Inc()
		metrics.Duration.WithLabelValues(r.op.String()).Observe(time.Since(r.began).Seconds())

		// The device may be deleted from within done.
		if r.admitted {
			r.dev.gate.Leave()
		}

		if r.done != nil {
			r.done(err, n)
		}
	})
}
