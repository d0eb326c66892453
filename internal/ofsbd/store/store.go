// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package store defines the connection to the backing store holding chunk
// objects. Anything implementing Conn can be used as a backend; backends
// register a Dialer for their service type from init().
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrConnect = errors.New("connect failed")
	ErrIO      = errors.New("i/o error")

	// Refinements of ErrIO. errors.Is(ErrPartialWrite, ErrIO) holds.
	ErrNotReachable   = fmt.Errorf("%w: not reachable", ErrIO)
	ErrPartialWrite   = fmt.Errorf("%w: partial write", ErrIO)
	ErrObjectNotFound = fmt.Errorf("%w: object not found", ErrIO)
)

// Conn is a connection to one service of the backing store. Paths are
// absolute object paths, /<volume>/<bucket>/<device>/chunk_<id>.
// Implementations must be safe for concurrent use.
type Conn interface {
	// Reads up to len(p) bytes at offset off of the object. Fewer bytes
	// are returned only when the object ends, without error. A missing
	// object is reported as ErrObjectNotFound.
	ReadAt(ctx context.Context, path string, p []byte, off int64) (int, error)

	// Writes p at offset off of the object, creating it when absent.
	// Writing less than len(p) is an ErrPartialWrite.
	WriteAt(ctx context.Context, path string, p []byte, off int64) (int, error)

	// Deletes the object. Deleting a missing object succeeds.
	Delete(ctx context.Context, path string) error

	// Reports whether the object exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Releases the connection. Called exactly once.
	Close() error
}

// Flusher is implemented by connections buffering writes. Flush makes every
// acknowledged write durable.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Connector opens connections to services by their id, the first component
// of an ofs:// address.
type Connector interface {
	Connect(ctx context.Context, service string) (Conn, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, service string) (Conn, error)

func (f ConnectorFunc) Connect(ctx context.Context, service string) (Conn, error) {
	return f(ctx, service)
}

// OpError records a failed operation on an object.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Wrap returns err annotated with op and path. Errors outside of the ErrIO
// family are classified as ErrIO so callers can always match them. Wrap
// returns nil for nil.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}

	if !errors.Is(err, ErrIO) && !errors.Is(err, ErrConnect) {
		err = fmt.Errorf("%w: %w", ErrIO, err)
	}

	return &OpError{Op: op, Path: path, Err: err}
}
