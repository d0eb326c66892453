// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"context"

	"github.com/ofsbd/ofsbd/internal/ofsbd/store"
)

const Type = "null"

func init() {
	store.Register(Type, func(ctx context.Context, svc store.Service) (store.Conn, error) {
		return New(), nil
	})
}

// Null implementation of store.Conn. Writes are acknowledged and dropped,
// every object is missing, hence reads return zeroes. Useful for measuring
// the overhead of the translation layer without any backend latency.
type null struct {
}

func New() *null {
	return &null{}
}

func (n *null) ReadAt(ctx context.Context, path string, p []byte, off int64) (int, error) {
	return 0, store.Wrap("read", path, store.ErrObjectNotFound)
}

func (n *null) WriteAt(ctx context.Context, path string, p []byte, off int64) (int, error) {
	return len(p), nil
}

func (n *null) Delete(ctx context.Context, path string) error {
	return nil
}

func (n *null) Exists(ctx context.Context, path string) (bool, error) {
	return false, nil
}

func (n *null) Close() error {
	return nil
}
