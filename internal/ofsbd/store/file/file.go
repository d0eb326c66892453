// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package file implements the backing store on a local directory, e.g. a
// mounted ofs volume. Chunk paths are resolved below the service root and
// written with positioned writes, so partial chunk writes need no read.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ofsbd/ofsbd/internal/ofsbd/store"
)

const Type = "file"

func init() {
	store.Register(Type, func(ctx context.Context, svc store.Service) (store.Conn, error) {
		return New(svc.Root)
	})
}

// Conn implements store.Conn and store.Flusher on a directory. Writes are
// not synced until Flush.
type Conn struct {
	root string

	// Chunks written since the last flush.
	dirtyMu sync.Mutex
	dirty   map[string]struct{}
}

// New returns a connection rooted at root. The directory has to exist,
// otherwise the service is considered unreachable.
func New(root string) (*Conn, error) {
	if root == "" {
		return nil, fmt.Errorf("root required for file backend: %w", store.ErrNotReachable)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrNotReachable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory: %w", root, store.ErrNotReachable)
	}

	return &Conn{root: root, dirty: make(map[string]struct{})}, nil
}

func (c *Conn) resolve(path string) string {
	return filepath.Join(c.root, filepath.FromSlash(filepath.Clean("/"+path)))
}

func (c *Conn) ReadAt(ctx context.Context, path string, p []byte, off int64) (int, error) {
	f, err := os.Open(c.resolve(path))
	if err != nil {
		return 0, store.Wrap("read", path, classify(err))
	}
	defer f.Close()

	n, err := f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}

	return n, store.Wrap("read", path, err)
}

func (c *Conn) WriteAt(ctx context.Context, path string, p []byte, off int64) (int, error) {
	name := c.resolve(path)

	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return 0, store.Wrap("write", path, classify(err))
	}

	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return 0, store.Wrap("write", path, classify(err))
	}

	n, err := f.WriteAt(p, off)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err == nil && n < len(p) {
		err = store.ErrPartialWrite
	} else if err != nil && n < len(p) {
		err = fmt.Errorf("%w: %d of %d bytes: %w", store.ErrPartialWrite, n, len(p), err)
	}

	if n > 0 {
		c.dirtyMu.Lock()
		c.dirty[name] = struct{}{}
		c.dirtyMu.Unlock()
	}

	return n, store.Wrap("write", path, err)
}

func (c *Conn) Delete(ctx context.Context, path string) error {
	name := c.resolve(path)

	err := os.Remove(name)
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}

	c.dirtyMu.Lock()
	delete(c.dirty, name)
	c.dirtyMu.Unlock()

	return store.Wrap("delete", path, err)
}

func (c *Conn) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(c.resolve(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	return false, store.Wrap("exists", path, err)
}

// Flush syncs every chunk written since the previous flush. Chunks failing
// to sync stay dirty.
func (c *Conn) Flush(ctx context.Context) error {
	c.dirtyMu.Lock()
	names := make([]string, 0, len(c.dirty))
	for name := range c.dirty {
		names = append(names, name)
	}
	c.dirty = make(map[string]struct{})
	c.dirtyMu.Unlock()

	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			c.markDirty(name)
			errs = append(errs, err)
			continue
		}

		if err := syncFile(name); err != nil {
			c.markDirty(name)
			errs = append(errs, store.Wrap("flush", name, err))
		}
	}

	log.Trace().Int("chunks", len(names)).Str("root", c.root).Msg("Flushed chunks.")

	return errors.Join(errs...)
}

func (c *Conn) markDirty(name string) {
	c.dirtyMu.Lock()
	c.dirty[name] = struct{}{}
	c.dirtyMu.Unlock()
}

func syncFile(name string) error {
	f, err := os.OpenFile(name, os.O_WRONLY, 0)
	if errors.Is(err, fs.ErrNotExist) {
		// Deleted after it was written.
		return nil
	}
	if err != nil {
		return err
	}

	err = f.Sync()
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	return err
}

// Dirty returns the number of chunks waiting for a flush.
func (c *Conn) Dirty() int {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()

	return len(c.dirty)
}

func (c *Conn) Close() error {
	return nil
}

func classify(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", store.ErrObjectNotFound, err)
	}

	return err
}
