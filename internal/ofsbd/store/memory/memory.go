// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memory implements an in-memory backing store. Objects live as long
// as the process; connections to the same service id share them.
package memory

import (
	"context"
	"sync"

	"github.com/ofsbd/ofsbd/internal/ofsbd/store"
)

const Type = "memory"

var (
	servicesMu sync.Mutex
	services   = make(map[string]*Store)
)

func init() {
	store.Register(Type, func(ctx context.Context, svc store.Service) (store.Conn, error) {
		servicesMu.Lock()
		defer servicesMu.Unlock()

		s, ok := services[svc.ID]
		if !ok {
			s = New()
			services[svc.ID] = s
		}

		return s.Conn(), nil
	})
}

// Store holds objects in memory.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

// Conn returns a new connection to the store. Closing it keeps the data.
func (s *Store) Conn() *Conn {
	return &Conn{store: s}
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.objects)
}

// Object returns a copy of the object at path.
func (s *Store) Object(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.objects[path]
	if !ok {
		return nil, false
	}

	return append([]byte(nil), o...), true
}

// Conn implements store.Conn on top of a Store.
type Conn struct {
	store *Store

	mu     sync.Mutex
	closed bool
}

func (c *Conn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return store.ErrNotReachable
	}

	return nil
}

func (c *Conn) ReadAt(ctx context.Context, path string, p []byte, off int64) (int, error) {
	if err := c.check(); err != nil {
		return 0, store.Wrap("read", path, err)
	}

	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	o, ok := c.store.objects[path]
	if !ok {
		return 0, store.Wrap("read", path, store.ErrObjectNotFound)
	}
	if off >= int64(len(o)) {
		return 0, nil
	}

	return copy(p, o[off:]), nil
}

func (c *Conn) WriteAt(ctx context.Context, path string, p []byte, off int64) (int, error) {
	if err := c.check(); err != nil {
		return 0, store.Wrap("write", path, err)
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	o := c.store.objects[path]
	if end := off + int64(len(p)); end > int64(len(o)) {
		grown := make([]byte, end)
		copy(grown, o)
		o = grown
	}

	n := copy(o[off:], p)
	c.store.objects[path] = o

	return n, nil
}

func (c *Conn) Delete(ctx context.Context, path string) error {
	if err := c.check(); err != nil {
		return store.Wrap("delete", path, err)
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	delete(c.store.objects, path)

	return nil
}

func (c *Conn) Exists(ctx context.Context, path string) (bool, error) {
	if err := c.check(); err != nil {
		return false, store.Wrap("exists", path, err)
	}

	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	_, ok := c.store.objects[path]

	return ok, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	return nil
}
