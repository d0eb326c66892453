// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ofsbd

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ofsbd/ofsbd/internal/ofsbd/chunk"
	"github.com/ofsbd/ofsbd/internal/ofsbd/metrics"
	"github.com/ofsbd/ofsbd/internal/ofsbd/objproxy"
	"github.com/ofsbd/ofsbd/internal/ofsbd/store"
)

// Options to use in NewRegistry() function due to high number of parameters.
type Options struct {
	// Opens the connection to the service named in the device URI.
	Connector store.Connector

	// Settings of the per device object proxy.
	Proxy objproxy.Options

	// Upper bound of registered devices, 0 means unlimited.
	MaxDevices int

	// Longest chunk path accepted at creation. 0 means
	// chunk.DefaultMaxPathLen.
	MaxPathLen int
}

// Registry owns all live devices. The lock only guards the maps, connections
// are never opened or closed under it.
type Registry struct {
	opts Options

	mutex    sync.Mutex
	devices  map[string]*Device
	reserved map[string]struct{}
	seq      uint64
}

func NewRegistry(o Options) *Registry {
	if o.MaxPathLen <= 0 {
		o.MaxPathLen = chunk.DefaultMaxPathLen
	}

	return &Registry{
		opts:     o,
		devices:  make(map[string]*Device),
		reserved: make(map[string]struct{}),
	}
}

// Create validates cfg, connects to the backing service and registers the
// device. On failure nothing is registered.
func (r *Registry) Create(ctx context.Context, cfg Config) (*Device, error) {
	cfg, loc, err := cfg.normalize(r.opts.MaxPathLen)
	if err != nil {
		return nil, err
	}

	seq, err := r.reserve(cfg.Name)
	if err != nil {
		return nil, err
	}

	conn, err := r.connect(ctx, loc.Service)
	if err != nil {
		r.unreserve(cfg.Name)
		return nil, fmt.Errorf("create %s: %w", cfg.Name, err)
	}

	d := newDevice(cfg, loc, conn, r.opts, seq)

	r.mutex.Lock()
	delete(r.reserved, cfg.Name)
	r.devices[cfg.Name] = d
	r.mutex.Unlock()

	metrics.Devices.Inc()
	d.logCreated()

	return d, nil
}

func (r *Registry) connect(ctx context.Context, service string) (store.Conn, error) {
	if r.opts.Connector == nil {
		return nil, fmt.Errorf("%w: no connector", store.ErrConnect)
	}

	conn, err := r.opts.Connector.Connect(ctx, service)
	if err != nil {
		if !errors.Is(err, store.ErrConnect) {
			err = fmt.Errorf("%w: %w", store.ErrConnect, err)
		}
		return nil, err
	}

	return conn, nil
}

func (r *Registry) reserve(name string) (uint64, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	_, live := r.devices[name]
	_, pending := r.reserved[name]
	if live || pending {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	if r.opts.MaxDevices > 0 && len(r.devices)+len(r.reserved) >= r.opts.MaxDevices {
		return 0, fmt.Errorf("%w: %d devices registered", ErrResourceExhausted, r.opts.MaxDevices)
	}

	r.reserved[name] = struct{}{}
	r.seq++

	return r.seq, nil
}

func (r *Registry) unreserve(name string) {
	r.mutex.Lock()
	delete(r.reserved, name)
	r.mutex.Unlock()
}

// Delete unregisters the device, waits for its requests in flight and closes
// its connection. If ctx is done before the requests finish the device is
// already unregistered and its connection is closed in the background.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mutex.Lock()
	d, ok := r.devices[name]
	if ok {
		delete(r.devices, name)
	}
	r.mutex.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	metrics.Devices.Dec()

	return d.destroy(ctx)
}

func (r *Registry) Lookup(name string) (*Device, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	d, ok := r.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return d, nil
}

// Count returns the number of registered devices. Devices still being
// created are not counted.
func (r *Registry) Count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.devices)
}

// List returns registered devices in creation order.
func (r *Registry) List() []*Device {
	r.mutex.Lock()
	list := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, d)
	}
	r.mutex.Unlock()

	slices.SortFunc(list, func(a, b *Device) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	return list
}

// ConfigCalls returns the calls recreating all registered devices.
func (r *Registry) ConfigCalls() []ConfigCall {
	list := r.List()
	calls := make([]ConfigCall, 0, len(list))
	for _, d := range list {
		calls = append(calls, d.configCall())
	}

	return calls
}

// Submit resolves the device and submits the request to it. An unknown
// device completes the request with ErrNotFound.
func (r *Registry) Submit(name string, op Op, startBlock, numBlocks uint64, buf []byte, done Completion) {
	d, err := r.Lookup(name)
	if err != nil {
		go func() {
			metrics.Requests.WithLabelValues(op.String(), metrics.Status(err)).Inc()
			if done != nil {
				done(err, 0)
			}
		}()
		return
	}

	d.Submit(op, startBlock, numBlocks, buf, done)
}

// Close deletes all devices. It returns the joined errors of the deletions.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, d := range r.List() {
		if err := r.Delete(ctx, d.Name()); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}

	log.Info().Int("remaining", r.Count()).Msg("Registry closed.")

	return errors.Join(errs...)
}
