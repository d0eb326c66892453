// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Service describes how to reach one service id. Which fields are used
// depends on Type.
type Service struct {
	ID        string
	Type      string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Root      string
}

// Dialer opens a connection to a service of its type.
type Dialer func(ctx context.Context, svc Service) (Conn, error)

var (
	dialersMu sync.RWMutex
	dialers   = make(map[string]Dialer)
)

// Register makes a backend type available to directories. It is meant to be
// called from init() of the backend package.
func Register(typ string, d Dialer) {
	dialersMu.Lock()
	defer dialersMu.Unlock()

	dialers[typ] = d
}

// Types returns the registered backend types, sorted.
func Types() []string {
	dialersMu.RLock()
	defer dialersMu.RUnlock()

	types := make([]string, 0, len(dialers))
	for t := range dialers {
		types = append(types, t)
	}
	sort.Strings(types)

	return types
}

// Directory resolves service ids to their descriptions and dials them. It is
// read-only after construction.
type Directory struct {
	services map[string]Service
}

func NewDirectory(services ...Service) *Directory {
	d := &Directory{services: make(map[string]Service, len(services))}
	for _, s := range services {
		d.services[s.ID] = s
	}

	return d
}

// Connect dials the service with the given id. All failures match ErrConnect.
func (d *Directory) Connect(ctx context.Context, service string) (Conn, error) {
	if service == "" {
		return nil, fmt.Errorf("%w: empty service id", ErrConnect)
	}

	svc, ok := d.services[service]
	if !ok {
		return nil, fmt.Errorf("%w: service %q: %w", ErrConnect, service, ErrNotReachable)
	}

	dialersMu.RLock()
	dial, ok := dialers[svc.Type]
	dialersMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: service %q: unknown type %q", ErrConnect, service, svc.Type)
	}

	conn, err := dial(ctx, svc)
	if err != nil {
		return nil, fmt.Errorf("%w: service %q: %w", ErrConnect, service, err)
	}

	return conn, nil
}
