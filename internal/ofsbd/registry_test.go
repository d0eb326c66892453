// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ofsbd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ofsbd/ofsbd/internal/ofsbd/chunk"
	"github.com/ofsbd/ofsbd/internal/ofsbd/store"
	"github.com/ofsbd/ofsbd/internal/ofsbd/store/memory"
	"github.com/ofsbd/ofsbd/internal/ofsbd/uri"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testURI = "ofs://svc1/vol1/bucket1"

// Registry connecting every device of service svc1 to mem. wrap, when set,
// decorates each new connection.
func newTestRegistry(t *testing.T, mem *memory.Store, wrap func(store.Conn) store.Conn, o Options) *Registry {
	t.Helper()

	o.Connector = store.ConnectorFunc(func(ctx context.Context, service string) (store.Conn, error) {
		if service != "svc1" {
			return nil, store.Wrap("connect", service, store.ErrNotReachable)
		}

		var c store.Conn = mem.Conn()
		if wrap != nil {
			c = wrap(c)
		}

		return c, nil
	})

	r := NewRegistry(o)
	t.Cleanup(func() {
		assert.NoError(t, r.Close(context.Background()))
	})

	return r
}

func testConfig(name string) Config {
	return Config{
		Name:      name,
		URI:       testURI,
		SizeBytes: 16 * 1024 * 1024,
		BlockSize: 4096,
		ChunkSize: 4 * 1024 * 1024,
	}
}

func TestRegistry_CreateDelete(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, memory.New(), nil, Options{})

	d, err := r.Create(ctx, testConfig("dev0"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, uint64(4096), d.BlockCount())
	assert.Equal(t, uint64(4), d.ChunkCount())
	assert.Equal(t, uri.Location{Service: "svc1", Volume: "vol1", Bucket: "bucket1"}, d.Location())

	got, err := r.Lookup("dev0")
	require.NoError(t, err)
	assert.Same(t, d, got)

	_, err = r.Create(ctx, testConfig("dev1"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Count())

	require.NoError(t, r.Delete(ctx, "dev0"))
	assert.Equal(t, 1, r.Count())

	_, err = r.Lookup("dev0")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Delete(ctx, "dev0"), ErrNotFound)
}

func TestRegistry_Defaults(t *testing.T) {
	r := newTestRegistry(t, memory.New(), nil, Options{})

	d, err := r.Create(context.Background(), Config{Name: "dev0", URI: testURI, SizeBytes: 16 * 1024 * 1024})
	require.NoError(t, err)
	assert.Equal(t, uint32(DefaultBlockSize), d.BlockSize())
	assert.Equal(t, uint32(DefaultChunkSize), d.ChunkSize())
}

func TestRegistry_Duplicate(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, memory.New(), nil, Options{})

	first, err := r.Create(ctx, testConfig("dev0"))
	require.NoError(t, err)

	cfg := testConfig("dev0")
	cfg.SizeBytes = 4096
	_, err = r.Create(ctx, cfg)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	assert.Equal(t, 1, r.Count())
	got, err := r.Lookup("dev0")
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, uint64(16*1024*1024), got.SizeBytes())
}

func TestRegistry_InvalidConfig(t *testing.T) {
	r := newTestRegistry(t, memory.New(), nil, Options{MaxPathLen: 64})

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty name", func(c *Config) { c.Name = "" }},
		{"dot name", func(c *Config) { c.Name = ".." }},
		{"slash in name", func(c *Config) { c.Name = "a/b" }},
		{"zero size", func(c *Config) { c.SizeBytes = 0 }},
		{"block size not power of two", func(c *Config) { c.BlockSize = 3000 }},
		{"block size too small", func(c *Config) { c.BlockSize = 256 }},
		{"chunk not multiple of block", func(c *Config) { c.ChunkSize = 4096 + 512 }},
		{"size not multiple of block", func(c *Config) { c.SizeBytes = 4097 }},
		{"bad scheme", func(c *Config) { c.URI = "http://x/y/z" }},
		{"missing bucket", func(c *Config) { c.URI = "ofs://onlyservice" }},
		{"chunk path too long", func(c *Config) { c.Name = strings.Repeat("n", 60) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("dev0")
			tt.modify(&cfg)

			_, err := r.Create(context.Background(), cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Zero(t, r.Count())
		})
	}
}

func TestRegistry_InvalidConfigCauses(t *testing.T) {
	r := newTestRegistry(t, memory.New(), nil, Options{MaxPathLen: 64})

	cfg := testConfig(strings.Repeat("n", 60))
	_, err := r.Create(context.Background(), cfg)
	assert.ErrorIs(t, err, chunk.ErrNameTooLong)

	cfg = testConfig("dev0")
	cfg.URI = "ofs://svc"
	_, err = r.Create(context.Background(), cfg)
	assert.ErrorIs(t, err, uri.ErrInvalidFormat)

	var uerr *uri.Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "volume", uerr.Field)
}

func TestRegistry_ConnectFailure(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, memory.New(), nil, Options{})

	cfg := testConfig("dev0")
	cfg.URI = "ofs://unknown/vol1/bucket1"
	_, err := r.Create(ctx, cfg)
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, err, ErrNotReachable)
	assert.Zero(t, r.Count())

	// The name is free again.
	_, err = r.Create(ctx, testConfig("dev0"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_ConnectFailureWrapped(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry(Options{
		Connector: store.ConnectorFunc(func(ctx context.Context, service string) (store.Conn, error) {
			return nil, boom
		}),
	})

	_, err := r.Create(context.Background(), testConfig("dev0"))
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, r.Count())

	_, err = NewRegistry(Options{}).Create(context.Background(), testConfig("dev0"))
	assert.ErrorIs(t, err, ErrConnect)
}

func TestRegistry_MaxDevices(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, memory.New(), nil, Options{MaxDevices: 2})

	_, err := r.Create(ctx, testConfig("dev0"))
	require.NoError(t, err)
	_, err = r.Create(ctx, testConfig("dev1"))
	require.NoError(t, err)

	_, err = r.Create(ctx, testConfig("dev2"))
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, 2, r.Count())

	require.NoError(t, r.Delete(ctx, "dev0"))
	_, err = r.Create(ctx, testConfig("dev2"))
	assert.NoError(t, err)
}

// Creation of one device must not hold the registry while connecting.
func TestRegistry_ConnectOutsideLock(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	entered := make(chan struct{})
	release := make(chan struct{})

	r := NewRegistry(Options{
		Connector: store.ConnectorFunc(func(ctx context.Context, service string) (store.Conn, error) {
			if service == "slow" {
				close(entered)
				<-release
			}
			return mem.Conn(), nil
		}),
	})
	defer func() {
		assert.NoError(t, r.Close(ctx))
	}()

	created := make(chan error, 1)
	go func() {
		cfg := testConfig("slow")
		cfg.URI = "ofs://slow/vol1/bucket1"
		_, err := r.Create(ctx, cfg)
		created <- err
	}()
	<-entered

	_, err := r.Create(ctx, testConfig("dev0"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count())

	// A reserved name is taken.
	cfg := testConfig("slow")
	_, err = r.Create(ctx, cfg)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	close(release)
	require.NoError(t, <-created)
	assert.Equal(t, 2, r.Count())
}

func TestRegistry_ListOrder(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, memory.New(), nil, Options{})

	names := []string{"c", "a", "b"}
	for _, n := range names {
		_, err := r.Create(ctx, testConfig(n))
		require.NoError(t, err)
	}

	var got []string
	for _, d := range r.List() {
		got = append(got, d.Name())
	}
	assert.Equal(t, names, got)

	calls := r.ConfigCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, "bdev_ofs_create", calls[0].Method)
	assert.Equal(t, "c", calls[0].Params.Name)
}

func TestRegistry_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, memory.New(), nil, Options{})

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create(ctx, testConfig("dev0")); err == nil {
				created.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrAlreadyExists)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, r.Count())
}

func TestDevice_Diagnostics(t *testing.T) {
	r := newTestRegistry(t, memory.New(), nil, Options{})

	d, err := r.Create(context.Background(), testConfig("dev0"))
	require.NoError(t, err)

	info := d.Info()
	assert.Equal(t, "dev0", info.Name)
	assert.Equal(t, d.UUID().String(), info.UUID)
	assert.Equal(t, uint64(4096), info.BlockCount)

	var buf bytes.Buffer
	require.NoError(t, d.DumpInfoJSON(&buf))
	assert.JSONEq(t, `{"ofs":{"uri":"ofs://svc1/vol1/bucket1","chunk_size":4194304,"block_size":4096}}`, buf.String())

	buf.Reset()
	require.NoError(t, d.WriteConfigJSON(&buf))
	assert.JSONEq(t, `{
		"method": "bdev_ofs_create",
		"params": {"name":"dev0","uri":"ofs://svc1/vol1/bucket1","size":16777216,"block_size":4096,"chunk_size":4194304}
	}`, buf.String())

	// The written call recreates the device.
	var call ConfigCall
	require.NoError(t, json.Unmarshal(buf.Bytes(), &call))
	require.NoError(t, r.Delete(context.Background(), "dev0"))
	again, err := r.Create(context.Background(), call.Params)
	require.NoError(t, err)
	assert.Equal(t, d.Config(), again.Config())
	assert.NotEqual(t, d.UUID(), again.UUID())
}

func TestRegistry_CloseDeletesAll(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Options{
		Connector: store.ConnectorFunc(func(ctx context.Context, service string) (store.Conn, error) {
			return memory.New().Conn(), nil
		}),
	})

	for _, n := range []string{"a", "b"} {
		_, err := r.Create(ctx, testConfig(n))
		require.NoError(t, err)
	}

	require.NoError(t, r.Close(ctx))
	assert.Zero(t, r.Count())
	assert.Empty(t, r.List())
}

func TestRegistry_DeleteTimeout(t *testing.T) {
	mem := memory.New()
	slow := &latencyConn{delay: 100 * time.Millisecond}
	r := NewRegistry(Options{
		Connector: store.ConnectorFunc(func(ctx context.Context, service string) (store.Conn, error) {
			slow.Conn = mem.Conn()
			return slow, nil
		}),
	})

	d, err := r.Create(context.Background(), testConfig("dev0"))
	require.NoError(t, err)

	done := make(chan error, 1)
	d.Submit(OpWrite, 0, 1, make([]byte, 4096), func(err error, n uint64) {
		done <- err
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Delete(ctx, "dev0"), context.DeadlineExceeded)
	assert.Zero(t, r.Count())

	// The request still finishes and the device is released afterwards.
	assert.NoError(t, <-done)
	assert.Eventually(t, func() bool {
		return slow.closed.Load()
	}, time.Second, 5*time.Millisecond)
}
