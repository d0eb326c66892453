// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ofsbd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/bits"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ofsbd/ofsbd/internal/ofsbd/chunk"
	"github.com/ofsbd/ofsbd/internal/ofsbd/inflight"
	"github.com/ofsbd/ofsbd/internal/ofsbd/objproxy"
	"github.com/ofsbd/ofsbd/internal/ofsbd/store"
	"github.com/ofsbd/ofsbd/internal/ofsbd/uri"
)

const (
	DefaultBlockSize = 4096
	DefaultChunkSize = 4 * 1024 * 1024

	// Smallest block size a device can be created with.
	minBlockSize = 512
)

// Config describes a device to create. Zero BlockSize and ChunkSize are
// replaced by the defaults. The json names are the parameters of the
// bdev_ofs_create call.
type Config struct {
	Name      string `json:"name"`
	URI       string `json:"uri"`
	SizeBytes uint64 `json:"size"`
	BlockSize uint32 `json:"block_size,omitempty"`
	ChunkSize uint32 `json:"chunk_size,omitempty"`
}

// Validates the config, fills in defaults and returns the parsed location.
func (c Config) normalize(maxPathLen int) (Config, uri.Location, error) {
	var loc uri.Location

	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}

	switch {
	case c.Name == "" || c.Name == "." || c.Name == "..":
		return c, loc, fmt.Errorf("%w: invalid name %q", ErrInvalidConfig, c.Name)
	case strings.ContainsRune(c.Name, '/'):
		return c, loc, fmt.Errorf("%w: name %q contains '/'", ErrInvalidConfig, c.Name)
	case c.SizeBytes == 0:
		return c, loc, fmt.Errorf("%w: size must be greater than 0", ErrInvalidConfig)
	case c.BlockSize < minBlockSize || bits.OnesCount32(c.BlockSize) != 1:
		return c, loc, fmt.Errorf("%w: block size %d is not a power of two >= %d", ErrInvalidConfig, c.BlockSize, minBlockSize)
	case c.ChunkSize%c.BlockSize != 0:
		return c, loc, fmt.Errorf("%w: chunk size %d is not a multiple of block size %d", ErrInvalidConfig, c.ChunkSize, c.BlockSize)
	case c.SizeBytes%uint64(c.BlockSize) != 0:
		return c, loc, fmt.Errorf("%w: size %d is not a multiple of block size %d", ErrInvalidConfig, c.SizeBytes, c.BlockSize)
	}

	loc, err := uri.Parse(c.URI)
	if err != nil {
		return c, loc, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	// The last chunk has the longest path.
	last := chunk.Count(c.SizeBytes, c.ChunkSize) - 1
	if _, err := chunk.Path(loc.Volume, loc.Bucket, c.Name, last, maxPathLen); err != nil {
		return c, loc, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return c, loc, nil
}

// Device is one registered block device. All its chunks live on the service
// named in its URI and are reached through a dedicated connection.
type Device struct {
	cfg        Config
	id         uuid.UUID
	loc        uri.Location
	blockCount uint64
	maxPathLen int

	// Creation order in the registry.
	seq uint64

	conn  store.Conn
	proxy *objproxy.ObjectProxy
	gate  inflight.Gate

	logger zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

func newDevice(cfg Config, loc uri.Location, conn store.Conn, o Options, seq uint64) *Device {
	return &Device{
		cfg:        cfg,
		id:         uuid.New(),
		loc:        loc,
		blockCount: cfg.SizeBytes / uint64(cfg.BlockSize),
		maxPathLen: o.MaxPathLen,
		seq:        seq,
		conn:       conn,
		proxy:      objproxy.New(conn, o.Proxy),
		logger:     log.With().Str("device", cfg.Name).Logger(),
	}
}

func (d *Device) Name() string {
	return d.cfg.Name
}

func (d *Device) UUID() uuid.UUID {
	return d.id
}

func (d *Device) URI() string {
	return d.cfg.URI
}

func (d *Device) Location() uri.Location {
	return d.loc
}

func (d *Device) SizeBytes() uint64 {
	return d.cfg.SizeBytes
}

func (d *Device) BlockSize() uint32 {
	return d.cfg.BlockSize
}

func (d *Device) ChunkSize() uint32 {
	return d.cfg.ChunkSize
}

// BlockCount is the number of addressable blocks.
func (d *Device) BlockCount() uint64 {
	return d.blockCount
}

func (d *Device) Config() Config {
	return d.cfg
}

// Inflight returns the number of requests running against the device.
func (d *Device) Inflight() int64 {
	return d.gate.Current()
}

// ChunkCount is the number of chunks backing the device, the last one may be
// shorter than the chunk size.
func (d *Device) ChunkCount() uint64 {
	return chunk.Count(d.cfg.SizeBytes, d.cfg.ChunkSize)
}

func (d *Device) chunkPath(id uint64) (string, error) {
	return chunk.Path(d.loc.Volume, d.loc.Bucket, d.cfg.Name, id, d.maxPathLen)
}

// Info is the description of a device returned by the admin interface.
type Info struct {
	Name       string `json:"name"`
	UUID       string `json:"uuid"`
	URI        string `json:"uri"`
	SizeBytes  uint64 `json:"size"`
	BlockSize  uint32 `json:"block_size"`
	ChunkSize  uint32 `json:"chunk_size"`
	BlockCount uint64 `json:"num_blocks"`
}

func (d *Device) Info() Info {
	return Info{
		Name:       d.cfg.Name,
		UUID:       d.id.String(),
		URI:        d.cfg.URI,
		SizeBytes:  d.cfg.SizeBytes,
		BlockSize:  d.cfg.BlockSize,
		ChunkSize:  d.cfg.ChunkSize,
		BlockCount: d.blockCount,
	}
}

// DumpInfoJSON writes the driver specific part of the device description.
func (d *Device) DumpInfoJSON(w io.Writer) error {
	var dump struct {
		OFS struct {
			URI       string `json:"uri"`
			ChunkSize uint32 `json:"chunk_size"`
			BlockSize uint32 `json:"block_size"`
		} `json:"ofs"`
	}
	dump.OFS.URI = d.cfg.URI
	dump.OFS.ChunkSize = d.cfg.ChunkSize
	dump.OFS.BlockSize = d.cfg.BlockSize

	return json.NewEncoder(w).Encode(dump)
}

// ConfigCall is a JSON-RPC call recreating a device.
type ConfigCall struct {
	Method string `json:"method"`
	Params Config `json:"params"`
}

// WriteConfigJSON writes the call which recreates the device.
func (d *Device) WriteConfigJSON(w io.Writer) error {
	return json.NewEncoder(w).Encode(d.configCall())
}

func (d *Device) configCall() ConfigCall {
	return ConfigCall{Method: "bdev_ofs_create", Params: d.cfg}
}

func (d *Device) logCreated() {
	d.logger.Info().
		Str("uuid", d.id.String()).
		Str("uri", d.cfg.URI).
		Str("size", humanize.IBytes(d.cfg.SizeBytes)).
		Uint32("block_size", d.cfg.BlockSize).
		Str("chunk_size", humanize.IBytes(uint64(d.cfg.ChunkSize))).
		Uint64("chunks", d.ChunkCount()).
		Msg("Device created.")
}

// Stops admitting requests, waits for the running ones and releases the
// connection. If ctx is done first the release finishes in the background.
func (d *Device) destroy(ctx context.Context) error {
	if err := d.gate.Close(ctx); err != nil {
		d.logger.Warn().Int64("inflight", d.gate.Current()).Msg("Drain interrupted, releasing device in background.")
		go func() {
			d.gate.Close(context.Background())
			d.release()
		}()

		return fmt.Errorf("drain %s: %w", d.cfg.Name, err)
	}

	return d.release()
}

func (d *Device) release() error {
	d.closeOnce.Do(func() {
		d.proxy.Close()
		d.closeErr = d.conn.Close()
		d.logger.Info().Err(d.closeErr).Msg("Device destroyed.")
	})

	return d.closeErr
}
