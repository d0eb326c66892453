// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ofsbd/ofsbd/internal/ofsbd"
	"github.com/ofsbd/ofsbd/internal/ofsbd/objproxy"
	"github.com/ofsbd/ofsbd/internal/ofsbd/store"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/ofsbd/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all scalar options can be overriden by environment
// variable specified in this structure. Services and devices are tables of
// the file only.
type Config struct {
	ConfigPath string

	Listen     string `toml:"listen" env:"OFSBD_LISTEN" env-default:"localhost:5260" env-description:"Address of the JSON-RPC and metrics listener."`
	MaxDevices int    `toml:"max_devices" env:"OFSBD_MAX_DEVICES" env-default:"0" env-description:"Maximal number of devices. 0 means unlimited."`

	Store struct {
		Readers      int     `toml:"readers" env:"OFSBD_STORE_READERS" env-description:"Number of reader go routines per device." env-default:"16"`
		Writers      int     `toml:"writers" env:"OFSBD_STORE_WRITERS" env-description:"Number of writer go routines per device." env-default:"16"`
		Retries      int     `toml:"retries" env:"OFSBD_STORE_RETRIES" env-description:"How many times to repeat an operation on unreachable store." env-default:"3"`
		RetryWaitMs  int64   `toml:"retry_wait" env:"OFSBD_STORE_RETRYWAIT" env-description:"Initial wait before repeating an operation. In ms." env-default:"100"`
		OpsPerSecond float64 `toml:"ops_per_second" env:"OFSBD_STORE_OPS" env-description:"Store operations per second per device. 0 means unlimited." env-default:"0"`
		MaxPathLen   int     `toml:"max_path_len" env:"OFSBD_STORE_MAXPATHLEN" env-description:"Longest chunk path accepted." env-default:"1024"`
	} `toml:"store"`

	Services []Service `toml:"service"`
	Devices  []Device  `toml:"device"`

	Log struct {
		Level  int  `toml:"level" env:"OFSBD_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"OFSBD_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"OFSBD_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"OFSBD_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Service is one [[service]] table, a backing store devices can refer to.
type Service struct {
	ID        string `toml:"id"`
	Type      string `toml:"type"`
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Root      string `toml:"root"`
}

// Device is one [[device]] table created at start. Sizes are human readable,
// e.g. "16GiB".
type Device struct {
	Name      string `toml:"name"`
	URI       string `toml:"uri"`
	Size      string `toml:"size"`
	BlockSize string `toml:"block_size"`
	ChunkSize string `toml:"chunk_size"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it validates the tables.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	ids := make(map[string]bool)
	for _, s := range Cfg.Services {
		if s.ID == "" || s.Type == "" {
			return fmt.Errorf("service %q: id and type are required", s.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("service %q defined twice", s.ID)
		}
		ids[s.ID] = true
	}

	if _, err := Cfg.DeviceConfigs(); err != nil {
		return err
	}

	return nil
}

// StoreServices returns the services for store.NewDirectory.
func (c *Config) StoreServices() []store.Service {
	services := make([]store.Service, 0, len(c.Services))
	for _, s := range c.Services {
		services = append(services, store.Service(s))
	}

	return services
}

// ProxyOptions returns the settings of per device object proxies.
func (c *Config) ProxyOptions() objproxy.Options {
	return objproxy.Options{
		Readers:      c.Store.Readers,
		Writers:      c.Store.Writers,
		Retries:      c.Store.Retries,
		RetryWait:    time.Duration(c.Store.RetryWaitMs) * time.Millisecond,
		OpsPerSecond: c.Store.OpsPerSecond,
	}
}

// DeviceConfigs returns the configured devices with sizes in bytes.
func (c *Config) DeviceConfigs() ([]ofsbd.Config, error) {
	configs := make([]ofsbd.Config, 0, len(c.Devices))
	for _, d := range c.Devices {
		size, err := parseSize(d.Size)
		if err != nil {
			return nil, fmt.Errorf("device %q: size: %w", d.Name, err)
		}
		blockSize, err := parseSize(d.BlockSize)
		if err != nil || blockSize > 1<<31 {
			return nil, fmt.Errorf("device %q: block size %q invalid", d.Name, d.BlockSize)
		}
		chunkSize, err := parseSize(d.ChunkSize)
		if err != nil || chunkSize > 1<<31 {
			return nil, fmt.Errorf("device %q: chunk size %q invalid", d.Name, d.ChunkSize)
		}

		configs = append(configs, ofsbd.Config{
			Name:      d.Name,
			URI:       d.URI,
			SizeBytes: size,
			BlockSize: uint32(blockSize),
			ChunkSize: uint32(chunkSize),
		})
	}

	return configs, nil
}

// Empty size means the default, i.e. 0.
func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}

	return humanize.ParseBytes(s)
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("ofsbd", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
