// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// ofsbd is a userspace daemon exposing block devices whose data lives in
// fixed-size chunk objects on an object store. Devices are addressed by
// ofs://<service>/<volume>/<bucket> URIs and managed over a JSON-RPC
// interface. It is designed for easy extension of all the important parts.
// Hence the S3 protocol can be easily replaced by any other store.
//
// Project structure is following:
//
// - internal/ofsbd contains the device registry and the translation of block
// requests to chunk operations. Its subpackages hold URI parsing, chunk
// addressing, the object proxy and the backing store client.
//
// - internal/ofsbd/store contains the store interface and its backends: s3,
// file, memory and null. The null backend does nothing but correctly and
// can be used for benchmarking the rest of the stack.
//
// - internal/rpc contains the JSON-RPC administration interface.
//
// - internal/config contains the configuration package.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ofsbd/ofsbd/internal/config"
	"github.com/ofsbd/ofsbd/internal/ofsbd"
	"github.com/ofsbd/ofsbd/internal/ofsbd/store"
	_ "github.com/ofsbd/ofsbd/internal/ofsbd/store/file"
	_ "github.com/ofsbd/ofsbd/internal/ofsbd/store/memory"
	_ "github.com/ofsbd/ofsbd/internal/ofsbd/store/null"
	_ "github.com/ofsbd/ofsbd/internal/ofsbd/store/s3"
	"github.com/ofsbd/ofsbd/internal/rpc"
)

// How long to wait for requests in flight at shutdown.
const shutdownTimeout = 30 * time.Second

// Parse configuration from file and environment variables, creates the
// configured devices and serves the administration interface. The daemon
// runs until it is signaled by SIGINT or SIGTERM to gracefully finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	registry := ofsbd.NewRegistry(ofsbd.Options{
		Connector:  store.NewDirectory(config.Cfg.StoreServices()...),
		Proxy:      config.Cfg.ProxyOptions(),
		MaxDevices: config.Cfg.MaxDevices,
		MaxPathLen: config.Cfg.Store.MaxPathLen,
	})

	log.Info().Strs("backends", store.Types()).Int("services", len(config.Cfg.Services)).Send()

	if err := createDevices(registry); err != nil {
		registry.Close(context.Background())
		log.Panic().Err(err).Send()
	}

	server := &http.Server{
		Addr:              config.Cfg.Listen,
		Handler:           rpc.New(registry).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	registerSigHandlers(server)

	log.Info().Str("listen", config.Cfg.Listen).Msg("Serving JSON-RPC and metrics.")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Send()
	}

	log.Info().Int("devices", registry.Count()).Msg("Removing devices.")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := registry.Close(ctx); err != nil {
		log.Error().Err(err).Send()
	}
}

// Creates devices listed in the configuration file.
func createDevices(registry *ofsbd.Registry) error {
	configs, err := config.Cfg.DeviceConfigs()
	if err != nil {
		return err
	}

	for _, c := range configs {
		if _, err := registry.Create(context.Background(), c); err != nil {
			return fmt.Errorf("device %s: %w", c.Name, err)
		}
	}

	return nil
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(server *http.Server) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, stopping!")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Send()
		}
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
