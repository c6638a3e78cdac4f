// Command nexusd serves the control-channel HTTP API described by
// spec.md §6: REGISTER/UNREGISTER/CONFIG_THREAD for convergent-
// encryption, content-addressed cache-backed block devices.
package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openisr/nexus/internal/agent"
	"github.com/openisr/nexus/internal/audit"
	"github.com/openisr/nexus/internal/cache"
	"github.com/openisr/nexus/internal/chunkstore"
	"github.com/openisr/nexus/internal/config"
	"github.com/openisr/nexus/internal/controlapi"
	"github.com/openisr/nexus/internal/debug"
	"github.com/openisr/nexus/internal/device"
	"github.com/openisr/nexus/internal/metrics"
)

func main() {
	var (
		configPath      = flag.String("config", "nexus.yaml", "path to the engine's YAML configuration file")
		logLevel        = flag.String("log-level", "info", "logrus level: debug, info, warn, error")
		listenAddr      = flag.String("listen-addr", "", "control-channel listen address, overrides config.control_api.listen_addr")
		blockMajor      = flag.Uint("block-major", 240, "OS block-device major number handed back by REGISTER")
		minorsPerDevice = flag.Uint("minors-per-device", 16, "OS minor numbers reserved per registered device")
		systemMemory    = flag.Uint64("system-memory-bytes", 0, "total memory available for cache accounting; 0 disables the ceiling check")
	)
	flag.Parse()

	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logger.WithError(err).Fatal("invalid -log-level")
	}
	logger.SetLevel(level)
	debug.InitFromLogLevel(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("load config")
	}

	mx := metrics.NewMetrics()

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger, err = audit.NewLoggerFromConfig(cfg.Audit)
		if err != nil {
			logger.WithError(err).Fatal("construct audit logger")
		}
	}

	var keys agent.KeyManager
	switch {
	case cfg.KMIP.Endpoint != "":
		keyRefs := make([]agent.KMIPKeyReference, 0, len(cfg.KMIP.Keys))
		for _, k := range cfg.KMIP.Keys {
			keyRefs = append(keyRefs, agent.KMIPKeyReference{ID: k.ID, Version: k.Version})
		}
		km, err := agent.NewCosmianKMIPManager(agent.CosmianKMIPOptions{
			Endpoint:  cfg.KMIP.Endpoint,
			Keys:      keyRefs,
			TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			Timeout:   cfg.KMIP.Timeout,
			Provider:  cfg.KMIP.Provider,
		})
		if err != nil {
			logger.WithError(err).Fatal("dial KMIP key custodian")
		}
		keys = km
		defer km.Close(context.Background())
	case cfg.KMIP.LocalMasterKeyHex != "":
		raw, err := hex.DecodeString(cfg.KMIP.LocalMasterKeyHex)
		if err != nil {
			logger.WithError(err).Fatal("invalid kmip.local_master_key_hex")
		}
		lm, err := agent.NewLocalKeyManager(raw)
		if err != nil {
			logger.WithError(err).Fatal("construct local key manager")
		}
		keys = lm
	}

	var metaCache *cache.MetaCache
	if cfg.MetaCache.Addr != "" {
		metaCache = cache.NewMetaCache(cfg.MetaCache.Addr, cfg.MetaCache.Prefix, cfg.MetaCache.TTL, logger)
		defer metaCache.Close()
	}

	registry := device.NewRegistry(*systemMemory)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := registerConfiguredDevices(ctx, cfg, registry, logger, mx, auditLogger, metaCache, keys); err != nil {
		cancel()
		logger.WithError(err).Fatal("register configured devices")
	}
	cancel()

	addr := cfg.ControlAPI.ListenAddr
	if *listenAddr != "" {
		addr = *listenAddr
	}
	if addr == "" {
		addr = ":8443"
	}
	authSecret := cfg.ControlAPI.AuthSecret

	handler := controlapi.NewHandler(registry, cfg.Backend, logger, mx, keys, metaCache, authSecret, uint32(*blockMajor), uint32(*minorsPerDevice))
	srv := &http.Server{
		Addr:    addr,
		Handler: handler.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("control channel listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig).Info("shutting down")
	case err := <-errCh:
		logger.WithError(err).Error("control channel listener failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown")
	}

	for _, ident := range registry.Idents() {
		dev, err := registry.Lookup(ident)
		if err != nil {
			continue
		}
		dev.StartShutdown(shutdownCtx)
		dev.ReleaseHard()
	}
}

// registerConfiguredDevices publishes every device named in cfg.Devices
// at startup, dialing a fresh chunkstore.Client per device against
// cfg.Backend (mirroring what a REGISTER call through the control
// channel would do, so devices named in the config file come up
// without a separate bootstrap caller).
func registerConfiguredDevices(ctx context.Context, cfg *config.Config, registry *device.Registry, logger *logrus.Logger, mx *metrics.Metrics, auditLogger audit.Logger, metaCache *cache.MetaCache, keys agent.KeyManager) error {
	for _, dc := range cfg.Devices {
		defaultComp, mask, err := dc.CompressionMask()
		if err != nil {
			return fmt.Errorf("device %q: %w", dc.Ident, err)
		}

		store, err := chunkstore.NewClient(ctx, chunkstore.Config{
			Provider:  cfg.Backend.Provider,
			Endpoint:  cfg.Backend.Endpoint,
			Region:    cfg.Backend.Region,
			Bucket:    cfg.Backend.Bucket,
			KeyPrefix: cfg.Backend.KeyPrefix,
			AccessKey: cfg.Backend.AccessKey,
			SecretKey: cfg.Backend.SecretKey,
		})
		if err != nil {
			return fmt.Errorf("device %q: dial backing store: %w", dc.Ident, err)
		}

		devCfg := device.Config{
			Ident:              dc.Ident,
			ChunkDevicePath:    dc.ChunkDevicePath,
			Chunksize:          dc.Chunksize,
			Cachesize:          dc.Cachesize,
			Chunks:             dc.Chunks,
			Offset:             dc.Offset,
			DefaultCompression: defaultComp,
			SupportedCompMask:  mask,
			Audit:              auditLogger,
			Metrics:            mx,
			MetaCache:          metaCache,
			Keys:               keys,
		}

		if _, _, err := registry.Register(devCfg, store, logger, 0, 0); err != nil {
			return fmt.Errorf("device %q: %w", dc.Ident, err)
		}
		logger.WithField("ident", dc.Ident).Info("device registered at startup")
	}
	return nil
}
