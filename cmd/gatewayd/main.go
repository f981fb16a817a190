// Command gatewayd is the confidential inference gateway's server
// entrypoint: the composition root that wires every component named
// in spec.md §2 into one internal/api.Server and serves it with
// graceful shutdown.
//
// Grounded on the teacher's cmd/api/main.go: config.Get() load,
// component construction in dependency order, signal.Notify-driven
// graceful shutdown with a bounded context timeout.
package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocx/cipher-gateway/internal/accountant"
	"github.com/ocx/cipher-gateway/internal/api"
	"github.com/ocx/cipher-gateway/internal/cache"
	"github.com/ocx/cipher-gateway/internal/ciphertext"
	"github.com/ocx/cipher-gateway/internal/config"
	"github.com/ocx/cipher-gateway/internal/engine"
	"github.com/ocx/cipher-gateway/internal/enginepool"
	"github.com/ocx/cipher-gateway/internal/identity"
	"github.com/ocx/cipher-gateway/internal/keystore"
	"github.com/ocx/cipher-gateway/internal/logging"
	"github.com/ocx/cipher-gateway/internal/metrics"
	"github.com/ocx/cipher-gateway/internal/middleware"
	"github.com/ocx/cipher-gateway/internal/orchestrator"
	"github.com/ocx/cipher-gateway/internal/persistence"
	"github.com/ocx/cipher-gateway/internal/upstream"
	"github.com/ocx/cipher-gateway/internal/validate"
)

// Exit codes, per spec.md §6's CLI surface: 0 success, 1 configuration
// invalid, 2 runtime fatal, 3 shutdown timeout.
const (
	exitOK = iota
	exitConfigInvalid
	exitRuntimeFatal
	exitShutdownTimeout
)

func main() {
	cfg := config.Get()
	logging.Setup(cfg.Logging)

	p, err := cfg.Parameters.Build()
	if err != nil {
		log.Printf("invalid parameter set: %v", err)
		os.Exit(exitConfigInvalid)
	}

	ciphertexts := ciphertext.New()
	engCache := cache.New(cfg.Cache.HotEntriesPerShard, cfg.Cache.WarmBytesPerShard)
	pool := enginepool.New(engine.Simulated(), cfg.EnginePool.MinSize, cfg.EnginePool.MaxSize, time.Duration(cfg.EnginePool.CheckoutTimeoutSec)*time.Second)
	keys := keystore.New(orchestrator.PoolKeygen{Pool: pool})

	acct := accountant.New(cfg.Privacy.CostTable(), cfg.Privacy.TotalEpsilon, cfg.Privacy.FreeFailures(), cfg.Privacy.Refill())

	validator := validate.New(validate.Limits{
		MaxPlaintextBytes:  1 << 20,
		MaxCiphertextBytes: 4 << 20,
	})

	upstreamCfg := upstream.Config{
		BaseURL:     cfg.Upstream.Endpoint,
		Timeout:     time.Duration(cfg.Upstream.TimeoutSec) * time.Second,
		MTLS:        cfg.Upstream.MTLS,
		BreakerName: cfg.Upstream.ProviderTag,
	}
	if cfg.Upstream.MTLS {
		spiffeSource, err := identity.Dial(cfg.Upstream.SPIFFESocket)
		if err != nil {
			log.Printf("mtls upstream requires a reachable SPIRE workload API: %v", err)
			os.Exit(exitConfigInvalid)
		}
		defer spiffeSource.Close()
		upstreamCfg.TLSConfig = spiffeSource.TLSConfig()
	}
	upstreamProvider := upstream.NewHTTPProvider(upstreamCfg)

	orch := orchestrator.New(validator, acct, keys, ciphertexts, engCache, pool, upstreamProvider)
	orch.EnableEncryptBatching(8, 5*time.Millisecond)
	orch.EnableAuditLog()

	m := metrics.New()

	if cfg.Persistence.Enabled {
		store, err := persistence.Open(cfg.Persistence.RedisAddr, cfg.Persistence.RedisPassword, cfg.Persistence.RedisDB, cfg.Persistence.MasterKeySecret)
		if err != nil {
			slog.Warn("persistence disabled: could not connect to redis", "error", err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if n, err := store.LoadCiphertexts(ctx, ciphertexts); err != nil {
				slog.Warn("persistence warm-load failed", "error", err)
			} else {
				slog.Info("persistence warm-load complete", "restored", n)
			}
			cancel()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := store.SaveCiphertexts(ctx, ciphertexts); err != nil {
					slog.Error("persistence shutdown flush failed", "error", err)
				}
				store.Close()
			}()
		}
	}

	server := api.New(orch, m, cfg.Server.CORSAllowOrigins, middleware.RateLimitConfig{
		MaxCallsPerMinute: 600,
		BurstSize:         60,
	}, time.Duration(cfg.Server.RequestTimeoutSec)*time.Second)

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	requestTimeout := time.Duration(cfg.Server.RequestTimeoutSec) * time.Second
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	slog.Info("gatewayd started", "addr", addr, "parameter_set", p.ID())

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(exitRuntimeFatal)
		}
	case <-sigCh:
		slog.Info("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			os.Exit(exitShutdownTimeout)
		}
	}
}
