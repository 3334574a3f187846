// Command veil-engine runs the VEIL assessment pipeline as an HTTP service:
// the trusted proxy calls /v1/assess once per outbound agent request, and
// this process runs Identity → Intent → Policy → Judge and records every
// outcome to the signed ledger.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocx/veil/internal/config"
	"github.com/ocx/veil/internal/events"
	"github.com/ocx/veil/internal/httpapi"
	"github.com/ocx/veil/internal/identitygate"
	"github.com/ocx/veil/internal/intentgate"
	"github.com/ocx/veil/internal/judgegate"
	"github.com/ocx/veil/internal/kernelsink"
	"github.com/ocx/veil/internal/keystore"
	"github.com/ocx/veil/internal/ledger"
	"github.com/ocx/veil/internal/logging"
	"github.com/ocx/veil/internal/metrics"
	"github.com/ocx/veil/internal/noncestore"
	"github.com/ocx/veil/internal/pipeline"
	"github.com/ocx/veil/internal/policygate"
	"github.com/ocx/veil/internal/verdictcache"
)

func main() {
	cfg := config.Get()
	logger := logging.Init(cfg.Env)
	logger.Info("🛡️  Starting VEIL Engine...")

	m := metrics.New()

	ks := buildKeyStore(cfg)
	led, err := ledger.New(cfg.LedgerFile, ks, m)
	if err != nil {
		logger.Error("ledger init failed", "error", err)
		os.Exit(1)
	}

	recorder := buildRecorder(cfg, led, logger)

	nonces := buildNonceStore(cfg)
	verdicts := buildVerdictCache(cfg)
	resolver := buildResolver(cfg)

	host := pipeline.New(recorder, m)
	host.Use("identity", identitygate.New(cfg, resolver).Evaluate)
	host.Use("intent", intentgate.New(nonces, time.Duration(cfg.Judge.NonceTTLSeconds)*time.Second, cfg.IsDev(), m).Evaluate)
	host.Use("policy", policygate.New(cfg.PolicyURL).Evaluate)
	host.Use("judge", judgegate.New(cfg.ModelURL, cfg.Judge.Model, cfg.Judge.ConfidenceFloor,
		time.Duration(cfg.Judge.CacheTTLSeconds)*time.Second, verdicts, m).Evaluate)

	if cfg.Extensions.PubSubProject != "" {
		publisher, err := events.NewVerdictPublisher(cfg.Extensions.PubSubProject, cfg.Extensions.PubSubTopic)
		if err != nil {
			logger.Warn("pubsub publisher disabled", "error", err)
		} else {
			defer publisher.Close()
			host.SetPublisher(publisher)
			logger.Info("pubsub verdict fan-out enabled", "topic", cfg.Extensions.PubSubTopic)
		}
	}

	if cfg.Extensions.KernelSinkPin != "" {
		sink, err := kernelsink.NewSink(cfg.Extensions.KernelSinkPin)
		if err != nil {
			logger.Warn("kernel sink disabled", "error", err)
		} else {
			defer sink.Close()
			host.SetKernelSink(sink)
			logger.Info("kernel verdict sink enabled", "pin", cfg.Extensions.KernelSinkPin)
		}
	}

	server := httpapi.New(host, 600)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	waitForShutdown(httpServer, logger)
}

func waitForShutdown(srv *http.Server, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func buildKeyStore(cfg *config.Config) keystore.KeyStore {
	switch cfg.KeyStore.Backend {
	case "file":
		return keystore.NewFileKeyStore(cfg.KeyStore.FilePath, cfg.KeyStore.Passphrase)
	case "postgres":
		ks, err := keystore.NewPostgresKeyStore(cfg.KeyStore.PostgresDSN, "veil-engine")
		if err != nil {
			slog.Error("postgres keystore failed, falling back to ephemeral", "error", err)
			return keystore.Ephemeral{}
		}
		return ks
	default:
		return keystore.Ephemeral{}
	}
}

// buildRecorder picks the async write path: the durable Cloud Tasks
// scheduler when configured (a write survives a process crash), otherwise
// the bare-goroutine ledger.Recorder optionally decorated with a live
// stream or a Supabase mirror. The decorators each wrap the base Recorder
// directly (Go embedding, not the Recorder interface), so only one applies
// at a time — see DESIGN.md for why composing both isn't wired in this cut.
func buildRecorder(cfg *config.Config, led *ledger.Recorder, logger *slog.Logger) pipeline.Recorder {
	if cfg.Extensions.CloudTasksProject != "" {
		scheduler, err := ledger.NewCloudTasksScheduler(cfg.Extensions.CloudTasksProject,
			cfg.Extensions.CloudTasksLocation, cfg.Extensions.CloudTasksQueue, cfg.Extensions.CloudTasksWriteURL)
		if err != nil {
			logger.Warn("cloud tasks scheduler disabled, falling back to in-process ledger writes", "error", err)
		} else {
			logger.Info("durable cloud tasks ledger scheduling enabled")
			return scheduler
		}
	}

	if cfg.Extensions.LedgerStreamEnabled {
		streamer := ledger.NewStreamer()
		logger.Info("ledger live-stream enabled")
		return ledger.NewStreamingRecorder(led, streamer)
	}

	if cfg.Extensions.SupabaseURL != "" {
		archiver, err := ledger.NewSupabaseArchiver(cfg.Extensions.SupabaseURL, cfg.Extensions.SupabaseKey, cfg.Extensions.SupabaseTable)
		if err != nil {
			logger.Warn("supabase archiver disabled", "error", err)
		} else {
			logger.Info("supabase ledger mirror enabled", "table", cfg.Extensions.SupabaseTable)
			return ledger.NewArchivingRecorder(led, archiver)
		}
	}

	return led
}

func buildNonceStore(cfg *config.Config) noncestore.Store {
	store, err := noncestore.NewRedisStore(cfg.KVURL)
	if err != nil {
		slog.Warn("redis nonce store unavailable, using in-memory store", "error", err)
		return noncestore.NewMemoryStore()
	}
	return store
}

func buildVerdictCache(cfg *config.Config) verdictcache.Cache {
	cache, err := verdictcache.NewRedisCache(cfg.KVURL)
	if err != nil {
		slog.Warn("redis verdict cache unavailable, using in-memory cache", "error", err)
		return verdictcache.NewMemoryCache()
	}
	return cache
}

func buildResolver(cfg *config.Config) identitygate.Resolver {
	var resolver identitygate.Resolver
	var err error

	switch cfg.Identity.Resolver {
	case "ebpf":
		resolver, err = identitygate.NewEBPFResolver(cfg.Identity.EBPFMapPin)
	default:
		resolver, err = identitygate.NewDockerResolver()
	}
	if err != nil {
		slog.Error("identity resolver init failed, all identities will fail closed", "error", err)
		resolver = alwaysErrorResolver{}
	}

	if cfg.Identity.SPIFFEEnabled {
		decorated, decErr := identitygate.NewSPIFFEDecorator(resolver, cfg.Identity.SPIFFESocket)
		if decErr != nil {
			slog.Warn("spiffe decorator unavailable, continuing without it", "error", decErr)
		} else {
			resolver = decorated
		}
	}

	return resolver
}

// alwaysErrorResolver fails every identity lookup closed when the
// configured resolver could not be constructed at all.
type alwaysErrorResolver struct{}

func (alwaysErrorResolver) Resolve(context.Context, string) (string, error) {
	return identitygate.FingerprintError, errors.New("identity resolver unavailable")
}
