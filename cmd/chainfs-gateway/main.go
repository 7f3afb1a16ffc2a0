// chainfs gateway
//
// Serves a storage backend over HTTP for chainfs clients:
// - Directory listing, content upload/download, roles and space endpoints
// - Token-verified mutations
// - SSE change stream
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/chainfs/internal/config"
	"github.com/fruitsalade/chainfs/internal/gateway"
	"github.com/fruitsalade/chainfs/internal/logging"
	"github.com/fruitsalade/chainfs/internal/metrics"
	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/backend/memory"
	"github.com/fruitsalade/chainfs/pkg/backend/objectstore"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}
	if err := cfg.Gateway.Validate(); err != nil {
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()
	log := logging.L()

	log.Info("chainfs gateway starting...",
		zap.String("listen", cfg.Gateway.ListenAddr),
		zap.String("metrics", cfg.Gateway.MetricsAddr),
		zap.String("backend", cfg.Gateway.Backend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var b backend.Backend
	switch cfg.Gateway.Backend {
	case "objectstore":
		log.Info("connecting to PostgreSQL and S3...")
		store, err := objectstore.Open(ctx, objectstore.Config{
			DatabaseURL: cfg.Gateway.DatabaseURL,
			Content: objectstore.ContentConfig{
				Endpoint:  cfg.Gateway.S3Endpoint,
				Bucket:    cfg.Gateway.S3Bucket,
				AccessKey: cfg.Gateway.S3AccessKey,
				SecretKey: cfg.Gateway.S3SecretKey,
				Region:    cfg.Gateway.S3Region,
			},
			TotalSpace: cfg.Gateway.TotalSpace,
		})
		if err != nil {
			log.Fatal("object store init failed", zap.Error(err))
		}
		defer store.Close()
		if err := store.Bootstrap(ctx, cfg.Gateway.Admins); err != nil {
			log.Fatal("admin bootstrap failed", zap.Error(err))
		}

		// Periodic connection metrics
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					store.Ledger().UpdateConnectionMetrics()
				}
			}
		}()
		b = store
	default:
		mem := memory.New(cfg.Gateway.TotalSpace)
		for _, a := range cfg.Gateway.Admins {
			mem.SetRole(a, backend.RoleAdmin)
		}
		log.Warn("using in-memory backend; contents are lost on exit")
		b = mem
	}

	broadcaster := gateway.NewBroadcaster()
	srv := gateway.NewServer(b, broadcaster, gateway.Options{
		JWTSecret:     cfg.Gateway.JWTSecret,
		MaxUploadSize: cfg.Gateway.MaxUploadSize,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.Gateway.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		log.Info("metrics server listening", zap.String("addr", cfg.Gateway.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Open change streams end when ctx is cancelled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	log.Info("gateway listening", zap.String("addr", cfg.Gateway.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
}
