// capsuled runs the capsule generation workers: it consumes scheduled stage
// tasks, sweeps stalled jobs, and serves Prometheus metrics.
//
// Usage:
//
//	capsuled --config capsulegen.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/capsulekit/capsulegen"
	"github.com/capsulekit/capsulegen/config"
	"github.com/capsulekit/capsulegen/internal/metrics"
	"github.com/capsulekit/capsulegen/pipeline"
	"github.com/capsulekit/capsulegen/schema"
)

func main() {
	configPath := flag.String("config", "capsulegen.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "capsuled: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "capsuled: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	engine, err := capsulegen.New(cfg, &noSources{}, &logPersister{logger: logger},
		capsulegen.WithLogger(logger),
		capsulegen.WithHooks(m),
		capsulegen.WithObserver(m),
	)
	if err != nil {
		logger.Fatal("engine assembly failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("capsuled started",
		zap.String("store", cfg.StorePath),
		zap.Int("workers", cfg.Pipeline.Workers),
		zap.Bool("redis", cfg.Redis.Addr != ""),
	)
	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("engine stopped", zap.Error(err))
	}
	logger.Info("capsuled stopped")
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// noSources is the standalone-daemon stand-in for the host integration: it
// rejects every subject. Real deployments embed the engine in an application
// that supplies its own SourceProvider and ContentPersister.
type noSources struct{}

func (noSources) SourceFor(ctx context.Context, subjectID string) (*pipeline.Source, error) {
	return nil, fmt.Errorf("no source provider wired for subject %s", subjectID)
}

// logPersister records finalization calls without a host content store.
type logPersister struct {
	logger *zap.Logger
}

func (p *logPersister) PersistContent(ctx context.Context, subjectID string, modules []schema.GeneratedModule) error {
	p.logger.Info("content persisted", zap.String("subject_id", subjectID), zap.Int("modules", len(modules)))
	return nil
}

func (p *logPersister) UpdateMetadata(ctx context.Context, subjectID, title, description string, estimatedDuration int) error {
	p.logger.Info("metadata updated", zap.String("subject_id", subjectID), zap.String("title", title))
	return nil
}

func (p *logPersister) ClearSource(ctx context.Context, subjectID string) error {
	return nil
}

func (p *logPersister) SetStatus(ctx context.Context, subjectID, status, detail string) error {
	p.logger.Info("subject status", zap.String("subject_id", subjectID), zap.String("status", status))
	return nil
}

func (p *logPersister) ReplaceLesson(ctx context.Context, subjectID, lessonID string, lesson schema.GeneratedLesson) error {
	p.logger.Info("lesson replaced", zap.String("subject_id", subjectID), zap.String("lesson_id", lessonID))
	return nil
}
