package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/assemble"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/capability"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/runstore"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/service"
	"github.com/loqalabs/loqa-narrator/internal/synth"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	store    *runstore.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	service  *service.Service
	registry *capability.Registry
	pipeline *pipeline.Orchestrator
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// BuildPipeline assembles the orchestrator and its dependencies from cfg.
// The CLI uses it directly; the daemon wraps it with transport.
func BuildPipeline(ctx context.Context, cfg config.Config, store *runstore.Store, logger *slog.Logger) (*pipeline.Orchestrator, error) {
	seg, err := segment.FromConfig(cfg.Segmenter)
	if err != nil {
		return nil, fmt.Errorf("segmenter: %w", err)
	}
	provider, err := synth.New(cfg.Synthesis, logger)
	if err != nil {
		return nil, err
	}
	transcoder, err := assemble.Detect(ctx, cfg.Transcoder, logger)
	if err != nil {
		return nil, fmt.Errorf("transcoder: %w", err)
	}
	if err := os.MkdirAll(cfg.Output.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	asm := assemble.New(transcoder, time.Duration(cfg.Transcoder.TimeoutMS)*time.Millisecond, logger)
	retrier := synth.RetrierFromConfig(provider, cfg.Synthesis, logger)
	return pipeline.New(pipeline.OptionsFromConfig(cfg), seg, retrier, asm, store, logger), nil
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	store, err := runstore.Open(ctx, r.cfg.RunStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	r.store = store

	orchestrator, err := BuildPipeline(ctx, r.cfg, store, r.logger)
	if err != nil {
		r.closeComponents()
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	r.pipeline = orchestrator

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			r.closeComponents()
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	handler := &api{
		runner:       orchestrator,
		store:        store,
		outputDir:    r.cfg.Output.Directory,
		publicPrefix: r.cfg.Output.PublicPrefix,
		registry:     r.registry,
		log:          r.logger.With(slog.String("component", "http")),
	}
	handler.register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	if r.cfg.Output.SweepInterval > 0 {
		j := &janitor{
			dir:       r.cfg.Output.Directory,
			retention: time.Duration(r.cfg.Output.RetentionHours) * time.Hour,
			interval:  time.Duration(r.cfg.Output.SweepInterval) * time.Second,
			store:     store,
			log:       r.logger.With(slog.String("component", "janitor")),
			clock:     time.Now,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			j.run(ctx)
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.Bool("bus", r.cfg.Bus.Enabled))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.closeComponents()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client

	svc := service.New(ctx, client, r.pipeline, r.cfg.Output.PublicPrefix, 0, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start narrator service: %w", err)
	}
	r.service = svc
	r.pipeline.SetNotifier(svc)

	orchestrator := r.pipeline
	load := func() capability.Load {
		return capability.Load{ActiveRuns: orchestrator.ActiveRuns(), Concurrency: orchestrator.Concurrency()}
	}
	registry, err := capability.NewRegistry(ctx, r.cfg.Node, capability.Local(r.cfg, orchestrator.TranscoderName()), load, client, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	r.registry = registry
	return nil
}

func (r *Runtime) closeComponents() {
	if r.registry != nil {
		r.registry.Close()
		r.registry = nil
	}
	if r.service != nil {
		r.service.Close()
		r.service = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("run store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
}

func (r *Runtime) healthy() bool {
	if r.cfg.Bus.Enabled {
		return r.service != nil && r.service.Healthy() && r.registry != nil && r.registry.Healthy()
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
