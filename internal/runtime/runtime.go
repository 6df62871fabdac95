package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/devices"
	"github.com/loqalabs/loqa-recorder/internal/eventstore"
	"github.com/loqalabs/loqa-recorder/internal/media"
	"github.com/loqalabs/loqa-recorder/internal/natsserver"
	"github.com/loqalabs/loqa-recorder/internal/recorder"
	"github.com/loqalabs/loqa-recorder/internal/speech"
	"github.com/loqalabs/loqa-recorder/internal/surface"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	registry *devices.Registry
	engine   *speech.Engine
	service  *recorder.Service
	surface  *surface.HTTP
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeComponents()

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/sessions", r.handleSessions)
	mux.Handle(surface.Prefix, r.surface)
	if metricsHandler != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, "metrics")
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runPrune(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("node_id", r.cfg.Node.ID))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	return nil
}

// startComponents brings up the recorder stack. Anything started before an
// error is torn down by closeComponents.
func (r *Runtime) startComponents(ctx context.Context) error {
	var err error
	if r.nats, err = natsserver.Start(r.cfg.Bus, r.logger); err != nil {
		return fmt.Errorf("failed to start embedded nats: %w", err)
	}
	if r.cfg.Bus.Enabled {
		if r.bus, err = bus.Connect(ctx, r.cfg.Bus, r.cfg.RuntimeName, r.logger); err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		if r.registry, err = devices.NewRegistry(ctx, r.cfg.Node, r.bus, r.logger); err != nil {
			return fmt.Errorf("failed to start device registry: %w", err)
		}
	}

	if r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger); err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	synth, err := speech.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("failed to create synthesizer: %w", err)
	}
	loop := media.NewLoopback(64)
	outputs := []speech.Output{loop}
	if r.bus != nil {
		// remote nodes capture this node's speech with a bus device named after it
		outputs = append(outputs, speech.NewBusOutput(r.bus, r.cfg.Node.ID))
	}
	r.engine = speech.NewEngine(r.cfg.TTS, synth, r.logger, outputs...)

	r.surface = surface.New(r.logger)
	host := recorder.Host{
		Speech:    r.engine,
		Devices:   devices.NewManager(r.cfg.Node, loop, r.bus, r.registry, r.logger),
		Recorders: media.RecorderFactory{},
		Decoder:   media.Decoder{SampleRate: r.cfg.TTS.SampleRate, Channels: r.cfg.TTS.Channels},
		Sources:   media.SourceFactory{Types: r.cfg.Recorder.SourceMimeTypes},
		Surface:   r.surface,
		Logger:    r.logger,
	}
	r.service = recorder.NewService(ctx, r.cfg.Recorder, host, r.bus, r.store, r.logger)
	if r.bus != nil {
		if err := r.service.Start(); err != nil {
			return fmt.Errorf("failed to start recorder service: %w", err)
		}
	} else if r.cfg.Recorder.Enabled {
		r.logger.Warn("bus disabled, recorder requests are not served")
	}
	return nil
}

func (r *Runtime) closeComponents() {
	if r.service != nil {
		r.service.Close()
	}
	if r.engine != nil {
		r.engine.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) runPrune(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleSessions lists recent recording sessions from the event store,
// optionally filtered by ?state= and capped by ?limit=.
func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	sessions, err := r.store.RecentSessions(req.Context(), req.URL.Query().Get("state"), limit)
	if err != nil {
		r.logger.Error("list sessions failed", slog.String("error", err.Error()))
		http.Error(w, "event store unavailable", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessions)
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus == nil {
		return !r.cfg.Bus.Enabled
	}
	if !r.bus.Healthy() {
		return false
	}
	return r.service == nil || r.service.Healthy()
}
