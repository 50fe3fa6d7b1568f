package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/clips"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/evaluator"
	"github.com/loqalabs/loqa-interview/internal/eventstore"
	"github.com/loqalabs/loqa-interview/internal/natsserver"
	"github.com/loqalabs/loqa-interview/internal/pipeline"
	"github.com/loqalabs/loqa-interview/internal/queue"
	"github.com/loqalabs/loqa-interview/internal/rubric"
	"github.com/loqalabs/loqa-interview/internal/segmenter"
	"github.com/loqalabs/loqa-interview/internal/state"
	"github.com/loqalabs/loqa-interview/internal/transport"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	events    *eventstore.Store
	queue     *queue.PerSubjectQueue
	evaluator *evaluator.Evaluator
	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	transport *transport.Service
	closers   []func() error
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.build(ctx); err != nil {
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

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

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) build(ctx context.Context) error {
	def, err := rubric.Load(r.cfg.Rubric.Path)
	if err != nil {
		return err
	}
	questions, err := rubric.LoadQuestions(r.cfg.Matcher.QuestionsPath)
	if err != nil {
		return err
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	store := state.NewStore(state.NewMemoryRepository(),
		state.WithLogSink(r.events),
		state.WithLogger(r.logger),
	)

	clipStore, err := clips.New(ctx, r.cfg.Clips, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open clip store: %w", err)
	}
	collabs, closeCollabs, err := BuildCollaborators(ctx, r.cfg, def, clipStore, r.logger)
	if err != nil {
		return err
	}
	r.closers = append(r.closers, closeCollabs)

	engine := pipeline.NewEngine(store, collabs, def, pipeline.OptionsFrom(r.cfg.Pipeline), r.logger)
	r.queue = queue.New(ctx, r.logger)

	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
	}
	publisher := transport.NewPublisher(r.bus, r.logger)
	if err := publisher.EnsureStream(); err != nil {
		r.logger.Warn("event stream unavailable, events are not retained", slog.String("error", err.Error()))
	}

	r.evaluator = evaluator.New(evaluator.Deps{
		Store:  store,
		Engine: engine,
		Queue:  r.queue,
		Clips:  clipStore,
	}, r.logger,
		evaluator.WithQuestions(questions),
		evaluator.WithMatchThreshold(r.cfg.Matcher.Threshold),
		evaluator.WithResultHook(publisher.ResultReady),
		evaluator.WithBlockHooks(publisher.BlockClosed, publisher.BlockEvaluated),
	)

	if r.bus != nil {
		r.transport = transport.NewService(ctx, r.cfg.Bus, segmenter.ConfigFrom(r.cfg.Segmenter), r.bus, r.evaluator, publisher, r.logger)
		if err := r.transport.Start(); err != nil {
			return fmt.Errorf("failed to start transport: %w", err)
		}
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

// shutdown stops intake first, then drains candidate queues, then releases
// backends in reverse construction order.
func (r *Runtime) shutdown() {
	if r.transport != nil {
		r.transport.Close()
	}
	if r.queue != nil {
		timeout := time.Duration(r.cfg.Queue.DrainTimeoutMS) * time.Millisecond
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := r.queue.Drain(ctx); err != nil {
			stats := r.queue.Stats()
			r.logger.Warn("queue drain timed out", slog.Int64("pending", stats.Pending), slog.Int64("workers", stats.Workers))
		}
		cancel()
	}
	r.bus.Close()
	r.nats.Shutdown()
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("failed to close collaborator backend", slog.String("error", err.Error()))
		}
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("failed to close event store", slog.String("error", err.Error()))
		}
	}
}

// Evaluator is available once Start has built the component graph.
func (r *Runtime) Evaluator() *evaluator.Evaluator {
	return r.evaluator
}

func (r *Runtime) healthy() bool {
	if r.cfg.Bus.Enabled {
		if !r.bus.Healthy() {
			return false
		}
		if r.transport != nil && !r.transport.Healthy() {
			return false
		}
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
