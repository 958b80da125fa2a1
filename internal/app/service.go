package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"notifier/internal/clock"
	"notifier/internal/config"
	"notifier/internal/dedup"
	"notifier/internal/digest"
	"notifier/internal/dispatch"
	"notifier/internal/domain"
	"notifier/internal/ingest"
	"notifier/internal/jetstream"
	"notifier/internal/logging"
	"notifier/internal/notify"
	"notifier/internal/notifylog"
	"notifier/internal/preferences"
	"notifier/internal/recipients"
	"notifier/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable notification service.
type Service struct {
	source   config.ConfigSource
	cfg      config.Config
	logger   *slog.Logger
	closeLog func()
	clock    clock.Clock

	backend store.Backend
	memory  *store.MemoryStore
	logPool *pgxpool.Pool
	nc      *nats.Conn
	js      nats.JetStreamContext
	redis   redis.UniversalClient

	memDedup    *dedup.MemoryCache
	digests     digest.Queue
	sinks       notifylog.Multi
	sender      *senderRef
	coordinator *dispatch.Coordinator
	flusher     *digest.Flusher

	httpSrv   *http.Server
	natsSub   interface{ Close() error }
	readyFlag atomic.Bool
}

// NewService builds service instance from config source without starting any loop.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log, cfg.Service.Name)
	if err != nil {
		return nil, err
	}

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clock.OrReal(clk),
	}
	if err := service.build(context.Background()); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// build connects backends and wires the dispatch pipeline.
// Params: setup context.
// Returns: first setup error.
func (s *Service) build(ctx context.Context) error {
	setupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := s.buildStore(setupCtx); err != nil {
		return err
	}
	if err := s.buildConnections(setupCtx); err != nil {
		return err
	}
	cache, err := s.buildDedup()
	if err != nil {
		return err
	}
	if err := s.buildDigestQueue(); err != nil {
		return err
	}
	if err := s.buildNotificationLog(setupCtx); err != nil {
		return err
	}

	dispatcher, err := notify.NewDispatcher(s.cfg.Notify, s.backend, s.logger)
	if err != nil {
		return err
	}
	s.sender = &senderRef{}
	s.sender.Store(dispatcher)

	engine := s.cfg.Engine
	filter := preferences.NewFilter(s.backend, preferenceDefaults(engine), engine.CollaboratorTimeout(), s.clock)
	s.coordinator = dispatch.NewCoordinator(dispatch.Deps{
		Rules:    s.backend,
		Resolver: recipients.NewResolver(s.backend, engine.CollaboratorTimeout(), s.logger),
		Filter:   filter,
		Dedup:    cache,
		Digests:  s.digests,
		Sender:   s.sender,
		Log:      s.sinks,
		Clock:    s.clock,
		Logger:   s.logger,
	}, dispatch.Options{
		CollaboratorTimeout:  engine.CollaboratorTimeout(),
		DeliveryTimeout:      engine.DeliveryTimeout(),
		RecipientConcurrency: engine.RecipientConcurrency,
		Workers:              s.cfg.Service.Workers,
		QueueSize:            s.cfg.Service.QueueSize,
		DrainTimeout:         shutdownTimeout,
	})
	s.flusher = digest.NewFlusher(s.digests, filter, s.coordinator, s.clock, engine.Location(), s.logger)
	return s.buildHTTPServer()
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	cfg := s.cfg

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		s.coordinator.Run(runCtx)
	}()

	if err := s.startNATSSubscriber(); err != nil {
		runCancel()
		workers.Wait()
		_ = s.shutdown()
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	workers.Add(1)
	go func() {
		defer workers.Done()
		s.flusher.Run(runCtx, time.Duration(cfg.Service.DigestScanIntervalSec)*time.Second)
	}()

	if s.memDedup != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.memDedup.Run(runCtx, time.Duration(cfg.Dedup.SweepIntervalSec)*time.Second)
		}()
	}

	if cfg.Service.ReloadEnabled {
		reloadInterval := time.Duration(cfg.Service.ReloadIntervalSec) * time.Second
		reloadTicker := time.NewTicker(reloadInterval)
		defer reloadTicker.Stop()
		workers.Add(1)
		go func() {
			defer workers.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-reloadTicker.C:
					if err := s.reloadConfig(); err != nil {
						s.logger.Error("reload failed", "error", err.Error())
					}
				}
			}
		}()
	}

	s.readyFlag.Store(true)
	s.logger.Info("service started", "mode", cfg.Service.Mode, "store", cfg.Store.Backend, "dedup", cfg.Dedup.Backend, "digest", cfg.Digest.Backend)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errChan:
		runErr = fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
	}

	s.readyFlag.Store(false)
	s.stopIngress()
	runCancel()
	workers.Wait()
	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// FlushDigests delivers pending digests immediately, regardless of schedule.
// Params: context and optional user id; empty means every user with pending entries.
// Returns: delivered entry count and joined errors.
func (s *Service) FlushDigests(ctx context.Context, userID string) (int, error) {
	users := []string{userID}
	if userID == "" {
		pending, err := s.digests.Users(ctx)
		if err != nil {
			return 0, err
		}
		users = pending
	}
	var (
		total int
		errs  []error
	)
	for _, id := range users {
		delivered, err := s.flusher.FlushUser(ctx, id)
		total += delivered
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Close releases every backend without running the service.
// Params: none.
// Returns: first close error.
func (s *Service) Close() error {
	return s.shutdown()
}

// stopIngress stops accepting new events before workers drain.
// Params: none.
// Returns: none.
func (s *Service) stopIngress() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
		}
		s.natsSub = nil
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
		s.natsSub = nil
	}
	if s.sinks != nil {
		if err := s.sinks.Close(); err != nil {
			s.logger.Error("notification log close failed", "error", err.Error())
			markErr(fmt.Errorf("notification log close: %w", err))
		}
		s.sinks = nil
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
		s.nc = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close failed", "error", err.Error())
			markErr(fmt.Errorf("redis close: %w", err))
		}
		s.redis = nil
	}
	if s.logPool != nil {
		s.logPool.Close()
		s.logPool = nil
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			s.logger.Error("store close failed", "error", err.Error())
			markErr(fmt.Errorf("store close: %w", err))
		}
		s.backend = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	_ = s.shutdown()
}

// buildStore selects the rule, directory and preference backend.
// Params: setup context.
// Returns: connection or schema error.
func (s *Service) buildStore(ctx context.Context) error {
	switch s.cfg.Store.Backend {
	case config.BackendPostgres:
		pg, err := store.NewPostgresStore(ctx, s.cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		s.backend = pg
		if s.cfg.Store.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				return err
			}
		}
	default:
		s.memory = store.NewMemoryStore(s.cfg.Snapshot())
		s.backend = s.memory
	}
	return nil
}

// buildConnections opens the shared Redis client and NATS connection when any component needs them.
// Params: setup context.
// Returns: connection error.
func (s *Service) buildConnections(ctx context.Context) error {
	if s.cfg.UsesRedis() {
		client := redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("connect redis %s: %w", s.cfg.Redis.Addr, err)
		}
		s.redis = client
	}
	if s.cfg.UsesNATS() {
		nc, js, err := jetstream.Connect(s.cfg.NATSURLs(), s.cfg.Service.Name)
		if err != nil {
			return err
		}
		s.nc = nc
		s.js = js
	}
	return nil
}

func (s *Service) buildDedup() (dispatch.DedupCache, error) {
	window := s.cfg.Engine.DedupWindow()
	switch s.cfg.Dedup.Backend {
	case config.BackendRedis:
		return dedup.NewRedisCache(s.redis, window, s.cfg.Redis.KeyPrefix), nil
	case config.BackendNATS:
		return dedup.NewNATSCache(s.js, s.cfg.Dedup.Bucket, window)
	default:
		s.memDedup = dedup.NewMemoryCache(window, s.clock)
		return s.memDedup, nil
	}
}

func (s *Service) buildDigestQueue() error {
	switch s.cfg.Digest.Backend {
	case config.BackendRedis:
		s.digests = digest.NewRedisQueue(s.redis, s.cfg.Redis.KeyPrefix)
	default:
		s.digests = digest.NewMemoryQueue()
	}
	return nil
}

// buildNotificationLog creates every configured outcome sink.
// Params: setup context.
// Returns: sink setup error.
func (s *Service) buildNotificationLog(ctx context.Context) error {
	for _, backend := range s.cfg.NotifyLog.Backends {
		switch backend {
		case config.BackendSlog:
			s.sinks = append(s.sinks, notifylog.NewSlogLog(s.logger))
		case config.BackendPostgres:
			pool, err := s.postgresPool(ctx)
			if err != nil {
				return err
			}
			s.sinks = append(s.sinks, notifylog.NewPostgresLog(pool))
		case config.BackendNATS:
			sink, err := notifylog.NewNATSLog(s.js, s.cfg.NotifyLog.Stream, s.cfg.NotifyLog.Subject, time.Duration(s.cfg.NotifyLog.MaxAgeSec)*time.Second)
			if err != nil {
				return err
			}
			s.sinks = append(s.sinks, sink)
		}
	}
	return nil
}

// postgresPool shares the store pool or opens a dedicated one for the log.
// Params: setup context.
// Returns: pool or connection error.
func (s *Service) postgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	if pg, ok := s.backend.(*store.PostgresStore); ok {
		return pg.Pool(), nil
	}
	if s.logPool == nil {
		pool, err := store.OpenPool(ctx, s.cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open notification log pool: %w", err)
		}
		s.logPool = pool
	}
	return s.logPool, nil
}

// buildHTTPServer wires router with ingest, health and metrics endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	httpCfg := s.cfg.Ingest.HTTP
	mux := http.NewServeMux()
	mux.HandleFunc(httpCfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(httpCfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(httpCfg.MetricsPath, promhttp.Handler())

	if httpCfg.Enabled {
		handler := ingest.NewHTTPHandler(s.coordinator, httpCfg.MaxBodyBytes, s.logger)
		mux.Handle(httpCfg.IngestPath, handler)
		batchPath := strings.TrimSuffix(httpCfg.IngestPath, "/") + "/batch"
		if batchPath != httpCfg.IngestPath {
			mux.Handle(batchPath, handler)
		}
	}

	s.httpSrv = &http.Server{
		Addr:              httpCfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// startNATSSubscriber starts NATS ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) startNATSSubscriber() error {
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.js, s.cfg.Ingest.NATS, s.coordinator, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// reloadConfig re-reads config and swaps rules, users and notify channels.
// Params: none.
// Returns: reload error; the running snapshot stays in place on failure.
func (s *Service) reloadConfig() error {
	nextCfg, err := config.LoadSnapshot(s.source)
	if err != nil {
		return err
	}
	if nextCfg.Service.Mode != s.cfg.Service.Mode {
		return fmt.Errorf("service.mode change requires restart")
	}
	if nextCfg.Store.Backend != s.cfg.Store.Backend {
		return fmt.Errorf("store.backend change requires restart")
	}
	nextDispatcher, err := notify.NewDispatcher(nextCfg.Notify, s.backend, s.logger)
	if err != nil {
		return err
	}
	if s.memory != nil {
		s.memory.Replace(nextCfg.Snapshot())
	}
	s.sender.Store(nextDispatcher)
	s.cfg = nextCfg
	s.logger.Info("configuration reloaded", "rules", len(nextCfg.Rule), "users", len(nextCfg.User))
	return nil
}

// preferenceDefaults maps engine config onto filter defaults.
// Params: engine config section.
// Returns: defaults for users without stored preferences.
func preferenceDefaults(engine config.EngineConfig) preferences.Defaults {
	return preferences.Defaults{
		EmailNotifications: engine.EmailNotificationsDefault(),
		EventOptIn:         engine.DefaultEventOptIn,
		QuietHours:         engine.DefaultQuietHours,
		DigestMode:         engine.DefaultDigest,
		Location:           engine.Location(),
	}
}

// senderRef lets reload swap notify channels under running workers.
type senderRef struct {
	atomic.Pointer[notify.Dispatcher]
}

func (r *senderRef) Send(ctx context.Context, recipientID, templateID string, event domain.Event) domain.DeliveryResult {
	return r.Load().Send(ctx, recipientID, templateID, event)
}

func (r *senderRef) SendDigest(ctx context.Context, recipientID string, entries []domain.DigestEntry) domain.DeliveryResult {
	return r.Load().SendDigest(ctx, recipientID, entries)
}
