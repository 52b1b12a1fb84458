// Package stack assembles the session store from configuration: tiers,
// archive sink, resilience policy, manager and retention scheduler.
package stack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aixgo-dev/sessionstore/internal/tracing"
	"github.com/aixgo-dev/sessionstore/pkg/archive"
	"github.com/aixgo-dev/sessionstore/pkg/audit"
	"github.com/aixgo-dev/sessionstore/pkg/codec"
	"github.com/aixgo-dev/sessionstore/pkg/config"
	"github.com/aixgo-dev/sessionstore/pkg/observability"
	"github.com/aixgo-dev/sessionstore/pkg/resilience"
	"github.com/aixgo-dev/sessionstore/pkg/retention"
	"github.com/aixgo-dev/sessionstore/pkg/session"
	"github.com/aixgo-dev/sessionstore/pkg/session/firestore"
	"github.com/aixgo-dev/sessionstore/pkg/session/memstore"
	"github.com/aixgo-dev/sessionstore/pkg/session/redistore"
	"github.com/aixgo-dev/sessionstore/pkg/session/sqlstore"
)

// Stack is a fully wired session store.
type Stack struct {
	Config *config.Config
	Logger *slog.Logger

	// Cache is nil when the cache tier is disabled.
	Cache   session.CacheTier
	Durable session.DurableTier
	// Archive is nil when archival is disabled.
	Archive *archive.FileSink

	Hybrid *session.HybridStore
	Policy *resilience.Policy
	// Store is the resilient store shared by the manager and the scheduler.
	Store   *session.ResilientStore
	Manager session.Manager
	Audit   audit.Sink

	closers []func() error
}

// NewLogger builds the slog logger described by cfg, writing to w.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// New opens every configured backend. On error, anything already opened is
// closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Stack, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stack{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if err := s.openDurable(ctx); err != nil {
		return nil, err
	}
	if err := s.openCache(); err != nil {
		return nil, err
	}

	hybridOpts := []session.HybridOption{session.WithStoreLogger(logger.With("component", "store"))}
	if cfg.Archive.Dir != "" {
		compression, err := archive.ParseCompression(cfg.Archive.Compression)
		if err != nil {
			return nil, err
		}
		sink, err := archive.NewFileSink(cfg.Archive.Dir, archive.WithCompression(compression))
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		s.Archive = sink
		hybridOpts = append(hybridOpts, session.WithArchiveSink(sink))
	}
	s.Hybrid = session.NewHybridStore(s.Cache, s.Durable, hybridOpts...)

	s.Policy = session.NewPolicy("backend", cfg.Resilience.Policy(), resilience.WithLogger(logger.With("component", "resilience")))
	s.Store = session.NewResilientStore(s.Hybrid, s.Policy)
	s.Audit = audit.SinkFunc(s.Durable.AppendAudit)

	enc, err := codec.ParseEncoding(cfg.Session.Encoding)
	if err != nil {
		return nil, err
	}
	s.Manager = session.NewManager(s.Store,
		session.WithLogger(logger.With("component", "manager")),
		session.WithAuditSink(s.Audit),
		session.WithCodec(codec.New(enc)),
		session.WithReconcileTimeout(cfg.Session.ReconcileTimeout),
	)
	s.closers = append(s.closers, s.Manager.Close)

	logger.Info("session store ready",
		"cache", cfg.Cache.Driver,
		"durable", cfg.Durable.Driver,
		"archive", s.Archive != nil,
	)
	return s, nil
}

func (s *Stack) openDurable(ctx context.Context) error {
	cfg := s.Config.Durable
	switch cfg.Driver {
	case config.DurableSQLite:
		var opts []sqlstore.Option
		if cfg.SQLite.PageSize > 0 {
			opts = append(opts, sqlstore.WithPageSize(cfg.SQLite.PageSize))
		}
		store, err := sqlstore.Open(cfg.SQLite.Path, opts...)
		if err != nil {
			return fmt.Errorf("open sqlite durable tier: %w", err)
		}
		s.Durable = store

	case config.DurableFirestore:
		store, err := firestore.New(ctx, firestore.Config{
			ProjectID:        cfg.Firestore.ProjectID,
			CredentialsFile:  cfg.Firestore.CredentialsFile,
			CollectionPrefix: cfg.Firestore.CollectionPrefix,
			PageSize:         cfg.Firestore.PageSize,
		})
		if err != nil {
			return fmt.Errorf("open firestore durable tier: %w", err)
		}
		s.Durable = store

	case config.DurableMemory:
		s.Durable = memstore.NewDurable()

	default:
		return fmt.Errorf("unknown durable driver %q", cfg.Driver)
	}
	s.closers = append(s.closers, s.Durable.Close)
	return nil
}

func (s *Stack) openCache() error {
	cfg := s.Config.Cache
	switch cfg.Driver {
	case config.CacheRedis:
		cache, err := redistore.New(redistore.Config{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			Prefix:      cfg.Prefix,
			TTL:         cfg.TTL,
			PoolSize:    cfg.PoolSize,
			DialTimeout: cfg.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("open redis cache tier: %w", err)
		}
		s.Cache = cache

	case config.CacheMemory:
		s.Cache = memstore.NewCache()

	case config.CacheNone, "":
		return nil

	default:
		return fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
	s.closers = append(s.closers, s.Cache.Close)
	return nil
}

// Scheduler builds the retention scheduler. It shares the store and the
// resilience policy with the manager. A nil sc creates a context for the
// configured shard.
func (s *Stack) Scheduler(sc *retention.SweepContext) (*retention.Scheduler, error) {
	cfg := s.Config.Retention
	if sc == nil {
		sc = retention.NewSweepContext(cfg.Shard, nil)
	}
	return retention.New(s.Store, s.Durable, cfg, sc,
		retention.WithLogger(s.Logger.With("component", "retention")),
		retention.WithPolicy(s.Policy),
		retention.WithAuditSink(s.Audit),
	)
}

// RegisterHealthChecks adds the tier and breaker checks to hc.
func (s *Stack) RegisterHealthChecks(hc *observability.HealthChecker) {
	hc.AddTier("durable", s.Durable.Ping, true)
	if s.Cache != nil {
		hc.AddTier("cache", s.Cache.Ping, false)
	}
	breaker := s.Policy.Breaker()
	hc.AddBreaker(breaker.Name(), func() string { return breaker.State().String() })
}

// TracingConfig converts the tracing section for tracing.Init.
func (s *Stack) TracingConfig() tracing.Config {
	t := s.Config.Observability.Tracing
	return tracing.Config{
		ServiceName:  t.ServiceName,
		Exporter:     t.Exporter,
		OTLPEndpoint: t.Endpoint,
		OTLPHeaders:  tracing.ParseHeaders(t.Headers),
		Insecure:     t.Insecure,
	}
}

// Close releases every backend in reverse order of opening.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
