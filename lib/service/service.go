/*
 * Courier
 * Copyright (C) 2026  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package service assembles a courier process from its file configuration:
// storage, stores, protocol adapters, the HTTP API server and its
// lifecycle.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/courier"
	"github.com/gravitational/courier/lib/backend"
	"github.com/gravitational/courier/lib/backend/memory"
	"github.com/gravitational/courier/lib/backend/mongo"
	"github.com/gravitational/courier/lib/capability"
	"github.com/gravitational/courier/lib/config"
	"github.com/gravitational/courier/lib/defaults"
	"github.com/gravitational/courier/lib/did"
	"github.com/gravitational/courier/lib/events"
	"github.com/gravitational/courier/lib/exchange"
	"github.com/gravitational/courier/lib/issuer"
	"github.com/gravitational/courier/lib/oid4vci"
	"github.com/gravitational/courier/lib/oid4vp"
	"github.com/gravitational/courier/lib/verify"
	"github.com/gravitational/courier/lib/web"
)

// eventBuffer sizes the async update emitter queue.
const eventBuffer = 1024

// Config holds the process dependencies.
type Config struct {
	// FileConfig is the parsed configuration file.
	FileConfig *config.FileConfig
	// Clock drives all time-dependent behavior. Defaults to the wall
	// clock; tests inject a fake.
	Clock clockwork.Clock
	// Logger is the process logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.FileConfig == nil {
		return trace.BadParameter("missing parameter FileConfig")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Service is a fully wired courier process.
type Service struct {
	cfg      Config
	backend  backend.Backend
	resolver *did.CachingResolver
	emitter  *events.AsyncEmitter
	server   *http.Server
	logger   *slog.Logger
}

// New assembles a service from its configuration. The returned service owns
// its resources until Close.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	fc := cfg.FileConfig
	logger := cfg.Logger

	bk, err := newBackend(ctx, fc, cfg.Clock)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	reporter, err := backend.NewReporter(backend.ReporterConfig{
		Backend: bk,
		Clock:   cfg.Clock,
	})
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}

	store, err := exchange.NewStore(exchange.StoreConfig{
		Backend:              reporter,
		Clock:                cfg.Clock,
		Logger:               logger.With(courier.ComponentKey, courier.ComponentBackend),
		LastErrorFreeUpdates: fc.LastError.MaxFreeUpdates,
		LastErrorMinInterval: time.Duration(fc.LastError.MinInterval),
	})
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}

	invoker, err := capability.NewClient(capability.ClientConfig{
		Clock:  cfg.Clock,
		Logger: logger.With(courier.ComponentKey, courier.ComponentCapability),
	})
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}
	resolver, err := did.NewCachingResolver(did.KeyResolver{}, defaults.DIDCacheTTL, defaults.DIDCacheSize)
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}

	svc := &Service{
		cfg:      cfg,
		backend:  bk,
		resolver: resolver,
		logger:   logger,
	}
	gateway, err := verify.NewGateway(verify.GatewayConfig{
		Invoker:  invoker,
		Resolver: resolver,
		Clock:    cfg.Clock,
		Logger:   logger.With(courier.ComponentKey, courier.ComponentVerifier),
	})
	if err != nil {
		svc.Close()
		return nil, trace.Wrap(err)
	}
	engine, err := issuer.NewEngine(issuer.EngineConfig{
		Invoker: invoker,
		Logger:  logger.With(courier.ComponentKey, courier.ComponentIssuer),
	})
	if err != nil {
		svc.Close()
		return nil, trace.Wrap(err)
	}

	eventLogger := logger.With(courier.ComponentKey, courier.ComponentEvents)
	svc.emitter = events.NewAsyncEmitter(eventBuffer, func(ctx context.Context, update events.ExchangeUpdate) {
		eventLogger.DebugContext(ctx, "Exchange updated.",
			"workflow", update.WorkflowID,
			"exchange", update.ExchangeID,
			"state", update.State,
			"step", update.Step)
	})

	processor, err := exchange.NewProcessor(exchange.ProcessorConfig{
		Store:   store,
		Issuer:  engine,
		Emitter: svc.emitter,
		Clock:   cfg.Clock,
		Logger:  logger.With(courier.ComponentKey, courier.ComponentExchange),
	})
	if err != nil {
		svc.Close()
		return nil, trace.Wrap(err)
	}

	vp, err := oid4vp.NewServer(oid4vp.ServerConfig{
		Store:    store,
		Verifier: gateway,
		Clock:    cfg.Clock,
		Logger:   logger.With(courier.ComponentKey, courier.ComponentOID4VP),
	})
	if err != nil {
		svc.Close()
		return nil, trace.Wrap(err)
	}
	vci, err := oid4vci.NewServer(oid4vci.ServerConfig{
		Store:     store,
		Processor: processor,
		Verifier:  gateway,
		OID4VP:    vp,
		Clock:     cfg.Clock,
		Logger:    logger.With(courier.ComponentKey, courier.ComponentOID4VCI),
	})
	if err != nil {
		svc.Close()
		return nil, trace.Wrap(err)
	}

	handler, err := web.NewHandler(web.Config{
		Backend:   reporter,
		Store:     store,
		Processor: processor,
		Verifier:  gateway,
		Invoker:   invoker,
		OID4VCI:   vci,
		OID4VP:    vp,
		PublicURL: fc.PublicURL,
		Metrics:   prometheus.DefaultGatherer,
		ReadyCheck: func(ctx context.Context) error {
			_, err := reporter.ListWorkflows(ctx)
			return trace.Wrap(err)
		},
		Clock:  cfg.Clock,
		Logger: logger.With(courier.ComponentKey, courier.ComponentWeb),
	})
	if err != nil {
		svc.Close()
		return nil, trace.Wrap(err)
	}

	svc.server = &http.Server{
		Addr:              fc.Listen.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: defaults.ReadHeadersTimeout,
		IdleTimeout:       defaults.IdleTimeout,
	}
	return svc, nil
}

func newBackend(ctx context.Context, fc *config.FileConfig, clock clockwork.Clock) (backend.Backend, error) {
	switch fc.Storage.Type {
	case "memory":
		bk, err := memory.New(memory.Config{Clock: clock})
		return bk, trace.Wrap(err)
	case "mongodb":
		bk, err := mongo.New(ctx, mongo.Config{
			URI:                fc.Storage.Mongo.URI,
			Database:           fc.Storage.Mongo.Database,
			Collection:         fc.Storage.Mongo.Collection,
			WorkflowCollection: fc.Storage.Mongo.WorkflowCollection,
		})
		return bk, trace.Wrap(err)
	default:
		return nil, trace.BadParameter("unsupported storage type %q", fc.Storage.Type)
	}
}

// Run serves HTTP until ctx is canceled, then drains connections with a
// shutdown deadline.
func (s *Service) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Courier service starting.",
		"listen", s.server.Addr,
		"public_url", s.cfg.FileConfig.PublicURL,
		"storage", s.cfg.FileConfig.Storage.Type,
		"version", courier.Version)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return trace.Wrap(err)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaults.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.WarnContext(shutdownCtx, "HTTP shutdown did not drain cleanly.", "error", err)
			return trace.Wrap(s.server.Close())
		}
		return nil
	})
	return trace.Wrap(g.Wait())
}

// Close releases the service resources. Safe to call on a partially
// assembled service.
func (s *Service) Close() error {
	if s.emitter != nil {
		s.emitter.Close()
	}
	if s.resolver != nil {
		s.resolver.Close()
	}
	var err error
	if s.backend != nil {
		err = s.backend.Close()
	}
	return trace.Wrap(err)
}
