// Package fleetwatch assembles the fleet-tracking pipeline: portal
// scraping, stop detection, voice escalation, and the HTTP control
// surface, all running over the remote storage bridge.
package fleetwatch

import (
	"context"
	"fmt"

	"github.com/fleetwatch/fleetwatch/api"
	"github.com/fleetwatch/fleetwatch/core"
	"github.com/fleetwatch/fleetwatch/detector"
	"github.com/fleetwatch/fleetwatch/escalation"
	"github.com/fleetwatch/fleetwatch/fetch"
	"github.com/fleetwatch/fleetwatch/resilience"
	"github.com/fleetwatch/fleetwatch/scheduler"
	"github.com/fleetwatch/fleetwatch/scraper"
	"github.com/fleetwatch/fleetwatch/storage"
	"github.com/fleetwatch/fleetwatch/telemetry"
)

// Service is the assembled pipeline. Construct with New, then Start;
// Shutdown drains the scheduler and the HTTP server.
type Service struct {
	Config *core.Config
	Logger *core.ProductionLogger

	State       core.Memory
	Gateway     *storage.Gateway
	Repository  *storage.Repository
	Fetcher     *fetch.Client
	Coordinator *scraper.Coordinator
	Detector    *detector.Detector
	Engine      *escalation.Engine
	Scheduler   *scheduler.Scheduler
	API         *api.Server

	telemetry *telemetry.Provider
	stateOwns func() error
}

// New wires every component from the configuration. The bridge
// credentials are validated lazily on the first request, so New does
// not touch the network except for Redis (when configured) and the
// telemetry exporter.
func New(ctx context.Context, cfg *core.Config) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required: %w", core.ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := core.NewProductionLogger(cfg.Name)
	if cfg.Logging.Level != "" {
		logger.SetLevel(cfg.Logging.Level)
	}

	svc := &Service{Config: cfg, Logger: logger}

	tel, err := telemetry.NewProvider(ctx, cfg.Telemetry, logger.WithComponent("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	svc.telemetry = tel

	if err := svc.buildState(); err != nil {
		return nil, err
	}

	gw, err := storage.NewGateway(cfg.Bridge, logger.WithComponent("bridge"), tel)
	if err != nil {
		return nil, err
	}
	svc.Gateway = gw
	svc.Repository = storage.NewRepository(gw, logger.WithComponent("repository"))

	portalBreaker := resilience.NewCircuitBreaker("portal_fetch", cfg.Resilience.CircuitBreaker, logger)
	svc.Fetcher = fetch.NewClient(cfg.Fetch, logger.WithComponent("fetch"), tel).
		WithResilience(cfg.Resilience.Retry, portalBreaker)

	svc.Coordinator = scraper.NewCoordinator(svc.Repository, svc.Fetcher, svc.State, cfg.Fetch, logger.WithComponent("scraper"), tel)

	caller, err := svc.buildCaller()
	if err != nil {
		return nil, err
	}
	svc.Engine = escalation.NewEngine(svc.Repository, caller, cfg.Vapi, logger.WithComponent("escalation"), tel)
	svc.Detector = detector.NewDetector(svc.Repository, svc.Engine, cfg.Detection, logger.WithComponent("detector"), tel)
	svc.Scheduler = scheduler.New(svc.Coordinator, svc.Detector, svc.State, *cfg, logger.WithComponent("scheduler"))

	geocoder := api.NewGeocoder(cfg.Maps, logger.WithComponent("geocode"))
	svc.API = api.NewServer(svc.Coordinator, svc.Detector, svc.Engine, svc.Scheduler, svc.Repository, geocoder, *cfg, logger.WithComponent("api"))

	return svc, nil
}

// buildState selects the runtime-state backend. Redis survives
// restarts; the in-memory store is for dev and tests.
func (s *Service) buildState() error {
	switch s.Config.State.Provider {
	case "", "inmemory", "memory":
		store := core.NewMemoryStore()
		store.SetLogger(s.Logger.WithComponent("state"))
		s.State = store
		return nil
	case "redis":
		store, err := core.NewRedisStore(core.RedisStoreOptions{
			RedisURL: s.Config.State.RedisURL,
			Logger:   s.Logger.WithComponent("state"),
		})
		if err != nil {
			return err
		}
		s.State = store
		s.stateOwns = store.Close
		return nil
	default:
		return fmt.Errorf("unknown state provider %q: %w", s.Config.State.Provider, core.ErrInvalidConfiguration)
	}
}

// buildCaller picks the voice transport. With Vapi credentials the
// engine dials the vendor directly; otherwise calls go through the
// bridge's webhook relay, wrapped in retry and a breaker either way.
func (s *Service) buildCaller() (escalation.Caller, error) {
	var inner escalation.Caller
	if s.Config.DirectCallMode() {
		client, err := escalation.NewVapiClient(s.Config.Vapi, s.Logger.WithComponent("vapi"))
		if err != nil {
			return nil, err
		}
		inner = client
	} else {
		s.Logger.Info("Vapi credentials absent, voice calls relayed through bridge webhook", map[string]interface{}{
			"operation": "assembly",
		})
		inner = escalation.NewWebhookCaller(s.Gateway, s.Logger.WithComponent("vapi"))
	}

	breaker := resilience.NewCircuitBreaker("voice_call", s.Config.Resilience.CircuitBreaker, s.Logger)
	return &resilientCaller{
		inner:   inner,
		retry:   s.Config.Resilience.Retry,
		breaker: breaker,
		logger:  s.Logger.WithComponent("vapi"),
	}, nil
}

// resilientCaller retries transient placement failures. A failed
// placement is safe to retry; the vendor only charges once a call
// connects.
type resilientCaller struct {
	inner   escalation.Caller
	retry   core.RetryConfig
	breaker *resilience.CircuitBreaker
	logger  core.Logger
}

func (c *resilientCaller) PlaceCall(ctx context.Context, req escalation.CallRequest) (*escalation.CallResponse, error) {
	var resp *escalation.CallResponse
	err := resilience.Retry(ctx, c.retry, c.logger, "place_call", func() error {
		return c.breaker.Execute(func() error {
			var callErr error
			resp, callErr = c.inner.PlaceCall(ctx, req)
			return callErr
		})
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Start launches the cron scheduler and then serves the control
// surface. It blocks until the HTTP listener stops.
func (s *Service) Start(ctx context.Context) error {
	s.Logger.Info("Starting pipeline", map[string]interface{}{
		"operation": "startup",
		"version":   Version,
		"port":      s.Config.Port,
		"cron":      s.Config.Scheduler.CronSchedule,
		"direct":    s.Config.DirectCallMode(),
	})

	if err := s.Scheduler.Start(ctx); err != nil {
		return err
	}
	return s.API.Start()
}

// Shutdown stops the scheduler, drains the HTTP server, and flushes
// telemetry. Errors are logged but do not stop the teardown.
func (s *Service) Shutdown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(s.Scheduler.Stop(ctx))
	keep(s.API.Shutdown(ctx))
	if s.telemetry != nil {
		keep(s.telemetry.Shutdown(ctx))
	}
	if s.stateOwns != nil {
		keep(s.stateOwns())
	}

	s.Logger.Info("Pipeline stopped", map[string]interface{}{
		"operation": "shutdown",
	})
	return firstErr
}
