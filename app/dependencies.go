// Package app wires the gateway's components together. It is the single
// place where construction order and cross-component hookup live.
package app

import (
	"context"
	"fmt"

	"github.com/upb/llm-fallback-gateway/config"
	"github.com/upb/llm-fallback-gateway/observability"
	"github.com/upb/llm-fallback-gateway/services/breaker"
	"github.com/upb/llm-fallback-gateway/services/equivalence"
	"github.com/upb/llm-fallback-gateway/services/fallback"
	"github.com/upb/llm-fallback-gateway/services/providers"
	"github.com/upb/llm-fallback-gateway/services/providers/openaicompat"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies. This is the central
// wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger

	// Observability
	Metrics         *observability.Metrics
	MetricsShutdown func(context.Context) error

	// Core components
	Providers    *providers.Registry
	Tiers        *equivalence.Registry
	Breakers     *breaker.Registry
	Resolver     *fallback.Resolver
	Publisher    fallback.Publisher
	Orchestrator *fallback.Orchestrator
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initMetrics(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := deps.initProviders(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	if err := deps.initEquivalence(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize equivalence registry: %w", err)
	}

	deps.initFallback(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initMetrics sets up the OpenTelemetry meter provider with the Prometheus
// exporter and creates the gateway's instrument set.
func (d *Dependencies) initMetrics(cfg *config.Config) error {
	if !cfg.Observability.MetricsEnabled {
		return nil
	}

	shutdown, err := observability.InitProvider(
		cfg.Observability.ServiceName,
		cfg.Observability.ServiceVersion,
	)
	if err != nil {
		return err
	}
	d.MetricsShutdown = shutdown

	metrics, err := observability.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	d.Metrics = metrics

	d.Logger.Info("metrics initialized",
		zap.String("service", cfg.Observability.ServiceName))
	return nil
}

// initProviders registers one OpenAI-compatible adapter per configured
// provider. A provider without an API key is skipped.
func (d *Dependencies) initProviders(cfg *config.Config) error {
	registry := providers.NewRegistry()

	configured := map[string]config.ProviderConfig{
		"openai":    cfg.Providers.OpenAI,
		"anthropic": cfg.Providers.Anthropic,
		"groq":      cfg.Providers.Groq,
	}

	for name, pc := range configured {
		if pc.APIKey == "" {
			continue
		}
		adapter := openaicompat.New(name, providers.ProviderConfig{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Timeout: pc.Timeout,
		})
		if err := registry.Register(adapter); err != nil {
			return err
		}
		d.Logger.Info("provider registered",
			zap.String("provider", name),
			zap.String("base_url", pc.BaseURL))
	}

	d.Providers = registry
	return nil
}

// initEquivalence loads the tier table from the configured YAML file, or
// falls back to the built-in default table.
func (d *Dependencies) initEquivalence(cfg *config.Config) error {
	table := equivalence.DefaultTable()

	if cfg.Equivalence.TablePath != "" {
		loaded, err := equivalence.LoadTable(cfg.Equivalence.TablePath)
		if err != nil {
			return fmt.Errorf("loading tier table from %s: %w", cfg.Equivalence.TablePath, err)
		}
		table = loaded
		d.Logger.Info("equivalence table loaded",
			zap.String("path", cfg.Equivalence.TablePath),
			zap.Int("tiers", len(table.Tiers)))
	}

	registry, err := equivalence.NewRegistry(table)
	if err != nil {
		return err
	}
	d.Tiers = registry
	return nil
}

// initFallback builds the breaker registry, resolver, publisher, and the
// orchestrator on top of the provider registry.
func (d *Dependencies) initFallback(cfg *config.Config) {
	breakerConfig := breaker.Config{
		FailureThreshold:         cfg.Fallback.FailureThreshold,
		OpenTimeout:              cfg.Fallback.OpenTimeout,
		MaxHalfOpenProbes:        cfg.Fallback.MaxHalfOpenProbes,
		HalfOpenSuccessThreshold: cfg.Fallback.HalfOpenSuccessThreshold,
	}

	d.Breakers = breaker.NewRegistry(breakerConfig, d.Logger)
	if d.Metrics != nil {
		metrics := d.Metrics
		d.Breakers.OnTransition = func(backend equivalence.BackendKey, from, to breaker.Status) {
			metrics.BreakerTransitions.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("backend", backend.String()),
				attribute.String("from", string(from)),
				attribute.String("to", string(to))))
		}
	}

	d.Resolver = fallback.NewResolver(d.Tiers, nil)
	d.Publisher = fallback.NewLogPublisher(d.Logger)

	policy := fallback.Policy{
		Enabled:          cfg.Fallback.Enabled,
		MaxAttempts:      cfg.Fallback.MaxAttempts,
		NotifyOnFallback: cfg.Fallback.NotifyOnFallback,
		Breaker:          breakerConfig,
	}

	d.Orchestrator = fallback.NewOrchestrator(
		d.Providers,
		d.Breakers,
		d.Resolver,
		d.Publisher,
		policy,
		d.Logger,
	)
	d.Orchestrator.Metrics = d.Metrics
}

// Close releases resources held by the dependency graph.
func (d *Dependencies) Close(ctx context.Context) error {
	if d.MetricsShutdown != nil {
		return d.MetricsShutdown(ctx)
	}
	return nil
}
