// Package app wires configuration into the running component graph: consent,
// policy, rate limiting, idempotency, venues, governance, and market data.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradegate/internal/apperr"
	"tradegate/internal/audit"
	"tradegate/internal/config"
	"tradegate/internal/consent"
	"tradegate/internal/governor"
	"tradegate/internal/idempotency"
	"tradegate/internal/marketdata"
	"tradegate/internal/metrics"
	"tradegate/internal/policy"
	"tradegate/internal/ratelimit"
	"tradegate/internal/venue"
)

// App owns every long-lived component. Construction is explicit so tests can
// build partial graphs with fakes.
type App struct {
	Config   *config.Config
	Consent  *consent.Store
	Policy   *policy.Engine
	Limiter  *ratelimit.Limiter
	Idem     idempotency.Store
	Venue    venue.Adapter
	Governor *governor.Governor
	Bus      *marketdata.Bus
	Metrics  *metrics.Registry
	Audit    audit.Sink
	Profiles *config.RiskProfiles

	mirror    *marketdata.Mirror
	producers []marketdata.Producer
	wg        sync.WaitGroup
}

// New builds the full component graph from configuration. External backends
// (Redis, Postgres) are attached only when configured; everything degrades to
// in-process implementations.
func New(cfg *config.Config) (*App, error) {
	a := &App{
		Config:  cfg,
		Consent: consent.NewStore(),
		Metrics: metrics.NewRegistry(),
		Audit:   audit.Nop{},
	}

	a.Policy = policy.NewEngine(cfg.Policy, a.Consent)
	a.Limiter = ratelimit.New(limiterConfig(cfg.RateLimit))

	if cfg.Audit.PostgresDSN != "" {
		sink, err := audit.NewPostgresSink(cfg.Audit.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to attach audit sink: %w", err)
		}
		a.Audit = sink
		log.Info().Msg("postgres audit sink attached")
	}

	idemTTL := time.Duration(cfg.Idempotency.TTLHours) * time.Hour
	if cfg.Idempotency.RedisAddr != "" {
		a.Idem = idempotency.NewRedis(cfg.Idempotency.RedisAddr, idemTTL)
		log.Info().Str("addr", cfg.Idempotency.RedisAddr).Msg("redis idempotency store attached")
	} else {
		a.Idem = idempotency.NewMemory(idemTTL)
	}

	a.Venue = venue.NewBreaker(venue.NewPaper(), venue.DefaultBreakerConfig())

	a.Governor = governor.New(
		governor.Config{
			Mode:        governor.Mode(cfg.Approval.Mode),
			ProposalTTL: time.Duration(cfg.Approval.ProposalTTLSeconds) * time.Second,
		},
		governor.Deps{
			Consent: a.Consent,
			Limiter: a.Limiter,
			Policy:  a.Policy,
			Idem:    a.Idem,
			Venue:   a.Venue,
			Metrics: a.Metrics,
			Audit:   a.Audit,
		},
	)

	if cfg.MarketData.MirrorRedisAddr != "" {
		a.mirror = marketdata.NewMirror(cfg.MarketData.MirrorRedisAddr, 0)
		log.Info().Str("addr", cfg.MarketData.MirrorRedisAddr).Msg("market data mirror attached")
	}
	a.Bus = marketdata.NewBus(busConfig(cfg.MarketData), a.Metrics, a.mirror)
	a.buildProducers(cfg.MarketData)

	profiles, err := config.LoadRiskProfiles(cfg.Profiles.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk profiles: %w", err)
	}
	a.Profiles = profiles
	if cfg.Profiles.Active != "" {
		if err := a.applyProfileAtStartup(cfg.Profiles.Active); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func limiterConfig(cfg config.RateLimitConfig) ratelimit.Config {
	perAction := map[string]int{
		"execute:" + string(policy.KindSwap):           cfg.ExecutionPerWindow,
		"execute:" + string(policy.KindTransferNative): cfg.ExecutionPerWindow,
		"execute:" + string(policy.KindCexOrder):       cfg.ExecutionPerWindow,
	}
	for action, limit := range cfg.PerAction {
		perAction[action] = limit
	}
	return ratelimit.Config{
		Window:           time.Duration(cfg.WindowSeconds) * time.Second,
		DefaultPerWindow: cfg.DefaultPerWindow,
		PerAction:        perAction,
	}
}

func busConfig(cfg config.MarketDataConfig) marketdata.BusConfig {
	providerMaxAge := make(map[string]time.Duration, len(cfg.ProviderMaxAgeMS))
	for id, ms := range cfg.ProviderMaxAgeMS {
		providerMaxAge[id] = time.Duration(ms) * time.Millisecond
	}
	return marketdata.BusConfig{
		MaxAge:         time.Duration(cfg.MaxAgeMS) * time.Millisecond,
		ProviderMaxAge: providerMaxAge,
		OutlierMaxPct:  cfg.OutlierMaxPct,
		OutlierWindow:  time.Duration(cfg.OutlierWindowMS) * time.Millisecond,
		FailClosed:     cfg.FailClosed,
		Priority:       cfg.Priority,
	}
}

func (a *App) buildProducers(cfg config.MarketDataConfig) {
	for _, pc := range cfg.RESTProviders {
		a.producers = append(a.producers, marketdata.NewRESTProvider(marketdata.RESTProviderConfig{
			ID:       pc.ID,
			URL:      pc.URL,
			Symbols:  pc.Symbols,
			Interval: time.Duration(pc.IntervalSeconds) * time.Second,
			RPS:      pc.RPS,
			Burst:    pc.Burst,
		}, a.Bus))
	}
	for _, pc := range cfg.WSProviders {
		a.producers = append(a.producers, marketdata.NewWSProvider(marketdata.WSProviderConfig{
			ID:        pc.ID,
			URL:       pc.URL,
			Subscribe: pc.Subscribe,
		}, a.Bus))
	}
}

// StartProviders launches every configured market data producer. Producers
// stop when ctx is cancelled; Close waits for them.
func (a *App) StartProviders(ctx context.Context) {
	for _, p := range a.producers {
		p := p
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := p.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("provider", p.ID()).Msg("market data producer stopped")
			}
		}()
	}
}

// applyProfileAtStartup applies the configured profile without consent gating.
// Profiles flagged requires_advanced_consent cannot be activated from config;
// they need the runtime endpoint so the consent check runs.
func (a *App) applyProfileAtStartup(name string) error {
	p, err := a.Profiles.Get(name)
	if err != nil {
		return err
	}
	if p.RequiresAdvancedConsent {
		return fmt.Errorf("risk profile %q requires advanced consent and cannot be activated from config", name)
	}
	a.Policy.ReplaceOverrides(p.Overrides)
	a.Profiles.Active = name
	log.Info().Str("profile", name).Msg("risk profile applied")
	return nil
}

// ApplyProfile activates a named risk profile at runtime. Profiles flagged as
// elevated require advanced consent before their overrides take effect.
func (a *App) ApplyProfile(name string) (*config.RiskProfile, *apperr.Error) {
	p, err := a.Profiles.Get(name)
	if err != nil {
		return nil, apperr.Newf(apperr.CodeInvalidRequest, "unknown risk profile %q", name)
	}
	if p.RequiresAdvancedConsent {
		if cerr := a.Consent.RequireAdvanced(); cerr != nil {
			return nil, cerr
		}
	}
	a.Policy.ReplaceOverrides(p.Overrides)
	a.Profiles.Active = name
	log.Warn().Str("profile", name).Bool("elevated", p.RequiresAdvancedConsent).Msg("risk profile activated")
	return p, nil
}

// Close releases external resources and waits for producers to stop.
func (a *App) Close() error {
	a.wg.Wait()
	if a.mirror != nil {
		_ = a.mirror.Close()
	}
	if a.Idem != nil {
		_ = a.Idem.Close()
	}
	if a.Audit != nil {
		_ = a.Audit.Close()
	}
	return nil
}
