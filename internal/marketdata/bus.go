package marketdata

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradegate/internal/apperr"
	"tradegate/internal/metrics"
)

// BusConfig tunes selection. Zero values fall back to the defaults below.
type BusConfig struct {
	MaxAge          time.Duration
	ProviderMaxAge  map[string]time.Duration
	OutlierMaxPct   float64
	OutlierWindow   time.Duration
	FailClosed      bool
	Priority        map[string]int
	DefaultPriority int
}

const (
	defaultMaxAge        = 30 * time.Second
	defaultOutlierPct    = 20.0
	defaultOutlierWindow = 10 * time.Second
	defaultPriority      = 9
)

type lastGood struct {
	last float64
	ts   time.Time
}

// Producer pushes readings into the bus. Pollers and stream readers both
// implement it and write through the same guarded store path.
type Producer interface {
	ID() string
	Run(ctx context.Context) error
}

// Bus holds the most recent reading per (provider, symbol) and selects the
// most trustworthy one on demand. Reads vastly outnumber writes, so the
// reading store sits behind a read/write lock.
type Bus struct {
	cfg     BusConfig
	metrics *metrics.Registry
	mirror  *Mirror

	mu       sync.RWMutex
	readings map[string]map[string]Reading // symbol -> provider -> reading
	accepted map[string]lastGood           // symbol -> last accepted value
	now      func() time.Time
}

// NewBus creates a bus. metrics and mirror may be nil.
func NewBus(cfg BusConfig, reg *metrics.Registry, mirror *Mirror) *Bus {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.OutlierMaxPct <= 0 {
		cfg.OutlierMaxPct = defaultOutlierPct
	}
	if cfg.OutlierWindow <= 0 {
		cfg.OutlierWindow = defaultOutlierWindow
	}
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = defaultPriority
	}
	return &Bus{
		cfg:      cfg,
		metrics:  reg,
		mirror:   mirror,
		readings: make(map[string]map[string]Reading),
		accepted: make(map[string]lastGood),
		now:      time.Now,
	}
}

// Push stores a reading unless a newer one for the same (provider, symbol)
// already exists. Safe for concurrent producers.
func (b *Bus) Push(r Reading) {
	r.Symbol = normalizeSymbol(r.Symbol)
	r.ProviderID = normalizeProvider(r.ProviderID)
	if r.Symbol == "" || r.ProviderID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	byProvider, ok := b.readings[r.Symbol]
	if !ok {
		byProvider = make(map[string]Reading)
		b.readings[r.Symbol] = byProvider
	}
	if existing, ok := byProvider[r.ProviderID]; ok && existing.Timestamp.After(r.Timestamp) {
		return
	}
	byProvider[r.ProviderID] = r
}

// GetTicker selects the best reading for a symbol.
//
// Selection: discard readings older than the provider's max age, discard
// outliers against the last accepted value, then pick the lowest priority
// number among survivors, breaking ties by freshest timestamp. With no
// survivor the bus either fails closed or returns the best degraded
// candidate with stale/outlier marked in the meta.
func (b *Bus) GetTicker(ctx context.Context, symbol string) (*Result, error) {
	sym := normalizeSymbol(symbol)
	now := b.now()

	b.mu.RLock()
	byProvider := b.readings[sym]
	snapshot := make([]Reading, 0, len(byProvider))
	for _, r := range byProvider {
		snapshot = append(snapshot, r)
	}
	prev, hasPrev := b.accepted[sym]
	b.mu.RUnlock()

	if len(snapshot) == 0 {
		return nil, apperr.Newf(apperr.CodeMarketDataNotAcceptable, "no provider has a reading for %s", sym).
			With("symbol", sym)
	}

	candidates := make([]Candidate, 0, len(snapshot))
	for _, r := range snapshot {
		c := Candidate{
			Reading:  r,
			Priority: b.priorityFor(r.ProviderID),
			AgeMS:    now.Sub(r.Timestamp).Milliseconds(),
			MaxAgeMS: b.maxAgeFor(r.ProviderID).Milliseconds(),
		}
		c.OK, c.Reason = saneReading(r)
		if c.OK && c.AgeMS > c.MaxAgeMS {
			c.Stale = true
			c.Reason = "stale"
		}
		if c.OK && !c.Stale && hasPrev && prev.last > 0 && now.Sub(prev.ts) <= b.cfg.OutlierWindow {
			pct := math.Abs(r.Last-prev.last) / prev.last * 100.0
			if pct > b.cfg.OutlierMaxPct {
				c.Outlier = true
				c.Reason = fmt.Sprintf("outlier_pct_move_%.3f", pct)
			}
		}
		candidates = append(candidates, c)
	}
	// Deterministic introspection order: priority, then freshest.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].Reading.Timestamp.After(candidates[j].Reading.Timestamp)
	})

	chosen := -1
	for i, c := range candidates {
		if c.OK && !c.Stale && !c.Outlier {
			chosen = i
			break
		}
	}

	if chosen >= 0 {
		candidates[chosen].Accepted = true
		c := candidates[chosen]
		b.mu.Lock()
		if cur, ok := b.accepted[sym]; !ok || c.Reading.Timestamp.After(cur.ts) {
			b.accepted[sym] = lastGood{last: c.Reading.Last, ts: c.Reading.Timestamp}
		}
		b.mu.Unlock()
		b.countSelection(c.Reading.ProviderID, "clean")
		if b.mirror != nil {
			b.mirror.Store(ctx, sym, c.Reading)
		}
		return &Result{
			Reading: c.Reading,
			Source:  c.Reading.ProviderID,
			Meta:    b.meta(sym, c, candidates),
		}, nil
	}

	for _, c := range candidates {
		if !c.OK {
			b.countRejection(c.Reading.ProviderID, c.Reason)
		} else if c.Stale {
			b.countRejection(c.Reading.ProviderID, "stale")
		} else if c.Outlier {
			b.countRejection(c.Reading.ProviderID, "outlier")
		}
	}

	// Best degraded candidate: sane readings only, already ordered by
	// priority then freshness.
	best := -1
	for i, c := range candidates {
		if c.OK {
			best = i
			break
		}
	}
	if best < 0 || b.cfg.FailClosed {
		return nil, apperr.Newf(apperr.CodeMarketDataNotAcceptable,
			"no acceptable reading for %s (fail_closed=%t)", sym, b.cfg.FailClosed).
			With("symbol", sym).
			With("candidates", candidates)
	}

	c := candidates[best]
	log.Warn().
		Str("symbol", sym).
		Str("provider", c.Reading.ProviderID).
		Bool("stale", c.Stale).
		Bool("outlier", c.Outlier).
		Msg("returning degraded market data reading")
	b.countSelection(c.Reading.ProviderID, "degraded")
	return &Result{
		Reading: c.Reading,
		Source:  c.Reading.ProviderID,
		Meta:    b.meta(sym, c, candidates),
	}, nil
}

func (b *Bus) meta(sym string, chosen Candidate, candidates []Candidate) Meta {
	return Meta{
		Symbol:     sym,
		ProviderID: chosen.Reading.ProviderID,
		Priority:   chosen.Priority,
		AgeMS:      chosen.AgeMS,
		MaxAgeMS:   chosen.MaxAgeMS,
		Stale:      chosen.Stale,
		Outlier:    chosen.Outlier,
		Candidates: candidates,
	}
}

func (b *Bus) priorityFor(providerID string) int {
	if p, ok := b.cfg.Priority[providerID]; ok {
		return p
	}
	return b.cfg.DefaultPriority
}

func (b *Bus) maxAgeFor(providerID string) time.Duration {
	if d, ok := b.cfg.ProviderMaxAge[providerID]; ok && d > 0 {
		return d
	}
	return b.cfg.MaxAge
}

func (b *Bus) countSelection(provider, quality string) {
	if b.metrics != nil {
		b.metrics.Selections.WithLabelValues(provider, quality).Inc()
	}
}

func (b *Bus) countRejection(provider, reason string) {
	if b.metrics != nil {
		b.metrics.Rejections.WithLabelValues(provider, reason).Inc()
	}
}

// Status summarizes the reading store per provider, for the status endpoint.
func (b *Bus) Status() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	perProvider := make(map[string]int)
	for _, byProvider := range b.readings {
		for pid := range byProvider {
			perProvider[pid]++
		}
	}
	providers := make([]map[string]interface{}, 0, len(perProvider))
	for pid, n := range perProvider {
		providers = append(providers, map[string]interface{}{
			"provider_id": pid,
			"priority":    b.priorityFor(pid),
			"symbols":     n,
			"max_age_ms":  b.maxAgeFor(pid).Milliseconds(),
		})
	}
	sort.Slice(providers, func(i, j int) bool {
		return providers[i]["provider_id"].(string) < providers[j]["provider_id"].(string)
	})
	return map[string]interface{}{
		"fail_closed": b.cfg.FailClosed,
		"providers":   providers,
	}
}

// SetClock replaces the time source, for tests.
func (b *Bus) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
