package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// tickerPayload is the wire shape REST ticker endpoints return.
type tickerPayload struct {
	Symbol      string  `json:"symbol"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	Last        float64 `json:"last"`
	TimestampMS int64   `json:"timestamp_ms"`
}

// RESTProviderConfig configures a polled ticker source. URL must contain a
// single %s placeholder for the symbol.
type RESTProviderConfig struct {
	ID       string
	URL      string
	Symbols  []string
	Interval time.Duration
	RPS      float64
	Burst    int
}

// RESTProvider polls a ticker endpoint per symbol on a fixed interval. Each
// provider carries its own request rate limiter and circuit breaker so one
// flapping venue cannot burn the poll budget of the others.
type RESTProvider struct {
	cfg     RESTProviderConfig
	bus     *Bus
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

// NewRESTProvider builds a poller against the given bus.
func NewRESTProvider(cfg RESTProviderConfig, bus *Bus) *RESTProvider {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RPS) + 1
	}
	cfg.ID = normalizeProvider(cfg.ID)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "marketdata-" + cfg.ID,
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("market data breaker state change")
		},
	})
	return &RESTProvider{
		cfg:     cfg,
		bus:     bus,
		client:  &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		breaker: breaker,
		now:     time.Now,
	}
}

// ID returns the provider identifier.
func (p *RESTProvider) ID() string { return p.cfg.ID }

// Run polls until the context is cancelled.
func (p *RESTProvider) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	log.Info().
		Str("provider", p.cfg.ID).
		Dur("interval", p.cfg.Interval).
		Int("symbols", len(p.cfg.Symbols)).
		Msg("market data poller started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *RESTProvider) pollAll(ctx context.Context) {
	for _, symbol := range p.cfg.Symbols {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		reading, err := p.fetch(ctx, symbol)
		if err != nil {
			if err != gobreaker.ErrOpenState && err != gobreaker.ErrTooManyRequests {
				log.Warn().Err(err).
					Str("provider", p.cfg.ID).
					Str("symbol", symbol).
					Msg("ticker poll failed")
			}
			continue
		}
		p.bus.Push(*reading)
	}
}

func (p *RESTProvider) fetch(ctx context.Context, symbol string) (*Reading, error) {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf(p.cfg.URL, strings.ToUpper(symbol))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("ticker endpoint returned %d", resp.StatusCode)
		}
		var payload tickerPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("failed to decode ticker payload: %w", err)
		}
		return &payload, nil
	})
	if err != nil {
		return nil, err
	}
	payload := out.(*tickerPayload)
	ts := p.now()
	if payload.TimestampMS > 0 {
		ts = time.UnixMilli(payload.TimestampMS)
	}
	sym := payload.Symbol
	if sym == "" {
		sym = symbol
	}
	return &Reading{
		ProviderID: p.cfg.ID,
		Symbol:     sym,
		Bid:        payload.Bid,
		Ask:        payload.Ask,
		Last:       payload.Last,
		Timestamp:  ts,
	}, nil
}
