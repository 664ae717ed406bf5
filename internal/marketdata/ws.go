package marketdata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSProviderConfig configures a streaming ticker source. Subscribe, when
// non-empty, is sent verbatim after every (re)connect.
type WSProviderConfig struct {
	ID        string
	URL       string
	Subscribe string
}

// WSProvider consumes a ticker stream over WebSocket and pushes every message
// into the bus. Connection loss triggers reconnect with capped backoff.
type WSProvider struct {
	cfg WSProviderConfig
	bus *Bus
	now func() time.Time
}

// NewWSProvider builds a stream consumer against the given bus.
func NewWSProvider(cfg WSProviderConfig, bus *Bus) *WSProvider {
	cfg.ID = normalizeProvider(cfg.ID)
	return &WSProvider{cfg: cfg, bus: bus, now: time.Now}
}

// ID returns the provider identifier.
func (p *WSProvider) ID() string { return p.cfg.ID }

// Run connects and consumes until the context is cancelled.
func (p *WSProvider) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := p.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).
			Str("provider", p.cfg.ID).
			Dur("backoff", backoff).
			Msg("ticker stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (p *WSProvider) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, p.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if p.cfg.Subscribe != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(p.cfg.Subscribe)); err != nil {
			return err
		}
	}
	log.Info().Str("provider", p.cfg.ID).Str("url", p.cfg.URL).Msg("ticker stream connected")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var payload tickerPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			// Streams interleave heartbeats and acks with tickers.
			continue
		}
		if payload.Symbol == "" || payload.Last == 0 {
			continue
		}
		ts := p.now()
		if payload.TimestampMS > 0 {
			ts = time.UnixMilli(payload.TimestampMS)
		}
		p.bus.Push(Reading{
			ProviderID: p.cfg.ID,
			Symbol:     payload.Symbol,
			Bid:        payload.Bid,
			Ask:        payload.Ask,
			Last:       payload.Last,
			Timestamp:  ts,
		})
	}
}
