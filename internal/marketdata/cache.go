package marketdata

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const mirrorPrefix = "tradegate:md:last_good:"

// Mirror writes the last accepted reading per symbol to Redis so sibling
// processes can warm-start or inspect the feed. Writes are best effort and
// never block selection.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMirror connects a last-good mirror. TTL <= 0 defaults to 5 minutes.
func NewMirror(addr string, ttl time.Duration) *Mirror {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Mirror{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

// NewMirrorWithClient wraps an existing client, for tests.
func NewMirrorWithClient(client *redis.Client, ttl time.Duration) *Mirror {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Mirror{client: client, ttl: ttl}
}

// Store writes the reading under its symbol key. Errors are logged, not
// returned.
func (m *Mirror) Store(ctx context.Context, symbol string, r Reading) {
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := m.client.Set(ctx, mirrorPrefix+symbol, payload, m.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("symbol", symbol).Msg("last-good mirror write failed")
	}
}

// Load fetches the mirrored reading for a symbol, if any.
func (m *Mirror) Load(ctx context.Context, symbol string) (*Reading, error) {
	raw, err := m.client.Get(ctx, mirrorPrefix+normalizeSymbol(symbol)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Reading
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Close releases the Redis connection.
func (m *Mirror) Close() error { return m.client.Close() }
