// Package marketdata routes ticker reads across ranked providers, scoring
// freshness and outlier risk, and optionally failing closed rather than
// returning data it cannot trust.
package marketdata

import (
	"strings"
	"time"
)

// Reading is one provider's latest view of a symbol. Readings are ephemeral:
// a newer reading for the same (provider, symbol) supersedes the old one.
type Reading struct {
	ProviderID string    `json:"provider_id"`
	Symbol     string    `json:"symbol"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Last       float64   `json:"last"`
	Timestamp  time.Time `json:"timestamp"`
}

// Candidate reports how one provider's reading fared during selection. The
// full candidate list is always returned for operator introspection.
type Candidate struct {
	Reading  Reading `json:"reading"`
	Priority int     `json:"priority"`
	AgeMS    int64   `json:"age_ms"`
	MaxAgeMS int64   `json:"max_age_ms"`
	OK       bool    `json:"ok"`
	Stale    bool    `json:"stale"`
	Outlier  bool    `json:"outlier"`
	Reason   string  `json:"reason"`
	Accepted bool    `json:"accepted"`
}

// Meta describes how the chosen reading was selected.
type Meta struct {
	Symbol     string      `json:"symbol"`
	ProviderID string      `json:"provider_id"`
	Priority   int         `json:"priority"`
	AgeMS      int64       `json:"age_ms"`
	MaxAgeMS   int64       `json:"max_age_ms"`
	Stale      bool        `json:"stale"`
	Outlier    bool        `json:"outlier"`
	Candidates []Candidate `json:"candidates"`
}

// Result is a selected ticker with provenance.
type Result struct {
	Reading Reading `json:"reading"`
	Source  string  `json:"source"`
	Meta    Meta    `json:"meta"`
}

// saneReading validates the basic shape of a ticker. Zero bid/ask means the
// provider did not supply that side.
func saneReading(r Reading) (bool, string) {
	if r.Last <= 0 {
		return false, "invalid_last"
	}
	if r.Bid < 0 {
		return false, "invalid_bid"
	}
	if r.Ask < 0 {
		return false, "invalid_ask"
	}
	if r.Bid > 0 && r.Ask > 0 && r.Ask < r.Bid {
		return false, "ask_lt_bid"
	}
	return true, "ok"
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func normalizeProvider(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
