// Package venue defines the adapter boundary to external execution venues.
// The core never interprets venue-native semantics beyond success, failure,
// or partial fill; adapter errors are surfaced verbatim and never retried.
package venue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tradegate/internal/policy"
)

// Result is a venue-native execution outcome normalized to the fields the
// core cares about.
type Result struct {
	Venue     string                 `json:"venue"`
	Reference string                 `json:"reference"`
	Status    string                 `json:"status"` // filled, partial, submitted
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Adapter executes a validated, policy-approved action against a venue.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, action policy.Action) (*Result, error)
}

// Paper simulates fills without touching any venue. It stands in wherever a
// real adapter is not configured.
type Paper struct{}

// NewPaper creates a simulated adapter.
func NewPaper() *Paper { return &Paper{} }

// Name implements Adapter.
func (p *Paper) Name() string { return "paper" }

// Execute returns a simulated fill for the action.
func (p *Paper) Execute(_ context.Context, action policy.Action) (*Result, error) {
	ref := uuid.New().String()
	detail := map[string]interface{}{"simulated": true}
	switch a := action.(type) {
	case policy.Swap:
		detail["summary"] = fmt.Sprintf("swap %g %s -> %s on %s", a.Amount, a.FromToken, a.ToToken, a.Chain)
	case policy.TransferNative:
		detail["summary"] = fmt.Sprintf("transfer %g native to %s on %s", a.Amount, a.ToAddress, a.Chain)
	case policy.CexOrder:
		detail["summary"] = fmt.Sprintf("%s %g %s %s on %s", a.Side, a.Amount, a.Symbol, a.OrderType, a.Exchange)
	}
	log.Info().Str("venue", "paper").Str("kind", string(action.ActionKind())).Msg("simulated execution")
	return &Result{Venue: "paper", Reference: ref, Status: "filled", Detail: detail}, nil
}
