// Package audit records governance decisions for operator review. Recording
// is best-effort: a failing sink never blocks or fails an execution path.
package audit

import (
	"context"
	"time"
)

// Event is one recorded governance decision.
type Event struct {
	Time      time.Time              `json:"time"`
	Category  string                 `json:"category"` // execution, proposal, policy, consent
	Action    string                 `json:"action"`
	Outcome   string                 `json:"outcome"`
	Reason    string                 `json:"reason,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, event Event) error
	Close() error
}

// Nop discards all events.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(context.Context, Event) error { return nil }

// Close implements Sink.
func (Nop) Close() error { return nil }
