// Package governor orchestrates consent, rate limiting, idempotency, and
// policy around execution requests, and owns the two-phase proposal/confirm
// protocol used in approve_each mode.
//
// Check ordering is deliberate: consent first, then rate limit, so repeated
// unconsented calls cannot starve a legitimate caller's rate budget.
package governor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradegate/internal/apperr"
	"tradegate/internal/audit"
	"tradegate/internal/consent"
	"tradegate/internal/idempotency"
	"tradegate/internal/metrics"
	"tradegate/internal/policy"
	"tradegate/internal/ratelimit"
	"tradegate/internal/venue"
)

// Mode selects the approval flow.
type Mode string

const (
	// ModeAuto executes immediately after the governance checks pass.
	ModeAuto Mode = "auto"
	// ModeApproveEach parks every request as a proposal requiring an
	// explicit confirm before it reaches a venue.
	ModeApproveEach Mode = "approve_each"
)

// DefaultProposalTTL bounds how long a proposal stays confirmable.
const DefaultProposalTTL = 5 * time.Minute

// Rate limiter action names used by the governor.
const (
	actionConfirm = "confirm_execution"
	actionCancel  = "cancel_execution"
	actionList    = "list_pending_executions"
)

// Decision is the outcome of a governed execution request: either a final
// venue result or a pending proposal descriptor.
type Decision struct {
	NeedsConfirmation bool          `json:"needs_confirmation"`
	RequestID         string        `json:"request_id,omitempty"`
	ConfirmToken      string        `json:"confirm_token,omitempty"`
	ExpiresAt         time.Time     `json:"expires_at,omitempty"`
	Venue             *venue.Result `json:"venue,omitempty"`
}

// cachedOutcome is what the idempotency store holds per key: the decision or
// the structured error, whichever terminated the original call.
type cachedOutcome struct {
	Decision *Decision     `json:"decision,omitempty"`
	Error    *apperr.Error `json:"error,omitempty"`
}

// Config holds governor settings.
type Config struct {
	Mode        Mode
	ProposalTTL time.Duration
}

// Deps are the collaborating components, injected rather than ambient.
type Deps struct {
	Consent *consent.Store
	Limiter *ratelimit.Limiter
	Policy  *policy.Engine
	Idem    idempotency.Store
	Venue   venue.Adapter
	Metrics *metrics.Registry
	Audit   audit.Sink
}

// Governor is the execution gatekeeper. All state is process-scoped and
// resets on restart.
type Governor struct {
	deps Deps

	mu        sync.Mutex
	mode      Mode
	ttl       time.Duration
	proposals map[string]*proposal
	now       func() time.Time
}

// New creates a governor. TTL defaults to five minutes, mode to auto.
func New(cfg Config, deps Deps) *Governor {
	if cfg.ProposalTTL <= 0 {
		cfg.ProposalTTL = DefaultProposalTTL
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	return &Governor{
		deps:      deps,
		mode:      cfg.Mode,
		ttl:       cfg.ProposalTTL,
		proposals: make(map[string]*proposal),
		now:       time.Now,
	}
}

// Mode returns the current approval mode.
func (g *Governor) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// SetMode switches the approval mode at runtime.
func (g *Governor) SetMode(mode Mode) *apperr.Error {
	if mode != ModeAuto && mode != ModeApproveEach {
		return apperr.Newf(apperr.CodeInvalidRequest, "mode must be %q or %q", ModeAuto, ModeApproveEach)
	}
	g.mu.Lock()
	g.mode = mode
	g.mu.Unlock()
	log.Warn().Str("mode", string(mode)).Msg("execution approval mode changed")
	return nil
}

// Execute runs the full governance pipeline for an action. In approve_each
// mode the decision is a pending-proposal descriptor; in auto mode the action
// is forwarded to the venue adapter once all checks pass. A non-empty
// idempotency key makes a retried request return the original outcome without
// re-invoking the venue adapter.
func (g *Governor) Execute(ctx context.Context, action policy.Action, idemKey string) (*Decision, *apperr.Error) {
	kind := string(action.ActionKind())

	if err := g.deps.Consent.RequireBasic(); err != nil {
		g.count(kind, "consent_required")
		return nil, err
	}
	if err := g.deps.Limiter.Check("execute:" + kind); err != nil {
		g.count(kind, "rate_limited")
		return nil, err
	}

	outcome, err := g.deps.Idem.Begin(ctx, idemKey)
	if err != nil {
		return nil, apperr.From(err)
	}
	if !outcome.Fresh {
		g.deps.Metrics.IdempotencyHits.Inc()
		return decodeCached(outcome.Result)
	}

	dec, derr := g.decide(ctx, action)
	g.finish(ctx, idemKey, dec, derr)

	outcomeLabel := "allowed"
	switch {
	case derr != nil:
		outcomeLabel = "denied"
		g.deps.Metrics.PolicyDenials.WithLabelValues(derr.Code).Inc()
	case dec.NeedsConfirmation:
		outcomeLabel = "pending"
	}
	g.count(kind, outcomeLabel)
	g.record(ctx, audit.Event{
		Time:      g.now(),
		Category:  "execution",
		Action:    kind,
		Outcome:   outcomeLabel,
		Reason:    errCode(derr),
		RequestID: decRequestID(dec),
		Data:      map[string]interface{}{"amount": action.ActionAmount()},
	})
	return dec, derr
}

// decide applies policy and either parks or forwards the action.
func (g *Governor) decide(ctx context.Context, action policy.Action) (*Decision, *apperr.Error) {
	if err := g.deps.Policy.Evaluate(action); err != nil {
		return nil, err
	}

	g.mu.Lock()
	mode := g.mode
	g.mu.Unlock()

	if mode == ModeApproveEach {
		p := g.createProposal(action)
		g.deps.Metrics.Proposals.WithLabelValues("created").Inc()
		return &Decision{
			NeedsConfirmation: true,
			RequestID:         p.requestID,
			ConfirmToken:      p.confirmToken,
			ExpiresAt:         p.expiresAt,
		}, nil
	}
	return g.forward(ctx, action)
}

// forward hands the action to the venue adapter. Adapter errors surface
// verbatim and are never retried here: blind retries on a money-moving call
// are unsafe without the caller's idempotency key.
func (g *Governor) forward(ctx context.Context, action policy.Action) (*Decision, *apperr.Error) {
	start := g.now()
	res, err := g.deps.Venue.Execute(ctx, action)
	g.deps.Metrics.VenueLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if ae := apperr.From(err); ae.Code != apperr.CodeInternalError {
			return nil, ae
		}
		return nil, apperr.New(apperr.CodeExecutionFailed, err.Error())
	}
	return &Decision{Venue: res}, nil
}

func (g *Governor) createProposal(action policy.Action) *proposal {
	now := g.now()
	p := &proposal{
		requestID:    newRequestID(),
		confirmToken: newConfirmToken(),
		action:       action,
		createdAt:    now,
		expiresAt:    now.Add(g.ttl),
		status:       StatusPending,
	}
	g.mu.Lock()
	g.proposals[p.requestID] = p
	g.mu.Unlock()
	log.Info().
		Str("request_id", p.requestID).
		Str("kind", string(action.ActionKind())).
		Time("expires_at", p.expiresAt).
		Msg("execution proposal created")
	return p
}

// Confirm finalizes a pending proposal. The token is consumed exactly once:
// after a successful confirm, any replay fails with
// execution_already_finalized. Policy is re-evaluated because config or
// overrides may have changed since the proposal was created.
func (g *Governor) Confirm(ctx context.Context, requestID, confirmToken string) (*Decision, *apperr.Error) {
	if err := g.deps.Consent.RequireBasic(); err != nil {
		return nil, err
	}
	if err := g.deps.Limiter.Check(actionConfirm); err != nil {
		return nil, err
	}

	g.mu.Lock()
	p, ok := g.proposals[requestID]
	if !ok {
		g.mu.Unlock()
		return nil, apperr.New(apperr.CodeExecutionNotFound, "Unknown request_id.").With("request_id", requestID)
	}
	g.expireLocked(p)
	if p.status == StatusExpired {
		g.mu.Unlock()
		return nil, apperr.New(apperr.CodeExecutionExpired, "Proposal expired.").With("request_id", requestID)
	}
	if p.status != StatusPending {
		g.mu.Unlock()
		return nil, apperr.New(apperr.CodeExecutionAlreadyFinalized, "Proposal already finalized.").
			With("request_id", requestID).With("status", string(p.status))
	}
	if !tokenMatches(p.confirmToken, confirmToken) {
		g.mu.Unlock()
		return nil, apperr.New(apperr.CodeInvalidConfirmToken, "Invalid confirm_token.").With("request_id", requestID)
	}
	p.status = StatusConfirmed
	action := p.action
	g.mu.Unlock()

	g.deps.Metrics.Proposals.WithLabelValues("confirmed").Inc()

	if err := g.deps.Policy.Evaluate(action); err != nil {
		g.record(ctx, audit.Event{
			Time: g.now(), Category: "proposal", Action: string(action.ActionKind()),
			Outcome: "denied_on_confirm", Reason: err.Code, RequestID: requestID,
		})
		return nil, err
	}
	dec, derr := g.forward(ctx, action)
	g.record(ctx, audit.Event{
		Time: g.now(), Category: "proposal", Action: string(action.ActionKind()),
		Outcome: outcomeLabel(derr), Reason: errCode(derr), RequestID: requestID,
	})
	return dec, derr
}

// Cancel moves a pending proposal to cancelled. Terminal proposals cannot be
// cancelled; in-flight venue calls are never interrupted.
func (g *Governor) Cancel(ctx context.Context, requestID string) *apperr.Error {
	if err := g.deps.Limiter.Check(actionCancel); err != nil {
		return err
	}
	g.mu.Lock()
	p, ok := g.proposals[requestID]
	if !ok {
		g.mu.Unlock()
		return apperr.New(apperr.CodeExecutionNotFound, "Unknown request_id.").With("request_id", requestID)
	}
	g.expireLocked(p)
	if p.status == StatusExpired {
		g.mu.Unlock()
		return apperr.New(apperr.CodeExecutionExpired, "Proposal expired.").With("request_id", requestID)
	}
	if p.status != StatusPending {
		g.mu.Unlock()
		return apperr.New(apperr.CodeExecutionAlreadyFinalized, "Proposal already finalized.").
			With("request_id", requestID).With("status", string(p.status))
	}
	p.status = StatusCancelled
	g.mu.Unlock()

	g.deps.Metrics.Proposals.WithLabelValues("cancelled").Inc()
	g.record(ctx, audit.Event{
		Time: g.now(), Category: "proposal", Action: "cancel",
		Outcome: "cancelled", RequestID: requestID,
	})
	return nil
}

// ListPending returns metadata for pending, unexpired proposals. Confirm
// tokens are never included.
func (g *Governor) ListPending() ([]ProposalInfo, *apperr.Error) {
	if err := g.deps.Limiter.Check(actionList); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ProposalInfo, 0, len(g.proposals))
	for _, p := range g.proposals {
		g.expireLocked(p)
		if p.status == StatusPending {
			out = append(out, p.info())
		}
	}
	return out, nil
}

// expireLocked lazily moves an overdue pending proposal to expired. Caller
// holds g.mu.
func (g *Governor) expireLocked(p *proposal) {
	if p.status == StatusPending && g.now().After(p.expiresAt) {
		p.status = StatusExpired
		g.deps.Metrics.Proposals.WithLabelValues("expired").Inc()
	}
}

// finish publishes the outcome to the idempotency store.
func (g *Governor) finish(ctx context.Context, idemKey string, dec *Decision, derr *apperr.Error) {
	if idemKey == "" {
		return
	}
	payload, err := json.Marshal(cachedOutcome{Decision: dec, Error: derr})
	if err != nil {
		_ = g.deps.Idem.Abort(ctx, idemKey)
		return
	}
	if err := g.deps.Idem.Complete(ctx, idemKey, payload); err != nil {
		log.Warn().Err(err).Msg("failed to publish idempotency outcome")
	}
}

func (g *Governor) count(action, outcome string) {
	g.deps.Metrics.Decisions.WithLabelValues(action, outcome).Inc()
}

func (g *Governor) record(ctx context.Context, event audit.Event) {
	if err := g.deps.Audit.Record(ctx, event); err != nil {
		log.Warn().Err(err).Msg("audit record failed")
	}
}

// SetClock replaces the time source, for tests.
func (g *Governor) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

func decodeCached(raw []byte) (*Decision, *apperr.Error) {
	var cached cachedOutcome
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, apperr.New(apperr.CodeInternalError, "corrupt idempotency entry")
	}
	return cached.Decision, cached.Error
}

func errCode(err *apperr.Error) string {
	if err == nil {
		return ""
	}
	return err.Code
}

func decRequestID(dec *Decision) string {
	if dec == nil {
		return ""
	}
	return dec.RequestID
}

func outcomeLabel(err *apperr.Error) string {
	if err == nil {
		return "confirmed"
	}
	return "failed"
}
