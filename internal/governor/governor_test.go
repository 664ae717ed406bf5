package governor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/apperr"
	"tradegate/internal/config"
	"tradegate/internal/consent"
	"tradegate/internal/idempotency"
	"tradegate/internal/metrics"
	"tradegate/internal/policy"
	"tradegate/internal/ratelimit"
	"tradegate/internal/venue"
)

// countingVenue records executions and can be set to fail.
type countingVenue struct {
	calls int64
	fail  error
}

func (v *countingVenue) Name() string { return "counting" }

func (v *countingVenue) Execute(_ context.Context, action policy.Action) (*venue.Result, error) {
	atomic.AddInt64(&v.calls, 1)
	if v.fail != nil {
		return nil, v.fail
	}
	return &venue.Result{Venue: "counting", Reference: "ref-1", Status: "filled"}, nil
}

func (v *countingVenue) count() int64 { return atomic.LoadInt64(&v.calls) }

type harness struct {
	gov     *Governor
	consent *consent.Store
	venue   *countingVenue
	limiter *ratelimit.Limiter
	metrics *metrics.Registry
}

func newHarness(t *testing.T, mode Mode, policyCfg config.PolicyConfig) *harness {
	t.Helper()
	cs := consent.NewStore()
	cv := &countingVenue{}
	lim := ratelimit.New(ratelimit.Config{Window: time.Minute, DefaultPerWindow: 1000})
	reg := metrics.NewRegistry()
	gov := New(
		Config{Mode: mode, ProposalTTL: 5 * time.Minute},
		Deps{
			Consent: cs,
			Limiter: lim,
			Policy:  policy.NewEngine(policyCfg, cs),
			Idem:    idempotency.NewMemory(time.Hour),
			Venue:   cv,
			Metrics: reg,
		},
	)
	return &harness{gov: gov, consent: cs, venue: cv, limiter: lim, metrics: reg}
}

func testSwap() policy.Swap {
	return policy.Swap{Chain: "base", FromToken: "USDC", ToToken: "WETH", Amount: 10}
}

func TestExecuteRequiresConsent(t *testing.T) {
	h := newHarness(t, ModeAuto, config.PolicyConfig{})

	_, err := h.gov.Execute(context.Background(), testSwap(), "")
	require.NotNil(t, err)
	assert.Equal(t, apperr.CodeConsentRequired, err.Code)
	assert.Equal(t, int64(0), h.venue.count())
}

func TestConsentDenialsNeverConsumeRateBudget(t *testing.T) {
	h := newHarness(t, ModeAuto, config.PolicyConfig{})
	h.limiter.Reset()
	lim := ratelimit.New(ratelimit.Config{Window: time.Minute, DefaultPerWindow: 2})
	h.gov.deps.Limiter = lim

	for i := 0; i < 50; i++ {
		_, err := h.gov.Execute(context.Background(), testSwap(), "")
		require.NotNil(t, err)
		assert.Equal(t, apperr.CodeConsentRequired, err.Code)
	}

	// After consent, the full budget is still available.
	require.NoError(t, h.consent.Accept(consent.TierBasic))
	_, err := h.gov.Execute(context.Background(), testSwap(), "")
	assert.Nil(t, err)
	_, err = h.gov.Execute(context.Background(), testSwap(), "")
	assert.Nil(t, err)
	_, err = h.gov.Execute(context.Background(), testSwap(), "")
	require.NotNil(t, err)
	assert.Equal(t, apperr.CodeRateLimited, err.Code)
}

func TestExecuteAutoModeForwards(t *testing.T) {
	h := newHarness(t, ModeAuto, config.PolicyConfig{})
	require.NoError(t, h.consent.Accept(consent.TierBasic))

	dec, err := h.gov.Execute(context.Background(), testSwap(), "")
	require.Nil(t, err)
	assert.False(t, dec.NeedsConfirmation)
	require.NotNil(t, dec.Venue)
	assert.Equal(t, "filled", dec.Venue.Status)
	assert.Equal(t, int64(1), h.venue.count())
}

func TestExecutePolicyDenialReachesNoVenue(t *testing.T) {
	maxTrade := 5.0
	h := newHarness(t, ModeAuto, config.PolicyConfig{MaxTradeAmount: &maxTrade})
	require.NoError(t, h.consent.Accept(consent.TierBasic))

	_, err := h.gov.Execute(context.Background(), testSwap(), "")
	require.NotNil(t, err)
	assert.Equal(t, policy.ReasonTradeAmountTooLarge, err.Code)
	assert.Equal(t, int64(0), h.venue.count())
}

func TestExecuteVenueErrorSurfacesVerbatim(t *testing.T) {
	h := newHarness(t, ModeAuto, config.PolicyConfig{})
	require.NoError(t, h.consent.Accept(consent.TierBasic))
	h.venue.fail = errors.New("insufficient balance on venue")

	_, err := h.gov.Execute(context.Background(), testSwap(), "")
	require.NotNil(t, err)
	assert.Equal(t, apperr.CodeExecutionFailed, err.Code)
	assert.Equal(t, "insufficient balance on venue", err.Message)
}

func TestIdempotentRetryDoesNotReinvokeVenue(t *testing.T) {
	h := newHarness(t, ModeAuto, config.PolicyConfig{})
	require.NoError(t, h.consent.Accept(consent.TierBasic))

	dec1, err := h.gov.Execute(context.Background(), testSwap(), "key-1")
	require.Nil(t, err)
	dec2, err := h.gov.Execute(context.Background(), testSwap(), "key-1")
	require.Nil(t, err)

	assert.Equal(t, int64(1), h.venue.count())
	assert.Equal(t, dec1.Venue.Reference, dec2.Venue.Reference)
}

func TestIdempotentRetryReplaysStructuredError(t *testing.T) {
	maxTrade := 5.0
	h := newHarness(t, ModeAuto, config.PolicyConfig{MaxTradeAmount: &maxTrade})
	require.NoError(t, h.consent.Accept(consent.TierBasic))

	_, err1 := h.gov.Execute(context.Background(), testSwap(), "key-1")
	require.NotNil(t, err1)
	_, err2 := h.gov.Execute(context.Background(), testSwap(), "key-1")
	require.NotNil(t, err2)
	assert.Equal(t, err1.Code, err2.Code)
	assert.Equal(t, int64(0), h.venue.count())
}

func TestApproveEachFullLifecycle(t *testing.T) {
	h := newHarness(t, ModeApproveEach, config.PolicyConfig{})
	require.NoError(t, h.consent.Accept(consent.TierBasic))
	ctx := context.Background()

	dec, err := h.gov.Execute(ctx, testSwap(), "")
	require.Nil(t, err)
	require.True(t, dec.NeedsConfirmation)
	require.NotEmpty(t, dec.RequestID)
	require.NotEmpty(t, dec.ConfirmToken)
	assert.Equal(t, int64(0), h.venue.count())

	pending, perr := h.gov.ListPending()
	require.Nil(t, perr)
	require.Len(t, pending, 1)
	assert.Equal(t, dec.RequestID, pending[0].RequestID)

	final, ferr := h.gov.Confirm(ctx, dec.RequestID, dec.ConfirmToken)
	require.Nil(t, ferr)
	require.NotNil(t, final.Venue)
	assert.Equal(t, int64(1), h.venue.count())

	// The token is consumed: a replay cannot double-execute.
	_, rerr := h.gov.Confirm(ctx, dec.RequestID, dec.ConfirmToken)
	require.NotNil(t, rerr)
	assert.Equal(t, apperr.CodeExecutionAlreadyFinalized, rerr.Code)
	assert.Equal(t, int64(1), h.venue.count())

	pending, perr = h.gov.ListPending()
	require.Nil(t, perr)
	assert.Empty(t, pending)
}

func TestConfirmRejectsWrongToken(t *testing.T) {
	h := newHarness(t, ModeApproveEach, config.PolicyConfig{})
	require.NoError(t, h.consent.Accept(consent.TierBasic))
	ctx := context.Background()

	dec, err := h.gov.Execute(ctx, testSwap(), "")
	require.Nil(t, err)

	_, cerr := h.gov.Confirm(ctx, dec.RequestID, "not-the-token")
	require.NotNil(t, cerr)
	assert.Equal(t, apperr.CodeInvalidConfirmToken, cerr.Code)
	assert.Equal(t, int64(0), h.venue.count())

	// A wrong token does not consume the proposal.
	_, ferr := h.gov.Confirm(ctx, dec.RequestID, dec.ConfirmToken)
	assert.Nil(t, ferr)
}

func TestConfirmUnknownRequest(t *testing.T) {
	h := newHarness(t, ModeApproveEach, config.PolicyConfig{})
	require.NoError(t, h.consent.Accept(consent.TierBasic))

	_, err := h.gov.Confirm(context.Background(), "no-such-id", "token")
	require.NotNil(t, err)
	assert.Equal(t, apperr.CodeExecutionNotFound, err.Code)
}

func TestProposalExpiry(t *testing.T) {
	h := newHarness(t, ModeApproveEach, config.PolicyConfig{})
	require.NoError(t, h.consent.Accept(consent.TierBasic))
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.gov.SetClock(func() time.Time { return now })

	dec, err := h.gov.Execute(ctx, testSwap(), "")
	require.Nil(t, err)
	assert.Equal(t, now.Add(5*time.Minute), dec.ExpiresAt)

	now = now.Add(5*time.Minute + time.Second)

	pending, perr := h.gov.ListPending()
	require.Nil(t, perr)
	assert.Empty(t, pending)

	_, cerr := h.gov.Confirm(ctx, dec.RequestID, dec.ConfirmToken)
	require.NotNil(t, cerr)
	assert.Equal(t, apperr.CodeExecutionExpired, cerr.Code)
	assert.Equal(t, int64(0), h.venue.count())
}

func TestCancelLifecycle(t *testing.T) {
	h := newHarness(t, ModeApproveEach, config.PolicyConfig{})
	require.NoError(t, h.consent.Accept(consent.TierBasic))
	ctx := context.Background()

	dec, err := h.gov.Execute(ctx, testSwap(), "")
	require.Nil(t, err)

	require.Nil(t, h.gov.Cancel(ctx, dec.RequestID))

	cerr := h.gov.Cancel(ctx, dec.RequestID)
	require.NotNil(t, cerr)
	assert.Equal(t, apperr.CodeExecutionAlreadyFinalized, cerr.Code)

	_, ferr := h.gov.Confirm(ctx, dec.RequestID, dec.ConfirmToken)
	require.NotNil(t, ferr)
	assert.Equal(t, apperr.CodeExecutionAlreadyFinalized, ferr.Code)
	assert.Equal(t, int64(0), h.venue.count())
}

func TestConfirmReappliesPolicy(t *testing.T) {
	h := newHarness(t, ModeApproveEach, config.PolicyConfig{})
	require.NoError(t, h.consent.Accept(consent.TierBasic))
	require.NoError(t, h.consent.Accept(consent.TierAdvanced))
	ctx := context.Background()

	dec, err := h.gov.Execute(ctx, testSwap(), "")
	require.Nil(t, err)

	// Tighten the limit below the proposed amount between propose and
	// confirm.
	require.Nil(t, h.gov.deps.Policy.SetOverrides(map[string]float64{policy.LimitMaxTradeAmount: 1}))

	_, cerr := h.gov.Confirm(ctx, dec.RequestID, dec.ConfirmToken)
	require.NotNil(t, cerr)
	assert.Equal(t, policy.ReasonTradeAmountTooLarge, cerr.Code)
	assert.Equal(t, int64(0), h.venue.count())
}

func TestSetMode(t *testing.T) {
	h := newHarness(t, ModeAuto, config.PolicyConfig{})
	require.Nil(t, h.gov.SetMode(ModeApproveEach))
	assert.Equal(t, ModeApproveEach, h.gov.Mode())

	err := h.gov.SetMode(Mode("yolo"))
	require.NotNil(t, err)
	assert.Equal(t, apperr.CodeInvalidRequest, err.Code)
}

func TestListPendingNeverLeaksTokens(t *testing.T) {
	h := newHarness(t, ModeApproveEach, config.PolicyConfig{})
	require.NoError(t, h.consent.Accept(consent.TierBasic))

	_, err := h.gov.Execute(context.Background(), testSwap(), "")
	require.Nil(t, err)

	pending, perr := h.gov.ListPending()
	require.Nil(t, perr)
	require.Len(t, pending, 1)
	assert.Equal(t, "swap", pending[0].Kind)
	assert.Equal(t, "pending", pending[0].Status)
}
