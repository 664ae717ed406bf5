// Package consent tracks the two per-process consent tiers gating live
// execution and elevated risk controls. Acceptance is monotonic: a tier can be
// accepted once and only a process restart resets it.
package consent

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradegate/internal/apperr"
)

// Tier identifies a consent tier.
type Tier string

const (
	// TierBasic gates any live execution.
	TierBasic Tier = "basic"
	// TierAdvanced gates policy override mutation and elevated risk profiles.
	TierAdvanced Tier = "advanced"
)

// Disclosure is the text a caller must be shown before accepting a tier.
type Disclosure struct {
	Version string `json:"version"`
	Text    string `json:"text"`
}

const basicDisclosureText = "Live Trading Risk Disclosure (Consent Required)\n" +
	"Trading digital assets involves substantial risk. You may lose some or all funds you use. " +
	"Markets can be highly volatile; losses can occur rapidly due to price movements, slippage, fees, " +
	"liquidity constraints, network conditions, software errors, or third-party outages.\n\n" +
	"This software may place trades automatically. You are solely responsible for supervision, configuration " +
	"of safety limits, and securing keys/credentials.\n\n" +
	"By accepting, you acknowledge you understand these risks and agree to use this software at your own risk.\n" +
	"This is not financial, investment, legal, or tax advice."

const advancedDisclosureText = "Advanced Risk Mode Disclosure (Urgent - Consent Required)\n" +
	"You are enabling elevated risk controls that can increase position sizing and loosen safety limits.\n" +
	"This can materially increase the probability and magnitude of losses, including total loss of funds.\n\n" +
	"By accepting, you acknowledge you understand this mode increases risk beyond default safeguards and you " +
	"accept full responsibility.\n" +
	"This is not financial, investment, legal, or tax advice."

// Store holds per-process consent state. Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	acceptedAt  map[Tier]time.Time
	disclosures map[Tier]Disclosure
	now         func() time.Time
}

// NewStore creates a Store with both tiers unaccepted.
func NewStore() *Store {
	return &Store{
		acceptedAt: make(map[Tier]time.Time),
		disclosures: map[Tier]Disclosure{
			TierBasic:    {Version: "1", Text: basicDisclosureText},
			TierAdvanced: {Version: "1", Text: advancedDisclosureText},
		},
		now: time.Now,
	}
}

// Accept marks a tier accepted. Re-accepting is a no-op.
func (s *Store) Accept(tier Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disclosures[tier]; !ok {
		return apperr.Newf(apperr.CodeInvalidRequest, "unknown consent tier %q", string(tier))
	}
	if _, ok := s.acceptedAt[tier]; ok {
		return nil
	}
	s.acceptedAt[tier] = s.now()
	log.Warn().Str("tier", string(tier)).Msg("consent accepted")
	return nil
}

// IsAccepted reports whether the tier has been accepted this process.
func (s *Store) IsAccepted(tier Tier) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.acceptedAt[tier]
	return ok
}

// AcceptedAt returns when the tier was accepted, if it was.
func (s *Store) AcceptedAt(tier Tier) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.acceptedAt[tier]
	return ts, ok
}

// GetDisclosure returns the disclosure for a tier.
func (s *Store) GetDisclosure(tier Tier) (Disclosure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disclosures[tier]
	if !ok {
		return Disclosure{}, apperr.Newf(apperr.CodeInvalidRequest, "unknown consent tier %q", string(tier))
	}
	return d, nil
}

// RequireBasic returns a consent_required error unless basic consent is held.
func (s *Store) RequireBasic() *apperr.Error {
	if s.IsAccepted(TierBasic) {
		return nil
	}
	return apperr.New(apperr.CodeConsentRequired,
		"Live execution requires risk disclosure consent. Fetch the basic disclosure, then accept it.").
		With("tier", string(TierBasic))
}

// RequireAdvanced returns an advanced_consent_required error unless advanced
// consent is held.
func (s *Store) RequireAdvanced() *apperr.Error {
	if s.IsAccepted(TierAdvanced) {
		return nil
	}
	return apperr.New(apperr.CodeAdvancedConsentRequired,
		"Advanced risk consent required. Fetch the advanced disclosure, then accept it.").
		With("tier", string(TierAdvanced))
}

// Status reports acceptance state for both tiers.
func (s *Store) Status() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, 2)
	for tier, d := range s.disclosures {
		entry := map[string]interface{}{"version": d.Version, "accepted": false}
		if ts, ok := s.acceptedAt[tier]; ok {
			entry["accepted"] = true
			entry["accepted_at"] = ts.UTC().Format(time.RFC3339)
		}
		out[string(tier)] = entry
	}
	return out
}
