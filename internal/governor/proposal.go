package governor

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"tradegate/internal/policy"
)

// Status is a proposal lifecycle state. Pending is the only non-terminal
// state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// proposal is a held, not-yet-executed action awaiting confirmation. The
// confirm token is single-use: it is consumed the moment the proposal leaves
// the pending state.
type proposal struct {
	requestID    string
	confirmToken string
	action       policy.Action
	createdAt    time.Time
	expiresAt    time.Time
	status       Status
}

// ProposalInfo is proposal metadata safe to list externally. It never carries
// the confirm token.
type ProposalInfo struct {
	RequestID string    `json:"request_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (p *proposal) info() ProposalInfo {
	return ProposalInfo{
		RequestID: p.requestID,
		Kind:      string(p.action.ActionKind()),
		Status:    string(p.status),
		CreatedAt: p.createdAt,
		ExpiresAt: p.expiresAt,
	}
}

// newRequestID returns a globally unique proposal identity.
func newRequestID() string {
	return uuid.New().String()
}

// newConfirmToken returns a high-entropy single-use secret.
func newConfirmToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// random UUID rather than panic in the execution path.
		return uuid.New().String() + uuid.New().String()
	}
	return hex.EncodeToString(buf)
}

// tokenMatches compares tokens in constant time.
func tokenMatches(expected, got string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
