// ABOUTME: Elevation grants minted by a verified step-up ceremony
// ABOUTME: Grants are single-use and valid only within a short freshness window

package stepup

import (
	"errors"
	"time"
)

// ErrNoGrant is returned when a sensitive operation is attempted without a
// valid elevation grant.
var ErrNoGrant = errors.New("no valid elevation grant")

// DefaultGrantWindow bounds how long a grant stays usable after the ceremony
// that minted it. Grants are meant to be spent in the same request cycle;
// the window only absorbs processing time between verification and the
// gated operation.
const DefaultGrantWindow = 30 * time.Second

// Grant is proof that a user completed a step-up ceremony. It is minted by
// FinishStepUp, never constructed by callers, and is spent exactly once.
type Grant struct {
	userID    string
	grantedAt time.Time
	spent     bool
}

// UserID returns the user the grant was issued to.
func (g *Grant) UserID() string { return g.userID }

// GrantedAt returns when the ceremony completed.
func (g *Grant) GrantedAt() time.Time { return g.grantedAt }

// Gate authorizes sensitive operations against elevation grants.
type Gate struct {
	window time.Duration
}

// NewGate creates a gate with the given freshness window. A zero or negative
// window uses DefaultGrantWindow.
func NewGate(window time.Duration) *Gate {
	if window <= 0 {
		window = DefaultGrantWindow
	}
	return &Gate{window: window}
}

// Spend consumes a grant on behalf of a user. It fails when the grant is
// nil, issued to a different user, already spent, or older than the gate's
// window. A spent grant can never authorize a second operation.
func (g *Gate) Spend(grant *Grant, userID string) error {
	if grant == nil {
		return ErrNoGrant
	}
	if grant.spent {
		return ErrNoGrant
	}
	if grant.userID != userID {
		return ErrNoGrant
	}
	if time.Since(grant.grantedAt) > g.window {
		return ErrNoGrant
	}
	grant.spent = true
	return nil
}
