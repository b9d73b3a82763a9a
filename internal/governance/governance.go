// Package governance implements C4: the pure policy gate that decides
// whether a privileged, side-effecting action may proceed given the
// current trust state.
//
// Grounded on daemon-python/arcanos/cli/governance.py's assert_allowed rule,
// expressed here in the teacher's typed-violation idiom
// (internal/governance/constitutional.go: a dedicated error type carrying a
// reason, a strict/normal mode, and a stats counter) rather than as a bare
// bool — so call sites can errors.As into a Denial and log a stable reason
// string instead of parsing a formatted message.
package governance

import (
	"fmt"
	"sync/atomic"

	"github.com/pbjustin/arcanos/internal/trust"
)

// Denial is returned by Assert when an action may not proceed. It
// implements error.
type Denial struct {
	Action             string
	TrustState         trust.State
	RequiresConfirmation bool
	Reason             string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("governance: action %q denied (%s): trust=%s requires_confirmation=%v",
		d.Action, d.Reason, d.TrustState, d.RequiresConfirmation)
}

// Gate tracks a running count of denials for observability. It holds no
// other state — Assert is otherwise a pure function of its arguments.
type Gate struct {
	denials atomic.Uint64
}

// New constructs a Gate.
func New() *Gate {
	return &Gate{}
}

// Assert implements spec.md §4.4's rule: requiresConfirmation && trust !=
// FULL => denied. Otherwise allowed. A denial here is fatal for the call
// site — it must never be retried without a fresh trust computation
// (callers should call trust.Store.RecomputeTrust before calling Assert
// again).
func (g *Gate) Assert(action string, state trust.State, requiresConfirmation bool) error {
	if requiresConfirmation && state != trust.StateFull {
		g.denials.Add(1)
		return &Denial{
			Action:               action,
			TrustState:           state,
			RequiresConfirmation: requiresConfirmation,
			Reason:               "insufficient trust for a confirmation-required action",
		}
	}
	return nil
}

// DenialCount returns the lifetime count of denied Assert calls.
func (g *Gate) DenialCount() uint64 {
	return g.denials.Load()
}
