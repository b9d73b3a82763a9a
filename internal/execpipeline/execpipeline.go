// Package execpipeline implements C8: the governed execution wrapper
// composed of C4 (governance), C5 (idempotency), and C6 (audit) around an
// arbitrary action callable.
//
// Grounded on daemon-python/arcanos/action_plan_handler.py's execution loop
// and spec.md §4.8's six-step sequence; the callable abstraction mirrors
// how the teacher's internal/budget.Bucket.Consume and
// internal/governance.ConstitutionalKernel.ValidateDecision are each a
// single guarded call wrapping an otherwise-uninstrumented operation.
package execpipeline

import (
	"fmt"

	"github.com/pbjustin/arcanos/internal/audit"
	"github.com/pbjustin/arcanos/internal/governance"
	"github.com/pbjustin/arcanos/internal/idempotency"
	"github.com/pbjustin/arcanos/internal/trust"
)

// DuplicateError is returned when the idempotency guard rejects a
// fingerprint already seen within the dedup window.
type DuplicateError struct {
	Command string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("execpipeline: duplicate command %q rejected within dedup window", e.Command)
}

// Callable is the privileged action to run once governance and dedup
// checks pass.
type Callable func() (any, error)

// Pipeline composes C4+C5+C6 around action callables. It holds no mutable
// state of its own beyond references to its four collaborators (the trust
// store plus C4, C5 and C6).
type Pipeline struct {
	trust      *trust.Store
	governance *governance.Gate
	idempotent *idempotency.Guard
	audit      *audit.Sink
}

// New constructs a Pipeline.
func New(trustStore *trust.Store, gate *governance.Gate, guard *idempotency.Guard, sink *audit.Sink) *Pipeline {
	return &Pipeline{trust: trustStore, governance: gate, idempotent: guard, audit: sink}
}

// Execute implements spec.md §4.8's six steps. requiresConfirmation gates
// step 4 against the freshly recomputed trust state. payload is used both
// for the idempotency fingerprint and for audit field attachment.
func (p *Pipeline) Execute(name string, requiresConfirmation bool, payload map[string]any, action Callable) (any, error) {
	p.audit.Record("execute_attempt", map[string]any{"command": name})

	fp := idempotency.Fingerprint(name, payload)
	p.audit.Record("retry_check", map[string]any{"command": name, "fingerprint": fp})
	if !p.idempotent.CheckAndRecord(fp) {
		p.audit.Record("retry_duplicate_rejected", map[string]any{"command": name})
		return nil, &DuplicateError{Command: name}
	}

	state := p.trust.RecomputeTrust()

	if err := p.governance.Assert(name, state, requiresConfirmation); err != nil {
		p.audit.Record("governance_denial", map[string]any{"command": name, "trust": state.String()})
		if requiresConfirmation {
			p.trust.SetTrust(trust.StateUnsafe)
		}
		return nil, err
	}

	result, err := action()
	if err != nil {
		p.audit.Record("execute_failure", map[string]any{"command": name, "error_type": fmt.Sprintf("%T", err)})
		return nil, err
	}

	p.audit.Record("execute_success", map[string]any{"command": name})
	return result, nil
}
