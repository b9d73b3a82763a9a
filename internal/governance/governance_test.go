package governance

import (
	"errors"
	"testing"

	"github.com/pbjustin/arcanos/internal/trust"
)

func TestAssertDeniesWhenConfirmationRequiredAndTrustNotFull(t *testing.T) {
	g := New()
	err := g.Assert("run", trust.StateDegraded, true)
	if err == nil {
		t.Fatal("expected denial, got nil")
	}
	var denial *Denial
	if !errors.As(err, &denial) {
		t.Fatalf("expected *Denial, got %T", err)
	}
	if denial.Action != "run" {
		t.Errorf("denial.Action = %q, want run", denial.Action)
	}
	if g.DenialCount() != 1 {
		t.Errorf("DenialCount() = %d, want 1", g.DenialCount())
	}
}

func TestAssertAllowsWhenTrustFull(t *testing.T) {
	g := New()
	if err := g.Assert("run", trust.StateFull, true); err != nil {
		t.Errorf("expected no denial at FULL trust, got %v", err)
	}
}

func TestAssertAllowsWhenConfirmationNotRequired(t *testing.T) {
	g := New()
	if err := g.Assert("ping", trust.StateUnsafe, false); err != nil {
		t.Errorf("expected no denial for a non-confirmation action, got %v", err)
	}
}
