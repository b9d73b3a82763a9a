package orchestrator

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pbjustin/arcanos/internal/adapters"
	"github.com/pbjustin/arcanos/internal/audit"
	"github.com/pbjustin/arcanos/internal/config"
	"github.com/pbjustin/arcanos/internal/execpipeline"
	"github.com/pbjustin/arcanos/internal/governance"
	"github.com/pbjustin/arcanos/internal/idempotency"
	"github.com/pbjustin/arcanos/internal/trust"
)

type fakeLLM struct{ reply string }

func (f *fakeLLM) Complete(ctx context.Context, systemPrompt, message string, history []adapters.Turn) (string, error) {
	return f.reply, nil
}

type fakeTerminal struct {
	interactive bool
	confirmed   bool
	printed     []string
}

func (t *fakeTerminal) ReadLine(ctx context.Context) (string, error) { return "", nil }
func (t *fakeTerminal) Print(line string)                           { t.printed = append(t.printed, line) }
func (t *fakeTerminal) Confirm(prompt string) bool                  { return t.confirmed }
func (t *fakeTerminal) IsInteractive() bool                         { return t.interactive }

type fakeMemory struct {
	turns      []adapters.Turn
	instanceID string
}

func (m *fakeMemory) AppendTurn(ctx context.Context, turn adapters.Turn) error {
	m.turns = append(m.turns, turn)
	return nil
}
func (m *fakeMemory) RecentTurns(ctx context.Context, limit int) ([]adapters.Turn, error) {
	return m.turns, nil
}
func (m *fakeMemory) GetSetting(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}
func (m *fakeMemory) SetSetting(ctx context.Context, key, value string) error { return nil }
func (m *fakeMemory) InstanceID(ctx context.Context) (string, error)         { return m.instanceID, nil }

func newTestOrchestrator() *Orchestrator {
	cfg := config.Defaults()
	cfg.BackendRoutingMode = config.RoutingLocal
	return New(Dependencies{
		Config: &cfg,
		Logger: zap.NewNop(),
		LLM:    &fakeLLM{reply: "hello there"},
		Memory: &fakeMemory{},
	})
}

func TestHandleTurnRoutesLocalAndPersists(t *testing.T) {
	o := newTestOrchestrator()
	reply, err := o.HandleTurn(context.Background(), "hi", "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "hello there" {
		t.Errorf("expected local reply, got %q", reply)
	}

	mem := o.memory.(*fakeMemory)
	if len(mem.turns) != 2 {
		t.Fatalf("expected 2 persisted turns, got %d", len(mem.turns))
	}
}

func TestHandleTurnAppendsActivityLog(t *testing.T) {
	o := newTestOrchestrator()
	_, _ = o.HandleTurn(context.Background(), "hi", "", false)

	entries := o.Activity(10, "", false)
	if len(entries) != 1 {
		t.Fatalf("expected 1 activity entry, got %d", len(entries))
	}
	if entries[0]["kind"] != "conversation_turn" {
		t.Errorf("expected conversation_turn entry, got %v", entries[0]["kind"])
	}
}

func TestConfirmRejectsFromDebugTransport(t *testing.T) {
	o := newTestOrchestrator()
	o.terminal = &fakeTerminal{interactive: true, confirmed: true}

	if o.Confirm(context.Background(), "proceed?", true) {
		t.Error("expected debug-transport-originated confirm to always be rejected")
	}
}

func TestConfirmRejectsNonInteractiveTerminal(t *testing.T) {
	o := newTestOrchestrator()
	o.terminal = &fakeTerminal{interactive: false, confirmed: true}

	if o.Confirm(context.Background(), "proceed?", false) {
		t.Error("expected non-interactive terminal to always reject confirmation")
	}
}

func TestConfirmDelegatesToInteractiveTerminal(t *testing.T) {
	o := newTestOrchestrator()
	o.terminal = &fakeTerminal{interactive: true, confirmed: true}

	if !o.Confirm(context.Background(), "proceed?", false) {
		t.Error("expected interactive terminal confirmation to be honored")
	}
}

func TestLoadInstanceIDUsesExistingValue(t *testing.T) {
	o := newTestOrchestrator()
	o.memory = &fakeMemory{instanceID: "existing-id"}

	if err := o.LoadInstanceID(context.Background(), func() string { return "new-id" }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.InstanceID() != "existing-id" {
		t.Errorf("expected existing-id, got %s", o.InstanceID())
	}
}

func TestLoadInstanceIDGeneratesWhenAbsent(t *testing.T) {
	o := newTestOrchestrator()
	o.memory = &fakeMemory{}

	if err := o.LoadInstanceID(context.Background(), func() string { return "generated-id" }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.InstanceID() != "generated-id" {
		t.Errorf("expected generated-id, got %s", o.InstanceID())
	}
}

func TestActivityFilterAndOrder(t *testing.T) {
	o := newTestOrchestrator()
	o.logActivity("a", nil)
	o.logActivity("b", nil)
	o.logActivity("a", nil)

	onlyA := o.Activity(10, "a", false)
	if len(onlyA) != 2 {
		t.Fatalf("expected 2 'a' entries, got %d", len(onlyA))
	}

	ascending := o.Activity(10, "", true)
	if ascending[0]["kind"] != "a" || ascending[2]["kind"] != "a" {
		t.Errorf("unexpected ascending order: %v", ascending)
	}
}

func TestRunRequiresPipeline(t *testing.T) {
	o := newTestOrchestrator()
	if _, err := o.Run(context.Background(), "echo hi"); err == nil {
		t.Error("expected error when no pipeline is configured")
	}
}

func TestRunExecutesThroughPipeline(t *testing.T) {
	o := newTestOrchestrator()
	o.terminal = &fakeTerminal{interactive: true}
	trustStore := trust.New(true, time.Minute, zap.NewNop(), nil)
	trustStore.RefreshRegistry(func() (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	o.trust = trustStore
	o.pipeline = execpipeline.New(trustStore, governance.New(), idempotency.New(idempotency.DefaultWindow), audit.New(zap.NewNop(), false))

	// run always requests requires_confirmation=true (spec.md §4.10); only a
	// FULL trust state lets the governance gate admit it.
	result, err := o.Run(context.Background(), "echo hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["command"] != "echo hi" {
		t.Errorf("expected command echoed back, got %v", result["command"])
	}
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	o := newTestOrchestrator()
	if _, err := o.Run(context.Background(), "   "); err == nil {
		t.Error("expected error for an empty/whitespace command")
	}
}
