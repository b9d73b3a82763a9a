package actionplan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pbjustin/arcanos/internal/audit"
	"github.com/pbjustin/arcanos/internal/backendclient"
	"github.com/pbjustin/arcanos/internal/execpipeline"
)

// ConfirmFunc prompts the operator and reports whether the plan was
// approved. Implementations differ between a TTY (terminal prompt) and the
// loopback debug transport (which always rejects, per spec.md §6).
type ConfirmFunc func(prompt string) bool

// PresentFunc surfaces a human-readable line to the operator — the CLEAR
// summary table, a rejection notice, a per-action status line. Kept as a
// bare string sink so this package stays independent of any particular
// terminal rendering library.
type PresentFunc func(message string)

// RunHandler executes a single shell command for the terminal.run
// capability; it is the only capability action_plan_handler.py supports,
// preserved here unchanged.
type RunHandler func(command string) error

// IDGenerator produces a fresh execution ID per submitted result.
type IDGenerator func() string

// Executor drives the handle/reject/confirm/execute lifecycle for one
// ActionPlan at a time. It is not safe for concurrent use on the same
// plan, but distinct plans may be handled concurrently since it holds no
// shared mutable state beyond its injected collaborators.
type Executor struct {
	pipeline   *execpipeline.Pipeline
	backend    *backendclient.Client
	instanceID string
	confirm    ConfirmFunc
	present    PresentFunc
	run        RunHandler
	newID      IDGenerator
	logger     *zap.Logger
	sink       *audit.Sink
}

// New constructs an Executor. backend may be nil (or unconfigured), in
// which case execution results are computed but never submitted.
func New(pipeline *execpipeline.Pipeline, backend *backendclient.Client, instanceID string, confirm ConfirmFunc, present PresentFunc, run RunHandler, newID IDGenerator, sink *audit.Sink, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if present == nil {
		present = func(string) {}
	}
	return &Executor{
		pipeline:   pipeline,
		backend:    backend,
		instanceID: instanceID,
		confirm:    confirm,
		present:    present,
		run:        run,
		newID:      newID,
		logger:     logger,
		sink:       sink,
	}
}

// Handle implements action_plan_handler.py's handle_action_plan: parse,
// reject-if-blocked, reject-if-expired, show the CLEAR summary, gate on
// confirmation, then execute serially.
func (e *Executor) Handle(ctx context.Context, planData map[string]any) error {
	plan, err := Parse(planData)
	if err != nil {
		e.logger.Error("failed to parse action plan", zap.Error(err))
		e.present("Failed to parse ActionPlan")
		return err
	}

	if plan.ClearDecision == "block" {
		e.rejectPlan(ctx, plan)
		return nil
	}

	if expired(plan.ExpiresAt) {
		e.present(fmt.Sprintf("ActionPlan %s has expired", plan.PlanID))
		return nil
	}

	if plan.ClearScore != nil {
		e.present(renderClearSummary(plan))
	}

	if plan.RequiresConfirmation || plan.ClearDecision == "confirm" {
		if e.confirm == nil || !e.confirm(fmt.Sprintf("Execute ActionPlan %s? (%d action(s))", plan.PlanID, len(plan.Actions))) {
			e.present(fmt.Sprintf("ActionPlan %s rejected by user", plan.PlanID))
			return nil
		}
	}

	e.executePlan(ctx, plan)
	return nil
}

func expired(expiresAt string) bool {
	if expiresAt == "" {
		return false
	}
	ts, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return false
	}
	return ts.Before(time.Now().UTC())
}

func (e *Executor) rejectPlan(ctx context.Context, plan *ActionPlan) {
	e.present(fmt.Sprintf("ActionPlan %s BLOCKED by CLEAR 2.0", plan.PlanID))
	if plan.ClearScore != nil {
		e.present(fmt.Sprintf("  Overall: %.3f -> BLOCK", plan.ClearScore.Overall))
		if plan.ClearScore.Notes != "" {
			e.present("  Notes: " + plan.ClearScore.Notes)
		}
	}

	if e.sink != nil {
		e.sink.Record("plan_rejected", map[string]any{"plan_id": plan.PlanID})
	}

	if e.backend != nil && e.backend.Configured() {
		result := ExecutionResult{
			ExecutionID: e.generateID(),
			PlanID:      plan.PlanID,
			ActionID:    "*",
			AgentID:     e.instanceID,
			Status:      "rejected",
			Error:       map[string]any{"reason": "CLEAR 2.0 blocked"},
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}
		if rerr := e.backend.Plans().Execute(ctx, plan.PlanID, result.ToMap()); rerr != nil {
			e.logger.Error("failed to submit plan rejection result", zap.Error(rerr))
		}
		if _, rerr := e.backend.Plans().Block(ctx, plan.PlanID); rerr != nil {
			e.logger.Error("failed to notify backend of plan rejection", zap.Error(rerr))
		}
	}
}

// renderClearSummary ports _show_clear_summary's per-dimension banding into
// a single plain-text block (no terminal color codes — the terminal
// adapter decides how to render Band values).
func renderClearSummary(plan *ActionPlan) string {
	s := plan.ClearScore
	var b strings.Builder
	fmt.Fprintf(&b, "CLEAR 2.0 -- Plan %s\n", shortID(plan.PlanID))
	dims := []struct {
		name  string
		value float64
	}{
		{"C - Clarity", s.Clarity},
		{"L - Leverage", s.Leverage},
		{"E - Efficiency", s.Efficiency},
		{"A - Alignment", s.Alignment},
		{"R - Resilience", s.Resilience},
	}
	for _, d := range dims {
		fmt.Fprintf(&b, "  %-16s %.2f [%s]\n", d.name, d.value, clearBand(d.value))
	}
	fmt.Fprintf(&b, "  Overall          %.3f -> %s\n", s.Overall, strings.ToUpper(s.Decision))
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id
}

func (e *Executor) executePlan(ctx context.Context, plan *ActionPlan) {
	e.present(fmt.Sprintf("Executing ActionPlan %s (%d actions)", plan.PlanID, len(plan.Actions)))

	for _, action := range plan.Actions {
		e.present(fmt.Sprintf("  -> Action %s (%s)", shortID(action.ActionID), action.Capability))

		result := e.executeAction(ctx, plan, action)

		if e.backend != nil && e.backend.Configured() {
			if rerr := e.backend.Plans().Execute(ctx, plan.PlanID, result.ToMap()); rerr != nil {
				e.logger.Error("failed to submit execution result", zap.String("action_id", action.ActionID), zap.Error(rerr))
			}
		}

		e.present(fmt.Sprintf("    %s", result.Status))
	}

	e.present(fmt.Sprintf("ActionPlan %s completed", plan.PlanID))
}

func (e *Executor) executeAction(ctx context.Context, plan *ActionPlan, action ActionDef) ExecutionResult {
	result := ExecutionResult{
		ExecutionID: e.generateID(),
		PlanID:      plan.PlanID,
		ActionID:    action.ActionID,
		AgentID:     e.instanceID,
		Status:      "success",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	callable := e.callableFor(action, &result)

	_, err := e.pipeline.Execute(action.Capability, plan.RequiresConfirmation, action.Params, callable)
	if err != nil {
		result.Status = "failure"
		if result.Error == nil {
			result.Error = map[string]any{"reason": err.Error()}
		}
	}
	return result
}

// callableFor returns the privileged action to run for one ActionDef's
// capability. Only terminal.run is supported, matching the source's single
// handled capability; anything else fails without attempting I/O.
func (e *Executor) callableFor(action ActionDef, result *ExecutionResult) execpipeline.Callable {
	return func() (any, error) {
		switch action.Capability {
		case "terminal.run":
			command, _ := action.Params["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				result.Error = map[string]any{"reason": "Missing or empty command param"}
				return nil, fmt.Errorf("missing or empty command param")
			}
			if e.run == nil {
				return nil, fmt.Errorf("no run handler configured")
			}
			if err := e.run(command); err != nil {
				return nil, err
			}
			result.Output = map[string]any{"command": command}
			return result.Output, nil
		default:
			result.Error = map[string]any{"reason": "Unsupported capability: " + action.Capability}
			return nil, fmt.Errorf("unsupported capability: %s", action.Capability)
		}
	}
}

func (e *Executor) generateID() string {
	if e.newID != nil {
		return e.newID()
	}
	return ""
}
