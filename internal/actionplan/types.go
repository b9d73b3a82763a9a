// Package actionplan implements C9: the structured ActionPlan executor —
// parsing, CLEAR 2.0 confirmation rules, and serial per-action execution
// routed through the C8 execution pipeline.
//
// Grounded on daemon-python/arcanos/action_plan_types.py (the dataclasses
// and their from_dict dual-key field aliasing, preserved here as explicit
// map lookups since Go struct tags cannot express "snake_case or
// camelCase, whichever is present") and action_plan_handler.py (the
// reject/expire/confirm/execute control flow, ported in executor.go).
package actionplan

import (
	"encoding/json"
	"fmt"
	"math"
)

// ClearScore is the CLEAR 2.0 score attached to a plan: Clarity, Leverage,
// Efficiency, Alignment, Resilience, plus an aggregate Overall and the
// backend's rendered Decision (allow | confirm | block).
type ClearScore struct {
	Clarity    float64
	Leverage   float64
	Efficiency float64
	Alignment  float64
	Resilience float64
	Overall    float64
	Decision   string
	Notes      string
}

// parseClearScore mirrors ClearScore.from_dict: every numeric field
// defaults to 0, Decision defaults to "block" (fail closed on a malformed
// or missing score rather than fail open), Notes is optional.
func parseClearScore(m map[string]any) (*ClearScore, error) {
	if m == nil {
		return nil, nil
	}
	s := &ClearScore{
		Clarity:    floatField(m, "clarity"),
		Leverage:   floatField(m, "leverage"),
		Efficiency: floatField(m, "efficiency"),
		Alignment:  floatField(m, "alignment"),
		Resilience: floatField(m, "resilience"),
		Overall:    floatField(m, "overall"),
		Decision:   stringFieldDefault(m, "block", "decision"),
		Notes:      stringField(m, "notes"),
	}
	if err := validateClearScore(s); err != nil {
		return nil, err
	}
	return s, nil
}

// validateClearScore rejects a score carrying a non-finite dimension.
// Adapted from the teacher's internal/governance/constitutional.go
// parameter-bound checks (NaN/Inf rejection on an otherwise-numeric
// decision input), relocated here since ARCANOS's governance gate (C4) is
// a single boolean rule with no numeric parameters of its own — CLEAR's
// five dimensions are the only place in this system a malformed float
// could otherwise silently propagate into a confirmation decision.
func validateClearScore(s *ClearScore) error {
	for name, v := range map[string]float64{
		"clarity": s.Clarity, "leverage": s.Leverage, "efficiency": s.Efficiency,
		"alignment": s.Alignment, "resilience": s.Resilience, "overall": s.Overall,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("actionplan: clear score dimension %q is not a finite number", name)
		}
	}
	return nil
}

// Band classifies a single CLEAR dimension for display: good (>=0.7),
// caution (>=0.4), or concerning (below 0.4) — ported from
// action_plan_handler.py's _show_clear_summary color thresholds.
type Band string

const (
	BandGood       Band = "good"
	BandCaution    Band = "caution"
	BandConcerning Band = "concerning"
)

func clearBand(v float64) Band {
	switch {
	case v >= 0.7:
		return BandGood
	case v >= 0.4:
		return BandCaution
	default:
		return BandConcerning
	}
}

// ActionDef is one atomic execution unit within a plan.
type ActionDef struct {
	ActionID       string
	AgentID        string
	Capability     string
	Params         map[string]any
	TimeoutMS      int
	RollbackAction map[string]any
}

func parseActionDef(m map[string]any) ActionDef {
	params, _ := m["params"].(map[string]any)
	rollback, _ := firstAny(m, "rollback_action", "rollbackAction").(map[string]any)
	timeout := intFieldDefault(m, 30000, "timeout_ms", "timeoutMs")
	return ActionDef{
		ActionID:       stringField(m, "action_id", "id"),
		AgentID:        stringField(m, "agent_id", "agentId"),
		Capability:     stringField(m, "capability"),
		Params:         params,
		TimeoutMS:      timeout,
		RollbackAction: rollback,
	}
}

// ActionPlan is the immutable, durable plan emitted by the backend.
type ActionPlan struct {
	PlanID               string
	CreatedBy            string
	Origin               string
	Status               string
	Confidence           float64
	RequiresConfirmation bool
	IdempotencyKey       string
	ExpiresAt            string
	Actions              []ActionDef
	ClearScore           *ClearScore
	ClearDecision        string
}

// Parse implements ActionPlan.from_dict, including its metadata-nested
// clear_score lookup and the clear_decision fallback to the score's own
// decision field when the backend omits a plan-level override.
func Parse(data map[string]any) (*ActionPlan, error) {
	var actions []ActionDef
	if raw, ok := data["actions"].([]any); ok {
		for _, item := range raw {
			if am, ok := item.(map[string]any); ok {
				actions = append(actions, parseActionDef(am))
			}
		}
	}

	metadata, _ := data["metadata"].(map[string]any)

	var clearScoreRaw map[string]any
	if metadata != nil {
		clearScoreRaw, _ = metadata["clear_score"].(map[string]any)
	}
	if clearScoreRaw == nil {
		clearScoreRaw, _ = data["clearScore"].(map[string]any)
	}

	score, err := parseClearScore(clearScoreRaw)
	if err != nil {
		return nil, err
	}

	decision := ""
	if metadata != nil {
		decision = stringField(metadata, "clear_decision")
	}
	if decision == "" {
		decision, _ = data["clear_decision"].(string)
	}
	if decision == "" && score != nil {
		decision = score.Decision
	}

	return &ActionPlan{
		PlanID:               stringField(data, "plan_id", "id"),
		CreatedBy:            stringField(data, "created_by", "createdBy"),
		Origin:               stringField(data, "origin"),
		Status:               stringFieldDefault(data, "planned", "status"),
		Confidence:           floatField(data, "confidence"),
		RequiresConfirmation: boolFieldDefault(data, true, "requires_confirmation", "requiresConfirmation"),
		IdempotencyKey:       stringField(data, "idempotency_key", "idempotencyKey"),
		ExpiresAt:            stringField(data, "expires_at", "expiresAt"),
		Actions:              actions,
		ClearScore:           score,
		ClearDecision:        decision,
	}, nil
}

// ParseJSON unmarshals raw bytes into a generic map and delegates to Parse.
func ParseJSON(raw []byte) (*ActionPlan, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("actionplan: invalid JSON: %w", err)
	}
	return Parse(data)
}

// ExecutionResult is the signed, append-only record of one action's
// outcome, submitted back to the backend after each action runs.
type ExecutionResult struct {
	ExecutionID string
	PlanID      string
	ActionID    string
	AgentID     string
	Status      string // success | failure | replayed | rejected
	Output      any
	Error       any
	Signature   string
	Timestamp   string
}

// ToMap renders the result the way ExecutionResult.to_dict does: omitting
// Output/Error/Signature/Timestamp when unset rather than emitting nulls.
func (r ExecutionResult) ToMap() map[string]any {
	out := map[string]any{
		"execution_id": r.ExecutionID,
		"plan_id":      r.PlanID,
		"action_id":    r.ActionID,
		"agent_id":     r.AgentID,
		"status":       r.Status,
	}
	if r.Output != nil {
		out["output"] = r.Output
	}
	if r.Error != nil {
		out["error"] = r.Error
	}
	if r.Signature != "" {
		out["signature"] = r.Signature
	}
	if r.Timestamp != "" {
		out["timestamp"] = r.Timestamp
	}
	return out
}

// --- dual-key field extraction helpers ---

func firstAny(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func stringField(m map[string]any, keys ...string) string {
	return stringFieldDefault(m, "", keys...)
}

func stringFieldDefault(m map[string]any, def string, keys ...string) string {
	if v := firstAny(m, keys...); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func floatField(m map[string]any, keys ...string) float64 {
	if v := firstAny(m, keys...); v != nil {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return 0
}

func intFieldDefault(m map[string]any, def int, keys ...string) int {
	if v := firstAny(m, keys...); v != nil {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

func boolFieldDefault(m map[string]any, def bool, keys ...string) bool {
	if v := firstAny(m, keys...); v != nil {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}
