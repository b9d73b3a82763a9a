package actionplan

import (
	"math"
	"testing"
)

func TestParseActionDefAliasesBothKeyStyles(t *testing.T) {
	snake := parseActionDef(map[string]any{
		"action_id": "a1", "agent_id": "ag1", "capability": "terminal.run",
		"timeout_ms": float64(5000),
	})
	if snake.ActionID != "a1" || snake.AgentID != "ag1" || snake.TimeoutMS != 5000 {
		t.Errorf("snake_case parse = %+v", snake)
	}

	camel := parseActionDef(map[string]any{
		"id": "a2", "agentId": "ag2", "capability": "terminal.run",
		"timeoutMs": float64(9000),
	})
	if camel.ActionID != "a2" || camel.AgentID != "ag2" || camel.TimeoutMS != 9000 {
		t.Errorf("camelCase parse = %+v", camel)
	}
}

func TestParseActionDefDefaultsTimeout(t *testing.T) {
	d := parseActionDef(map[string]any{"action_id": "a1", "capability": "terminal.run"})
	if d.TimeoutMS != 30000 {
		t.Errorf("expected default timeout 30000, got %d", d.TimeoutMS)
	}
}

func TestParseClearScoreDefaultsToBlockOnMissingDecision(t *testing.T) {
	s, err := parseClearScore(map[string]any{"clarity": 0.9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Decision != "block" {
		t.Errorf("expected default decision 'block', got %q", s.Decision)
	}
}

func TestParseClearScoreRejectsNonFinite(t *testing.T) {
	_, err := parseClearScore(map[string]any{"clarity": math.NaN()})
	if err == nil {
		t.Fatal("expected error for NaN clarity score")
	}
}

func TestClearBandThresholds(t *testing.T) {
	cases := []struct {
		v    float64
		want Band
	}{
		{0.9, BandGood}, {0.7, BandGood},
		{0.5, BandCaution}, {0.4, BandCaution},
		{0.39, BandConcerning}, {0.0, BandConcerning},
	}
	for _, c := range cases {
		if got := clearBand(c.v); got != c.want {
			t.Errorf("clearBand(%f) = %s, want %s", c.v, got, c.want)
		}
	}
}

func TestParsePlanPrefersMetadataClearScore(t *testing.T) {
	data := map[string]any{
		"plan_id": "p1",
		"metadata": map[string]any{
			"clear_score": map[string]any{"overall": 0.85, "decision": "allow"},
		},
		"clearScore": map[string]any{"overall": 0.2, "decision": "block"},
	}
	plan, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.ClearScore == nil || plan.ClearScore.Overall != 0.85 {
		t.Fatalf("expected clear score from metadata, got %+v", plan.ClearScore)
	}
	if plan.ClearDecision != "allow" {
		t.Errorf("expected clear_decision fallback to score.Decision, got %q", plan.ClearDecision)
	}
}

func TestParsePlanDefaultsRequiresConfirmationTrue(t *testing.T) {
	plan, err := Parse(map[string]any{"plan_id": "p1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan.RequiresConfirmation {
		t.Error("expected requires_confirmation to default true")
	}
}

func TestParsePlanActionsList(t *testing.T) {
	data := map[string]any{
		"plan_id": "p1",
		"actions": []any{
			map[string]any{"action_id": "a1", "capability": "terminal.run"},
		},
	}
	plan, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Actions) != 1 || plan.Actions[0].ActionID != "a1" {
		t.Errorf("expected one parsed action, got %+v", plan.Actions)
	}
}

func TestExecutionResultToMapOmitsUnsetFields(t *testing.T) {
	r := ExecutionResult{ExecutionID: "e1", PlanID: "p1", ActionID: "a1", AgentID: "ag1", Status: "success"}
	m := r.ToMap()
	if _, ok := m["output"]; ok {
		t.Error("expected output to be omitted when nil")
	}
	if _, ok := m["signature"]; ok {
		t.Error("expected signature to be omitted when empty")
	}
	if m["status"] != "success" {
		t.Errorf("expected status success, got %v", m["status"])
	}
}
