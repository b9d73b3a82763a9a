package adapters

import (
	"context"
	"testing"
)

type fakeLLM struct {
	lastMessage string
	lastHistory []Turn
}

func (f *fakeLLM) Complete(ctx context.Context, systemPrompt, message string, history []Turn) (string, error) {
	f.lastMessage = message
	f.lastHistory = history
	return "echo: " + message, nil
}

func TestFakeLLMSatisfiesLocalLLM(t *testing.T) {
	var llm LocalLLM = &fakeLLM{}
	out, err := llm.Complete(context.Background(), "system", "hi", []Turn{{Role: "user", Content: "prior"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "echo: hi" {
		t.Errorf("got %q", out)
	}
}

type fakeMemory struct {
	turns []Turn
}

func (m *fakeMemory) AppendTurn(ctx context.Context, turn Turn) error {
	m.turns = append(m.turns, turn)
	return nil
}

func (m *fakeMemory) RecentTurns(ctx context.Context, limit int) ([]Turn, error) {
	if limit >= len(m.turns) {
		return m.turns, nil
	}
	return m.turns[len(m.turns)-limit:], nil
}

func (m *fakeMemory) GetSetting(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}

func (m *fakeMemory) SetSetting(ctx context.Context, key, value string) error { return nil }

func (m *fakeMemory) InstanceID(ctx context.Context) (string, error) { return "fake-instance", nil }

func TestFakeMemorySatisfiesMemoryAndTrimsToLimit(t *testing.T) {
	var mem Memory = &fakeMemory{}
	for i := 0; i < 5; i++ {
		_ = mem.AppendTurn(context.Background(), Turn{Role: "user", Content: "msg"})
	}
	recent, err := mem.RecentTurns(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("expected 2 recent turns, got %d", len(recent))
	}
}
