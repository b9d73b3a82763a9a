package audit

import (
	"testing"

	"go.uber.org/zap/zaptest/observer"

	"go.uber.org/zap"
)

func newObservedSink(chained bool) (*Sink, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	return New(logger, chained), logs
}

func TestRecordRedactsSensitiveFields(t *testing.T) {
	sink, logs := newObservedSink(false)
	sink.Record("execute_attempt", map[string]any{
		"command": "ask",
		"token":   "sk-12345",
	})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()["fields"].(map[string]any)
	if fields["token"] == "sk-12345" {
		t.Error("expected token field to be redacted")
	}
	if fields["command"] != "ask" {
		t.Error("expected non-sensitive field to pass through unchanged")
	}
}

func TestChainedHashesLinkSequentially(t *testing.T) {
	sink, logs := newObservedSink(true)
	sink.Record("execute_attempt", map[string]any{"command": "ask"})
	sink.Record("execute_success", map[string]any{"command": "ask"})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	firstHash := entries[0].ContextMap()["hash"]
	secondFields := entries[1].ContextMap()
	if secondFields["hash"] == firstHash {
		t.Error("expected second event to have a distinct hash")
	}
}

func TestUnchainedSinkLeavesHashEmpty(t *testing.T) {
	sink, logs := newObservedSink(false)
	sink.Record("ping", nil)
	entry := logs.All()[0]
	if entry.ContextMap()["hash"] != "" {
		t.Errorf("expected empty hash for unchained sink, got %v", entry.ContextMap()["hash"])
	}
}
