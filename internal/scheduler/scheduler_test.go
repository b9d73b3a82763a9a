package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pbjustin/arcanos/internal/backendclient"
	"github.com/pbjustin/arcanos/internal/config"
)

func TestStartSkipsWhenBackendUnconfigured(t *testing.T) {
	client := backendclient.New("", time.Second, func() string { return "" }, zap.NewNop(), nil)
	cfg := &config.Config{DaemonHeartbeatInterval: time.Second, DaemonCommandPollInterval: time.Second}
	s := New(client, cfg, "c1", "i1", nil, zap.NewNop())

	if started := s.Start(context.Background()); started {
		t.Error("expected Start to return false for an unconfigured client")
	}
}

func TestStartSkipsWhenTokenIsPlaceholder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := backendclient.New(server.URL, time.Second, func() string { return "changeme" }, zap.NewNop(), nil)
	cfg := &config.Config{BackendToken: "changeme", DaemonHeartbeatInterval: time.Second, DaemonCommandPollInterval: time.Second}
	s := New(client, cfg, "c1", "i1", nil, zap.NewNop())

	if started := s.Start(context.Background()); started {
		t.Error("expected Start to return false for a placeholder token")
	}
}

func TestDispatchAcksOnlySuccessfullyHandledCommands(t *testing.T) {
	var ackedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/daemon/commands/ack" {
			_ = json.NewDecoder(r.Body).Decode(&ackedBody)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer server.Close()

	client := backendclient.New(server.URL, time.Second, func() string { return "tok" }, zap.NewNop(), nil)
	cfg := &config.Config{DaemonHeartbeatInterval: time.Second, DaemonCommandPollInterval: time.Second}

	handler := func(ctx context.Context, cmd backendclient.Command) error {
		if cmd.ID == "bad" {
			return context.DeadlineExceeded
		}
		return nil
	}
	s := New(client, cfg, "c1", "i1", handler, zap.NewNop())

	s.dispatch(context.Background(), []backendclient.Command{
		{ID: "good", Name: "ping"},
		{ID: "bad", Name: "ping"},
	})

	if ackedBody == nil {
		t.Fatal("expected an ack request to be sent")
	}
	ids, _ := ackedBody["commandIds"].([]any)
	if len(ids) != 1 || ids[0] != "good" {
		t.Errorf("expected only 'good' to be acked, got %v", ackedBody["commandIds"])
	}
}

func TestDispatchSkipsAckWhenNoCommandsSucceed(t *testing.T) {
	acked := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/daemon/commands/ack" {
			acked = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := backendclient.New(server.URL, time.Second, func() string { return "tok" }, zap.NewNop(), nil)
	cfg := &config.Config{DaemonHeartbeatInterval: time.Second, DaemonCommandPollInterval: time.Second}

	handler := func(ctx context.Context, cmd backendclient.Command) error {
		return context.DeadlineExceeded
	}
	s := New(client, cfg, "c1", "i1", handler, zap.NewNop())
	s.dispatch(context.Background(), []backendclient.Command{{ID: "x"}})

	if acked {
		t.Error("expected no ack request when every handler call fails")
	}
}
