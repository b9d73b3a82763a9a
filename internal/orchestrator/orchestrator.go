// Package orchestrator implements C11: the long-lived state owner that
// wires every other component together and drives one conversation turn
// end to end.
//
// Grounded on daemon-python/arcanos/cli_daemon.py's ArcanosCLI class: the
// instance-id load-or-generate step, the adapter wiring (local model,
// terminal, vision, audio, memory), the route-then-respond turn loop, and
// the in-memory activity log the debug transport reads back (a Python
// collections.deque capped at a fixed length — here a ring buffer guarded
// by the same single-mutex idiom internal/trust.Store uses).
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pbjustin/arcanos/internal/actionplan"
	"github.com/pbjustin/arcanos/internal/adapters"
	"github.com/pbjustin/arcanos/internal/audit"
	"github.com/pbjustin/arcanos/internal/backendclient"
	"github.com/pbjustin/arcanos/internal/config"
	"github.com/pbjustin/arcanos/internal/execpipeline"
	"github.com/pbjustin/arcanos/internal/observability"
	"github.com/pbjustin/arcanos/internal/routing"
	"github.com/pbjustin/arcanos/internal/systemprompt"
	"github.com/pbjustin/arcanos/internal/trust"
)

// activityLogCapacity bounds the in-memory activity ring buffer, mirroring
// cli_daemon.py's deque(maxlen=...) for the same log.
const activityLogCapacity = 500

// IDGenerator produces a fresh instance ID. Injected so this package never
// imports google/uuid directly.
type IDGenerator func() string

// CredentialRefresh re-reads credentials from the environment/store and
// updates whatever token provider the backend client reads from. It must
// be idempotent — spec.md §4.11 calls it at most once per backend turn,
// but nothing prevents a caller from invoking it again.
type CredentialRefresh func(ctx context.Context) error

// Orchestrator owns the daemon's runtime state: the instance identity, the
// adapter set, and the activity log the debug transport surfaces.
type Orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	llm      adapters.LocalLLM
	terminal adapters.Terminal
	vision   adapters.Vision
	audio    adapters.Audio
	memory   adapters.Memory

	backend  *backendclient.Client
	trust    *trust.Store
	pipeline *execpipeline.Pipeline
	plans    *actionplan.Executor
	metrics  *observability.Metrics
	sink     *audit.Sink

	credentialRefresh CredentialRefresh

	instanceID string

	mu       sync.Mutex
	activity []map[string]any

	startedAt time.Time
}

// Dependencies bundles every component Orchestrator wires together. Config
// and Memory are required; every other field may be nil, in which case
// the feature that uses it is skipped or reports an error (a nil Logger
// becomes a no-op logger).
type Dependencies struct {
	Config   *config.Config
	Logger   *zap.Logger
	LLM      adapters.LocalLLM
	Terminal adapters.Terminal
	Vision   adapters.Vision
	Audio    adapters.Audio
	Memory   adapters.Memory
	Backend  *backendclient.Client
	Trust    *trust.Store
	Pipeline *execpipeline.Pipeline
	Plans    *actionplan.Executor
	Metrics  *observability.Metrics
	Sink     *audit.Sink

	// CredentialRefresh backs the auth-retry step of HandleTurn (§4.11
	// step 5). May be nil, in which case an auth-kind backend error is
	// never retried.
	CredentialRefresh CredentialRefresh
}

// New constructs an Orchestrator. Call LoadInstanceID before serving any
// traffic that needs identity (heartbeats, command polling, debug
// transport).
func New(deps Dependencies) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg: deps.Config, logger: logger,
		llm: deps.LLM, terminal: deps.Terminal, vision: deps.Vision, audio: deps.Audio, memory: deps.Memory,
		backend: deps.Backend, trust: deps.Trust, pipeline: deps.Pipeline, plans: deps.Plans,
		metrics: deps.Metrics, sink: deps.Sink,
		credentialRefresh: deps.CredentialRefresh,
		startedAt:         time.Now(),
	}
}

// LoadInstanceID loads the persisted instance ID, generating and
// persisting one on first run via gen.
func (o *Orchestrator) LoadInstanceID(ctx context.Context, gen IDGenerator) error {
	id, err := o.memory.InstanceID(ctx)
	if err == nil && id != "" {
		o.instanceID = id
		return nil
	}

	type ensurer interface {
		EnsureInstanceID(ctx context.Context, gen func() string) (string, error)
	}
	if e, ok := o.memory.(ensurer); ok {
		id, err := e.EnsureInstanceID(ctx, gen)
		if err != nil {
			return fmt.Errorf("ensure instance id: %w", err)
		}
		o.instanceID = id
		return nil
	}

	o.instanceID = gen()
	return nil
}

// InstanceID returns the loaded instance ID, empty until LoadInstanceID
// succeeds.
func (o *Orchestrator) InstanceID() string {
	return o.instanceID
}

// HandleTurn implements spec.md §4.11's conversation-turn algorithm:
//  1. determine the route (local vs backend) from message + routing mode,
//     honoring an explicit per-turn routeOverride when present
//  2. apply the confidence gate when the route landed on backend without
//     an explicit prefix override
//  3. record routing metrics for the decided route
//  4. dispatch to the backend or the local model accordingly, handling
//     auth retry, confirmation, and fallback-to-local per §4.11 step 5
//  5. persist the turn (both sides) to memory
//  6. append an activity-log entry for the debug transport
//
// fromDebugTransport marks a turn originating from the loopback debug
// transport (spec.md §6): such a turn may never auto-approve a
// confirmation (scenario S6).
func (o *Orchestrator) HandleTurn(ctx context.Context, message, routeOverride string, fromDebugTransport bool) (string, error) {
	var decision routing.Decision
	switch routing.Route(strings.ToLower(strings.TrimSpace(routeOverride))) {
	case routing.RouteLocal, routing.RouteBackend:
		decision = routing.Decision{Route: routing.Route(strings.ToLower(strings.TrimSpace(routeOverride))), NormalizedMessage: message}
	default:
		mode := routing.Mode(o.cfg.BackendRoutingMode)
		decision = routing.DetermineRoute(message, mode, o.cfg.BackendDeepPrefixes)

		if decision.Route == routing.RouteBackend && decision.UsedPrefix == "" {
			confidence := routing.ComputeConfidence(decision.NormalizedMessage, o.flattenDomainKeywords())
			before := decision.Route
			decision = routing.ApplyConfidenceGate(decision, confidence, o.cfg.BackendConfidenceThreshold)
			if before == routing.RouteBackend && decision.Route == routing.RouteLocal && o.metrics != nil {
				o.metrics.ConfidenceGateDowngradesTotal.Inc()
			}
		}
	}

	if o.metrics != nil {
		o.metrics.RoutedTotal.WithLabelValues(string(decision.Route)).Inc()
	}

	reply, usedRoute, err := o.dispatch(ctx, decision, fromDebugTransport)
	if err != nil {
		return "", err
	}

	o.recordTurn(ctx, message, reply)
	o.logActivity("conversation_turn", map[string]any{"route": string(usedRoute), "message_len": len(message)})
	return reply, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, decision routing.Decision, fromDebugTransport bool) (string, routing.Route, error) {
	if decision.Route == routing.RouteLocal || o.backend == nil || !o.backend.Configured() {
		reply, err := o.completeLocal(ctx, decision.NormalizedMessage)
		return reply, routing.RouteLocal, err
	}

	result, berr := o.backend.AskWithDomain(ctx, decision.NormalizedMessage, "", nil)
	if berr == nil {
		return result.Text, routing.RouteBackend, nil
	}

	if berr.Kind == backendclient.KindAuth && o.credentialRefresh != nil {
		if rerr := o.credentialRefresh(ctx); rerr == nil {
			if result2, berr2 := o.backend.AskWithDomain(ctx, decision.NormalizedMessage, "", nil); berr2 == nil {
				return result2.Text, routing.RouteBackend, nil
			} else {
				berr = berr2
			}
		}
	}

	if berr.Kind == backendclient.KindConfirmation {
		reply, cerr := o.handleConfirmation(ctx, berr, fromDebugTransport)
		return reply, routing.RouteBackend, cerr
	}

	o.logger.Warn("backend turn failed", zap.String("kind", string(berr.Kind)), zap.Error(berr))
	if !o.cfg.BackendFallbackToLocal {
		return "", routing.RouteBackend, berr
	}

	if o.trust != nil {
		o.trust.SetTrust(trust.StateDegraded)
	}
	reply, err := o.completeLocal(ctx, decision.NormalizedMessage)
	return reply, routing.RouteLocal, err
}

// handleConfirmation implements §4.11 step 5's confirmation-kind branch:
// trust must be FULL or the request is denied and audited; otherwise the
// operator is prompted (never auto-approved from the debug transport),
// and a yes answer calls confirm_daemon_actions and synthesizes a
// "Queued N action(s)" reply.
func (o *Orchestrator) handleConfirmation(ctx context.Context, berr *backendclient.Error, fromDebugTransport bool) (string, error) {
	if o.trust == nil || o.trust.Current() != trust.StateFull {
		o.emitAudit("governance_denial", map[string]any{"command": "confirm_daemon_actions", "trust": o.trustStateLabel()})
		return "", fmt.Errorf("confirmation denied: trust state is not FULL")
	}

	prompt := fmt.Sprintf("Confirm %d pending action(s)?", len(berr.PendingActions))
	if !o.Confirm(ctx, prompt, fromDebugTransport) {
		o.emitAudit("confirmation_declined", map[string]any{"challenge_id": berr.ConfirmationChallengeID})
		return "", fmt.Errorf("confirmation declined")
	}

	if o.backend == nil {
		return "", fmt.Errorf("no backend configured to confirm actions")
	}
	queued, cerr := o.backend.ConfirmDaemonActions(ctx, berr.ConfirmationChallengeID, o.instanceID)
	if cerr != nil {
		return "", cerr
	}
	return fmt.Sprintf("Queued %d action(s)", queued), nil
}

func (o *Orchestrator) trustStateLabel() string {
	if o.trust == nil {
		return trust.StateDegraded.String()
	}
	return o.trust.Current().String()
}

func (o *Orchestrator) emitAudit(event string, fields map[string]any) {
	if o.sink != nil {
		o.sink.Record(event, fields)
	}
}

// systemPrompt builds the daemon system prompt for a local-model turn,
// selecting the registry-derived BACKEND block when the cache is valid
// and the static fallback otherwise (spec.md §8 invariant 4).
func (o *Orchestrator) systemPrompt() string {
	if o.trust == nil {
		return systemprompt.Build(nil, false)
	}
	registry, _ := o.trust.Registry()
	return systemprompt.Build(registry, o.trust.IsValid())
}

func (o *Orchestrator) completeLocal(ctx context.Context, message string) (string, error) {
	if o.llm == nil {
		return "", fmt.Errorf("no local model configured")
	}
	history, _ := o.memory.RecentTurns(ctx, o.cfg.BackendHistoryLimit)
	return o.llm.Complete(ctx, o.systemPrompt(), message, history)
}

// Notify implements the scheduler dispatcher's "notify" case (spec.md
// §4.10): display payload.message to the operator. It never runs a
// conversation turn — notify is informational, not a route/dispatch/
// persist round trip.
func (o *Orchestrator) Notify(message string) {
	if message == "" {
		return
	}
	if o.terminal != nil {
		o.terminal.Print(message)
	}
	o.logActivity("notify", map[string]any{"message_len": len(message)})
}

func (o *Orchestrator) recordTurn(ctx context.Context, message, reply string) {
	if o.memory == nil {
		return
	}
	if err := o.memory.AppendTurn(ctx, adapters.Turn{Role: "user", Content: message}); err != nil {
		o.logger.Warn("persist user turn failed", zap.Error(err))
	}
	if err := o.memory.AppendTurn(ctx, adapters.Turn{Role: "assistant", Content: reply}); err != nil {
		o.logger.Warn("persist assistant turn failed", zap.Error(err))
	}
}

func (o *Orchestrator) flattenDomainKeywords() []string {
	var all []string
	for _, group := range o.cfg.DomainKeywords {
		all = append(all, group...)
	}
	return all
}

// Confirm implements the confirmation gate's TTY-vs-debug-transport split:
// a non-interactive terminal, or a request originating from the debug
// transport, is always rejected rather than blocking indefinitely.
func (o *Orchestrator) Confirm(ctx context.Context, prompt string, fromDebugTransport bool) bool {
	if !o.cfg.ConfirmSensitiveActions {
		return false
	}
	if fromDebugTransport {
		return false
	}
	if o.terminal == nil || !o.terminal.IsInteractive() {
		return false
	}
	return o.terminal.Confirm(prompt)
}

// Status returns the snapshot the debug transport's /debug/status endpoint
// serves.
func (o *Orchestrator) Status() map[string]any {
	status := map[string]any{
		"instance_id":       o.instanceID,
		"uptime_seconds":    time.Since(o.startedAt).Seconds(),
		"backend_configured": o.backend != nil && o.backend.Configured(),
		"routing_mode":      string(o.cfg.BackendRoutingMode),
	}
	if o.trust != nil {
		status["trust_state"] = o.trust.Current().String()
	}
	return status
}

// ChatLog returns the most recent turns, in debug-display shape.
func (o *Orchestrator) ChatLog(ctx context.Context, limit int) []map[string]any {
	if o.memory == nil {
		return nil
	}
	turns, err := o.memory.RecentTurns(ctx, limit)
	if err != nil {
		o.logger.Warn("chat log read failed", zap.Error(err))
		return nil
	}
	out := make([]map[string]any, 0, len(turns))
	for _, t := range turns {
		out = append(out, map[string]any{"role": t.Role, "content": t.Content})
	}
	return out
}

// logActivity appends an entry to the bounded in-memory activity ring,
// ported from cli_daemon.py's deque(maxlen=...) activity log.
func (o *Orchestrator) logActivity(kind string, fields map[string]any) {
	entry := map[string]any{"kind": kind}
	for k, v := range fields {
		entry[k] = v
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.activity = append(o.activity, entry)
	if len(o.activity) > activityLogCapacity {
		o.activity = o.activity[len(o.activity)-activityLogCapacity:]
	}
}

// Activity implements debugserver.ActivityReader: returns recent entries,
// newest-first unless ascending is requested, optionally filtered by kind.
func (o *Orchestrator) Activity(limit int, filterKind string, ascending bool) []map[string]any {
	o.mu.Lock()
	snapshot := make([]map[string]any, len(o.activity))
	copy(snapshot, o.activity)
	o.mu.Unlock()

	var filtered []map[string]any
	for _, e := range snapshot {
		if filterKind != "" && e["kind"] != filterKind {
			continue
		}
		filtered = append(filtered, e)
	}

	if !ascending {
		for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
			filtered[i], filtered[j] = filtered[j], filtered[i]
		}
	}

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// Run executes a terminal command through the governed execution pipeline
// (C8), used by both the operator's "run" command and the debug
// transport's POST /debug/run.
func (o *Orchestrator) Run(ctx context.Context, command string) (map[string]any, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command must not be empty")
	}
	if o.pipeline == nil {
		return nil, fmt.Errorf("execution pipeline not configured")
	}
	// §4.10 fixes requires_confirmation=true for run unconditionally; it is
	// not gated by CONFIRM_SENSITIVE_ACTIONS, which instead controls whether
	// the interactive confirmation flow itself may proceed (see Confirm).
	result, err := o.pipeline.Execute("terminal.run", true, map[string]any{"command": command}, func() (any, error) {
		return o.runCommand(ctx, command)
	})
	if err != nil {
		return nil, err
	}
	out, _ := result.(map[string]any)
	return out, nil
}

func (o *Orchestrator) runCommand(ctx context.Context, command string) (map[string]any, error) {
	if o.terminal == nil {
		return nil, fmt.Errorf("no terminal adapter configured")
	}
	o.terminal.Print(fmt.Sprintf("$ %s", command))
	return map[string]any{"command": command, "status": "dispatched"}, nil
}

// See captures and analyzes a still image via the configured Vision
// adapter, optionally dispatching it to the backend for analysis.
func (o *Orchestrator) See(ctx context.Context, useCamera bool) (map[string]any, error) {
	if o.vision == nil {
		return nil, fmt.Errorf("no vision adapter configured")
	}
	imageB64, err := o.vision.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	if o.backend == nil || !o.backend.Configured() {
		return map[string]any{"captured": true, "analyzed": false}, nil
	}
	result, berr := o.backend.Vision(ctx, imageB64, "Describe what you see.", nil)
	if berr != nil {
		return nil, berr
	}
	return map[string]any{"captured": true, "analyzed": true, "description": result.Text}, nil
}
