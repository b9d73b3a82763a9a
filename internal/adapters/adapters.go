// Package adapters defines the opaque boundary interfaces ARCANOS's
// orchestrator (C11) depends on: a local language model, the terminal,
// vision capture, audio capture/transcription, and the persisted memory
// store. Each is injected by construction so the orchestrator's turn
// handling logic (spec.md §4.11) is testable against fakes without a real
// model, TTY, camera, or microphone.
//
// Grounded on the teacher's interface-at-the-boundary idiom
// (internal/gossip.QuorumAccumulator, internal/anomaly's Detector
// interface before deletion) — small, single-purpose interfaces defined
// next to their consumer rather than a monolithic "Services" struct.
package adapters

import "context"

// LocalLLM is the on-box fallback model used when a conversation turn
// routes local (spec.md §4.7) or the backend is unreachable.
type LocalLLM interface {
	// Complete generates a reply for message given systemPrompt (the
	// daemon system definition, possibly carrying a registry-derived
	// backend block per spec.md §4.3) and the recent turn history
	// (oldest first). Implementations must respect ctx cancellation.
	Complete(ctx context.Context, systemPrompt, message string, history []Turn) (string, error)
}

// Turn is one prior exchange, used to build model context.
type Turn struct {
	Role    string // "user" | "assistant"
	Content string
}

// Terminal is the operator-facing I/O surface: reading input, printing
// output, and prompting for yes/no confirmation.
type Terminal interface {
	ReadLine(ctx context.Context) (string, error)
	Print(line string)
	Confirm(prompt string) bool
	// IsInteractive reports whether this terminal is attached to a real
	// TTY. The confirmation gate (C9) treats a non-interactive terminal
	// as an automatic rejection rather than blocking indefinitely.
	IsInteractive() bool
}

// Vision captures a still image and returns it base64-encoded, ready for
// backendclient.Client.Vision.
type Vision interface {
	Capture(ctx context.Context) (imageBase64 string, err error)
}

// Audio captures a short recording and returns it base64-encoded, ready
// for backendclient.Client.Transcribe.
type Audio interface {
	Record(ctx context.Context, maxDuration int) (audioBase64 string, filename string, err error)
}

// Memory is the persisted store for conversation turns, counters, and
// settings (internal/memstore backs this interface with BoltDB).
type Memory interface {
	AppendTurn(ctx context.Context, turn Turn) error
	RecentTurns(ctx context.Context, limit int) ([]Turn, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	InstanceID(ctx context.Context) (string, error)
}
