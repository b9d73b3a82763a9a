// Package systemprompt implements the pure formatter spec.md §4.3 and §4.11
// describe: render the cached backend registry (or a static fallback) into
// the BACKEND block of ARCANOS's daemon system prompt.
//
// Grounded on daemon-python/arcanos/daemon_system_definition.py:
// DAEMON_SYSTEM_PROMPT_TEMPLATE, DEFAULT_BACKEND_BLOCK,
// build_daemon_system_prompt, and format_registry_for_prompt are ported
// directly — the Markdown template text is data the spec fixes, not logic
// to redesign.
package systemprompt

import (
	"fmt"
	"strings"

	"github.com/pbjustin/arcanos/internal/trust"
)

const template = `# ARCANOS: Daemon System Definition

You are **ARCANOS** -- an operating intelligence running as a **daemon** on the user's machine. You are a **logic engine**, **decision shell**, and **command interface** for terminal, screen, voice, and backend-backed tasks.

You are not a generic chatbot. You execute, observe, and route.

---

## ENVIRONMENT

- Local: Terminal (shell), screen capture, camera, microphone.
- Backend (when a backend URL is configured): see ## BACKEND. Assume a live backend when configured.

{{BACKEND_BLOCK}}

---

## DAEMON CAPABILITIES

| Capability | Description |
|------------|-------------|
| **run** | Execute terminal commands. **Sensitive** -- requires user confirmation when the backend confirmation gate is enabled. |
| **see** | Screen or camera capture + vision (local or via backend). |
| **deep** / **backend** | Route this turn to the backend for stronger models or extra modules. |

---

## SENSITIVE ACTIONS & CONFIRMATION

- Sensitive (need user confirmation when the gate is on): run.
- The backend does not queue sensitive actions until the user confirms. The daemon shows a confirmation prompt and the action summary; on yes it calls the confirm-actions endpoint.
- Non-sensitive (no confirmation): see, notify, ping, get_status, get_stats.
- Do not run destructive or high-impact commands without explicit user instruction or confirmation.

---

## ROUTING

- Local: simple chat, run, see when the backend is absent or routing/confidence keeps it local.
- Backend: an explicit deep/backend prefix or high confidence routes the request to the backend.
`

const defaultBackendBlock = `## BACKEND

When the daemon routes to the backend, it reaches the full ARCANOS stack.

- Endpoints: POST /api/ask (core logic, module routing, daemon tools), POST /api/vision, POST /api/transcribe, GET /api/daemon/commands, POST /api/daemon/confirm-actions.
- The backend may emit daemon tools; sensitive tools are subject to the same confirmation gate as a local run command.
`

// Build assembles the full daemon system prompt. It is a pure function of
// the cached registry snapshot and whether that cache is currently valid
// (trust.Store.IsValid()) — the "never both" requirement of spec.md §8
// invariant 4 falls directly out of this branch: exactly one of the
// registry-derived block or the fallback default block is ever selected.
func Build(registry trust.Registry, valid bool) string {
	block := defaultBackendBlock
	if valid && registry != nil {
		block = formatRegistry(registry)
	}
	return assemble(block)
}

func assemble(block string) string {
	block = strings.TrimSpace(block)
	if strings.Contains(template, "{{BACKEND_BLOCK}}") {
		return strings.Replace(template, "{{BACKEND_BLOCK}}", block, 1)
	}
	return strings.TrimRight(template, "\n") + "\n\n" + block
}

// formatRegistry ports format_registry_for_prompt: render the opaque
// registry mapping's endpoints/modules/daemonTools/core sections into a
// Markdown BACKEND block. Missing sections produce no corresponding
// heading rather than an empty one.
func formatRegistry(registry trust.Registry) string {
	var b strings.Builder
	b.WriteString("## BACKEND\n\n")
	b.WriteString("When the daemon routes to the backend, it reaches the full ARCANOS stack.\n")

	if endpoints := toList(registry["endpoints"]); len(endpoints) > 0 {
		b.WriteString("\nEndpoints:\n| Method | Path | Description |\n| --- | --- | --- |\n")
		for _, item := range endpoints {
			m, _ := item.(map[string]any)
			fmt.Fprintf(&b, "| %s | %s | %s |\n",
				strings.ToUpper(strField(m, "method")), strField(m, "path"), strField(m, "description"))
		}
	}

	if modules := toList(registry["modules"]); len(modules) > 0 {
		b.WriteString("\nModules:\n| ID | Description | Route | Actions |\n| --- | --- | --- | --- |\n")
		for _, item := range modules {
			m, _ := item.(map[string]any)
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				strField(m, "id"), strField(m, "description"), strField(m, "route"), joinList(m["actions"]))
		}
	}

	if tools := toList(registry["daemonTools"]); len(tools) > 0 {
		b.WriteString("\nDaemon tools:\n| Name | Description | Sensitive |\n| --- | --- | --- |\n")
		for _, item := range tools {
			m, _ := item.(map[string]any)
			sensitive := "no"
			if flag, ok := m["sensitive"].(bool); ok && flag {
				sensitive = "yes"
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", strField(m, "name"), strField(m, "description"), sensitive)
		}
	}

	if core := toList(registry["core"]); len(core) > 0 {
		b.WriteString("\nCore systems:\n")
		for _, item := range core {
			m, _ := item.(map[string]any)
			modes := joinList(m["modes"])
			suffix := ""
			if modes != "" {
				suffix = fmt.Sprintf(" (modes: %s)", modes)
			}
			fmt.Fprintf(&b, "- %s: %s%s\n", strField(m, "id"), strField(m, "description"), suffix)
		}
	}

	return b.String()
}

func toList(v any) []any {
	l, _ := v.([]any)
	return l
}

func strField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func joinList(v any) string {
	items := toList(v)
	if len(items) == 0 {
		return ""
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprint(item))
	}
	return strings.Join(parts, ", ")
}
