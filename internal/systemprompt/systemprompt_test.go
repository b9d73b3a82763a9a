package systemprompt

import (
	"strings"
	"testing"

	"github.com/pbjustin/arcanos/internal/trust"
)

func TestBuildUsesFallbackBlockWhenInvalid(t *testing.T) {
	prompt := Build(trust.Registry{"endpoints": []any{map[string]any{"method": "post", "path": "/api/ask"}}}, false)

	if !strings.Contains(prompt, defaultBackendBlock) {
		t.Fatal("expected the default backend block when the registry cache is invalid")
	}
	if strings.Contains(prompt, "Endpoints:") {
		t.Fatal("registry-derived endpoints table must not appear when the cache is invalid")
	}
}

func TestBuildUsesRegistryBlockWhenValid(t *testing.T) {
	registry := trust.Registry{
		"endpoints": []any{map[string]any{"method": "post", "path": "/api/ask", "description": "core logic"}},
		"modules":   []any{map[string]any{"id": "ARCANOS:WRITE", "description": "writing", "route": "/write", "actions": []any{"draft", "edit"}}},
	}

	prompt := Build(registry, true)

	if strings.Contains(prompt, defaultBackendBlock) {
		t.Fatal("default backend block must not appear when a valid registry is available")
	}
	if !strings.Contains(prompt, "| POST | /api/ask | core logic |") {
		t.Fatal("expected a rendered endpoints table row")
	}
	if !strings.Contains(prompt, "| ARCANOS:WRITE | writing | /write | draft, edit |") {
		t.Fatal("expected a rendered modules table row")
	}
}

func TestBuildNeverIncludesBothBlocks(t *testing.T) {
	registry := trust.Registry{"core": []any{map[string]any{"id": "CLEAR", "description": "audit engine", "modes": []any{"STRICT"}}}}

	validPrompt := Build(registry, true)
	invalidPrompt := Build(registry, false)

	if strings.Contains(validPrompt, defaultBackendBlock) {
		t.Fatal("valid-registry prompt must not also carry the fallback block")
	}
	if !strings.Contains(invalidPrompt, defaultBackendBlock) || strings.Contains(invalidPrompt, "Core systems:") {
		t.Fatal("invalid-registry prompt must carry only the fallback block")
	}
}

func TestBuildHandlesEmptyRegistrySections(t *testing.T) {
	prompt := Build(trust.Registry{}, true)

	if strings.Contains(prompt, "Endpoints:") || strings.Contains(prompt, "Modules:") {
		t.Fatal("missing registry sections must not render empty headings")
	}
}
