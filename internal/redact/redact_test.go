package redact

import "testing"

func TestIsSensitiveKey(t *testing.T) {
	cases := map[string]bool{
		"api_key":       true,
		"API_KEY":       true,
		"Authorization": true,
		"token":         true,
		"password":      true,
		"client_secret": true,
		"credential_id": true,
		"message":       false,
		"instance_id":   false,
	}
	for key, want := range cases {
		if got := IsSensitiveKey(key); got != want {
			t.Errorf("IsSensitiveKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestValueRedactsTopLevelString(t *testing.T) {
	in := map[string]any{
		"token":   "sk-abcdef1234",
		"message": "hello",
	}
	out := Value(in, DefaultMaxDepth).(map[string]any)

	if out["message"] != "hello" {
		t.Errorf("non-sensitive key was mutated: %v", out["message"])
	}
	if out["token"] != "[REDACTED:13 chars]" {
		t.Errorf("token not redacted correctly: %v", out["token"])
	}
}

func TestValueRedactsNested(t *testing.T) {
	in := map[string]any{
		"request": map[string]any{
			"headers": map[string]any{
				"authorization": "Bearer xyz",
			},
		},
	}
	out := Value(in, DefaultMaxDepth).(map[string]any)
	headers := out["request"].(map[string]any)["headers"].(map[string]any)
	if headers["authorization"] != "[REDACTED:10 chars]" {
		t.Errorf("nested authorization not redacted: %v", headers["authorization"])
	}
}

func TestValueRedactsWithinLists(t *testing.T) {
	in := map[string]any{
		"items": []any{
			map[string]any{"secret": "hunter2"},
		},
	}
	out := Value(in, DefaultMaxDepth).(map[string]any)
	item := out["items"].([]any)[0].(map[string]any)
	if item["secret"] != "[REDACTED:7 chars]" {
		t.Errorf("list-nested secret not redacted: %v", item["secret"])
	}
}

func TestValueStopsAtMaxDepth(t *testing.T) {
	in := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": map[string]any{
					"secret": "x",
				},
			},
		},
	}
	out := Value(in, 1)
	m := out.(map[string]any)
	if m["a"] != "[max depth reached]" {
		t.Errorf("expected depth cutoff, got %v", m["a"])
	}
}

func TestValueRedactsNonStringLeaf(t *testing.T) {
	in := map[string]any{"password": 12345}
	out := Value(in, DefaultMaxDepth).(map[string]any)
	if out["password"] != "[REDACTED]" {
		t.Errorf("numeric secret should redact to plain marker, got %v", out["password"])
	}
}
