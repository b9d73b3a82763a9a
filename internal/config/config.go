// Package config hydrates ARCANOS's runtime configuration from layered
// sources and exposes a typed, immutable view.
//
// Layering order (later wins), mirroring daemon-python/arcanos/env.py and
// config.py:
//  1. packaged defaults (Defaults())
//  2. fallback dot-env (per-user data dir)
//  3. primary dot-env (install/project dir)
//  4. process environment
//  5. optional explicit override path (ARCANOS_ENV_PATH)
//
// An optional YAML document may additionally seed structured defaults
// (rate-limit budgets, domain keyword groups) before the dot-env/env layers
// run; this gives yaml.v3 a use without displacing the dot-env semantics the
// daemon's scripting surface depends on.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// RoutingMode selects how conversation turns are routed by default.
type RoutingMode string

const (
	RoutingLocal   RoutingMode = "local"
	RoutingBackend RoutingMode = "backend"
	RoutingHybrid  RoutingMode = "hybrid"
)

// placeholderTokens must never be treated as a real credential. Ported from
// cli_daemon.py's startup guard: the scheduler refuses to start against a
// token that looks like an unfilled template value.
var placeholderTokens = map[string]bool{
	"your-api-key-here":  true,
	"changeme":           true,
	"replace-me":         true,
	"":                   true,
}

// IsPlaceholderToken reports whether tok is a known placeholder sentinel
// rather than a real credential.
func IsPlaceholderToken(tok string) bool {
	return placeholderTokens[strings.TrimSpace(strings.ToLower(tok))]
}

// Config is the process-wide, read-mostly record built once at startup.
// Callers must treat a *Config as immutable after Load returns; share it by
// pointer, never by module-level mutable singleton.
type Config struct {
	BackendURL                  string
	BackendToken                string
	BackendAllowHTTP            bool
	BackendRoutingMode          RoutingMode
	BackendDeepPrefixes         []string
	BackendFallbackToLocal      bool
	BackendConfidenceThreshold  float64
	BackendRequestTimeout       time.Duration
	BackendHistoryLimit         int

	RegistryCacheTTL time.Duration

	DaemonHeartbeatInterval    time.Duration
	DaemonCommandPollInterval  time.Duration

	ConfirmSensitiveActions bool
	RunElevated             bool

	RateLimitBudget      int
	RateLimitWindow      time.Duration
	DebugRateLimitPerMin int

	MemoryDir string
	LogDir    string
	CrashDir  string

	DebugServerEnabled             bool
	DebugServerAddr                string
	DebugServerToken               string
	DebugServerAllowUnauthenticated bool

	MetricsAddr string

	LogLevel  string
	LogFormat string

	DomainKeywords map[string][]string
}

// BackendConfigured reports whether BackendURL has been set; when false the
// daemon is "backend-unconfigured" and every C2 operation fails fast with
// kind=configuration.
func (c *Config) BackendConfigured() bool {
	return strings.TrimSpace(c.BackendURL) != ""
}

// Defaults returns the packaged defaults. Every field has a sensible
// out-of-the-box value so a bare process (no dot-env, no env vars) still
// starts in backend-unconfigured, local-only mode.
func Defaults() Config {
	return Config{
		BackendRoutingMode:         RoutingHybrid,
		BackendDeepPrefixes:        []string{"deep:", "backend:"},
		BackendFallbackToLocal:     true,
		BackendConfidenceThreshold: 0.5,
		BackendRequestTimeout:      30 * time.Second,
		BackendHistoryLimit:        20,

		RegistryCacheTTL: 15 * time.Minute,

		DaemonHeartbeatInterval:   30 * time.Second,
		DaemonCommandPollInterval: 10 * time.Second,

		ConfirmSensitiveActions: true,

		RateLimitBudget:      100,
		RateLimitWindow:      time.Minute,
		DebugRateLimitPerMin: 60,

		MemoryDir: defaultUserDataDir("memory"),
		LogDir:    defaultUserDataDir("logs"),
		CrashDir:  defaultUserDataDir("crash-reports"),

		DebugServerEnabled:              false,
		DebugServerAddr:                 "127.0.0.1:8787",
		DebugServerAllowUnauthenticated: false,

		MetricsAddr: "127.0.0.1:9091",

		LogLevel:  "info",
		LogFormat: "console",

		DomainKeywords: map[string][]string{
			"backstage:booker": {"book", "reservation", "appointment"},
			"backstage":        {"stage", "venue", "greenroom"},
			"tutor":            {"teach", "lesson", "explain step by step"},
			"arcanos:tutor":    {"tutor", "homework"},
			"gaming":           {"game", "level design", "npc"},
			"arcanos:gaming":   {"quest", "loot table"},
			"research":         {"cite", "literature", "survey"},
		},
	}
}

func defaultUserDataDir(sub string) string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return base + string(os.PathSeparator) + "arcanos" + string(os.PathSeparator) + sub
}

// overrideYAML is the subset of Config overridable via an optional YAML
// document, loaded before the dot-env/env layers so later layers still win.
type overrideYAML struct {
	BackendDeepPrefixes []string            `yaml:"backend_deep_prefixes"`
	DomainKeywords      map[string][]string `yaml:"domain_keywords"`
	RateLimitBudget     int                 `yaml:"rate_limit_budget"`
}

// LoadYAMLOverlay merges an optional YAML document into cfg. Missing file is
// not an error — the overlay is opt-in. A malformed file is reported.
func LoadYAMLOverlay(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read yaml overlay %q: %w", path, err)
	}
	var ov overrideYAML
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("config: parse yaml overlay %q: %w", path, err)
	}
	if len(ov.BackendDeepPrefixes) > 0 {
		cfg.BackendDeepPrefixes = ov.BackendDeepPrefixes
	}
	if len(ov.DomainKeywords) > 0 {
		cfg.DomainKeywords = ov.DomainKeywords
	}
	if ov.RateLimitBudget > 0 {
		cfg.RateLimitBudget = ov.RateLimitBudget
	}
	return nil
}

// Load builds the final immutable Config: defaults, optional YAML overlay,
// then the env layers (fallback dot-env, primary dot-env, process env, and
// last the ARCANOS_ENV_PATH override file). baseDir is the install/project
// directory used to locate the primary dot-env file; the override file's
// path is read from the ARCANOS_ENV_PATH environment variable.
func Load(baseDir, yamlOverlayPath string) (*Config, error) {
	cfg := Defaults()

	if err := LoadYAMLOverlay(&cfg, yamlOverlayPath); err != nil {
		return nil, err
	}

	env, err := bootstrapRuntimeEnv(baseDir)
	if err != nil {
		return nil, err
	}

	applyEnv(&cfg, env)

	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, env *envSource) {
	cfg.BackendURL = strings.TrimSuffix(env.getString("BACKEND_URL", cfg.BackendURL), "/")
	cfg.BackendToken = resolveToken(env)
	cfg.BackendAllowHTTP = env.getBool("BACKEND_ALLOW_HTTP", cfg.BackendAllowHTTP)
	cfg.BackendRoutingMode = RoutingMode(env.getString("BACKEND_ROUTING_MODE", string(cfg.BackendRoutingMode)))
	if raw := env.getString("BACKEND_DEEP_PREFIXES", ""); raw != "" {
		cfg.BackendDeepPrefixes = splitCSV(raw)
	}
	cfg.BackendFallbackToLocal = env.getBool("BACKEND_FALLBACK_TO_LOCAL", cfg.BackendFallbackToLocal)
	cfg.BackendConfidenceThreshold = env.getFloat("BACKEND_CONFIDENCE_THRESHOLD", cfg.BackendConfidenceThreshold)
	cfg.BackendRequestTimeout = env.getSeconds("BACKEND_REQUEST_TIMEOUT", cfg.BackendRequestTimeout)
	cfg.BackendHistoryLimit = env.getInt("BACKEND_HISTORY_LIMIT", cfg.BackendHistoryLimit)

	cfg.RegistryCacheTTL = env.getMinutes("REGISTRY_CACHE_TTL_MINUTES", cfg.RegistryCacheTTL)

	cfg.DaemonHeartbeatInterval = env.getSeconds("DAEMON_HEARTBEAT_INTERVAL_SECONDS", cfg.DaemonHeartbeatInterval)
	cfg.DaemonCommandPollInterval = env.getSeconds("DAEMON_COMMAND_POLL_INTERVAL_SECONDS", cfg.DaemonCommandPollInterval)

	cfg.ConfirmSensitiveActions = env.getBool("CONFIRM_SENSITIVE_ACTIONS", cfg.ConfirmSensitiveActions)
	cfg.RunElevated = env.getBool("RUN_ELEVATED", cfg.RunElevated)

	cfg.MemoryDir = env.getString("ARCANOS_MEMORY_DIR", cfg.MemoryDir)
	cfg.LogDir = env.getString("ARCANOS_LOG_DIR", cfg.LogDir)
	cfg.CrashDir = env.getString("ARCANOS_CRASH_DIR", cfg.CrashDir)

	cfg.DebugServerEnabled = env.getBool("DEBUG_SERVER_ENABLED", cfg.DebugServerEnabled)
	cfg.DebugServerAddr = env.getString("DEBUG_SERVER_ADDR", cfg.DebugServerAddr)
	cfg.DebugServerToken = env.getString("DEBUG_SERVER_TOKEN", cfg.DebugServerToken)
	cfg.DebugServerAllowUnauthenticated = env.getBool("DEBUG_SERVER_ALLOW_UNAUTHENTICATED", cfg.DebugServerAllowUnauthenticated)

	cfg.MetricsAddr = env.getString("ARCANOS_METRICS_ADDR", cfg.MetricsAddr)

	cfg.LogLevel = env.getString("ARCANOS_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = env.getString("ARCANOS_LOG_FORMAT", cfg.LogFormat)
}

// resolveToken mirrors config.py's fallback chain: BACKEND_TOKEN wins, then
// ARCANOS_API_KEY, then ADMIN_KEY; first non-empty (after trim) wins.
func resolveToken(env *envSource) string {
	for _, key := range []string{"BACKEND_TOKEN", "ARCANOS_API_KEY", "ADMIN_KEY"} {
		if v := strings.TrimSpace(env.getString(key, "")); v != "" {
			return v
		}
	}
	return ""
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks every field for correctness and returns the ordered list
// of human-readable violations (not fail-fast on the first), matching the
// teacher's Validate(cfg) joined-error pattern and config.py's
// validate() -> (bool, list[str]).
func Validate(cfg *Config) []string {
	var errs []string

	if cfg.BackendConfigured() {
		if !cfg.BackendAllowHTTP && !strings.HasPrefix(cfg.BackendURL, "https://") && !isLoopbackURL(cfg.BackendURL) {
			errs = append(errs, fmt.Sprintf("backend_url must use https:// unless BACKEND_ALLOW_HTTP is set, got %q", cfg.BackendURL))
		}
	}
	switch cfg.BackendRoutingMode {
	case RoutingLocal, RoutingBackend, RoutingHybrid:
	default:
		errs = append(errs, fmt.Sprintf("backend_routing_mode must be one of local|backend|hybrid, got %q", cfg.BackendRoutingMode))
	}
	if cfg.BackendConfidenceThreshold < 0 || cfg.BackendConfidenceThreshold > 1 {
		errs = append(errs, fmt.Sprintf("backend_confidence_threshold must be in [0,1], got %f", cfg.BackendConfidenceThreshold))
	}
	if cfg.BackendRequestTimeout < time.Second {
		errs = append(errs, fmt.Sprintf("backend_request_timeout must be >= 1s, got %s", cfg.BackendRequestTimeout))
	}
	if cfg.BackendHistoryLimit < 0 {
		errs = append(errs, fmt.Sprintf("backend_history_limit must be >= 0, got %d", cfg.BackendHistoryLimit))
	}
	if cfg.RegistryCacheTTL < time.Minute {
		errs = append(errs, fmt.Sprintf("registry_cache_ttl_minutes must be >= 1, got %s", cfg.RegistryCacheTTL))
	}
	if cfg.DaemonHeartbeatInterval < time.Second {
		errs = append(errs, fmt.Sprintf("daemon_heartbeat_interval_seconds must be >= 1, got %s", cfg.DaemonHeartbeatInterval))
	}
	if cfg.DaemonCommandPollInterval < time.Second {
		errs = append(errs, fmt.Sprintf("daemon_command_poll_interval_seconds must be >= 1, got %s", cfg.DaemonCommandPollInterval))
	}
	if cfg.MemoryDir == "" {
		errs = append(errs, "memory dir must not be empty")
	}
	if cfg.LogDir == "" {
		errs = append(errs, "log dir must not be empty")
	}
	if cfg.CrashDir == "" {
		errs = append(errs, "crash dir must not be empty")
	}
	if cfg.DebugServerEnabled && !cfg.DebugServerAllowUnauthenticated && cfg.DebugServerToken == "" {
		errs = append(errs, "debug_server_token must be set when the debug server is enabled, unless DEBUG_SERVER_ALLOW_UNAUTHENTICATED is true")
	}

	for _, dir := range []string{cfg.MemoryDir, cfg.LogDir, cfg.CrashDir} {
		if dir == "" {
			continue
		}
		if err := ensureWritableDir(dir); err != nil {
			errs = append(errs, fmt.Sprintf("directory %q is not writable: %v", dir, err))
		}
	}

	return errs
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	probe := dir + string(os.PathSeparator) + ".arcanos-writable-probe"
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}

func isLoopbackURL(raw string) bool {
	return strings.Contains(raw, "://127.0.0.1") || strings.Contains(raw, "://localhost")
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}

// parseFloat is a small helper kept local to avoid importing strconv in
// every call site that needs lenient float parsing with a default fallback.
func parseFloat(raw string, def float64) float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}
