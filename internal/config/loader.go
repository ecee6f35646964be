package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// secretKeys are YAML keys that must never appear in the config file.
// Secrets are read from environment variables only (VOXA_LLM_API_KEY,
// VOXA_REDIS_PASSWORD, VOXA_DB_DSN may override memory.postgres_dsn).
var secretKeys = []string{"api_key", "apikey", "secret", "password", "token"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	if err := checkNoSecrets(raw); err != nil {
		return nil, err
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// checkNoSecrets scans the raw YAML for keys that look like credentials.
// Finding one is a startup error — secrets belong in the environment.
func checkNoSecrets(raw []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		// Leave the syntax error to the strict decoder.
		return nil
	}
	if key := findSecretKey(doc, ""); key != "" {
		return fmt.Errorf("config: key %q looks like a secret; secrets must be provided via environment variables, not the config file", key)
	}
	return nil
}

// findSecretKey walks the decoded YAML tree and returns the path of the first
// secret-looking key with a non-empty scalar value, or "".
func findSecretKey(node any, path string) string {
	m, ok := node.(map[string]any)
	if !ok {
		return ""
	}
	for k, v := range m {
		p := k
		if path != "" {
			p = path + "." + k
		}
		lower := strings.ToLower(k)
		// Keys naming files (admin_password_file) hold paths, not credentials.
		if strings.HasSuffix(lower, "_file") {
			continue
		}
		for _, sk := range secretKeys {
			if strings.Contains(lower, sk) {
				if s, isStr := v.(string); isStr && s != "" {
					return p
				}
			}
		}
		if found := findSecretKey(v, p); found != "" {
			return found
		}
	}
	return ""
}

// applyEnvOverrides reads secret values from the environment.
func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("VOXA_DB_DSN"); dsn != "" {
		cfg.Memory.PostgresDSN = dsn
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [0, 65535]", cfg.Server.Port))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Logging
	if cfg.Logging.Level != "" && !cfg.Logging.Level.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}

	// Security
	if cfg.Security.SessionTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("security.session_ttl_s must not be negative, got %d", cfg.Security.SessionTTLSeconds))
	}
	if cfg.Security.MaxSessionsPerUser < 0 {
		errs = append(errs, fmt.Errorf("security.max_sessions_per_user must not be negative, got %d", cfg.Security.MaxSessionsPerUser))
	}

	// AI
	if cfg.AI.MaxTokensFree < 0 {
		errs = append(errs, fmt.Errorf("ai.max_tokens_free must not be negative, got %d", cfg.AI.MaxTokensFree))
	}
	if cfg.AI.FallbackProvider != "" && cfg.AI.FallbackModel == "" {
		errs = append(errs, errors.New("ai.fallback_provider requires ai.fallback_model"))
	}

	// Plugins
	seen := make(map[string]int, len(cfg.Plugins.MCPServers))
	for i, srv := range cfg.Plugins.MCPServers {
		prefix := fmt.Sprintf("plugins.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, dup := seen[srv.Name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of plugins.mcp_servers[%d]", prefix, srv.Name, prev))
		} else {
			seen[srv.Name] = i
		}
		if (srv.Command == "") == (srv.URL == "") {
			errs = append(errs, fmt.Errorf("%s: exactly one of command or url must be set", prefix))
		}
		if srv.TierRequired != "" && !srv.TierRequired.IsValid() {
			errs = append(errs, fmt.Errorf("%s.tier_required %q is invalid; valid values: free, paid", prefix, srv.TierRequired))
		}
	}

	// Memory
	if cfg.Memory.ShortTermTokens < 0 {
		errs = append(errs, fmt.Errorf("memory.short_term_tokens must not be negative, got %d", cfg.Memory.ShortTermTokens))
	}
	if cfg.AI.Embeddings.Provider != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("ai.embeddings is configured but memory.embedding_dimensions is not set"))
	}

	// Rate limiting
	if cfg.RateLimiting.FreeRequestsPerMonth < 0 {
		errs = append(errs, fmt.Errorf("rate_limiting.free_requests_per_month must not be negative, got %d", cfg.RateLimiting.FreeRequestsPerMonth))
	}

	return errors.Join(errs...)
}
