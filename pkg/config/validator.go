package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// Validator enforces constraints on Config.
type Validator interface {
	Validate(*Config) error
}

// DefaultValidator applies structural checks and guards against obvious abuse.
type DefaultValidator struct {
	maxTools      int
	maxMCPServers int
}

// NewDefaultValidator builds the default validator.
func NewDefaultValidator() *DefaultValidator {
	return &DefaultValidator{
		maxTools:      128,
		maxMCPServers: 32,
	}
}

// Validate checks version, provider, limits and tool declarations.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Version) == "" {
		return errors.New("config version is required")
	}
	if !IsSemVer(cfg.Version) {
		return fmt.Errorf("invalid config version %q", cfg.Version)
	}
	switch cfg.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderScripted:
	default:
		return fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	if cfg.APIKeyEnv != "" && !envKeyPattern.MatchString(cfg.APIKeyEnv) {
		return fmt.Errorf("invalid api_key_env %q", cfg.APIKeyEnv)
	}
	if cfg.BaseURL != "" {
		if err := checkHTTPURL(cfg.BaseURL); err != nil {
			return fmt.Errorf("base_url: %w", err)
		}
	}
	if cfg.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", cfg.MaxTokens)
	}
	if cfg.SchemaCacheSize < 0 {
		return fmt.Errorf("schema_cache_size must be positive, got %d", cfg.SchemaCacheSize)
	}
	if len(cfg.Tools) > v.maxTools {
		return fmt.Errorf("too many tools: %d > %d", len(cfg.Tools), v.maxTools)
	}
	names := make(map[string]struct{}, len(cfg.Tools))
	for _, ref := range cfg.Tools {
		if ref.Name == "" {
			return errors.New("tool name cannot be empty")
		}
		if _, exists := names[ref.Name]; exists {
			return fmt.Errorf("duplicate tool %s", ref.Name)
		}
		names[ref.Name] = struct{}{}
		if err := checkHTTPURL(ref.Endpoint); err != nil {
			return fmt.Errorf("tool %s endpoint: %w", ref.Name, err)
		}
		if _, err := ref.Definition(); err != nil {
			return err
		}
	}
	if len(cfg.MCPServers) > v.maxMCPServers {
		return fmt.Errorf("too many mcp servers: %d > %d", len(cfg.MCPServers), v.maxMCPServers)
	}
	return nil
}

var envKeyPattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

func checkHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// IsSemVer reports whether v is a semantic version, with or without the
// leading "v".
func IsSemVer(v string) bool {
	return semver.IsValid(normalizeSemver(strings.TrimSpace(v)))
}

func normalizeSemver(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
