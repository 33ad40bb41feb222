// Package config loads the genbridge configuration from genbridge.yaml (or
// .yml/.json), validates it and hot reloads it on change.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cexll/genbridge/pkg/schema"
	"github.com/cexll/genbridge/pkg/tool"
)

// Providers accepted in the provider field.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderScripted  = "scripted"
)

const (
	defaultAddr        = ":8080"
	defaultMaxTokens   = 4096
	defaultServiceName = "genbridge"
)

var defaultKeyEnv = map[string]string{
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderGemini:    "GEMINI_API_KEY",
}

// Config is the declarative bridge definition.
type Config struct {
	Version      string `json:"version" yaml:"version"`
	Provider     string `json:"provider" yaml:"provider"`
	Model        string `json:"model" yaml:"model"`
	APIKeyEnv    string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL      string `json:"base_url" yaml:"base_url"`
	MaxTokens    int    `json:"max_tokens" yaml:"max_tokens"`
	Instructions string `json:"instructions" yaml:"instructions"`

	Server          ServerBlock    `json:"server" yaml:"server"`
	Store           StoreBlock     `json:"store" yaml:"store"`
	SchemaCacheSize int            `json:"schema_cache_size" yaml:"schema_cache_size"`
	Telemetry       TelemetryBlock `json:"telemetry" yaml:"telemetry"`
	Tools           []ToolRef      `json:"tools" yaml:"tools"`
	MCPServers      []string       `json:"mcp_servers" yaml:"mcp_servers"`

	SourcePath string `json:"-" yaml:"-"`
	SourceHash string `json:"-" yaml:"-"`
}

// ServerBlock configures the HTTP surface.
type ServerBlock struct {
	Addr string `json:"addr" yaml:"addr"`
}

// StoreBlock selects the transcript store. An empty Dir keeps transcripts in
// memory.
type StoreBlock struct {
	Dir string `json:"dir" yaml:"dir"`
}

// TelemetryBlock configures OTLP trace export. An empty Endpoint disables it.
type TelemetryBlock struct {
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	ServiceName string `json:"service_name" yaml:"service_name"`
	Insecure    bool   `json:"insecure" yaml:"insecure"`
}

// ToolRef declares a webhook tool. Parameters use the generation schema wire
// format and may be written as YAML.
type ToolRef struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	Parameters  any    `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Definition converts the reference into a tool definition, parsing its
// parameter schema.
func (t ToolRef) Definition() (tool.Definition, error) {
	def := tool.Definition{Name: t.Name, Description: t.Description}
	if t.Parameters == nil {
		return def, nil
	}
	raw, err := json.Marshal(t.Parameters)
	if err != nil {
		return def, fmt.Errorf("tool %s parameters: %w", t.Name, err)
	}
	sch, err := schema.Parse(raw)
	if err != nil {
		return def, fmt.Errorf("tool %s parameters: %w", t.Name, err)
	}
	def.Parameters = sch
	return def, nil
}

// Normalize trims whitespace and fills defaults.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Version = strings.TrimSpace(c.Version)
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = ProviderScripted
	}
	c.Model = strings.TrimSpace(c.Model)
	c.APIKeyEnv = strings.TrimSpace(c.APIKeyEnv)
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = defaultKeyEnv[c.Provider]
	}
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	if c.Server.Addr == "" {
		c.Server.Addr = defaultAddr
	}
	c.Store.Dir = strings.TrimSpace(c.Store.Dir)
	if c.SchemaCacheSize == 0 {
		c.SchemaCacheSize = schema.DefaultCacheSize
	}
	c.Telemetry.Endpoint = strings.TrimSpace(c.Telemetry.Endpoint)
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}
	for i := range c.Tools {
		c.Tools[i].Name = strings.TrimSpace(c.Tools[i].Name)
		c.Tools[i].Endpoint = strings.TrimSpace(c.Tools[i].Endpoint)
	}
	c.MCPServers = uniqueStrings(c.MCPServers)
}

// APIKey reads the provider key from the configured environment variable.
func (c *Config) APIKey() string {
	if c == nil || c.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

func uniqueStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
