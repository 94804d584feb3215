// Package config handles Steward configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/steward/config.yaml, /etc/steward/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "steward", "config.yaml"))
	}

	paths = append(paths, "/etc/steward/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Steward configuration.
type Config struct {
	Listen    ListenConfig     `yaml:"listen"`
	Backend   BackendConfig    `yaml:"backend"`
	Gemini    GeminiConfig     `yaml:"gemini"`
	Models    ModelsConfig     `yaml:"models"`
	Providers []ProviderConfig `yaml:"providers"`
	Mail      MailConfig       `yaml:"mail"`
	Contacts  ContactsConfig   `yaml:"contacts"`
	Calendar  CalendarConfig   `yaml:"calendar"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	UsageDB   string           `yaml:"usage_db"`
	DocsDir   string           `yaml:"docs_dir"`
	LogLevel  string           `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// BackendConfig defines the generic chat-completions backend. Any model
// whose name does not carry the Gemini prefix is routed here.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// GeminiConfig defines the Gemini function-calling backend.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // override for testing; empty = production endpoint
}

// ModelsConfig defines model routing settings. Model identifiers
// beginning with GeminiPrefix route to the Gemini backend; everything
// else routes to the chat-completions backend.
type ModelsConfig struct {
	Default      string   `yaml:"default"`
	Available    []string `yaml:"available"`
	GeminiPrefix string   `yaml:"gemini_prefix"`
}

// ProviderConfig describes one domain tool provider. Kind selects the
// implementation: "stdio" spawns Command as an MCP subprocess, while
// "mail", "contacts", "calendar", and "docs" use the builtin providers
// configured by the matching top-level section.
type ProviderConfig struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

// MailConfig defines SMTP and IMAP settings for the builtin mail provider.
type MailConfig struct {
	From string     `yaml:"from"`
	SMTP SMTPConfig `yaml:"smtp"`
	IMAP IMAPConfig `yaml:"imap"`
}

// SMTPConfig defines outbound mail delivery settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	StartTLS bool   `yaml:"starttls"`
}

// IMAPConfig defines mailbox access settings.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

// ContactsConfig defines the CardDAV endpoint for the builtin contacts provider.
type ContactsConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CalendarConfig defines the CalDAV endpoint for the builtin calendar provider.
type CalendarConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Timezone string `yaml:"timezone"`
}

// MetricsConfig defines where per-turn metrics records go. Path is the
// append-only JSONL log. If MQTT.Broker is set, each record is also
// published to the broker.
type MetricsConfig struct {
	Path string     `yaml:"path"`
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig defines the optional telemetry broker connection.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. "tls://broker.local:8883"
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Backend: BackendConfig{
			BaseURL: "https://ai.sumopod.com",
		},
		Models: ModelsConfig{
			Default:      "gemini-3-flash-preview",
			GeminiPrefix: "gemini",
			Available: []string{
				"deepseek-v3-2-251201",
				"glm-4-7-251222",
				"glm-5",
				"kimi-k2-250905",
				"gemini-3-flash-preview",
				"gemini-3-pro-preview",
				"gemini-2.5-pro",
				"gemini-2.5-flash",
				"gemini-2.5-flash-lite",
			},
		},
		Metrics: MetricsConfig{Path: "metrics.jsonl"},
		DocsDir: "docs/providers",
	}
}

// IsGeminiModel reports whether the given model identifier routes to
// the Gemini function-calling backend.
func (m ModelsConfig) IsGeminiModel(model string) bool {
	prefix := m.GeminiPrefix
	if prefix == "" {
		prefix = "gemini"
	}
	return strings.HasPrefix(model, prefix)
}
