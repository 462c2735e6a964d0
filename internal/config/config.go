package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/clawinfra/hostgate/internal/policy"
)

// Transports the server can run.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportBoth  = "both"
)

// Audit backends.
const (
	AuditSQLite = "sqlite"
	AuditJSONL  = "jsonl"
	AuditNone   = "none"
)

// Config holds all hostgate configuration
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Policy  PolicyConfig  `json:"policy" yaml:"policy"`
	Confirm ConfirmConfig `json:"confirm" yaml:"confirm"`
	Audit   AuditConfig   `json:"audit" yaml:"audit"`
	API     APIConfig     `json:"api" yaml:"api"`
	Web     WebConfig     `json:"web" yaml:"web"`
}

type ServerConfig struct {
	Name      string `json:"name" yaml:"name"`
	Transport string `json:"transport" yaml:"transport"`
	HTTPAddr  string `json:"httpAddr" yaml:"httpAddr"`
	DataDir   string `json:"dataDir" yaml:"dataDir"`
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"`
}

// PolicyConfig selects the directories tools may touch. Everything else in
// the security policy comes from the built-in defaults and the optional
// TOML policy file.
type PolicyConfig struct {
	AllowedDirectories      []string `json:"allowedDirectories,omitempty" yaml:"allowedDirectories,omitempty"`
	ExtraBlockedDirectories []string `json:"extraBlockedDirectories,omitempty" yaml:"extraBlockedDirectories,omitempty"`
	PolicyFile              string   `json:"policyFile,omitempty" yaml:"policyFile,omitempty"`
}

type ConfirmConfig struct {
	DefaultTTLSeconds int    `json:"defaultTTLSeconds" yaml:"defaultTTLSeconds"`
	MaxTTLSeconds     int    `json:"maxTTLSeconds" yaml:"maxTTLSeconds"`
	MaxPending        int    `json:"maxPending" yaml:"maxPending"`
	SweepSchedule     string `json:"sweepSchedule" yaml:"sweepSchedule"`
}

type AuditConfig struct {
	Backend string     `json:"backend" yaml:"backend"`
	Path    string     `json:"path,omitempty" yaml:"path,omitempty"`
	MQTT    MQTTConfig `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
}

type MQTTConfig struct {
	Broker   string `json:"broker,omitempty" yaml:"broker,omitempty"`
	Topic    string `json:"topic,omitempty" yaml:"topic,omitempty"`
	ClientID string `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

type APIConfig struct {
	RateLimitPerMinute     int      `json:"rateLimitPerMinute" yaml:"rateLimitPerMinute"`
	Burst                  int      `json:"burst" yaml:"burst"`
	RequireOwnerForConfirm bool     `json:"requireOwnerForConfirm" yaml:"requireOwnerForConfirm"`
	CORSOrigins            []string `json:"corsOrigins,omitempty" yaml:"corsOrigins,omitempty"`
}

type WebConfig struct {
	TimeoutSeconds   int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	MaxRetries       int    `json:"maxRetries" yaml:"maxRetries"`
	UserAgent        string `json:"userAgent" yaml:"userAgent"`
	MaxDownloadBytes int64  `json:"maxDownloadBytes" yaml:"maxDownloadBytes"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:      "hostgate",
			Transport: TransportStdio,
			HTTPAddr:  "127.0.0.1:8421",
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Confirm: ConfirmConfig{
			DefaultTTLSeconds: 300,
			MaxTTLSeconds:     300,
			MaxPending:        256,
			SweepSchedule:     "@every 1m",
		},
		Audit: AuditConfig{
			Backend: AuditSQLite,
		},
		API: APIConfig{
			RateLimitPerMinute:     120,
			Burst:                  20,
			RequireOwnerForConfirm: true,
		},
		Web: WebConfig{
			TimeoutSeconds:   30,
			MaxRetries:       3,
			UserAgent:        "hostgate/1.0",
			MaxDownloadBytes: 512 << 20,
		},
	}
}

// Load reads a JSON or YAML (by extension) config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes the config to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ApplyEnv applies environment overrides. The MCP_* names are accepted as
// fallbacks. It returns human-readable warnings for values it had to ignore.
func (c *Config) ApplyEnv(getenv func(string) string) []string {
	var warnings []string
	lookup := func(names ...string) string {
		for _, n := range names {
			if v := strings.TrimSpace(getenv(n)); v != "" {
				return v
			}
		}
		return ""
	}

	if v := lookup("HOSTGATE_ALLOWED_DIRECTORIES", "MCP_ALLOWED_DIRECTORIES"); v != "" {
		c.Policy.AllowedDirectories = splitList(v)
	}
	if v := lookup("HOSTGATE_TRANSPORT", "MCP_TRANSPORT"); v != "" {
		switch t := strings.ToLower(v); t {
		case TransportStdio, TransportHTTP, TransportBoth:
			c.Server.Transport = t
		case "sse", "streamable-http":
			c.Server.Transport = TransportHTTP
		default:
			warnings = append(warnings, fmt.Sprintf("unknown transport %q, using stdio", v))
			c.Server.Transport = TransportStdio
		}
	}
	if v := lookup("HOSTGATE_LOG_LEVEL", "MCP_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = strings.ToLower(v)
	}
	if v := lookup("HOSTGATE_HTTP_ADDR"); v != "" {
		c.Server.HTTPAddr = v
	}
	return warnings
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case TransportStdio, TransportHTTP, TransportBoth:
	default:
		return fmt.Errorf("server.transport: unknown value %q", c.Server.Transport)
	}
	switch c.Server.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("server.logFormat: unknown value %q", c.Server.LogFormat)
	}
	switch c.Audit.Backend {
	case AuditSQLite, AuditJSONL, AuditNone:
	default:
		return fmt.Errorf("audit.backend: unknown value %q", c.Audit.Backend)
	}
	if c.Confirm.MaxTTLSeconds <= 0 {
		return fmt.Errorf("confirm.maxTTLSeconds must be positive")
	}
	if c.Confirm.DefaultTTLSeconds <= 0 || c.Confirm.DefaultTTLSeconds > c.Confirm.MaxTTLSeconds {
		return fmt.Errorf("confirm.defaultTTLSeconds must be between 1 and %d", c.Confirm.MaxTTLSeconds)
	}
	if c.Confirm.MaxPending < 0 {
		return fmt.Errorf("confirm.maxPending must not be negative")
	}
	return nil
}

// AuditPath returns the configured audit location, defaulting into DataDir.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	name := "audit.db"
	if c.Audit.Backend == AuditJSONL {
		name = "audit.jsonl"
	}
	return filepath.Join(c.Server.DataDir, name)
}

// PolicyConfig assembles the security policy: built-in defaults, then the
// TOML policy file, then the directory settings from this config.
func (c *Config) PolicyConfig() (policy.Config, error) {
	pc := policy.DefaultConfig()
	if c.Policy.PolicyFile != "" {
		var err error
		if pc, err = policy.LoadFile(c.Policy.PolicyFile, pc); err != nil {
			return pc, err
		}
	}
	pc.BlockedDirectories = append(pc.BlockedDirectories, c.Policy.ExtraBlockedDirectories...)
	if len(c.Policy.AllowedDirectories) > 0 {
		pc.AllowedDirectories = c.Policy.AllowedDirectories
	}
	return pc, nil
}
