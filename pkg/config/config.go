package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	App          AppConfig                 `json:"app" toml:"app"`
	Gateways     map[string]GatewayConfig  `json:"gateways" toml:"gateways"`
	Providers    map[string]ProviderConfig `json:"providers" toml:"providers"`
	Memory       MemoryConfig              `json:"memory" toml:"memory"`
	Audit        AuditConfig               `json:"audit" toml:"audit"`
	Orchestrator OrchestratorConfig        `json:"orchestrator" toml:"orchestrator"`
	Tools        ToolsConfig               `json:"tools" toml:"tools"`
	Projects     []ProjectConfig           `json:"projects" toml:"projects"`
	Policy       PolicyConfig              `json:"policy" toml:"policy"`
}

type AppConfig struct {
	Name      string `json:"name" toml:"name"`
	Workspace string `json:"workspace" toml:"workspace"`
	// DefaultRole applies to chat users not listed in Users.
	DefaultRole string            `json:"default_role" toml:"default_role"`
	Users       map[string]string `json:"users" toml:"users"`
	Dashboard   bool              `json:"dashboard" toml:"dashboard"`
}

type GatewayConfig struct {
	Token         string `json:"token" toml:"token"`
	Enabled       bool   `json:"enabled" toml:"enabled"`
	RatePerMinute int    `json:"rate_per_minute" toml:"rate_per_minute"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" toml:"api_key"`
	Model   string `json:"model" toml:"model"`
	BaseURL string `json:"base_url,omitempty" toml:"base_url"`
	Enabled bool   `json:"enabled" toml:"enabled"`
}

type MemoryConfig struct {
	Type string `json:"type" toml:"type"`
	Path string `json:"path" toml:"path"`
}

type AuditConfig struct {
	Path string `json:"path" toml:"path"`
}

type OrchestratorConfig struct {
	MaxRetries     int      `json:"max_retries" toml:"max_retries"`
	StepTimeout    Duration `json:"step_timeout" toml:"step_timeout"`
	SessionIdleTTL Duration `json:"session_idle_ttl" toml:"session_idle_ttl"`
	SweepInterval  Duration `json:"sweep_interval" toml:"sweep_interval"`
	TemplatesDir   string   `json:"templates_dir" toml:"templates_dir"`
	PromptsDir     string   `json:"prompts_dir" toml:"prompts_dir"`
	WatchTemplates bool     `json:"watch_templates" toml:"watch_templates"`
}

type ToolsConfig struct {
	DocumentsRoot string           `json:"documents_root" toml:"documents_root"`
	Scraper       bool             `json:"scraper" toml:"scraper"`
	Search        bool             `json:"search" toml:"search"`
	Browser       BrowserConfig    `json:"browser" toml:"browser"`
	HTTP          []HTTPToolConfig `json:"http" toml:"http"`
}

type BrowserConfig struct {
	Enabled       bool   `json:"enabled" toml:"enabled"`
	Headless      bool   `json:"headless" toml:"headless"`
	ScreenshotDir string `json:"screenshot_dir" toml:"screenshot_dir"`
}

// HTTPToolConfig declares an external product service reachable over HTTP.
type HTTPToolConfig struct {
	Name        string                      `json:"name" toml:"name"`
	Description string                      `json:"description" toml:"description"`
	Endpoint    string                      `json:"endpoint" toml:"endpoint"`
	Auth        HTTPAuthConfig              `json:"auth" toml:"auth"`
	Actions     map[string]HTTPActionConfig `json:"actions" toml:"actions"`
}

type HTTPAuthConfig struct {
	Type   string `json:"type" toml:"type"`
	Header string `json:"header" toml:"header"`
	APIKey string `json:"api_key" toml:"api_key"`
}

type HTTPActionConfig struct {
	Path          string         `json:"path" toml:"path"`
	Method        string         `json:"method" toml:"method"`
	Parameters    map[string]any `json:"parameters" toml:"parameters"`
	ResponsePath  string         `json:"response_path" toml:"response_path"`
	OutputRefPath string         `json:"output_ref_path" toml:"output_ref_path"`
}

type ProjectConfig struct {
	ID        string   `json:"id" toml:"id"`
	Name      string   `json:"name" toml:"name"`
	Workspace string   `json:"workspace" toml:"workspace"`
	Aliases   []string `json:"aliases" toml:"aliases"`
}

type PolicyConfig struct {
	DeniedTools     []string          `json:"denied_tools" toml:"denied_tools"`
	DeniedArguments []string          `json:"denied_arguments" toml:"denied_arguments"`
	ToolRoles       map[string]string `json:"tool_roles" toml:"tool_roles"`
}

// Duration reads "90s"-style strings from both JSON and TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads a JSON or TOML config, chosen by file extension, and fills defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	default:
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadConfig is Load for process startup: it exits on error.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "cantiere"
	}
	if c.App.DefaultRole == "" {
		c.App.DefaultRole = "member"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = filepath.Join("data", "cantiere.db")
	}
	if c.Audit.Path == "" {
		c.Audit.Path = c.Memory.Path
	}
	if c.Orchestrator.MaxRetries <= 0 {
		c.Orchestrator.MaxRetries = 3
	}
	if c.Orchestrator.StepTimeout.Duration <= 0 {
		c.Orchestrator.StepTimeout.Duration = 2 * time.Minute
	}
	if c.Orchestrator.SweepInterval.Duration <= 0 {
		c.Orchestrator.SweepInterval.Duration = time.Minute
	}
	if c.Orchestrator.TemplatesDir == "" {
		c.Orchestrator.TemplatesDir = "templates"
	}
	if c.Orchestrator.PromptsDir == "" {
		c.Orchestrator.PromptsDir = "prompts"
	}
	if c.Tools.DocumentsRoot == "" {
		c.Tools.DocumentsRoot = "documents"
	}
	if c.Tools.Browser.ScreenshotDir == "" {
		c.Tools.Browser.ScreenshotDir = "screenshots"
	}
}

// GetDefaultProvider returns the first enabled provider
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	for name, p := range c.Providers {
		if p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// Gateway returns a gateway config if it is enabled.
func (c *Config) Gateway(name string) (GatewayConfig, bool) {
	g, ok := c.Gateways[name]
	if ok && g.Enabled {
		return g, true
	}
	return GatewayConfig{}, false
}

// RoleFor resolves the workspace role of a chat user.
func (c *Config) RoleFor(userID string) string {
	if role, ok := c.App.Users[userID]; ok {
		return role
	}
	return c.App.DefaultRole
}
