package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models betaline.yml.
type Config struct {
	Bot struct {
		Token          string `yaml:"token"`
		APIBaseURL     string `yaml:"api_base_url"`
		WebhookBaseURL string `yaml:"webhook_base_url"`
		WebhookPath    string `yaml:"webhook_path"`
	} `yaml:"bot"`
	Server struct {
		ListenAddr string `yaml:"listen_addr"`
		OpsBase    string `yaml:"ops_base"`
		JWTSecret  string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Admins []int64 `yaml:"admins"`
	Report struct {
		Groups     []string `yaml:"groups"`
		DeviceStep *bool    `yaml:"device_step"`
	} `yaml:"report"`
}

// DeviceStepEnabled reports whether the report form asks for a device.
// The step is on unless the config disables it.
func (c *Config) DeviceStepEnabled() bool {
	if c.Report.DeviceStep == nil {
		return true
	}
	return *c.Report.DeviceStep
}

// Groups returns the selectable tester group names.
func (c *Config) Groups() []string {
	if len(c.Report.Groups) == 0 {
		return []string{"Beta A", "Beta B"}
	}
	return c.Report.Groups
}

// IsBootstrapAdmin reports whether the id is in the configured admin list.
func (c *Config) IsBootstrapAdmin(id int64) bool {
	for _, a := range c.Admins {
		if a == id {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for _, g := range c.Report.Groups {
		if strings.TrimSpace(g) == "" {
			return fmt.Errorf("config.report.groups contains an empty name")
		}
	}
	if c.Bot.WebhookPath != "" && !strings.HasPrefix(c.Bot.WebhookPath, "/") {
		return fmt.Errorf("config.bot.webhook_path must start with /")
	}
	for _, id := range c.Admins {
		if id <= 0 {
			return fmt.Errorf("config.admins contains non-positive id %d", id)
		}
	}
	return nil
}

// ValidateServe checks the fields the bot process needs beyond Validate.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Bot.Token) == "" {
		return fmt.Errorf("config.bot.token is required to serve")
	}
	if strings.TrimSpace(c.Bot.WebhookBaseURL) == "" {
		return fmt.Errorf("config.bot.webhook_base_url is required to serve")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "betaline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Bot.APIBaseURL = "https://api.telegram.org"
	cfg.Bot.WebhookPath = "/webhook"
	cfg.Server.ListenAddr = "0.0.0.0:8080"
	cfg.Server.OpsBase = "/v0"
	cfg.Report.Groups = []string{"Beta A", "Beta B"}
	return &cfg
}

// GenerateDefault returns default config YAML for bl init.
func GenerateDefault() string {
	return defaultTemplate
}

// ParseAdminIDs parses a comma-separated admin id list, skipping blanks.
// Non-numeric entries are an error rather than silently dropped.
func ParseAdminIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("admin id %q is not numeric", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

const defaultTemplate = `bot:
  token: ""
  api_base_url: https://api.telegram.org
  webhook_base_url: ""
  webhook_path: /webhook

server:
  listen_addr: 0.0.0.0:8080
  ops_base: /v0
  jwt_secret: ""

# Bootstrap admins; seeded with the admin role on startup.
admins: []

report:
  groups: ["Beta A", "Beta B"]
  device_step: true
`
