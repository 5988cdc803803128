package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models servicebay.yml.
type Config struct {
	Shop struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Currency string `yaml:"currency"`
	} `yaml:"shop"`
	Bays     []int `yaml:"bays"`
	Workload struct {
		BusyAt        int `yaml:"busy_at"`
		UnavailableAt int `yaml:"unavailable_at"`
	} `yaml:"workload"`
	Specializations []string `yaml:"specializations"`
	Parts           struct {
		LowStockEvents bool `yaml:"low_stock_events"`
	} `yaml:"parts"`
	Payments struct {
		Gateway string        `yaml:"gateway"`
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"payments"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig subscribes an HTTP endpoint to audit events.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sb config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Shop.ID == "" {
		return fmt.Errorf("config.shop.id is required")
	}
	if len(c.Shop.Currency) != 3 {
		return fmt.Errorf("config.shop.currency must be an ISO 4217 code")
	}
	seen := map[int]bool{}
	for _, n := range c.Bays {
		if n <= 0 {
			return fmt.Errorf("config.bays contains invalid bay number %d", n)
		}
		if seen[n] {
			return fmt.Errorf("config.bays lists bay %d twice", n)
		}
		seen[n] = true
	}
	if c.Workload.BusyAt < 1 {
		return fmt.Errorf("config.workload.busy_at must be at least 1")
	}
	if c.Workload.UnavailableAt <= c.Workload.BusyAt {
		return fmt.Errorf("config.workload.unavailable_at must be greater than busy_at")
	}
	if len(c.Specializations) == 0 {
		return fmt.Errorf("config.specializations is required")
	}
	for _, s := range c.Specializations {
		if s == "" {
			return fmt.Errorf("config.specializations contains an empty entry")
		}
	}
	switch c.Payments.Gateway {
	case "local":
	case "razorpay":
		if c.Payments.BaseURL == "" {
			return fmt.Errorf("config.payments.base_url is required for razorpay")
		}
	default:
		return fmt.Errorf("config.payments.gateway must be local or razorpay")
	}
	if c.Payments.Timeout <= 0 {
		return fmt.Errorf("config.payments.timeout must be positive")
	}
	for i, hook := range c.Webhooks {
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// HasSpecialization reports whether s is a configured specialization.
func (c *Config) HasSpecialization(s string) bool {
	for _, spec := range c.Specializations {
		if spec == s {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "servicebay.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(shopID string) string {
	return fmt.Sprintf(defaultTemplate, shopID)
}

// Default returns the default Config struct for a shop.
func Default(shopID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(shopID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const defaultTemplate = `shop:
  id: %s
  name: "Service Bay"
  currency: INR

bays: [1, 2, 3, 4, 5]

workload:
  busy_at: 1
  unavailable_at: 3

specializations: [ENGINE, ELECTRICAL, BODYWORK, GENERAL]

parts:
  low_stock_events: true

payments:
  gateway: local
  base_url: https://api.razorpay.com
  timeout: 10s

# webhooks:
#   - url: https://example.internal/hooks/servicebay
#     events: [part.low_stock, invoice.generated, payment.verified]
#     secret: change-me
`
