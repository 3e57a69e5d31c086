package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models vaultline.yml. Policy values are loaded once and treated as
// immutable for the lifetime of a running instance.
type Config struct {
	Custody struct {
		ID string `yaml:"id"`
	} `yaml:"custody"`
	Policy struct {
		Risk struct {
			Threshold int         `yaml:"threshold"`
			TimeoutMS int         `yaml:"timeout_ms"`
			Retry     RetryPolicy `yaml:"retry"`
		} `yaml:"risk"`
		Compliance struct {
			TimeoutMS           int         `yaml:"timeout_ms"`
			Retry               RetryPolicy `yaml:"retry"`
			Sanctioned          []string    `yaml:"sanctioned"`
			FlagAmount          int64       `yaml:"flag_amount"`
			VelocityMax         int         `yaml:"velocity_max"`
			VelocityWindowHours int         `yaml:"velocity_window_hours"`
		} `yaml:"compliance"`
		Signatures struct {
			DefaultRequired int    `yaml:"default_required"`
			MaxRequired     int    `yaml:"max_required"`
			ProofKey        string `yaml:"proof_key"`
		} `yaml:"signatures"`
		Review struct {
			Roles []string `yaml:"roles"`
		} `yaml:"review"`
		Cancel struct {
			Roles []string `yaml:"roles"`
		} `yaml:"cancel"`
		Intake struct {
			MaxAmount        int64    `yaml:"max_amount"`
			DedupWindowHours int      `yaml:"dedup_window_hours"`
			Currencies       []string `yaml:"currencies"`
		} `yaml:"intake"`
	} `yaml:"policy"`
	Audit struct {
		PseudonymKey  string         `yaml:"pseudonym_key"`
		RetentionDays map[string]int `yaml:"retention_days"`
	} `yaml:"audit"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RetryPolicy struct {
	Attempts    int `yaml:"attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
}

// Delay returns the backoff delay before the given 1-based attempt,
// doubling from the base.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := time.Duration(p.BaseDelayMS) * time.Millisecond
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Categories     []string `yaml:"categories"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with vl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("default"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Custody.ID == "" {
		return fmt.Errorf("config.custody.id is required")
	}
	if c.Policy.Risk.Threshold <= 0 || c.Policy.Risk.Threshold > 100 {
		return fmt.Errorf("config.policy.risk.threshold must be in 1..100")
	}
	if err := c.Policy.Risk.Retry.validate("risk"); err != nil {
		return err
	}
	if err := c.Policy.Compliance.Retry.validate("compliance"); err != nil {
		return err
	}
	if c.Policy.Compliance.VelocityMax < 0 {
		return fmt.Errorf("config.policy.compliance.velocity_max must be >= 0")
	}
	if c.Policy.Compliance.VelocityMax > 0 && c.Policy.Compliance.VelocityWindowHours <= 0 {
		return fmt.Errorf("config.policy.compliance.velocity_window_hours must be > 0 when velocity_max is set")
	}
	if c.Policy.Signatures.DefaultRequired < 1 {
		return fmt.Errorf("config.policy.signatures.default_required must be >= 1")
	}
	if c.Policy.Signatures.MaxRequired < c.Policy.Signatures.DefaultRequired {
		return fmt.Errorf("config.policy.signatures.max_required below default_required")
	}
	if c.Policy.Signatures.ProofKey == "" {
		return fmt.Errorf("config.policy.signatures.proof_key is required")
	}
	if len(c.Policy.Review.Roles) == 0 {
		return fmt.Errorf("config.policy.review.roles is required")
	}
	if len(c.Policy.Cancel.Roles) == 0 {
		return fmt.Errorf("config.policy.cancel.roles is required")
	}
	if c.Policy.Intake.MaxAmount <= 0 {
		return fmt.Errorf("config.policy.intake.max_amount must be > 0")
	}
	if c.Policy.Intake.DedupWindowHours <= 0 {
		return fmt.Errorf("config.policy.intake.dedup_window_hours must be > 0")
	}
	if c.Audit.PseudonymKey == "" {
		return fmt.Errorf("config.audit.pseudonym_key is required")
	}
	for class, days := range c.Audit.RetentionDays {
		if days <= 0 {
			return fmt.Errorf("config.audit.retention_days.%s must be > 0", class)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func (p RetryPolicy) validate(name string) error {
	if p.Attempts < 1 {
		return fmt.Errorf("config.policy.%s.retry.attempts must be >= 1", name)
	}
	if p.BaseDelayMS < 0 {
		return fmt.Errorf("config.policy.%s.retry.base_delay_ms must be >= 0", name)
	}
	return nil
}

// RetentionDays returns the retention period for a classification, falling
// back to the longest configured period for unknown tags.
func (c *Config) RetentionDays(classification string) int {
	if days, ok := c.Audit.RetentionDays[classification]; ok {
		return days
	}
	max := 365
	for _, days := range c.Audit.RetentionDays {
		if days > max {
			max = days
		}
	}
	return max
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "vaultline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(custodyID string) string {
	return fmt.Sprintf(defaultTemplate, custodyID)
}

// Default returns the default Config struct for a custody deployment.
func Default(custodyID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, custodyID))).Decode(&cfg)
	cfg.Custody.ID = custodyID
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

const defaultTemplate = `custody:
  id: %s

policy:
  risk:
    threshold: 80
    timeout_ms: 2000
    retry:
      attempts: 3
      base_delay_ms: 200

  compliance:
    timeout_ms: 2000
    retry:
      attempts: 3
      base_delay_ms: 200
    sanctioned: []
    flag_amount: 900000000
    velocity_max: 10
    velocity_window_hours: 1

  signatures:
    default_required: 2
    max_required: 10
    proof_key: local-dev-only

  review:
    roles: [reviewer]

  cancel:
    roles: [owner, operator]

  intake:
    max_amount: 10000000000
    dedup_window_hours: 24
    currencies: [USD, EUR, BTC]

audit:
  pseudonym_key: local-dev-only
  retention_days:
    public: 365
    internal: 365
    confidential: 2555
    personal_data: 2555
`
