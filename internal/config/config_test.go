package config_test

import (
	"strings"
	"testing"
	"time"

	"vaultline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default("custody-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Custody.ID != "custody-1" {
		t.Fatalf("custody id not applied: %q", cfg.Custody.ID)
	}
	if cfg.Policy.Risk.Threshold != 80 {
		t.Fatalf("unexpected default threshold %d", cfg.Policy.Risk.Threshold)
	}
}

func TestGenerateDefaultRoundtrip(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("custody-2")))
	if err != nil {
		t.Fatalf("generated default must parse: %v", err)
	}
	if cfg.Custody.ID != "custody-2" {
		t.Fatalf("custody id %q", cfg.Custody.ID)
	}
	if cfg.Policy.Signatures.DefaultRequired != 2 || cfg.Policy.Signatures.MaxRequired != 10 {
		t.Fatalf("unexpected signature defaults: %+v", cfg.Policy.Signatures)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"missing custody id", func(c *config.Config) { c.Custody.ID = "" }, "custody.id"},
		{"threshold too high", func(c *config.Config) { c.Policy.Risk.Threshold = 101 }, "threshold"},
		{"threshold zero", func(c *config.Config) { c.Policy.Risk.Threshold = 0 }, "threshold"},
		{"no retry attempts", func(c *config.Config) { c.Policy.Risk.Retry.Attempts = 0 }, "retry.attempts"},
		{"max below default", func(c *config.Config) { c.Policy.Signatures.MaxRequired = 1 }, "max_required"},
		{"missing proof key", func(c *config.Config) { c.Policy.Signatures.ProofKey = "" }, "proof_key"},
		{"no review roles", func(c *config.Config) { c.Policy.Review.Roles = nil }, "review.roles"},
		{"no cancel roles", func(c *config.Config) { c.Policy.Cancel.Roles = nil }, "cancel.roles"},
		{"zero max amount", func(c *config.Config) { c.Policy.Intake.MaxAmount = 0 }, "max_amount"},
		{"zero dedup window", func(c *config.Config) { c.Policy.Intake.DedupWindowHours = 0 }, "dedup_window"},
		{"negative velocity max", func(c *config.Config) { c.Policy.Compliance.VelocityMax = -1 }, "velocity_max"},
		{"velocity without window", func(c *config.Config) { c.Policy.Compliance.VelocityWindowHours = 0 }, "velocity_window_hours"},
		{"missing pseudonym key", func(c *config.Config) { c.Audit.PseudonymKey = "" }, "pseudonym_key"},
		{"bad retention", func(c *config.Config) { c.Audit.RetentionDays = map[string]int{"internal": 0} }, "retention_days"},
		{"webhook without url", func(c *config.Config) { c.Webhooks = []config.WebhookConfig{{}} }, "webhooks[0].url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default("custody-1")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error naming %s, got %v", tc.want, err)
			}
		})
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := config.FromYAML([]byte("custody: [not a map")); err == nil {
		t.Fatalf("expected yaml error")
	}
}

func TestRetryDelayDoubles(t *testing.T) {
	p := config.RetryPolicy{Attempts: 3, BaseDelayMS: 200}
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestRetentionFallback(t *testing.T) {
	cfg := config.Default("custody-1")
	if got := cfg.RetentionDays("confidential"); got != 2555 {
		t.Fatalf("confidential retention %d", got)
	}
	// unknown classifications keep the longest configured period
	if got := cfg.RetentionDays("mystery"); got != 2555 {
		t.Fatalf("fallback retention %d", got)
	}
}
