package config

import (
	"testing"
)

func TestFromYAMLDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("bot:\n  token: abc\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.DeviceStepEnabled() {
		t.Fatalf("device step should default to enabled")
	}
	groups := cfg.Groups()
	if len(groups) != 2 || groups[0] != "Beta A" {
		t.Fatalf("groups = %v", groups)
	}
}

func TestDeviceStepExplicitOff(t *testing.T) {
	cfg, err := FromYAML([]byte("report:\n  device_step: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DeviceStepEnabled() {
		t.Fatalf("device step should be off")
	}
}

func TestValidateRejectsBadWebhookPath(t *testing.T) {
	cfg := Default()
	cfg.Bot.WebhookPath = "webhook"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for path without leading slash")
	}
}

func TestValidateServeNeedsToken(t *testing.T) {
	cfg := Default()
	cfg.Bot.WebhookBaseURL = "https://bot.example.com"
	if err := cfg.ValidateServe(); err == nil {
		t.Fatalf("expected error with empty token")
	}
	cfg.Bot.Token = "123:abc"
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("valid serve config rejected: %v", err)
	}
}

func TestParseAdminIDs(t *testing.T) {
	ids, err := ParseAdminIDs("1, 2,3,")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[2] != 3 {
		t.Fatalf("ids = %v", ids)
	}
	if _, err := ParseAdminIDs("1,bob"); err == nil {
		t.Fatalf("non-numeric id accepted")
	}
}

func TestIsBootstrapAdmin(t *testing.T) {
	cfg := Default()
	cfg.Admins = []int64{10, 20}
	if !cfg.IsBootstrapAdmin(20) || cfg.IsBootstrapAdmin(30) {
		t.Fatalf("bootstrap admin check wrong")
	}
}

func TestDefaultTemplateParses(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("generated template invalid: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("generated template fails validation: %v", err)
	}
}
