package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig_Conservative(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Runtime.Mode != "session" {
		t.Errorf("Runtime.Mode: got %q, want session", cfg.Runtime.Mode)
	}
	if cfg.Secrets.Encrypt {
		t.Error("Secrets.Encrypt should default false")
	}
	if cfg.IsSystemMode() {
		t.Error("default config should not be system mode")
	}
}

func TestIsSystemMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Runtime.Mode = "SYSTEM"
	if !cfg.IsSystemMode() {
		t.Error("IsSystemMode should be case-insensitive")
	}
	cfg.Runtime.Mode = " sys "
	if !cfg.IsSystemMode() {
		t.Error("IsSystemMode should accept the sys alias and trim whitespace")
	}
}

func TestGetChannelAllowFrom(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channels.Telegram.AllowFrom = []string{"111", "222"}
	if got := cfg.GetChannelAllowFrom("Telegram"); len(got) != 2 {
		t.Errorf("GetChannelAllowFrom(Telegram): got %v", got)
	}
	if got := cfg.GetChannelAllowFrom("unknown"); got != nil {
		t.Errorf("GetChannelAllowFrom(unknown): got %v, want nil", got)
	}
}

func TestAgentNames_Sorted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents = map[string]AgentAdapterConfig{
		"codex":  {Family: "codex"},
		"claude": {Family: "claude"},
		"gemini": {Family: "gemini"},
	}
	names := cfg.AgentNames()
	want := []string{"claude", "codex", "gemini"}
	if len(names) != len(want) {
		t.Fatalf("AgentNames: got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("AgentNames[%d]: got %q, want %q", i, names[i], want[i])
		}
	}
}

func TestSensitiveFields_CoversKnownSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channels.Telegram.Token = "tg-token"
	cfg.Channels.Discord.Token = "dc-token"
	cfg.Channels.Email.OAuthClientSec = "oauth-secret"
	cfg.Channels.Email.OAuthRefresh = "oauth-refresh"
	cfg.Memory.EmbeddingAPIKey = "embed-key"
	cfg.Grant.Secret = "grant-secret"

	values := map[string]bool{}
	for _, f := range sensitiveFields(cfg) {
		values[*f] = true
	}
	for _, want := range []string{"tg-token", "dc-token", "oauth-secret", "oauth-refresh", "embed-key", "grant-secret"} {
		if !values[want] {
			t.Errorf("sensitiveFields missing %q", want)
		}
	}
}

func TestSensitiveFields_MutatesThroughPointer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Grant.Secret = "plaintext"

	for _, f := range sensitiveFields(cfg) {
		if *f == "plaintext" {
			*f = "encrypted"
		}
	}
	if cfg.Grant.Secret != "encrypted" {
		t.Error("sensitiveFields pointer did not mutate Grant.Secret")
	}
}

func TestLoadConfig_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nonexistent.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DefaultAgent != "codex" {
		t.Errorf("DefaultAgent: got %q, want codex", cfg.DefaultAgent)
	}
	if cfg.Privileged.SocketPath == "" {
		t.Error("Privileged.SocketPath should carry its default")
	}
}

func TestLoadConfig_MergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")

	data := `{"default_agent":"claude","channels":{"telegram":{"enabled":true,"token":"tg-tok"}}}`
	if err := os.WriteFile(cfgPath, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DefaultAgent != "claude" {
		t.Errorf("DefaultAgent: got %q, want claude", cfg.DefaultAgent)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "tg-tok" {
		t.Errorf("Channels.Telegram not merged from file: %+v", cfg.Channels.Telegram)
	}
	// Untouched sections should still carry their defaults.
	if cfg.Billing.Dir == "" {
		t.Error("Billing.Dir default lost after merge")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")

	cfg := DefaultConfig()
	cfg.Runtime.InstanceID = "round-trip-test"
	cfg.Channels.Discord.Enabled = true
	cfg.Channels.Discord.Token = "dc-plain"

	if err := SaveConfig(cfgPath, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Runtime.InstanceID != "round-trip-test" {
		t.Errorf("InstanceID after round-trip: got %q", loaded.Runtime.InstanceID)
	}
	if loaded.Channels.Discord.Token != "dc-plain" {
		t.Errorf("Discord.Token after round-trip: got %q, want plaintext (encrypt disabled)", loaded.Channels.Discord.Token)
	}
}

func TestSaveConfig_EncryptsSensitiveFieldsAtRest(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")

	cfg := DefaultConfig()
	cfg.Secrets.Encrypt = true
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "tg-plain"

	if err := SaveConfig(cfgPath, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	var onDisk Config
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("unmarshal saved config: %v", err)
	}
	if onDisk.Channels.Telegram.Token == "tg-plain" {
		t.Error("token should not be stored in plaintext when Secrets.Encrypt is set")
	}

	// LoadConfig must decrypt it back transparently.
	loaded, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Channels.Telegram.Token != "tg-plain" {
		t.Errorf("Token after decrypt round-trip: got %q, want tg-plain", loaded.Channels.Telegram.Token)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgPath, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(cfgPath); err == nil {
		t.Error("LoadConfig should error on invalid JSON")
	}
}
