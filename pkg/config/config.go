// Package config loads and persists the gateway's configuration. It
// follows the teacher's layering exactly: a JSON file on disk provides
// defaults, github.com/caarlos0/env/v11 applies environment overrides on
// top (every persisted field carries both a json and an env tag), and
// secret-bearing fields route through pkg/secrets for at-rest encryption.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"

	"github.com/kapy9250/cli-gateway-sub000/pkg/secrets"
)

// Config is the root configuration object for both cmd/gateway and
// cmd/sysd (sysd only reads the Privileged/Grant/TwoFactor sections).
type Config struct {
	Runtime     RuntimeConfig     `json:"runtime"`
	Logging     LoggingConfig     `json:"logging"`
	Auth        AuthConfig        `json:"auth"`
	Session     SessionConfig     `json:"session"`
	DefaultAgent string           `json:"default_agent" env:"CLIGATEWAY_DEFAULT_AGENT"`
	Agents      map[string]AgentAdapterConfig `json:"agents"`
	Channels    ChannelsConfig    `json:"channels"`
	Billing     BillingConfig     `json:"billing"`
	Memory      MemoryConfig      `json:"memory"`
	TwoFactor   TwoFactorConfig   `json:"two_factor"`
	SudoWindow  SudoWindowConfig  `json:"sudo_window"`
	Grant       GrantConfig       `json:"grant"`
	Privileged  PrivilegedConfig  `json:"privileged"`
	Formatter   FormatterConfig   `json:"formatter"`
	Security    SecurityConfig    `json:"security"`
	Secrets     SecretsConfig     `json:"secrets"`

	mu sync.RWMutex
}

type RuntimeConfig struct {
	// Mode is "session" (per-user agent sessions only) or "system" (enables
	// /sudo, /sysauth, and the other system-command surface).
	Mode       string `json:"mode" env:"CLIGATEWAY_RUNTIME_MODE"`
	InstanceID string `json:"instance_id" env:"CLIGATEWAY_RUNTIME_INSTANCE_ID"`
}

type LoggingConfig struct {
	Level  string `json:"level" env:"CLIGATEWAY_LOG_LEVEL"`
	Format string `json:"format" env:"CLIGATEWAY_LOG_FORMAT"`
}

type AuthConfig struct {
	StatePath         string `json:"state_path" env:"CLIGATEWAY_AUTH_STATE_PATH"`
	RateLimitPerMinute int   `json:"rate_limit_per_minute" env:"CLIGATEWAY_AUTH_RATE_LIMIT_PER_MINUTE"`
}

type SessionConfig struct {
	StatePath               string `json:"state_path" env:"CLIGATEWAY_SESSION_STATE_PATH"`
	MaxSessionsPerUser      int    `json:"max_sessions_per_user" env:"CLIGATEWAY_SESSION_MAX_PER_USER"`
	CleanupInactiveAfterHrs int    `json:"cleanup_inactive_after_hours" env:"CLIGATEWAY_SESSION_CLEANUP_INACTIVE_AFTER_HOURS"`
	WorkspaceRoot           string `json:"workspace_root" env:"CLIGATEWAY_SESSION_WORKSPACE_ROOT"`
}

// AgentAdapterConfig mirrors spec.md §9's "Dynamic config dicts -> explicit
// structs" note: the Python agent config dict becomes this typed record.
type AgentAdapterConfig struct {
	Shape            string            `json:"shape"` // "oneshot" (Shape A) or "stream" (Shape B)
	Family           string            `json:"family"` // "claude", "codex", "gemini"
	Command          string            `json:"command"`
	ArgsTemplate     []string          `json:"args_template"`
	Models           map[string]string `json:"models"`
	SupportedParams  map[string]string `json:"supported_params"`
	DefaultModel     string            `json:"default_model"`
	DefaultParams    map[string]string `json:"default_params"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
	Env              map[string]string `json:"env"`
	SkipGitRepoCheck bool              `json:"skip_git_repo_check_flag,omitempty"`
	// RequireRemote forces every sendMessage for this agent through a
	// configured SysClientComponent instead of spawning locally; with no
	// client wired, sendMessage fails closed with system_client_required.
	RequireRemote bool `json:"require_remote,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Email    EmailConfig    `json:"email"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" env:"CLIGATEWAY_CHANNELS_TELEGRAM_ENABLED"`
	Token     string   `json:"token" env:"CLIGATEWAY_CHANNELS_TELEGRAM_TOKEN"`
	AllowFrom []string `json:"allow_from" env:"CLIGATEWAY_CHANNELS_TELEGRAM_ALLOW_FROM"`
}

type DiscordConfig struct {
	Enabled   bool     `json:"enabled" env:"CLIGATEWAY_CHANNELS_DISCORD_ENABLED"`
	Token     string   `json:"token" env:"CLIGATEWAY_CHANNELS_DISCORD_TOKEN"`
	AllowFrom []string `json:"allow_from" env:"CLIGATEWAY_CHANNELS_DISCORD_ALLOW_FROM"`
}

type EmailConfig struct {
	Enabled        bool     `json:"enabled" env:"CLIGATEWAY_CHANNELS_EMAIL_ENABLED"`
	IMAPHost       string   `json:"imap_host" env:"CLIGATEWAY_CHANNELS_EMAIL_IMAP_HOST"`
	SMTPHost       string   `json:"smtp_host" env:"CLIGATEWAY_CHANNELS_EMAIL_SMTP_HOST"`
	Address        string   `json:"address" env:"CLIGATEWAY_CHANNELS_EMAIL_ADDRESS"`
	OAuthClientID  string   `json:"oauth_client_id" env:"CLIGATEWAY_CHANNELS_EMAIL_OAUTH_CLIENT_ID"`
	OAuthClientSec string   `json:"oauth_client_secret" env:"CLIGATEWAY_CHANNELS_EMAIL_OAUTH_CLIENT_SECRET"`
	OAuthRefresh   string   `json:"oauth_refresh_token" env:"CLIGATEWAY_CHANNELS_EMAIL_OAUTH_REFRESH_TOKEN"`
	AllowFrom      []string `json:"allow_from" env:"CLIGATEWAY_CHANNELS_EMAIL_ALLOW_FROM"`
	ReplyCacheSize int      `json:"reply_cache_size" env:"CLIGATEWAY_CHANNELS_EMAIL_REPLY_CACHE_SIZE"`
}

type BillingConfig struct {
	Dir string `json:"dir" env:"CLIGATEWAY_BILLING_DIR"`
}

type MemoryConfig struct {
	Enabled          bool    `json:"enabled" env:"CLIGATEWAY_MEMORY_ENABLED"`
	DBPath           string  `json:"db_path" env:"CLIGATEWAY_MEMORY_DB_PATH"`
	EmbeddingAPIBase string  `json:"embedding_api_base" env:"CLIGATEWAY_MEMORY_EMBEDDING_API_BASE"`
	EmbeddingAPIKey  string  `json:"embedding_api_key" env:"CLIGATEWAY_MEMORY_EMBEDDING_API_KEY"`
	EmbeddingModel   string  `json:"embedding_model" env:"CLIGATEWAY_MEMORY_EMBEDDING_MODEL"`
	EmbeddingDim     int     `json:"embedding_dim" env:"CLIGATEWAY_MEMORY_EMBEDDING_DIM"`
	SearchLimit      int     `json:"search_limit" env:"CLIGATEWAY_MEMORY_SEARCH_LIMIT"`
	MinSimilarity    float64 `json:"min_similarity" env:"CLIGATEWAY_MEMORY_MIN_SIMILARITY"`
	CharLimit        int     `json:"char_limit" env:"CLIGATEWAY_MEMORY_CHAR_LIMIT"`
	PromoteShortToMid int    `json:"promote_short_to_mid" env:"CLIGATEWAY_MEMORY_PROMOTE_SHORT_TO_MID"`
	PromoteMidToLong  int    `json:"promote_mid_to_long" env:"CLIGATEWAY_MEMORY_PROMOTE_MID_TO_LONG"`
	ProbeCron        string  `json:"probe_cron" env:"CLIGATEWAY_MEMORY_PROBE_CRON"`
	ProbeCommands    [][]string `json:"probe_commands,omitempty"`
}

type TwoFactorConfig struct {
	Enabled              bool    `json:"enabled" env:"CLIGATEWAY_TWO_FACTOR_ENABLED"`
	Issuer               string  `json:"issuer" env:"CLIGATEWAY_TWO_FACTOR_ISSUER"`
	StatePath            string  `json:"state_path" env:"CLIGATEWAY_TWO_FACTOR_STATE_PATH"`
	TTLSeconds           int     `json:"ttl_seconds" env:"CLIGATEWAY_TWO_FACTOR_TTL_SECONDS"`
	ValidWindow          int     `json:"valid_window" env:"CLIGATEWAY_TWO_FACTOR_VALID_WINDOW"`
	PeriodSeconds        int     `json:"period_seconds" env:"CLIGATEWAY_TWO_FACTOR_PERIOD_SECONDS"`
	Digits               int     `json:"digits" env:"CLIGATEWAY_TWO_FACTOR_DIGITS"`
	ApprovalGraceSeconds int     `json:"approval_grace_seconds" env:"CLIGATEWAY_TWO_FACTOR_APPROVAL_GRACE_SECONDS"`
	EnrollmentTTLSeconds int     `json:"enrollment_ttl_seconds" env:"CLIGATEWAY_TWO_FACTOR_ENROLLMENT_TTL_SECONDS"`
}

type SudoWindowConfig struct {
	DefaultTTLSeconds int `json:"default_ttl_seconds" env:"CLIGATEWAY_SUDO_WINDOW_DEFAULT_TTL_SECONDS"`
}

type GrantConfig struct {
	Secret     string `json:"secret" env:"CLIGATEWAY_GRANT_SECRET"`
	TTLSeconds int    `json:"ttl_seconds" env:"CLIGATEWAY_GRANT_TTL_SECONDS"`
}

type PrivilegedConfig struct {
	SocketPath             string   `json:"socket_path" env:"CLIGATEWAY_PRIVILEGED_SOCKET_PATH"`
	RequestTimeoutSeconds  float64  `json:"request_timeout_seconds" env:"CLIGATEWAY_PRIVILEGED_REQUEST_TIMEOUT_SECONDS"`
	MaxRequestBytes        int      `json:"max_request_bytes" env:"CLIGATEWAY_PRIVILEGED_MAX_REQUEST_BYTES"`
	RequireGrantOps        []string `json:"require_grant_ops,omitempty"`
	RequireGrantForAllOps  bool     `json:"require_grant_for_all_ops" env:"CLIGATEWAY_PRIVILEGED_REQUIRE_GRANT_FOR_ALL_OPS"`
	AllowedPeerUIDs        []int    `json:"allowed_peer_uids,omitempty"`
	AllowedPeerUnits       []string `json:"allowed_peer_units,omitempty"`
	SocketMode             string   `json:"socket_mode,omitempty" env:"CLIGATEWAY_PRIVILEGED_SOCKET_MODE"`
	SocketUID              *int     `json:"socket_uid,omitempty"`
	SocketGID              *int     `json:"socket_gid,omitempty"`
	CronDir                string   `json:"cron_dir" env:"CLIGATEWAY_PRIVILEGED_CRON_DIR"`
	DockerBin              string   `json:"docker_bin" env:"CLIGATEWAY_PRIVILEGED_DOCKER_BIN"`
	MaxReadBytes           int      `json:"max_read_bytes" env:"CLIGATEWAY_PRIVILEGED_MAX_READ_BYTES"`
	MaxJournalLines        int      `json:"max_journal_lines" env:"CLIGATEWAY_PRIVILEGED_MAX_JOURNAL_LINES"`
	MaxDockerOutputBytes   int      `json:"max_docker_output_bytes" env:"CLIGATEWAY_PRIVILEGED_MAX_DOCKER_OUTPUT_BYTES"`
	SensitiveReadPaths     []string `json:"sensitive_read_paths,omitempty"`
	WriteAllowedPaths      []string `json:"write_allowed_paths,omitempty"`
	WorkspaceParent        string   `json:"workspace_parent" env:"CLIGATEWAY_PRIVILEGED_WORKSPACE_PARENT"`
	AgentAllowlist         []string `json:"agent_allowlist,omitempty"`
	AuditLogPath           string   `json:"audit_log_path" env:"CLIGATEWAY_PRIVILEGED_AUDIT_LOG_PATH"`
}

type FormatterConfig struct {
	MaxMessageLength int    `json:"max_message_length" env:"CLIGATEWAY_FORMATTER_MAX_MESSAGE_LENGTH"`
	ParseMode        string `json:"parse_mode" env:"CLIGATEWAY_FORMATTER_PARSE_MODE"`
}

type SecurityConfig struct {
	PromptGuard  PromptGuardConfig  `json:"prompt_guard"`
	LeakDetector LeakDetectorConfig `json:"leak_detector"`
}

type PromptGuardConfig struct {
	Enabled     bool    `json:"enabled" env:"CLIGATEWAY_SECURITY_PROMPT_GUARD_ENABLED"`
	Action      string  `json:"action" env:"CLIGATEWAY_SECURITY_PROMPT_GUARD_ACTION"`
	Sensitivity float64 `json:"sensitivity" env:"CLIGATEWAY_SECURITY_PROMPT_GUARD_SENSITIVITY"`
}

type LeakDetectorConfig struct {
	Enabled     bool    `json:"enabled" env:"CLIGATEWAY_SECURITY_LEAK_DETECTOR_ENABLED"`
	Sensitivity float64 `json:"sensitivity" env:"CLIGATEWAY_SECURITY_LEAK_DETECTOR_SENSITIVITY"`
}

type SecretsConfig struct {
	Encrypt bool `json:"encrypt" env:"CLIGATEWAY_SECRETS_ENCRYPT"`
}

// DefaultConfig returns a fully populated configuration with conservative
// defaults, used when no config file is present.
func DefaultConfig() *Config {
	return &Config{
		Runtime: RuntimeConfig{Mode: "session", InstanceID: "default"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Auth: AuthConfig{
			StatePath:          "./data/auth.json",
			RateLimitPerMinute: 0,
		},
		Session: SessionConfig{
			StatePath:               "./data/.sessions.json",
			MaxSessionsPerUser:      5,
			CleanupInactiveAfterHrs: 0,
			WorkspaceRoot:           "./data/workspaces",
		},
		DefaultAgent: "codex",
		Agents:       map[string]AgentAdapterConfig{},
		Channels:     ChannelsConfig{Email: EmailConfig{ReplyCacheSize: 2048}},
		Billing:      BillingConfig{Dir: "./data/billing"},
		Memory: MemoryConfig{
			Enabled:           false,
			DBPath:            "./data/memory/memory.db",
			EmbeddingDim:      1536,
			SearchLimit:       10,
			MinSimilarity:     0.3,
			CharLimit:         1800,
			PromoteShortToMid: 3,
			PromoteMidToLong:  10,
			ProbeCron:         "*/30 * * * *",
		},
		TwoFactor: TwoFactorConfig{
			Enabled:              false,
			Issuer:               "CLI Gateway",
			StatePath:            "./data/two_factor.json",
			TTLSeconds:           300,
			ValidWindow:          1,
			PeriodSeconds:        30,
			Digits:               6,
			ApprovalGraceSeconds: 600,
			EnrollmentTTLSeconds: 300,
		},
		SudoWindow: SudoWindowConfig{DefaultTTLSeconds: 600},
		Grant:      GrantConfig{TTLSeconds: 60},
		Privileged: PrivilegedConfig{
			SocketPath:            "/run/cli-gateway/sysd.sock",
			RequestTimeoutSeconds: 15,
			MaxRequestBytes:       131072,
			CronDir:               "/etc/cron.d",
			DockerBin:             "docker",
			MaxReadBytes:          65536,
			MaxJournalLines:       300,
			MaxDockerOutputBytes:  200000,
			SensitiveReadPaths:    []string{"/etc/shadow", "/etc/sudoers", "/etc/ssh", "/root", "/home", "/var/lib/docker"},
			WriteAllowedPaths:     []string{"/etc", "/opt", "/data", "/var", "/usr/local/etc"},
			WorkspaceParent:       "./data/agent-workspaces",
			AuditLogPath:          "./data/audit.log",
		},
		Formatter: FormatterConfig{MaxMessageLength: 4096, ParseMode: "HTML"},
		Secrets:   SecretsConfig{Encrypt: false},
	}
}

func sensitiveFields(cfg *Config) []*string {
	fields := []*string{
		&cfg.Channels.Telegram.Token,
		&cfg.Channels.Discord.Token,
		&cfg.Channels.Email.OAuthClientSec,
		&cfg.Channels.Email.OAuthRefresh,
		&cfg.Memory.EmbeddingAPIKey,
		&cfg.Grant.Secret,
	}
	return fields
}

// LoadConfig reads JSON from path, merging environment overrides. If the
// file does not exist, DefaultConfig is returned (with env overrides
// still applied) rather than treated as an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	hasEncrypted, hasPlaintext := false, false
	for _, f := range sensitiveFields(cfg) {
		if *f == "" {
			continue
		}
		if secrets.IsEncrypted(*f) {
			hasEncrypted = true
		} else {
			hasPlaintext = true
		}
	}

	if hasEncrypted || (cfg.Secrets.Encrypt && hasPlaintext) {
		keyPath := filepath.Join(filepath.Dir(path), ".secret_key")
		store, err := secrets.NewSecretStore(keyPath)
		if err != nil {
			return nil, fmt.Errorf("config: init secret store: %w", err)
		}
		for _, f := range sensitiveFields(cfg) {
			if *f == "" {
				continue
			}
			if secrets.IsEncrypted(*f) {
				plain, err := store.Decrypt(*f)
				if err != nil {
					return nil, fmt.Errorf("config: decrypt field: %w", err)
				}
				*f = plain
			}
		}
		if cfg.Secrets.Encrypt && hasPlaintext {
			if err := SaveConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("config: re-encrypt save: %w", err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: apply env overrides: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes cfg as JSON to path, encrypting sensitive fields on a
// cloned copy first when cfg.Secrets.Encrypt is set, so the caller's live
// struct is never mutated.
func SaveConfig(path string, cfg *Config) error {
	toWrite := cfg
	mode := os.FileMode(0644)

	if cfg.Secrets.Encrypt {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("config: clone for encryption: %w", err)
		}
		var clone Config
		if err := json.Unmarshal(raw, &clone); err != nil {
			return fmt.Errorf("config: clone for encryption: %w", err)
		}

		keyPath := filepath.Join(filepath.Dir(path), ".secret_key")
		store, err := secrets.NewSecretStore(keyPath)
		if err != nil {
			return fmt.Errorf("config: init secret store: %w", err)
		}
		for _, f := range sensitiveFields(&clone) {
			if *f == "" || secrets.IsEncrypted(*f) {
				continue
			}
			enc, err := store.Encrypt(*f)
			if err != nil {
				return fmt.Errorf("config: encrypt field: %w", err)
			}
			*f = enc
		}
		toWrite = &clone
		mode = 0600
	}

	data, err := json.MarshalIndent(toWrite, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	return os.WriteFile(path, data, mode)
}

// GetChannelAllowFrom returns the allow_from list for a named channel.
func (c *Config) GetChannelAllowFrom(channel string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch strings.ToLower(channel) {
	case "telegram":
		return c.Channels.Telegram.AllowFrom
	case "discord":
		return c.Channels.Discord.AllowFrom
	case "email":
		return c.Channels.Email.AllowFrom
	default:
		return nil
	}
}

// AgentNames returns the configured agent ids in sorted order.
func (c *Config) AgentNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) IsSystemMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mode := strings.ToLower(strings.TrimSpace(c.Runtime.Mode))
	return mode == "system" || mode == "sys"
}
