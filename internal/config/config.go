// Package config defines process configuration and its loading.
//
// Conventions:
// - New returns a Config filled with defaults.
// - Load layers a YAML file and environment variables over the defaults.
// - Validate must pass before the typed accessors are used.
package config

import (
	"runtime"
	"time"

	"github.com/okian/textrewards/internal/domain/scoring"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address of serve mode, e.g. ":9080".
	Addr string `koanf:"addr"`

	// QueueSize bounds the in-memory run queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of run workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize sets the size of the delivery deduplication cache.
	DedupeSize int `koanf:"dedupe_size"`

	Database   DatabaseConfig   `koanf:"database"`
	GitHub     GitHubConfig     `koanf:"github"`
	OpenAI     OpenAIConfig     `koanf:"openai"`
	EVM        EVMConfig        `koanf:"evm"`
	Retry      RetryConfig      `koanf:"retry"`
	Incentives IncentivesConfig `koanf:"incentives"`
	Settlement SettlementConfig `koanf:"settlement"`
}

// DatabaseConfig points at PostgreSQL. An empty DSN selects the in-memory
// store.
type DatabaseConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
	Migrate  bool   `koanf:"migrate"`
}

// GitHubConfig configures the code host client.
type GitHubConfig struct {
	Token             string   `koanf:"token"`
	APIURL            string   `koanf:"api_url"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
	BotLogins         []string `koanf:"bot_logins"`
}

// OpenAIConfig configures the relevance model. An empty key disables the
// relevance call and every comment keeps relevance 1.
type OpenAIConfig struct {
	APIKey    string `koanf:"api_key"`
	Model     string `koanf:"model"`
	Endpoint  string `koanf:"endpoint"`
	BatchSize int    `koanf:"batch_size"`
}

// EVMConfig holds the funding wallet and chain endpoints. Map keys are
// network ids.
type EVMConfig struct {
	PrivateKey string            `koanf:"private_key"`
	RPCURLs    map[string]string `koanf:"rpc_urls"`
	Explorers  map[string]string `koanf:"explorers"`
}

// RetryConfig bounds retries of external reads.
type RetryConfig struct {
	MaxAttempts     uint          `koanf:"max_attempts"`
	InitialInterval time.Duration `koanf:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval"`
}

// IncentivesConfig configures the scoring modules.
type IncentivesConfig struct {
	Purge          PurgeConfig          `koanf:"purge"`
	Formatting     FormattingConfig     `koanf:"formatting"`
	Relevance      ToggleConfig         `koanf:"relevance"`
	Review         ReviewConfig         `koanf:"review"`
	Simplification SimplificationConfig `koanf:"simplification"`
	Events         EventsConfig         `koanf:"events"`
	Presentation   PresentationConfig   `koanf:"presentation"`
}

// ToggleConfig switches a module without further settings.
type ToggleConfig struct {
	Enabled bool `koanf:"enabled"`
}

// PurgeConfig lists logins whose comments are never rewarded.
type PurgeConfig struct {
	Enabled        bool     `koanf:"enabled"`
	ExcludedLogins []string `koanf:"excluded_logins"`
}

// FormattingConfig tunes comment scoring. Rules are keyed by comment type,
// e.g. ISSUE_SPECIFICATION.
type FormattingConfig struct {
	Enabled           bool                         `koanf:"enabled"`
	WordExponent      float64                      `koanf:"word_exponent"`
	ReadabilityWeight float64                      `koanf:"readability_weight"`
	TargetReadability float64                      `koanf:"target_readability"`
	Rules             map[string]scoring.RoleRules `koanf:"rules"`
}

// ReviewConfig tunes review rewards.
type ReviewConfig struct {
	Enabled          bool     `koanf:"enabled"`
	BaseRate         float64  `koanf:"base_rate"`
	ConclusiveCredit string   `koanf:"conclusive_credit"`
	Excluded         []string `koanf:"excluded"`
}

// SimplificationConfig pays pull request authors per deleted line.
type SimplificationConfig struct {
	Enabled bool   `koanf:"enabled"`
	Rate    string `koanf:"rate"`
}

// EventsConfig prices timeline events such as "labeled" and reactions such
// as "heart".
type EventsConfig struct {
	Enabled   bool              `koanf:"enabled"`
	Values    map[string]string `koanf:"values"`
	Reactions map[string]string `koanf:"reactions"`
}

// PresentationConfig controls the posted summary.
type PresentationConfig struct {
	Enabled bool   `koanf:"enabled"`
	Symbol  string `koanf:"symbol"`
}

// SettlementConfig configures payouts.
type SettlementConfig struct {
	Enabled           bool               `koanf:"enabled"`
	FeeRate           string             `koanf:"fee_rate"`
	Treasury          TreasuryConfig     `koanf:"treasury"`
	FeeWhitelist      []string           `koanf:"fee_whitelist"`
	AutomaticTransfer bool               `koanf:"automatic_transfer"`
	ClaimBaseURL      string             `koanf:"claim_base_url"`
	TokenGroups       []TokenGroupConfig `koanf:"token_groups"`
}

// TreasuryConfig is the fee recipient.
type TreasuryConfig struct {
	Login  string `koanf:"login"`
	UserID int64  `koanf:"user_id"`
	Wallet string `koanf:"wallet"`
}

// TokenGroupConfig binds roles to a reward token.
type TokenGroupConfig struct {
	Name      string   `koanf:"name"`
	Roles     []string `koanf:"roles"`
	NetworkID int64    `koanf:"network_id"`
	Token     string   `koanf:"token"`
	Permit2   string   `koanf:"permit2"`
	Decimals  int32    `koanf:"decimals"`
}

// New returns a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:    "info",
		Addr:        ":9080",
		QueueSize:   10_000,
		WorkerCount: runtime.NumCPU(),
		DedupeSize:  100_000,
		Database: DatabaseConfig{
			MaxConns: 10,
			Migrate:  true,
		},
		GitHub: GitHubConfig{
			RequestsPerSecond: 10,
			Burst:             5,
		},
		OpenAI: OpenAIConfig{
			Model:     "gpt-4o-mini",
			BatchSize: 10,
		},
		Retry: RetryConfig{
			MaxAttempts:     4,
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		Incentives: IncentivesConfig{
			Purge: PurgeConfig{Enabled: true},
			Formatting: FormattingConfig{
				Enabled:           true,
				WordExponent:      scoring.DefaultWordExponent,
				ReadabilityWeight: scoring.DefaultReadabilityWeight,
				TargetReadability: scoring.DefaultTargetReadability,
			},
			Relevance: ToggleConfig{Enabled: true},
			Review: ReviewConfig{
				Enabled:          true,
				BaseRate:         100,
				ConclusiveCredit: "0",
			},
			Simplification: SimplificationConfig{Rate: "0"},
			Presentation:   PresentationConfig{Enabled: true, Symbol: "UUSD"},
		},
		Settlement: SettlementConfig{
			Enabled:      true,
			FeeRate:      "0",
			ClaimBaseURL: "https://pay.ubq.fi",
		},
	}
}
