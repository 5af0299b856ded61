package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds every server-level option plus the prefilter profiles once they
// are loaded.
type Config struct {
	Server   ServerConfig             `koanf:"server"`
	Profiles map[string]ProfileConfig `koanf:"profiles"`

	InlineProfiles map[string]ProfileConfig `koanf:"-"`

	// ProfileSources records which files contributed profile definitions once
	// the loader resolves the configured sources.
	ProfileSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid profiles the
	// loader disabled. The health endpoint reports them.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs for the sidecar process.
type ServerConfig struct {
	Listen    ListenConfig      `koanf:"listen"`
	Logging   LoggingConfig     `koanf:"logging"`
	Contracts ContractsConfig   `koanf:"contracts"`
	Cache     ServerCacheConfig `koanf:"cache"`
	Evidence  EvidenceConfig    `koanf:"evidence"`
	Prefilter PrefilterConfig   `koanf:"prefilter"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// ContractsConfig points at the contracts/<name>/<version>.md tree.
type ContractsConfig struct {
	Folder string `koanf:"folder"`
}

type ServerCacheConfig struct {
	Backend string                  `koanf:"backend"`
	Dir     string                  `koanf:"dir"`
	KeySalt string                  `koanf:"keySalt"`
	Redis   ServerRedisCacheConfig  `koanf:"redis"`
	SQLite  ServerSQLiteCacheConfig `koanf:"sqlite"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type ServerSQLiteCacheConfig struct {
	Path string `koanf:"path"`
}

// EvidenceConfig locates the evidence store. TTLSeconds <= 0 disables
// time-based expiry.
type EvidenceConfig struct {
	Dir        string `koanf:"dir"`
	TTLSeconds int64  `koanf:"ttlSeconds"`
}

// PrefilterConfig announces how profile documents are sourced.
type PrefilterConfig struct {
	ProfilesFolder string `koanf:"profilesFolder"`
	ProfilesFile   string `koanf:"profilesFile"`
}

// DefinitionSkip describes a profile the loader ignored because it violated
// invariants, for example a duplicate name across files.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// ProfileConfig is a named set of prefilter thresholds.
type ProfileConfig struct {
	Description    string              `koanf:"description"`
	BudgetMin      float64             `koanf:"budgetMin"`
	BudgetMax      float64             `koanf:"budgetMax"`
	BudgetCurrency string              `koanf:"budgetCurrency"`
	MinRating      float64             `koanf:"minRating"`
	MinReviews     int64               `koanf:"minReviews"`
	ExcludeBrands  []string            `koanf:"excludeBrands"`
	MaxCandidates  int                 `koanf:"maxCandidates"`
	Rules          []ProfileRuleConfig `koanf:"rules"`
}

// ProfileRuleConfig declares a CEL extension rule. When the condition holds
// the candidate is rejected with Reason (defaulting to Name).
type ProfileRuleConfig struct {
	Name   string `koanf:"name"`
	Reason string `koanf:"reason"`
	When   string `koanf:"when"`
}

// Validate checks thresholds that do not depend on CEL.
func (p ProfileConfig) Validate() error {
	if p.BudgetMin < 0 || p.BudgetMax < 0 {
		return errors.New("budget bounds must not be negative")
	}
	if p.BudgetMin > p.BudgetMax {
		return fmt.Errorf("budgetMin %v exceeds budgetMax %v", p.BudgetMin, p.BudgetMax)
	}
	if p.MinReviews < 0 {
		return fmt.Errorf("minReviews invalid: %d", p.MinReviews)
	}
	return nil
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Prefilter.ProfilesFolder != "" && c.Server.Prefilter.ProfilesFile != "" {
		return errors.New("config: profilesFolder and profilesFile are mutually exclusive")
	}
	if strings.TrimSpace(c.Server.Evidence.Dir) == "" {
		return errors.New("config: server.evidence.dir required")
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "file":
		if strings.TrimSpace(c.Server.Cache.Dir) == "" {
			return errors.New("config: server.cache.dir required for file backend")
		}
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	case "sqlite":
		if strings.TrimSpace(c.Server.Cache.SQLite.Path) == "" {
			return errors.New("config: server.cache.sqlite.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Contracts: ContractsConfig{
				Folder: "./contracts",
			},
			Cache: ServerCacheConfig{
				Backend: "file",
				Dir:     "./.cache/llm",
			},
			Evidence: EvidenceConfig{
				Dir:        "./.cache/evidence",
				TTLSeconds: 7 * 24 * 60 * 60,
			},
		},
	}
}
