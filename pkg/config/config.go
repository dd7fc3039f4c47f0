package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Provider ProviderConfig `json:"provider"`
	Identity IdentityConfig `json:"identity"`
	Authors  AuthorsConfig  `json:"authors"`
	Trust    TrustConfig    `json:"trust"`
	Autonomy AutonomyConfig `json:"autonomy"`
	Memory   MemoryConfig   `json:"memory"`
}

type AgentConfig struct {
	Workspace         string `json:"workspace" env:"KESTREL_AGENT_WORKSPACE"`
	Model             string `json:"model" env:"KESTREL_AGENT_MODEL"`
	MaxContextTokens  int    `json:"max_context_tokens" env:"KESTREL_AGENT_MAX_CONTEXT_TOKENS"`
	MaxToolIterations int    `json:"max_tool_iterations" env:"KESTREL_AGENT_MAX_TOOL_ITERATIONS"`
	KeepRecentEvents  int    `json:"keep_recent_events" env:"KESTREL_AGENT_KEEP_RECENT_EVENTS"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"KESTREL_PROVIDER_API_KEY"`
	APIBase string `json:"api_base" env:"KESTREL_PROVIDER_API_BASE"`
	Proxy   string `json:"proxy" env:"KESTREL_PROVIDER_PROXY"`
}

// IdentityConfig carries the persona material injected verbatim into every
// context window. Traits are rendered as high/moderate/low labels.
type IdentityConfig struct {
	PersonaFile string             `json:"persona_file" env:"KESTREL_IDENTITY_PERSONA_FILE"`
	Persona     string             `json:"persona"`
	Traits      map[string]float64 `json:"traits"`
}

// AuthorsConfig maps canonical author name -> channel -> platform identifier.
type AuthorsConfig map[string]map[string]string

type TrustConfig struct {
	Default float64            `json:"default" env:"KESTREL_TRUST_DEFAULT"`
	Known   map[string]float64 `json:"known"`
}

type AutonomyConfig struct {
	Free                  []string `json:"free"`
	RequiresConfirmation  []string `json:"requires_confirmation"`
	ConfirmTimeoutSeconds int      `json:"confirm_timeout_seconds" env:"KESTREL_AUTONOMY_CONFIRM_TIMEOUT_SECONDS"`
}

type MemoryConfig struct {
	HalfLifeHours          map[string]float64 `json:"half_life_hours"`
	RetentionFloor         float64            `json:"retention_floor" env:"KESTREL_MEMORY_RETENTION_FLOOR"`
	ReinforcementIncrement float64            `json:"reinforcement_increment" env:"KESTREL_MEMORY_REINFORCEMENT_INCREMENT"`
	WeightCap              float64            `json:"weight_cap" env:"KESTREL_MEMORY_WEIGHT_CAP"`
	SweepSchedule          string             `json:"sweep_schedule" env:"KESTREL_MEMORY_SWEEP_SCHEDULE"`
	MaxRecallItems         int                `json:"max_recall_items" env:"KESTREL_MEMORY_MAX_RECALL_ITEMS"`
	DedupCooldownSeconds   int                `json:"dedup_cooldown_seconds" env:"KESTREL_MEMORY_DEDUP_COOLDOWN_SECONDS"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:         "~/.kestrel/workspace",
			Model:             "openai/gpt-5.2",
			MaxContextTokens:  8192,
			MaxToolIterations: 20,
			KeepRecentEvents:  10,
		},
		Provider: ProviderConfig{
			APIBase: "https://openrouter.ai/api/v1",
		},
		Identity: IdentityConfig{
			PersonaFile: "SOUL.md",
			Traits:      map[string]float64{},
		},
		Authors: AuthorsConfig{},
		Trust: TrustConfig{
			Default: 0.3,
			Known:   map[string]float64{},
		},
		Autonomy: AutonomyConfig{
			Free:                  []string{},
			RequiresConfirmation:  []string{},
			ConfirmTimeoutSeconds: 120,
		},
		Memory: MemoryConfig{
			HalfLifeHours: map[string]float64{
				"core":      0,
				"crucial":   30 * 24,
				"default":   7 * 24,
				"ephemeral": 24,
			},
			RetentionFloor:         0.05,
			ReinforcementIncrement: 0.1,
			WeightCap:              1.0,
			SweepSchedule:          "@hourly",
			MaxRecallItems:         8,
			DedupCooldownSeconds:   10,
		},
	}
}

// LoadConfig reads the config file at path (a missing file yields defaults),
// applies environment overrides and validates. The trust and autonomy tables
// define the security boundary, so callers treat a failure here as fatal at
// startup.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Validate() error {
	if c.Trust.Default < 0 || c.Trust.Default > 1 {
		return fmt.Errorf("trust.default %v outside [0,1]", c.Trust.Default)
	}
	for name, score := range c.Trust.Known {
		if score < 0 || score > 1 {
			return fmt.Errorf("trust.known[%s] %v outside [0,1]", name, score)
		}
	}

	free := map[string]struct{}{}
	for _, capName := range c.Autonomy.Free {
		free[strings.ToLower(strings.TrimSpace(capName))] = struct{}{}
	}
	for _, capName := range c.Autonomy.RequiresConfirmation {
		if _, ok := free[strings.ToLower(strings.TrimSpace(capName))]; ok {
			return fmt.Errorf("capability %q listed in both autonomy.free and autonomy.requires_confirmation", capName)
		}
	}
	if c.Autonomy.ConfirmTimeoutSeconds <= 0 {
		return fmt.Errorf("autonomy.confirm_timeout_seconds must be positive")
	}

	if c.Memory.RetentionFloor <= 0 || c.Memory.RetentionFloor >= 1 {
		return fmt.Errorf("memory.retention_floor %v outside (0,1)", c.Memory.RetentionFloor)
	}
	if c.Memory.ReinforcementIncrement <= 0 {
		return fmt.Errorf("memory.reinforcement_increment must be positive")
	}
	if c.Memory.WeightCap < c.Memory.RetentionFloor {
		return fmt.Errorf("memory.weight_cap %v below retention floor", c.Memory.WeightCap)
	}
	for tag, hours := range c.Memory.HalfLifeHours {
		if hours < 0 {
			return fmt.Errorf("memory.half_life_hours[%s] must not be negative", tag)
		}
	}
	if s := strings.TrimSpace(c.Memory.SweepSchedule); s != "" {
		if !gronx.New().IsValid(s) {
			return fmt.Errorf("memory.sweep_schedule %q is not a valid cron expression", s)
		}
	}
	return nil
}

// CapabilityNames returns every capability the autonomy policy mentions,
// normalized and sorted.
func (c *Config) CapabilityNames() []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, list := range [][]string{c.Autonomy.Free, c.Autonomy.RequiresConfirmation} {
		for _, capName := range list {
			capName = strings.ToLower(strings.TrimSpace(capName))
			if capName == "" {
				continue
			}
			if _, ok := seen[capName]; ok {
				continue
			}
			seen[capName] = struct{}{}
			out = append(out, capName)
		}
	}
	sort.Strings(out)
	return out
}

// PersonaText returns the persona block: the inline persona when set,
// otherwise the contents of the persona file resolved against the workspace.
func (c *Config) PersonaText() string {
	if inline := strings.TrimSpace(c.Identity.Persona); inline != "" {
		return inline
	}
	name := strings.TrimSpace(c.Identity.PersonaFile)
	if name == "" {
		return ""
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.WorkspacePath(), name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *Config) WorkspacePath() string {
	return expandHome(c.Agent.Workspace)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
