package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"legion/internal/mcp"
	"legion/internal/types"

	"gopkg.in/yaml.v3"
)

// Config holds all legion configuration.
type Config struct {
	Name string `yaml:"name"`

	// DataDir holds the database, usage stats and logs.
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"` // relative paths resolve against DataDir

	CommanderName string `yaml:"commander_name"`

	LLM     LLMConfig                   `yaml:"llm"`
	APIKeys []types.ApiKey              `yaml:"api_keys"`
	Quotas  map[string]types.QuotaLimit `yaml:"quotas"`

	Turn         TurnConfig          `yaml:"turn"`
	OpinionBands []types.OpinionBand `yaml:"opinion_bands"`
	Autonomous   AutonomousConfig    `yaml:"autonomous"`

	MCPServers map[string]mcp.ServerConfig `yaml:"mcp_servers"`

	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LLMConfig configures the model provider.
type LLMConfig struct {
	Provider     string `yaml:"provider"` // gemini
	DefaultModel string `yaml:"default_model"`
	Timeout      string `yaml:"timeout"`
}

// TurnConfig bounds the turn engine and orchestrator.
type TurnConfig struct {
	MaxToolIterations  int    `yaml:"max_tool_iterations"`
	HistoryWindow      int    `yaml:"history_window"`
	RegulatorWindow    int    `yaml:"regulator_window"`
	BusyPolicy         string `yaml:"busy_policy"` // queue, drop
	ShowToolMessages   bool   `yaml:"show_tool_messages"`
	ToolTimeout        string `yaml:"tool_timeout"` // empty: no timeout
	MaxConcurrentTurns int    `yaml:"max_concurrent_turns"`
	ChunkBuffer        int    `yaml:"chunk_buffer"`
}

// AutonomousConfig is the delay policy applied to new swarm channels.
type AutonomousConfig struct {
	DefaultDelay types.DelayPolicy `yaml:"default_delay"`
}

// PersistenceConfig controls periodic snapshots.
type PersistenceConfig struct {
	FlushSchedule string `yaml:"flush_schedule"` // robfig/cron spec
}

// Busy policies.
const (
	BusyQueue = "queue"
	BusyDrop  = "drop"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:          "legion",
		DataDir:       defaultDataDir(),
		DatabasePath:  "legion.db",
		CommanderName: types.CommanderName,

		LLM: LLMConfig{
			Provider:     "gemini",
			DefaultModel: "gemini-2.5-flash",
			Timeout:      "120s",
		},

		Quotas: map[string]types.QuotaLimit{
			"gemini-2.5-pro":        {RPM: 5, TPM: 250000, RPD: 100},
			"gemini-2.5-flash":      {RPM: 10, TPM: 250000, RPD: 250},
			"gemini-2.5-flash-lite": {RPM: 15, TPM: 250000, RPD: 1000},
		},

		Turn: TurnConfig{
			MaxToolIterations:  5,
			HistoryWindow:      30,
			RegulatorWindow:    20,
			BusyPolicy:         BusyQueue,
			MaxConcurrentTurns: 4,
			ChunkBuffer:        64,
		},

		OpinionBands: DefaultOpinionBands(),

		Autonomous: AutonomousConfig{
			DefaultDelay: types.DelayPolicy{Mode: types.DelayRandom, MinSeconds: 5, MaxSeconds: 15},
		},

		Persistence: PersistenceConfig{
			FlushSchedule: "@every 30s",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultOpinionBands returns the five stock bands.
func DefaultOpinionBands() []types.OpinionBand {
	return []types.OpinionBand{
		{Name: "hostile", Max: 20, Guidance: "You strongly dislike this participant. Engage only when provoked and keep it curt."},
		{Name: "wary", Max: 40, Guidance: "You are guarded toward this participant. Reply when it matters to you."},
		{Name: "neutral", Max: 60, Guidance: "You have no strong feelings. Reply when addressed or when you have something useful to add."},
		{Name: "friendly", Max: 80, Guidance: "You like this participant. You are glad to engage."},
		{Name: "devoted", Max: 100, Guidance: "You admire this participant. You engage eagerly and warmly."},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".legion"
	}
	return filepath.Join(home, ".legion")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && len(c.APIKeys) == 0 {
		c.APIKeys = append(c.APIKeys, types.ApiKey{ID: "env", Label: "GEMINI_API_KEY", Secret: key})
	}
	if dir := os.Getenv("LEGION_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if path := os.Getenv("LEGION_DB"); path != "" {
		c.DatabasePath = path
	}
	if v := os.Getenv("LEGION_DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		c.Logging.DebugMode = true
	}
}

// DatabaseFile returns the absolute database path.
func (c *Config) DatabaseFile() string {
	if c.DatabasePath == ":memory:" || filepath.IsAbs(c.DatabasePath) {
		return c.DatabasePath
	}
	return filepath.Join(c.DataDir, c.DatabasePath)
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetToolTimeout returns the per-call tool timeout; zero means none.
func (c *Config) GetToolTimeout() time.Duration {
	if c.Turn.ToolTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Turn.ToolTimeout)
	if err != nil {
		return 0
	}
	return d
}

// FindAPIKey returns the configured key with the given id.
func (c *Config) FindAPIKey(id string) (types.ApiKey, bool) {
	for _, k := range c.APIKeys {
		if k.ID == id {
			return k, true
		}
	}
	return types.ApiKey{}, false
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LLM.Provider != "gemini" {
		return fmt.Errorf("invalid LLM provider: %s (valid: gemini)", c.LLM.Provider)
	}
	if c.Turn.MaxToolIterations < 1 {
		return fmt.Errorf("turn.max_tool_iterations must be >= 1")
	}
	if c.Turn.HistoryWindow < 1 || c.Turn.RegulatorWindow < 1 {
		return fmt.Errorf("turn.history_window and turn.regulator_window must be >= 1")
	}
	if c.Turn.BusyPolicy != BusyQueue && c.Turn.BusyPolicy != BusyDrop {
		return fmt.Errorf("invalid turn.busy_policy: %q (valid: queue, drop)", c.Turn.BusyPolicy)
	}
	if c.Turn.MaxConcurrentTurns < 1 {
		return fmt.Errorf("turn.max_concurrent_turns must be >= 1")
	}

	seen := make(map[string]bool, len(c.APIKeys))
	for _, k := range c.APIKeys {
		if k.ID == "" || k.Secret == "" {
			return fmt.Errorf("api key entries need both id and secret")
		}
		if seen[k.ID] {
			return fmt.Errorf("duplicate api key id: %s", k.ID)
		}
		seen[k.ID] = true
	}

	for model, q := range c.Quotas {
		if q.RPM < 0 || q.TPM < 0 || q.RPD < 0 {
			return fmt.Errorf("quota for %s has a negative ceiling", model)
		}
	}

	if err := ValidateOpinionBands(c.OpinionBands); err != nil {
		return err
	}
	return ValidateDelayPolicy(c.Autonomous.DefaultDelay)
}

// ValidateOpinionBands checks that bands are strictly ascending and cover 100.
func ValidateOpinionBands(bands []types.OpinionBand) error {
	if len(bands) != 5 {
		return fmt.Errorf("opinion_bands must define exactly 5 bands, got %d", len(bands))
	}
	prev := 0
	for _, b := range bands {
		if b.Name == "" {
			return fmt.Errorf("opinion band without a name")
		}
		if b.Max <= prev {
			return fmt.Errorf("opinion band %s: max %d must exceed %d", b.Name, b.Max, prev)
		}
		prev = b.Max
	}
	if prev != types.MaxOpinion {
		return fmt.Errorf("last opinion band must end at %d, ends at %d", types.MaxOpinion, prev)
	}
	return nil
}

// ValidateDelayPolicy checks an autonomous delay policy.
func ValidateDelayPolicy(p types.DelayPolicy) error {
	switch p.Mode {
	case types.DelayFixed:
		if p.FixedSeconds < 1 {
			return fmt.Errorf("fixed delay must be >= 1 second")
		}
	case types.DelayRandom:
		if p.MinSeconds < 1 || p.MaxSeconds < p.MinSeconds {
			return fmt.Errorf("random delay needs 1 <= min <= max, got [%d,%d]", p.MinSeconds, p.MaxSeconds)
		}
	default:
		return fmt.Errorf("invalid delay mode: %q (valid: fixed, random)", p.Mode)
	}
	return nil
}
