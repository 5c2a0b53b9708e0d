package hostagent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the top-level configuration
type Config struct {
	Agents     []AgentDef       `yaml:"agents"`
	Redis      RedisConfig      `yaml:"redis,omitempty"`
	Store      StoreConfig      `yaml:"store,omitempty"`
	OpenAI     OpenAIConfig     `yaml:"openai,omitempty"`
	Classifier ClassifierConfig `yaml:"classifier,omitempty"`
	Responder  ResponderConfig  `yaml:"responder,omitempty"`
	Dispatch   DispatchConfig   `yaml:"dispatch,omitempty"`
	Session    SessionConfig    `yaml:"session,omitempty"`
	Ops        OpsConfig        `yaml:"ops,omitempty"`
}

// AgentDef declares a remote specialized agent.
type AgentDef struct {
	ID           string   `yaml:"id"`
	Label        string   `yaml:"label,omitempty"`
	Address      string   `yaml:"address"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	// RateLimit caps dispatches per second (0 = unlimited).
	RateLimit float64 `yaml:"rate_limit,omitempty"`
}

// RedisConfig configures the hot context tier.
type RedisConfig struct {
	// Enabled determines whether the Redis tier is attached.
	// The engine starts without it when Redis is unreachable.
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`

	// MaxTurns bounds the per-session turn buffer (default: 50).
	MaxTurns int `yaml:"max_turns,omitempty"`
}

// StoreConfig configures the warm and cold context tiers.
type StoreConfig struct {
	// BaseDir is the base directory for the durable file tier.
	// Default: ~/.hostagent/sessions
	BaseDir string `yaml:"base_dir,omitempty"`

	// BufferTurns bounds the in-process warm buffer (default: 50).
	BufferTurns int `yaml:"buffer_turns,omitempty"`
}

// OpenAIConfig configures the chat-completion backend shared by the
// classifier and the direct responder.
type OpenAIConfig struct {
	// APIKeyEnv names the environment variable holding the API key.
	// Default: OPENAI_API_KEY
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// BaseURL overrides the API endpoint (for compatible gateways).
	BaseURL string `yaml:"base_url,omitempty"`
}

// ClassifierConfig configures the routing classifier.
type ClassifierConfig struct {
	Model string `yaml:"model,omitempty"`
	// Timeout is a duration string (e.g. "15s").
	Timeout string `yaml:"timeout,omitempty"`
	// MaxContextTurns bounds the history excerpt sent to the model.
	MaxContextTurns int `yaml:"max_context_turns,omitempty"`
}

// ResponderConfig configures the direct-answer path.
type ResponderConfig struct {
	Model   string `yaml:"model,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
}

// DispatchConfig configures the agent protocol client.
type DispatchConfig struct {
	// Timeout is the hard per-dispatch deadline (default: "30s").
	Timeout string `yaml:"timeout,omitempty"`
	// RetryBackoff is the delay before the single transport retry (default: "500ms").
	RetryBackoff string `yaml:"retry_backoff,omitempty"`
	// UnhealthyCooldown is how long a failed agent stays marked down (default: "30s").
	UnhealthyCooldown string `yaml:"unhealthy_cooldown,omitempty"`
}

// SessionConfig configures session lifecycle.
type SessionConfig struct {
	// TTL is the idle lifetime before a session is evicted from the
	// hot and warm tiers (default: "24h"). The durable tier keeps it.
	TTL string `yaml:"ttl,omitempty"`

	// SweepSchedule is a cron spec for the stale-session sweep
	// (default: "@every 10m").
	SweepSchedule string `yaml:"sweep_schedule,omitempty"`
}

// OpsConfig configures the operational HTTP server.
type OpsConfig struct {
	// Port for health, metrics, and admin endpoints (default: 8080).
	Port int `yaml:"port,omitempty"`
}

// maxConfigSize bounds the config file read.
const maxConfigSize = 1 << 20

// FileReader interface for reading files (testable)
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path is from trusted config file input
}

// ConfigLoader loads configuration from a file
type ConfigLoader struct {
	fileReader FileReader
}

// NewConfigLoader creates a new config loader
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{fileReader: fr}
}

// LoadConfig loads, parses, and validates a config file
func (cl *ConfigLoader) LoadConfig(configPath string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", configPath, maxConfigSize)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the config for structural errors.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if a.Address == "" {
			return fmt.Errorf("agent %s: address is required", a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("agent %s: duplicate id", a.ID)
		}
		seen[a.ID] = true
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis: addr is required when enabled")
	}

	for name, s := range map[string]string{
		"classifier.timeout":          c.Classifier.Timeout,
		"responder.timeout":           c.Responder.Timeout,
		"dispatch.timeout":            c.Dispatch.Timeout,
		"dispatch.retry_backoff":      c.Dispatch.RetryBackoff,
		"dispatch.unhealthy_cooldown": c.Dispatch.UnhealthyCooldown,
		"session.ttl":                 c.Session.TTL,
	} {
		if _, err := durationOrDefault(s, 0); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	return nil
}

// durationOrDefault parses a duration string, returning def when empty.
func durationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
