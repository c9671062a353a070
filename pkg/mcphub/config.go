package mcphub

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Transport kinds accepted in server configuration.
const (
	TransportHTTP  = "http"
	TransportSSE   = "sse"
	TransportStdio = "stdio"
)

const (
	defaultTimeoutSeconds        = 30
	defaultRetryAttempts         = 3
	defaultRetryDelayMS          = 500
	defaultHealthIntervalSeconds = 60
)

// TransportConfig describes how to reach one tool server.
type TransportConfig struct {
	Type    string            `mapstructure:"type" json:"type"`
	URL     string            `mapstructure:"url" json:"url,omitempty"`
	Command string            `mapstructure:"command" json:"command,omitempty"`
	Args    []string          `mapstructure:"args" json:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" json:"env,omitempty"`
	Headers map[string]string `mapstructure:"headers" json:"headers,omitempty"`
}

// ServerConfig declares one tool server. It is immutable once registered;
// replacing a server means unregistering and re-registering the same id.
type ServerConfig struct {
	ID            string          `mapstructure:"id" json:"id"`
	Name          string          `mapstructure:"name" json:"name"`
	Description   string          `mapstructure:"description" json:"description,omitempty"`
	Transport     TransportConfig `mapstructure:"transport" json:"transport"`
	Enabled       *bool           `mapstructure:"enabled" json:"enabled,omitempty"`
	Timeout       int             `mapstructure:"timeout" json:"timeout,omitempty"` // seconds
	RetryAttempts int             `mapstructure:"retry_attempts" json:"retry_attempts,omitempty"`
	Priority      int             `mapstructure:"priority" json:"priority,omitempty"`
	Tags          []string        `mapstructure:"tags" json:"tags,omitempty"`
	ToolNamespace string          `mapstructure:"tool_namespace" json:"tool_namespace,omitempty"`
	Capabilities  []string        `mapstructure:"capabilities" json:"capabilities,omitempty"`
	Version       string          `mapstructure:"version" json:"version,omitempty"`
}

// IsEnabled reports whether the server should be materialized at all.
// Absent the flag, servers are enabled.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// DefaultsConfig supplies fallbacks for per-server settings left at zero.
type DefaultsConfig struct {
	TimeoutSeconds        int   `mapstructure:"timeout" json:"timeout,omitempty"`
	RetryAttempts         int   `mapstructure:"retry_attempts" json:"retry_attempts,omitempty"`
	RetryDelayMS          int   `mapstructure:"retry_delay_ms" json:"retry_delay_ms,omitempty"`
	HealthIntervalSeconds int   `mapstructure:"health_check_interval" json:"health_check_interval,omitempty"`
	AutoConnect           *bool `mapstructure:"auto_connect" json:"auto_connect,omitempty"`
}

// HubConfig is the root configuration document.
type HubConfig struct {
	Version  string         `mapstructure:"version" json:"version"`
	Servers  []ServerConfig `mapstructure:"servers" json:"servers"`
	Defaults DefaultsConfig `mapstructure:"defaults" json:"defaults,omitempty"`
}

// DefaultHubConfig returns the built-in configuration used when no config
// file exists and no explicit config is supplied.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		Version: "1.0",
		Defaults: DefaultsConfig{
			TimeoutSeconds:        defaultTimeoutSeconds,
			RetryAttempts:         defaultRetryAttempts,
			RetryDelayMS:          defaultRetryDelayMS,
			HealthIntervalSeconds: defaultHealthIntervalSeconds,
		},
	}
}

// LoadConfig reads a HubConfig from path (JSON or YAML, by extension),
// applies TIGERHUB_* environment overrides, and validates. Validation
// failures are fatal: a broken deployment must never silently run with zero
// servers. When path is empty or the file does not exist, the built-in
// defaults (still subject to env overrides) are returned.
func LoadConfig(path string) (*HubConfig, error) {
	cfg := DefaultHubConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v := viper.New()
			v.SetConfigFile(path)

			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("mcphub: read config %s: %w", path, err)
			}
			if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
				dc.TagName = "mapstructure"
				dc.MatchName = func(mapKey, fieldName string) bool {
					return normalizeKey(mapKey) == normalizeKey(fieldName)
				}
			}); err != nil {
				return nil, fmt.Errorf("mcphub: decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("mcphub: stat config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// applyEnvOverrides layers environment-level operator overrides on top of the
// loaded document: disabling servers, forcing or forbidding auto-connect, and
// replacing the default timeout and retry budget.
func applyEnvOverrides(cfg *HubConfig) {
	if raw, ok := os.LookupEnv("TIGERHUB_DISABLE_SERVERS"); ok {
		disabled := make(map[string]bool)
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				disabled[id] = true
			}
		}
		off := false
		for i := range cfg.Servers {
			if disabled[cfg.Servers[i].ID] {
				cfg.Servers[i].Enabled = &off
			}
		}
	}
	if raw, ok := os.LookupEnv("TIGERHUB_AUTO_CONNECT"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			cfg.Defaults.AutoConnect = &b
		}
	}
	if raw, ok := os.LookupEnv("TIGERHUB_DEFAULT_TIMEOUT"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n > 0 {
			cfg.Defaults.TimeoutSeconds = n
		}
	}
	if raw, ok := os.LookupEnv("TIGERHUB_RETRY_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n > 0 {
			cfg.Defaults.RetryAttempts = n
		}
	}
}

// Validate rejects configuration that cannot possibly work. Errors here abort
// startup rather than degrade at runtime.
func (c *HubConfig) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		sc := &c.Servers[i]
		if strings.TrimSpace(sc.ID) == "" {
			return fmt.Errorf("mcphub: server #%d: id is required", i)
		}
		if seen[sc.ID] {
			return fmt.Errorf("mcphub: duplicate server id %q", sc.ID)
		}
		seen[sc.ID] = true
		if strings.TrimSpace(sc.Name) == "" {
			return fmt.Errorf("mcphub: server %q: name is required", sc.ID)
		}
		if err := sc.Transport.validate(sc.ID); err != nil {
			return err
		}
		if sc.Timeout < 0 {
			return fmt.Errorf("mcphub: server %q: timeout must not be negative", sc.ID)
		}
		if sc.RetryAttempts < 0 {
			return fmt.Errorf("mcphub: server %q: retry_attempts must not be negative", sc.ID)
		}
	}
	if c.Defaults.TimeoutSeconds <= 0 {
		c.Defaults.TimeoutSeconds = defaultTimeoutSeconds
	}
	if c.Defaults.RetryAttempts <= 0 {
		c.Defaults.RetryAttempts = defaultRetryAttempts
	}
	if c.Defaults.RetryDelayMS <= 0 {
		c.Defaults.RetryDelayMS = defaultRetryDelayMS
	}
	if c.Defaults.HealthIntervalSeconds <= 0 {
		c.Defaults.HealthIntervalSeconds = defaultHealthIntervalSeconds
	}
	return nil
}

func (t TransportConfig) validate(serverID string) error {
	switch strings.ToLower(strings.TrimSpace(t.Type)) {
	case "":
		return fmt.Errorf("mcphub: server %q: transport type is required", serverID)
	case TransportHTTP, TransportSSE:
		if strings.TrimSpace(t.URL) == "" {
			return fmt.Errorf("mcphub: server %q: %s transport requires url", serverID, t.Type)
		}
	case TransportStdio:
		if strings.TrimSpace(t.Command) == "" {
			return fmt.Errorf("mcphub: server %q: stdio transport requires command", serverID)
		}
	default:
		return fmt.Errorf("mcphub: server %q: unknown transport type %q", serverID, t.Type)
	}
	return nil
}

// timeout resolves the effective per-attempt timeout for a server.
func (c *HubConfig) timeout(sc ServerConfig) time.Duration {
	if sc.Timeout > 0 {
		return time.Duration(sc.Timeout) * time.Second
	}
	return time.Duration(c.Defaults.TimeoutSeconds) * time.Second
}

// retryAttempts resolves the effective attempt budget for a server.
func (c *HubConfig) retryAttempts(sc ServerConfig) int {
	if sc.RetryAttempts > 0 {
		return sc.RetryAttempts
	}
	return c.Defaults.RetryAttempts
}

func (c *HubConfig) retryDelay() time.Duration {
	return time.Duration(c.Defaults.RetryDelayMS) * time.Millisecond
}

func (c *HubConfig) healthInterval() time.Duration {
	return time.Duration(c.Defaults.HealthIntervalSeconds) * time.Second
}

// autoConnect reports whether servers should be dialed during Initialize.
func (c *HubConfig) autoConnect() bool {
	return c.Defaults.AutoConnect == nil || *c.Defaults.AutoConnect
}
