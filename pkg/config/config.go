// Package config loads the proxy's configuration document: structured,
// consumed by the core but defined externally. It is built on
// github.com/spf13/viper the way the registry API's serve command binds
// flags and config values.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/stacklok/mcp-proxy/pkg/backend"
	"github.com/stacklok/mcp-proxy/pkg/perrors"
)

// ProxyConfig is the proxy{host, port, connection_pool_size,
// request_timeout_ms, max_concurrent_requests} block.
type ProxyConfig struct {
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	ConnectionPoolSize     int    `mapstructure:"connection_pool_size"`
	RequestTimeoutMS       int    `mapstructure:"request_timeout_ms"`
	MaxConcurrentRequests  int    `mapstructure:"max_concurrent_requests"`
	CacheTTLSeconds        int    `mapstructure:"cache_ttl_seconds"`
}

// WebUIConfig is the optional web_ui block. This core never reads
// it beyond passing it through; the observability surface it configures is
// a separate, external collaborator.
type WebUIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// HealthCheckConfig is the global health_check{enabled,
// interval_s, timeout_s, max_attempts, retry_interval_s} block.
type HealthCheckConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	IntervalS      int  `mapstructure:"interval_s"`
	TimeoutS       int  `mapstructure:"timeout_s"`
	MaxAttempts    int  `mapstructure:"max_attempts"`
	RetryIntervalS int  `mapstructure:"retry_interval_s"`
}

// StdioServerConfig is the stdio{command, args, env, cwd} variant.
type StdioServerConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Cwd     string            `mapstructure:"cwd"`
}

// RestartPolicyConfig is the restart policy block.
type RestartPolicyConfig struct {
	OnFailure   bool `mapstructure:"on_failure"`
	MaxRestarts int  `mapstructure:"max_restarts"`
	DelayMS     int  `mapstructure:"delay_ms"`
}

// ServerConfig is one entry of the `servers` map. Only the stdio
// transport variant is populated by this core's concrete Transport; see
// pkg/backend.HTTPSSEDescriptor and WebSocketDescriptor for the
// contract-only remainder.
type ServerConfig struct {
	// Enabled defaults to true when the key is absent; a server is only
	// disabled by writing `enabled: false` explicitly.
	Enabled     *bool               `mapstructure:"enabled"`
	Stdio       StdioServerConfig   `mapstructure:"stdio"`
	Restart     RestartPolicyConfig `mapstructure:"restart"`
	HealthCheck *HealthCheckConfig  `mapstructure:"health_check"`
}

// IsEnabled reports whether s should be started, defaulting to true when
// unset.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// PluginAssignmentConfig is one entry of a server's request/response plugin
// list in the `plugins.servers` map.
type PluginAssignmentConfig struct {
	Name      string `mapstructure:"name"`
	Order     int    `mapstructure:"order"`
	Enabled   bool   `mapstructure:"enabled"`
	TimeoutMS *int   `mapstructure:"timeout_ms"`
}

// ServerPluginsConfig is the plugins.servers[server_name] entry:
// separate ordered lists for the request and response phases.
type ServerPluginsConfig struct {
	Request  []PluginAssignmentConfig `mapstructure:"request"`
	Response []PluginAssignmentConfig `mapstructure:"response"`
}

// PluginsConfig is the optional plugins{...} block.
type PluginsConfig struct {
	PluginDir               string                         `mapstructure:"plugin_dir"`
	NodeExecutable          string                         `mapstructure:"node_executable"`
	MaxConcurrentExecutions int                             `mapstructure:"max_concurrent_executions"`
	PoolSizePerPlugin       int                             `mapstructure:"pool_size_per_plugin"`
	DefaultTimeoutMS        int                             `mapstructure:"default_timeout_ms"`
	Servers                 map[string]ServerPluginsConfig `mapstructure:"servers"`
}

// Config is the full structured configuration document of this design.
type Config struct {
	Proxy       ProxyConfig             `mapstructure:"proxy"`
	WebUI       *WebUIConfig            `mapstructure:"web_ui"`
	HealthCheck HealthCheckConfig       `mapstructure:"health_check"`
	Servers     map[string]ServerConfig `mapstructure:"servers"`
	Plugins     *PluginsConfig          `mapstructure:"plugins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.host", "0.0.0.0")
	v.SetDefault("proxy.port", 8080)
	v.SetDefault("proxy.connection_pool_size", 16)
	v.SetDefault("proxy.request_timeout_ms", 30000)
	v.SetDefault("proxy.max_concurrent_requests", 100)
	v.SetDefault("proxy.cache_ttl_seconds", 120)

	v.SetDefault("health_check.enabled", true)
	v.SetDefault("health_check.interval_s", 30)
	v.SetDefault("health_check.timeout_s", 5)
	v.SetDefault("health_check.max_attempts", 3)
	v.SetDefault("health_check.retry_interval_s", 10)
}

// Load reads and validates the configuration document at path, which may
// be YAML, JSON, or TOML (viper.SetConfigFile infers the format from its
// extension).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("MCP_PROXY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, perrors.NewConfigError("reading config file "+path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, perrors.NewConfigError("decoding config file "+path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural invariants this core depends on: at least
// one server, a resolvable port, and every server carrying a non-empty
// stdio command (the only transport variant this core's Manager can spawn;
// see pkg/backend.buildTransport).
func (c *Config) Validate() error {
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return perrors.NewConfigError(fmt.Sprintf("invalid proxy.port %d", c.Proxy.Port), nil)
	}
	if len(c.Servers) == 0 {
		return perrors.NewConfigError("config must declare at least one server", nil)
	}
	for name, s := range c.Servers {
		if s.Stdio.Command == "" {
			return perrors.NewConfigError("server "+name+" has no stdio.command", nil)
		}
	}
	return nil
}

// CacheTTL returns the proxy's configured aggregator cache TTL as a
// time.Duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Proxy.CacheTTLSeconds) * time.Second
}

// RequestTimeout returns the proxy's configured per-request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Proxy.RequestTimeoutMS) * time.Millisecond
}

// ToBackendHealthCheck merges a server's per-server health check override
// (if any) over the global default, per the "global ...,
// per-server overrides."
func (c *Config) ToBackendHealthCheck(s ServerConfig) backend.HealthCheckConfig {
	hc := c.HealthCheck
	if s.HealthCheck != nil {
		hc = *s.HealthCheck
	}
	return backend.HealthCheckConfig{
		Enabled:        hc.Enabled,
		IntervalS:      hc.IntervalS,
		TimeoutS:       hc.TimeoutS,
		MaxAttempts:    hc.MaxAttempts,
		RetryIntervalS: hc.RetryIntervalS,
	}
}

// ToBackendRestartPolicy converts a server's restart config block.
func (c *Config) ToBackendRestartPolicy(s ServerConfig) backend.RestartPolicy {
	return backend.RestartPolicy{
		OnFailure:   s.Restart.OnFailure,
		MaxRestarts: s.Restart.MaxRestarts,
		DelayMS:     s.Restart.DelayMS,
	}
}

// ToBackendDescriptor converts a server's stdio config block into the
// Backend Manager's tagged transport descriptor.
func (c *Config) ToBackendDescriptor(s ServerConfig) backend.Descriptor {
	return backend.Descriptor{
		Kind: backend.TransportStdio,
		Stdio: backend.StdioDescriptor{
			Command: s.Stdio.Command,
			Args:    s.Stdio.Args,
			Env:     s.Stdio.Env,
			Cwd:     s.Stdio.Cwd,
		},
	}
}
