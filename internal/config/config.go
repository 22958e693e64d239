// File: internal/config/config.go
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Client() ClientConfig
	Metrics() MetricsConfig

	// Client Setters
	SetClientPreset(name string)
	SetClientMaxRetries(n int)
	SetClientReadTimeout(d time.Duration)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	ClientCfg  ClientConfig  `mapstructure:"client" yaml:"client"`
	MetricsCfg MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Client() ClientConfig   { return c.ClientCfg }
func (c *Config) Metrics() MetricsConfig { return c.MetricsCfg }

// SetClientPreset records the preset name. Preset values are only applied as
// defaults when loading through NewConfigFromViper.
func (c *Config) SetClientPreset(name string)          { c.ClientCfg.Preset = name }
func (c *Config) SetClientMaxRetries(n int)            { c.ClientCfg.MaxRetries = n }
func (c *Config) SetClientReadTimeout(d time.Duration) { c.ClientCfg.ReadTimeout = d }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ClientConfig holds the settings of the pooled mTLS client: credential
// locations, the pinned TLS version, pool sizing and the three request
// timeouts.
type ClientConfig struct {
	Preset string `mapstructure:"preset" yaml:"preset"`

	CertificatePath       string `mapstructure:"certificate_path" yaml:"certificate_path"`
	CertificatePassphrase string `mapstructure:"certificate_passphrase" yaml:"-"`
	TrustStorePath        string `mapstructure:"trust_store_path" yaml:"trust_store_path"`
	TrustStorePassphrase  string `mapstructure:"trust_store_passphrase" yaml:"-"`
	TLSProtocolVersion    string `mapstructure:"tls_protocol_version" yaml:"tls_protocol_version"`

	MaxTotalConnections    int           `mapstructure:"max_total_connections" yaml:"max_total_connections"`
	MaxConnectionsPerRoute int           `mapstructure:"max_connections_per_route" yaml:"max_connections_per_route"`
	IdleValidationInterval time.Duration `mapstructure:"idle_validation_interval" yaml:"idle_validation_interval"`
	MaxConnectionTTL       time.Duration `mapstructure:"max_connection_ttl" yaml:"max_connection_ttl"`
	DefaultKeepAlive       time.Duration `mapstructure:"default_keep_alive" yaml:"default_keep_alive"`
	EvictionInterval       time.Duration `mapstructure:"eviction_interval" yaml:"eviction_interval"`

	PoolAcquireTimeout time.Duration `mapstructure:"pool_acquire_timeout" yaml:"pool_acquire_timeout"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	MaxRetries         int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryReadTimeouts  bool          `mapstructure:"retry_read_timeouts" yaml:"retry_read_timeouts"`

	// DefaultHeaders are attached to every request unless the request sets them.
	DefaultHeaders map[string]string `mapstructure:"default_headers" yaml:"default_headers"`
}

// MetricsConfig controls the prometheus instrumentation of the client.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	Address   string `mapstructure:"address" yaml:"address"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "mtlspool")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Client --
	v.SetDefault("client.preset", PresetDefault)
	v.SetDefault("client.certificate_path", "")
	v.SetDefault("client.trust_store_path", "")
	v.SetDefault("client.tls_protocol_version", "TLSv1.2")
	v.SetDefault("client.eviction_interval", "5s")
	v.SetDefault("client.retry_read_timeouts", false)
	applyPresetDefaults(v, presets[PresetDefault])

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "mtlspool")
	v.SetDefault("metrics.address", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
// The selected client preset is layered over the base defaults, so explicit
// settings from files, flags or the environment still win.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("client.certificate_passphrase", "MTLSPOOL_CLIENT_CERT_PASSPHRASE")
	v.BindEnv("client.trust_store_passphrase", "MTLSPOOL_TRUST_STORE_PASSPHRASE")
	v.BindEnv("client.default_headers.authorization", "MTLSPOOL_AUTHORIZATION")

	name := strings.ToLower(strings.TrimSpace(v.GetString("client.preset")))
	if name == "" {
		name = PresetDefault
	}
	preset, ok := LookupPreset(name)
	if !ok {
		return nil, fmt.Errorf("invalid configuration: unknown client.preset %q (known: %s)", name, strings.Join(PresetNames(), ", "))
	}
	applyPresetDefaults(v, preset)

	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.ClientCfg.Preset = name

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.ClientCfg.Validate(); err != nil {
		return fmt.Errorf("client configuration invalid: %w", err)
	}
	if c.MetricsCfg.Enabled && c.MetricsCfg.Namespace == "" {
		return fmt.Errorf("metrics.namespace is required when metrics are enabled")
	}
	return nil
}

// Validate checks the client settings.
func (cc *ClientConfig) Validate() error {
	if cc.MaxTotalConnections <= 0 {
		return fmt.Errorf("max_total_connections must be a positive integer")
	}
	if cc.MaxConnectionsPerRoute <= 0 {
		return fmt.Errorf("max_connections_per_route must be a positive integer")
	}
	if cc.MaxConnectionsPerRoute > cc.MaxTotalConnections {
		return fmt.Errorf("max_connections_per_route (%d) cannot exceed max_total_connections (%d)",
			cc.MaxConnectionsPerRoute, cc.MaxTotalConnections)
	}
	if cc.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if cc.ConnectTimeout < 0 || cc.ReadTimeout < 0 || cc.PoolAcquireTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if cc.IdleValidationInterval < 0 || cc.MaxConnectionTTL < 0 || cc.DefaultKeepAlive < 0 {
		return fmt.Errorf("pool intervals cannot be negative")
	}
	if cc.TrustStorePath == "" && cc.TrustStorePassphrase != "" {
		return fmt.Errorf("trust_store_passphrase is set but trust_store_path is empty")
	}
	return nil
}

// decodeHook is viper's default hook chain with bare integers accepted as
// milliseconds for duration keys, so MTLSPOOL_CLIENT_READ_TIMEOUT=4000 means 4s.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		millisecondsHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

var durationType = reflect.TypeOf(time.Duration(0))

func millisecondsHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType || from == durationType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		raw := strings.TrimSpace(data.(string))
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			// Not a bare number; left to the duration string parser.
			return data, nil
		}
		return time.Duration(ms) * time.Millisecond, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Millisecond, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return time.Duration(reflect.ValueOf(data).Uint()) * time.Millisecond, nil
	}
	return data, nil
}
