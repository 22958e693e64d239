package config

import (
	"sort"
	"time"

	"github.com/spf13/viper"
)

// Preset names for the client pool.
const (
	PresetDefault        = "default"
	PresetHighThroughput = "high-throughput"
	PresetLowLatency     = "low-latency"
	PresetSingle         = "single"
)

// Preset is a named bundle of pool sizing and timeout values.
type Preset struct {
	MaxTotalConnections    int
	MaxConnectionsPerRoute int
	IdleValidationInterval time.Duration
	MaxConnectionTTL       time.Duration
	DefaultKeepAlive       time.Duration
	PoolAcquireTimeout     time.Duration
	ConnectTimeout         time.Duration
	ReadTimeout            time.Duration
	MaxRetries             int
}

var presets = map[string]Preset{
	PresetDefault: {
		MaxTotalConnections:    8,
		MaxConnectionsPerRoute: 1,
		IdleValidationInterval: 10 * time.Second,
		MaxConnectionTTL:       10 * time.Second,
		DefaultKeepAlive:       10 * time.Second,
		PoolAcquireTimeout:     2 * time.Second,
		ConnectTimeout:         10 * time.Second,
		ReadTimeout:            4 * time.Second,
		MaxRetries:             2,
	},
	PresetHighThroughput: {
		MaxTotalConnections:    64,
		MaxConnectionsPerRoute: 16,
		IdleValidationInterval: 10 * time.Second,
		MaxConnectionTTL:       5 * time.Minute,
		DefaultKeepAlive:       30 * time.Second,
		PoolAcquireTimeout:     5 * time.Second,
		ConnectTimeout:         10 * time.Second,
		ReadTimeout:            30 * time.Second,
		MaxRetries:             2,
	},
	PresetLowLatency: {
		MaxTotalConnections:    16,
		MaxConnectionsPerRoute: 4,
		IdleValidationInterval: 2 * time.Second,
		MaxConnectionTTL:       time.Minute,
		DefaultKeepAlive:       10 * time.Second,
		PoolAcquireTimeout:     time.Second,
		ConnectTimeout:         2 * time.Second,
		ReadTimeout:            2 * time.Second,
		MaxRetries:             1,
	},
	PresetSingle: {
		MaxTotalConnections:    1,
		MaxConnectionsPerRoute: 1,
		IdleValidationInterval: 10 * time.Second,
		MaxConnectionTTL:       10 * time.Second,
		DefaultKeepAlive:       10 * time.Second,
		PoolAcquireTimeout:     2 * time.Second,
		ConnectTimeout:         10 * time.Second,
		ReadTimeout:            4 * time.Second,
		MaxRetries:             2,
	},
}

// LookupPreset returns the preset registered under name.
func LookupPreset(name string) (Preset, bool) {
	p, ok := presets[name]
	return p, ok
}

// PresetNames lists the known presets in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func applyPresetDefaults(v *viper.Viper, p Preset) {
	v.SetDefault("client.max_total_connections", p.MaxTotalConnections)
	v.SetDefault("client.max_connections_per_route", p.MaxConnectionsPerRoute)
	v.SetDefault("client.idle_validation_interval", p.IdleValidationInterval)
	v.SetDefault("client.max_connection_ttl", p.MaxConnectionTTL)
	v.SetDefault("client.default_keep_alive", p.DefaultKeepAlive)
	v.SetDefault("client.pool_acquire_timeout", p.PoolAcquireTimeout)
	v.SetDefault("client.connect_timeout", p.ConnectTimeout)
	v.SetDefault("client.read_timeout", p.ReadTimeout)
	v.SetDefault("client.max_retries", p.MaxRetries)
}
