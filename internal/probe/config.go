// Package probe runs layered health checks against remote hosts:
// reachability, service port, SSH authentication and resource usage.
package probe

import (
	"time"
)

// Thresholds above which a resource reading is flagged.
type Thresholds struct {
	// LoadPerCPU is the 1-minute load average divided by the CPU count.
	LoadPerCPU float64 `mapstructure:"load_per_cpu" yaml:"load_per_cpu"`
	// MemoryUsedPercent is (MemTotal-MemAvailable)/MemTotal.
	MemoryUsedPercent float64 `mapstructure:"memory_used_percent" yaml:"memory_used_percent"`
	// DiskUsedPercent applies to the root filesystem.
	DiskUsedPercent float64 `mapstructure:"disk_used_percent" yaml:"disk_used_percent"`
}

// Config holds prober settings.
type Config struct {
	// Port is the service port checked in stage 2 and used for SSH.
	Port int `mapstructure:"port" yaml:"port"`
	// FallbackPorts are tried in parallel when ICMP is unavailable or silent.
	FallbackPorts []int `mapstructure:"fallback_ports" yaml:"fallback_ports"`
	// DisableICMP skips the echo attempt and goes straight to TCP.
	DisableICMP bool `mapstructure:"disable_icmp" yaml:"disable_icmp"`

	PingTimeout    time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	SSHTimeout     time.Duration `mapstructure:"ssh_timeout" yaml:"ssh_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	// Budget caps a whole probe. Stage timeouts are clamped to what is left.
	Budget time.Duration `mapstructure:"budget" yaml:"budget"`

	// SSH credentials.
	User            string `mapstructure:"user" yaml:"user"`
	KeyPath         string `mapstructure:"key_path" yaml:"key_path"`
	UseAgent        bool   `mapstructure:"use_agent" yaml:"use_agent"`
	KnownHostsPath  string `mapstructure:"known_hosts" yaml:"known_hosts"`
	InsecureHostKey bool   `mapstructure:"insecure_host_key" yaml:"insecure_host_key"`

	Thresholds Thresholds `mapstructure:"thresholds" yaml:"thresholds"`

	// Workers bounds concurrent probes during a sweep.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// ResultTTL is how long cached results live in the result store.
	ResultTTL time.Duration `mapstructure:"result_ttl" yaml:"result_ttl"`
}

// DefaultConfig returns prober defaults.
func DefaultConfig() Config {
	return Config{
		Port:           22,
		FallbackPorts:  []int{22, 80, 443},
		PingTimeout:    3 * time.Second,
		ConnectTimeout: 5 * time.Second,
		SSHTimeout:     15 * time.Second,
		CommandTimeout: 5 * time.Second,
		Budget:         45 * time.Second,
		UseAgent:       true,
		Thresholds: Thresholds{
			LoadPerCPU:        2.0,
			MemoryUsedPercent: 90,
			DiskUsedPercent:   90,
		},
		Workers:   16,
		ResultTTL: 15 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if len(c.FallbackPorts) == 0 {
		c.FallbackPorts = d.FallbackPorts
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.SSHTimeout <= 0 {
		c.SSHTimeout = d.SSHTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.Budget <= 0 {
		c.Budget = d.Budget
	}
	if c.Thresholds.LoadPerCPU <= 0 {
		c.Thresholds.LoadPerCPU = d.Thresholds.LoadPerCPU
	}
	if c.Thresholds.MemoryUsedPercent <= 0 {
		c.Thresholds.MemoryUsedPercent = d.Thresholds.MemoryUsedPercent
	}
	if c.Thresholds.DiskUsedPercent <= 0 {
		c.Thresholds.DiskUsedPercent = d.Thresholds.DiskUsedPercent
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = d.ResultTTL
	}
}
