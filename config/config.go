package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	coretypes "github.com/projecteru2/core/types"

	"github.com/projecteru2/vmplex/types"
)

// Config holds global vmplex configuration.
type Config struct {
	// RootDir holds vmplex's own runtime files (resource lock files).
	// Env: VMPLEX_ROOT_DIR. Default: /var/lib/vmplex.
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// VBoxManage is the path or name of the hypervisor control binary.
	// Env: VMPLEX_VBOXMANAGE. Default: "VBoxManage".
	VBoxManage string `json:"vboxmanage" mapstructure:"vboxmanage"`
	// CommandTimeoutSeconds bounds ordinary VBoxManage invocations.
	// Default: 60.
	CommandTimeoutSeconds int `json:"command_timeout_seconds" mapstructure:"command_timeout_seconds"`
	// LongCommandTimeoutSeconds bounds copy-heavy invocations (clone, disk
	// conversion, snapshot consolidation). Default: 1800.
	LongCommandTimeoutSeconds int `json:"long_command_timeout_seconds" mapstructure:"long_command_timeout_seconds"`
	// StopTimeoutSeconds is how long a graceful stop waits for the guest to
	// power off after the ACPI power button. Default: 30.
	StopTimeoutSeconds int `json:"stop_timeout_seconds" mapstructure:"stop_timeout_seconds"`
	// LockTimeoutSeconds is how long a mutating action waits for a busy
	// resource before failing with a state conflict. Default: 30.
	LockTimeoutSeconds int `json:"lock_timeout_seconds" mapstructure:"lock_timeout_seconds"`
	// PoolSize bounds concurrent VBoxManage processes.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
	// CacheTTLSeconds is the staleness window for read actions. Default: 5.
	CacheTTLSeconds int `json:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds"`
	// ReadRetries is the number of retries after the first attempt of an
	// idempotent read that failed transiently. Default: 2, so three attempts.
	ReadRetries int `json:"read_retries" mapstructure:"read_retries"`
	// HotPlugControllers lists controller types whose disks may be attached
	// or detached while the VM runs. Default: none.
	HotPlugControllers []string `json:"hotplug_controllers" mapstructure:"hotplug_controllers"`
	// Headless starts VMs without a GUI window. Default: true.
	Headless bool `json:"headless" mapstructure:"headless"`
	// WatchPaths are hypervisor registry files whose changes invalidate the
	// whole cache in long-running mode (serve).
	WatchPaths []string `json:"watch_paths" mapstructure:"watch_paths"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() *Config {
	conf := &Config{
		RootDir:                   "/var/lib/vmplex",
		VBoxManage:                "VBoxManage",
		CommandTimeoutSeconds:     60,   //nolint:mnd
		LongCommandTimeoutSeconds: 1800, //nolint:mnd
		StopTimeoutSeconds:        30,   //nolint:mnd
		LockTimeoutSeconds:        30,   //nolint:mnd
		PoolSize:                  runtime.NumCPU(),
		CacheTTLSeconds:           5, //nolint:mnd
		ReadRetries:               2, //nolint:mnd
		Headless:                  true,
		Log: coretypes.ServerLogConfig{
			Level: "info",
		},
	}
	if home, err := os.UserHomeDir(); err == nil {
		conf.WatchPaths = []string{filepath.Join(home, ".config", "VirtualBox", "VirtualBox.xml")}
	}
	return conf
}

// Normalize fills zero values left by a partial config file.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.RootDir == "" {
		c.RootDir = d.RootDir
	}
	if c.VBoxManage == "" {
		c.VBoxManage = d.VBoxManage
	}
	if c.CommandTimeoutSeconds <= 0 {
		c.CommandTimeoutSeconds = d.CommandTimeoutSeconds
	}
	if c.LongCommandTimeoutSeconds <= 0 {
		c.LongCommandTimeoutSeconds = d.LongCommandTimeoutSeconds
	}
	if c.StopTimeoutSeconds <= 0 {
		c.StopTimeoutSeconds = d.StopTimeoutSeconds
	}
	if c.LockTimeoutSeconds <= 0 {
		c.LockTimeoutSeconds = d.LockTimeoutSeconds
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.CacheTTLSeconds < 0 {
		c.CacheTTLSeconds = 0
	}
	if c.ReadRetries < 0 {
		c.ReadRetries = 0
	}
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	if c.VBoxManage == "" {
		return fmt.Errorf("vboxmanage must be set")
	}
	if c.RootDir == "" {
		return fmt.Errorf("root_dir must be set")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.LongCommandTimeoutSeconds < c.CommandTimeoutSeconds {
		return fmt.Errorf("long_command_timeout_seconds (%d) is shorter than command_timeout_seconds (%d)",
			c.LongCommandTimeoutSeconds, c.CommandTimeoutSeconds)
	}
	for _, t := range c.HotPlugControllers {
		if !slices.Contains(types.ControllerTypes, types.ControllerType(t)) {
			return fmt.Errorf("hotplug_controllers: unknown controller type %q", t)
		}
	}
	return nil
}

// Derived helpers.

// LockDir holds one flock file per locked resource.
func (c *Config) LockDir() string { return filepath.Join(c.RootDir, "locks") }

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

func (c *Config) LongCommandTimeout() time.Duration {
	return time.Duration(c.LongCommandTimeoutSeconds) * time.Second
}

func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// HotPluggable reports whether disks on this controller type may change while the VM runs.
func (c *Config) HotPluggable(t types.ControllerType) bool {
	return slices.Contains(c.HotPlugControllers, string(t))
}
