package vboxtest

import (
	"testing"

	"github.com/projecteru2/vmplex/config"
)

// NewConfig returns a config suited to tests against Fake: locks under a
// temp dir, short timeouts and a single read retry.
func NewConfig(t testing.TB) *config.Config {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.CommandTimeoutSeconds = 5
	conf.LongCommandTimeoutSeconds = 5
	conf.StopTimeoutSeconds = 1
	conf.LockTimeoutSeconds = 1
	conf.PoolSize = 4
	conf.ReadRetries = 1
	conf.WatchPaths = nil
	return conf
}
