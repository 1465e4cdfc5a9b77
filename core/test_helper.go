package core

import (
	"path/filepath"
	"time"
)

// NewTestConfig returns a config rooted at base with short timeouts for tests.
func NewTestConfig(base string) *Config {
	c := DefaultConfig()
	c.Storage.Path = filepath.Join(base, "data")
	c.Storage.StatePath = filepath.Join(base, "state")
	c.Lock.Timeout = Duration{500 * time.Millisecond}
	c.Tx.Timeout = Duration{time.Minute}
	c.Tx.PrepareTimeout = Duration{2 * time.Second}
	c.Tx.CommitRetryWindow = Duration{500 * time.Millisecond}
	c.Tx.RecoveryInterval = Duration{50 * time.Millisecond}
	c.Worker.PoolSize = 4
	c.Worker.IdleTimeout = Duration{time.Minute}
	c.Auth.Secret = "test-secret"
	return c
}
