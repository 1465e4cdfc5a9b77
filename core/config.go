package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from toml strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type StorageConfig struct {
	// Path is the root of the owner file trees.
	Path string `toml:"path"`
	// StatePath holds rollback stacks, staging dirs and sqlite state.
	StatePath string `toml:"state_path"`
}

type LockConfig struct {
	Timeout Duration `toml:"timeout"`
}

type StackConfig struct {
	MaxSize int64    `toml:"max_size"`
	MaxAge  Duration `toml:"max_age"`
}

type TxConfig struct {
	CoordinatorKey        string   `toml:"coordinator_key"`
	InteractiveSessionKey string   `toml:"interactive_session_key"`
	Timeout               Duration `toml:"timeout"`
	CountLimit            int      `toml:"count_limit"`
	PrepareAttempts       int      `toml:"prepare_attempts"`
	PrepareTimeout        Duration `toml:"prepare_timeout"`
	CommitRetryWindow     Duration `toml:"commit_retry_window"`
	RecoveryInterval      Duration `toml:"recovery_interval"`
	AFSParticipantID      string   `toml:"afs_participant_id"`
	DBParticipantID       string   `toml:"db_participant_id"`
	// Remote participants are enrolled after the local ones, in this order.
	Remote []RemoteConfig `toml:"remote"`
}

type RemoteConfig struct {
	ID       string   `toml:"id"`
	Endpoint string   `toml:"endpoint"`
	Timeout  Duration `toml:"timeout"`
}

type WorkerConfig struct {
	PoolSize    int      `toml:"pool_size"`
	IdleTimeout Duration `toml:"idle_timeout"`
}

type AuthConfig struct {
	Secret     string   `toml:"secret"`
	SessionTTL Duration `toml:"session_ttl"`
}

type DBConfig struct {
	MaxReadConns    int      `toml:"max_read_conns"`
	MaxWriteConns   int      `toml:"max_write_conns"`
	MaxIdleConns    int      `toml:"max_idle_conns"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
	// CheckpointInterval between WAL checkpoints of the pooled databases, 0 disables them.
	CheckpointInterval Duration `toml:"checkpoint_interval"`
}

// Config is loaded once at startup and handed to every constructor.
type Config struct {
	Storage StorageConfig `toml:"storage"`
	Lock    LockConfig    `toml:"lock"`
	Stack   StackConfig   `toml:"stack"`
	Tx      TxConfig      `toml:"tx"`
	Worker  WorkerConfig  `toml:"worker"`
	Auth    AuthConfig    `toml:"auth"`
	DB      DBConfig      `toml:"db"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:      "data",
			StatePath: "state",
		},
		Lock:  LockConfig{Timeout: Duration{10 * time.Second}},
		Stack: StackConfig{MaxSize: 4 << 20, MaxAge: Duration{10 * time.Minute}},
		Tx: TxConfig{
			CoordinatorKey:        "afs-coordinator-key",
			InteractiveSessionKey: "afs-interactive-session-key",
			Timeout:               Duration{time.Hour},
			CountLimit:            100,
			PrepareAttempts:       3,
			PrepareTimeout:        Duration{30 * time.Second},
			CommitRetryWindow:     Duration{10 * time.Second},
			RecoveryInterval:      Duration{10 * time.Second},
			AFSParticipantID:      "afs-server-participant-id",
			DBParticipantID:       "application-server-participant-id",
		},
		Worker: WorkerConfig{PoolSize: 64, IdleTimeout: Duration{5 * time.Minute}},
		Auth:   AuthConfig{SessionTTL: Duration{time.Hour}},
		DB:     DBConfig{MaxReadConns: 10, MaxWriteConns: 1, MaxIdleConns: 5, CheckpointInterval: Duration{time.Minute}},
	}
}

// LoadConfig reads the toml file at path over the defaults, then applies AFS_* environment overrides.
// An empty path only applies defaults and environment.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
	}
	if AFS_BASE != "" {
		c.Storage.Path = filepath.Join(AFS_BASE, "data")
		c.Storage.StatePath = filepath.Join(AFS_BASE, "state")
	}
	if AFS_SECRET != "" {
		c.Auth.Secret = AFS_SECRET
	}
	return c, c.Validate()
}

func (c *Config) Validate() error {
	switch {
	case c.Storage.Path == "" || c.Storage.StatePath == "":
		return fmt.Errorf("storage path and state path are required: %w", ERR_INVALID_ARGS)
	case c.Tx.CoordinatorKey == "" || c.Tx.InteractiveSessionKey == "":
		return fmt.Errorf("coordinator key and interactive session key are required: %w", ERR_INVALID_ARGS)
	case c.Tx.CountLimit <= 0:
		return fmt.Errorf("transaction count limit cannot be <= 0: %w", ERR_INVALID_ARGS)
	case c.Tx.Timeout.Duration <= 0:
		return fmt.Errorf("transaction timeout cannot be <= 0: %w", ERR_INVALID_ARGS)
	case c.Tx.PrepareTimeout.Duration <= 0:
		return fmt.Errorf("prepare timeout cannot be <= 0: %w", ERR_INVALID_ARGS)
	case c.Tx.CommitRetryWindow.Duration <= 0:
		return fmt.Errorf("commit retry window cannot be <= 0: %w", ERR_INVALID_ARGS)
	case c.Lock.Timeout.Duration <= 0:
		return fmt.Errorf("lock timeout cannot be <= 0: %w", ERR_INVALID_ARGS)
	case c.Worker.PoolSize <= 0:
		return fmt.Errorf("worker pool size cannot be <= 0: %w", ERR_INVALID_ARGS)
	}
	for _, r := range c.Tx.Remote {
		if r.ID == "" || r.Endpoint == "" {
			return fmt.Errorf("remote participant needs an id and an endpoint: %w", ERR_INVALID_ARGS)
		}
	}
	if c.Tx.PrepareAttempts <= 0 {
		c.Tx.PrepareAttempts = 1
	}
	return nil
}

// MkdirAll creates the storage and state roots.
func (c *Config) MkdirAll() error {
	for _, p := range []string{c.Storage.Path, c.Storage.StatePath} {
		if err := os.MkdirAll(p, 0o766); err != nil {
			return fmt.Errorf("failed to create %s: %w", p, err)
		}
	}
	return nil
}
