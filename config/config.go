package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Passphrase string `toml:"passphrase"`
	DBDriver   string `toml:"db_driver"`
	DBDSN      string `toml:"db_dsn"`
	DataDir    string `toml:"data_dir"`
	DevMode    bool   `toml:"dev_mode"`

	BinaryName  string `toml:"binary_name"`
	HelpFlag    string `toml:"help_flag"`
	RPCPortFlag string `toml:"rpc_port_flag"`
	RPCHost     string `toml:"rpc_host"`
	RPCPath     string `toml:"rpc_path"`
	RPCTimeout  int    `toml:"rpc_timeout"`

	SpawnTimeout  int  `toml:"spawn_timeout"`
	PollInterval  int  `toml:"poll_interval_ms"`
	KillOnTimeout bool `toml:"kill_on_timeout"`

	DefaultProfile   string `toml:"default_profile"`
	DiscoverSchedule string `toml:"discover_schedule"`
	SweepSchedule    string `toml:"sweep_schedule"`
}

func Default() *Config {
	return &Config{
		DBDriver:      "sqlite",
		DataDir:       "./data",
		BinaryName:    "aria2c",
		HelpFlag:      "--help=#all",
		RPCPortFlag:   "--rpc-listen-port",
		RPCHost:       "localhost",
		RPCPath:       "/rpc",
		RPCTimeout:    10,
		SpawnTimeout:  30,
		PollInterval:  250,
		KillOnTimeout: true,
		SweepSchedule: "@every 1m",
	}
}

// Load builds the configuration from defaults, then the TOML file at path
// (or ARIA2_FLEET_CONFIG when path is empty), then ARIA2_FLEET_* variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("ARIA2_FLEET_CONFIG")
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Passphrase = getEnvOrDefault("ARIA2_FLEET_PASSPHRASE", cfg.Passphrase)
	cfg.DBDriver = getEnvOrDefault("ARIA2_FLEET_DB_DRIVER", cfg.DBDriver)
	cfg.DBDSN = getEnvOrDefault("ARIA2_FLEET_DB_DSN", cfg.DBDSN)
	cfg.DataDir = getEnvOrDefault("ARIA2_FLEET_DATA_DIR", cfg.DataDir)
	cfg.DevMode = getEnvBoolOrDefault("ARIA2_FLEET_DEV_MODE", cfg.DevMode)
	cfg.BinaryName = getEnvOrDefault("ARIA2_FLEET_BINARY", cfg.BinaryName)
	cfg.HelpFlag = getEnvOrDefault("ARIA2_FLEET_HELP_FLAG", cfg.HelpFlag)
	cfg.RPCPortFlag = getEnvOrDefault("ARIA2_FLEET_RPC_PORT_FLAG", cfg.RPCPortFlag)
	cfg.RPCHost = getEnvOrDefault("ARIA2_FLEET_RPC_HOST", cfg.RPCHost)
	cfg.RPCPath = getEnvOrDefault("ARIA2_FLEET_RPC_PATH", cfg.RPCPath)
	cfg.RPCTimeout = getEnvIntOrDefault("ARIA2_FLEET_RPC_TIMEOUT", cfg.RPCTimeout)
	cfg.SpawnTimeout = getEnvIntOrDefault("ARIA2_FLEET_SPAWN_TIMEOUT", cfg.SpawnTimeout)
	cfg.PollInterval = getEnvIntOrDefault("ARIA2_FLEET_POLL_INTERVAL_MS", cfg.PollInterval)
	cfg.KillOnTimeout = getEnvBoolOrDefault("ARIA2_FLEET_KILL_ON_TIMEOUT", cfg.KillOnTimeout)
	cfg.DefaultProfile = getEnvOrDefault("ARIA2_FLEET_DEFAULT_PROFILE", cfg.DefaultProfile)
	cfg.DiscoverSchedule = getEnvOrDefault("ARIA2_FLEET_DISCOVER_SCHEDULE", cfg.DiscoverSchedule)
	cfg.SweepSchedule = getEnvOrDefault("ARIA2_FLEET_SWEEP_SCHEDULE", cfg.SweepSchedule)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	return cfg, nil
}

func (c *Config) readFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s not found", path)
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := toml.NewDecoder(file).Decode(c); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.BinaryName == "" {
		return errors.New("binary name must not be empty")
	}
	if c.RPCPortFlag == "" {
		return errors.New("rpc port flag must not be empty")
	}
	if c.SpawnTimeout <= 0 {
		return fmt.Errorf("spawn timeout must be positive, got %d", c.SpawnTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %d", c.PollInterval)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("rpc timeout must be positive, got %d", c.RPCTimeout)
	}
	return nil
}

func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "aria2-fleet.db")
}

func (c *Config) LaunchLockPath() string {
	return filepath.Join(c.DataDir, "launch.lock")
}

func (c *Config) SpawnDeadline() time.Duration {
	return time.Duration(c.SpawnTimeout) * time.Second
}

func (c *Config) PollEvery() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

func (c *Config) RPCDeadline() time.Duration {
	return time.Duration(c.RPCTimeout) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
