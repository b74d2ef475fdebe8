// Package config loads process configuration from a yaml file with
// environment-variable overrides for the settings that differ between
// deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	BaseDomain string `yaml:"base_domain"`

	DatabaseDSN string `yaml:"database_dsn"`

	Storage StorageConfig `yaml:"storage"`
	Mounts  MountConfig   `yaml:"mounts"`
	Plan    PlanConfig    `yaml:"plan"`
	Health  HealthConfig  `yaml:"health"`
}

type StorageConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	KeyFile         string        `yaml:"key_file"`
	KnownHostsFile  string        `yaml:"known_hosts_file"`
	InsecureHostKey bool          `yaml:"insecure_host_key"`
	BaseDir         string        `yaml:"base_dir"`
	BackupDir       string        `yaml:"backup_dir"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

type MountConfig struct {
	Remote  string `yaml:"remote"`
	BaseDir string `yaml:"base_dir"`
	Options string `yaml:"options"`
}

type PlanConfig struct {
	CPULimit       float64 `yaml:"cpu_limit"`
	MemoryLimitMB  int64   `yaml:"memory_limit_mb"`
	StorageQuotaGB int64   `yaml:"storage_quota_gb"`
}

type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns the built-in configuration; Load layers the yaml file
// and environment on top of it.
func Default() Config {
	return Config{
		ListenAddr:  ":3000",
		BaseDomain:  "mediadock.local",
		DatabaseDSN: "host=localhost user=mediadock dbname=mediadock sslmode=disable",
		Storage: StorageConfig{
			Port:        22,
			User:        "media",
			BaseDir:     "/srv/mediadock/customers",
			BackupDir:   "/srv/mediadock/backups",
			DialTimeout: 10 * time.Second,
		},
		Mounts: MountConfig{
			BaseDir: "/var/lib/mediadock/mounts",
		},
		Plan: PlanConfig{
			CPULimit:       1.0,
			MemoryLimitMB:  2048,
			StorageQuotaGB: 100,
		},
		Health: HealthConfig{
			Interval: time.Minute,
		},
	}
}

// Load reads the config file (optional: a missing path means defaults)
// and applies MEDIADOCK_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envString("MEDIADOCK_LISTEN_ADDR", &cfg.ListenAddr)
	envString("MEDIADOCK_BASE_DOMAIN", &cfg.BaseDomain)
	envString("MEDIADOCK_DATABASE_DSN", &cfg.DatabaseDSN)
	envString("MEDIADOCK_STORAGE_HOST", &cfg.Storage.Host)
	envInt("MEDIADOCK_STORAGE_PORT", &cfg.Storage.Port)
	envString("MEDIADOCK_STORAGE_USER", &cfg.Storage.User)
	envString("MEDIADOCK_STORAGE_KEY_FILE", &cfg.Storage.KeyFile)
	envString("MEDIADOCK_STORAGE_KNOWN_HOSTS", &cfg.Storage.KnownHostsFile)
	envString("MEDIADOCK_MOUNT_REMOTE", &cfg.Mounts.Remote)
	envString("MEDIADOCK_MOUNT_BASE_DIR", &cfg.Mounts.BaseDir)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c Config) validate() error {
	if c.Storage.Host == "" {
		return fmt.Errorf("storage.host is required")
	}
	if c.Storage.KeyFile == "" {
		return fmt.Errorf("storage.key_file is required")
	}
	if !c.Storage.InsecureHostKey && c.Storage.KnownHostsFile == "" {
		return fmt.Errorf("storage.known_hosts_file is required unless insecure_host_key is set")
	}
	if c.Mounts.Remote == "" {
		return fmt.Errorf("mounts.remote is required")
	}
	if c.Plan.CPULimit <= 0 || c.Plan.MemoryLimitMB <= 0 {
		return fmt.Errorf("plan limits must be positive")
	}
	return nil
}
