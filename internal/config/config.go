package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Timezone    string `envconfig:"TIMEZONE" default:"Asia/Jakarta"`

	// Media and logs
	MediaDir string `envconfig:"MEDIA_DIR" default:"./videos"`
	LogDir   string `envconfig:"LOG_DIR" default:"./logs"`

	// Store
	StoreDriver       string        `envconfig:"STORE_DRIVER" default:"sqlite"` // "sqlite" or "memory"
	DBPath            string        `envconfig:"DB_PATH" default:"./streamhib.db"`
	InactiveRetention time.Duration `envconfig:"INACTIVE_RETENTION" default:"0"` // 0 keeps inactive sessions forever

	// Supervisor
	SupervisorBackend      string        `envconfig:"SUPERVISOR_BACKEND" default:"systemd"` // "systemd", "kubernetes" or "memory"
	SystemdUnitDir         string        `envconfig:"SYSTEMD_UNIT_DIR"`                     // defaults to ~/.config/systemd/user
	SystemctlBin           string        `envconfig:"SYSTEMCTL_BIN" default:"systemctl"`
	FFmpegPath             string        `envconfig:"FFMPEG_PATH" default:"/usr/bin/ffmpeg"`
	SupervisorStopTimeout  time.Duration `envconfig:"SUPERVISOR_STOP_TIMEOUT" default:"15s"`
	SupervisorQueryTimeout time.Duration `envconfig:"SUPERVISOR_QUERY_TIMEOUT" default:"10s"`

	// Kubernetes backend
	KubeConfig    string `envconfig:"KUBE_CONFIG"` // empty uses in-cluster config
	KubeNamespace string `envconfig:"KUBE_NAMESPACE" default:"streamhib"`
	KubeImage     string `envconfig:"KUBE_IMAGE" default:"jrottenberg/ffmpeg:6.1-alpine"`
	KubeMediaPVC  string `envconfig:"KUBE_MEDIA_PVC"`

	// Scheduler and reconciler
	HealthCheckInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"2m"`
	ReconcileInterval   time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
	ExpirySweepSpec     string        `envconfig:"EXPIRY_SWEEP_SPEC" default:"0 * * * *"`
	ExpiryMinBuffer     time.Duration `envconfig:"EXPIRY_MIN_BUFFER" default:"60m"`
	PurgeOrphans        bool          `envconfig:"RECONCILE_PURGE_ORPHANS" default:"false"`
	TriggerTimeout      time.Duration `envconfig:"TRIGGER_TIMEOUT" default:"2m"`

	// Platforms
	PlatformsFile string `envconfig:"PLATFORMS_FILE"`

	// Redis notifier (optional)
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisChannel  string `envconfig:"REDIS_CHANNEL" default:"streamhib:events"`

	// Management API
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode       string `envconfig:"MGMT_AUTH_MODE" default:"api-key"` // "api-key" or "none"
	MgmtAPIKey         string `envconfig:"MGMT_API_KEY"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"100"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"200"`
	MgmtCORSOrigins    string `envconfig:"MGMT_CORS_ORIGINS"`
}

// RedisEnabled returns true if a Redis address is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// Development reports whether the process runs in development mode.
func (c *Config) Development() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// CORSOriginList returns the parsed list of allowed CORS origins.
func (c *Config) CORSOriginList() []string {
	if c.MgmtCORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.MgmtCORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, o := range parts {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Validate checks enumerated settings and cross-field requirements.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.SupervisorBackend {
	case "systemd", "kubernetes", "memory":
	default:
		return fmt.Errorf("invalid SUPERVISOR_BACKEND %q", c.SupervisorBackend)
	}
	switch c.MgmtAuthMode {
	case "api-key":
		if c.MgmtAPIKey == "" {
			return fmt.Errorf("MGMT_API_KEY is required when MGMT_AUTH_MODE=api-key")
		}
	case "none":
	default:
		return fmt.Errorf("invalid MGMT_AUTH_MODE %q", c.MgmtAuthMode)
	}
	if c.HealthCheckInterval <= 0 || c.ReconcileInterval <= 0 {
		return fmt.Errorf("HEALTH_CHECK_INTERVAL and RECONCILE_INTERVAL must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
