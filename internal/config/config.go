package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultDataDir           = "runtime/data"
	defaultApexBaseURL       = "https://api.mozambiquehe.re"
	defaultApexTimeoutSec    = 15
	defaultApexCacheTTLSec   = 300
	defaultLogLevel          = "info"
	defaultPanelThrottleMS   = 10000
	defaultQueueConcurrency  = 3
	defaultQueuePauseMS      = 100
	defaultTaskTimeoutSec    = 120
	defaultSchedulerPollSec  = 5
	defaultSchedulerJitterMS = 500
	defaultStatusIntervalSec = 300
	defaultPanelIntervalSec  = 1800
	defaultPresenceInterval  = 120
	defaultMetricsBind       = "127.0.0.1:9464"
)

type Config struct {
	Discord DiscordConfig `yaml:"discord"`
	Data    DataConfig    `yaml:"data"`
	Apex    ApexConfig    `yaml:"apex"`
	Updates UpdatesConfig `yaml:"updates"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type DiscordConfig struct {
	Token string `yaml:"token"`
	// DevGuildID registers slash commands on one guild only, which applies instantly.
	DevGuildID string `yaml:"dev_guild_id"`
}

type DataConfig struct {
	Dir string `yaml:"dir"`
}

type ApexConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	TimeoutSec  int    `yaml:"timeout_sec"`
	CacheTTLSec int    `yaml:"cache_ttl_sec"`
}

type UpdatesConfig struct {
	PanelThrottleMS     int `yaml:"panel_throttle_ms"`
	QueueConcurrency    int `yaml:"queue_concurrency"`
	QueuePauseMS        int `yaml:"queue_pause_ms"`
	TaskTimeoutSec      int `yaml:"task_timeout_sec"`
	SchedulerPollSec    int `yaml:"scheduler_poll_sec"`
	SchedulerJitterMS   int `yaml:"scheduler_jitter_ms"`
	StatusIntervalSec   int `yaml:"status_interval_sec"`
	PanelIntervalSec    int `yaml:"panel_interval_sec"`
	PresenceIntervalSec int `yaml:"presence_interval_sec"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Color is nil when unset so the terminal check decides.
	Color *bool `yaml:"color"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

// Load reads the YAML file at path, then a .env file next to the working
// directory if present, then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Default() Config {
	return Config{
		Data: DataConfig{Dir: defaultDataDir},
		Apex: ApexConfig{
			BaseURL:     defaultApexBaseURL,
			TimeoutSec:  defaultApexTimeoutSec,
			CacheTTLSec: defaultApexCacheTTLSec,
		},
		Updates: UpdatesConfig{
			PanelThrottleMS:     defaultPanelThrottleMS,
			QueueConcurrency:    defaultQueueConcurrency,
			QueuePauseMS:        defaultQueuePauseMS,
			TaskTimeoutSec:      defaultTaskTimeoutSec,
			SchedulerPollSec:    defaultSchedulerPollSec,
			SchedulerJitterMS:   defaultSchedulerJitterMS,
			StatusIntervalSec:   defaultStatusIntervalSec,
			PanelIntervalSec:    defaultPanelIntervalSec,
			PresenceIntervalSec: defaultPresenceInterval,
		},
		Log:     LogConfig{Level: defaultLogLevel},
		Metrics: MetricsConfig{Bind: defaultMetricsBind},
	}
}

func (c Config) Validate() error {
	if c.Discord.Token == "" {
		return errors.New("discord.token is required")
	}
	if c.Data.Dir == "" {
		return errors.New("data.dir is required")
	}
	if c.Apex.BaseURL == "" {
		return errors.New("apex.base_url is required")
	}
	if c.Updates.QueueConcurrency <= 0 {
		return errors.New("updates.queue_concurrency must be positive")
	}
	if c.Updates.StatusIntervalSec <= 0 || c.Updates.PanelIntervalSec <= 0 || c.Updates.PresenceIntervalSec <= 0 {
		return errors.New("updates intervals must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if c.Metrics.Enabled && c.Metrics.Bind == "" {
		return errors.New("metrics.bind is required when metrics are enabled")
	}
	return nil
}

func (c *Config) normalize() {
	c.Apex.BaseURL = strings.TrimRight(strings.TrimSpace(c.Apex.BaseURL), "/")
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Updates.PanelThrottleMS < 0 {
		c.Updates.PanelThrottleMS = 0
	}
	if c.Updates.QueuePauseMS <= 0 {
		c.Updates.QueuePauseMS = defaultQueuePauseMS
	}
	if c.Updates.TaskTimeoutSec <= 0 {
		c.Updates.TaskTimeoutSec = defaultTaskTimeoutSec
	}
	if c.Updates.SchedulerPollSec <= 0 {
		c.Updates.SchedulerPollSec = defaultSchedulerPollSec
	}
	if c.Updates.SchedulerJitterMS < 0 {
		c.Updates.SchedulerJitterMS = 0
	}
}

func (u UpdatesConfig) PanelThrottle() time.Duration {
	return time.Duration(u.PanelThrottleMS) * time.Millisecond
}

func (u UpdatesConfig) QueuePause() time.Duration {
	return time.Duration(u.QueuePauseMS) * time.Millisecond
}

func (u UpdatesConfig) TaskTimeout() time.Duration {
	return time.Duration(u.TaskTimeoutSec) * time.Second
}

func (u UpdatesConfig) SchedulerPoll() time.Duration {
	return time.Duration(u.SchedulerPollSec) * time.Second
}

func (u UpdatesConfig) SchedulerJitter() time.Duration {
	return time.Duration(u.SchedulerJitterMS) * time.Millisecond
}

func (u UpdatesConfig) StatusInterval() time.Duration {
	return time.Duration(u.StatusIntervalSec) * time.Second
}

func (u UpdatesConfig) PanelInterval() time.Duration {
	return time.Duration(u.PanelIntervalSec) * time.Second
}

func (u UpdatesConfig) PresenceInterval() time.Duration {
	return time.Duration(u.PresenceIntervalSec) * time.Second
}

func (a ApexConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}

func (a ApexConfig) CacheTTL() time.Duration {
	return time.Duration(a.CacheTTLSec) * time.Second
}

func applyEnvOverrides(cfg *Config) error {
	applyString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	applyInt := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	applyBool := func(key string, dst *bool) {
		if v, ok := parseBoolEnv(key); ok {
			*dst = v
		}
	}

	applyString("DISCORD_TOKEN", &cfg.Discord.Token)
	applyString("DISCORD_DEV_GUILD_ID", &cfg.Discord.DevGuildID)
	applyString("APEXRANK_DATA_DIR", &cfg.Data.Dir)
	applyString("APEX_API_BASE_URL", &cfg.Apex.BaseURL)
	applyString("APEX_API_KEY", &cfg.Apex.APIKey)
	applyInt("APEX_API_TIMEOUT_SEC", &cfg.Apex.TimeoutSec)
	applyInt("APEXRANK_PANEL_THROTTLE_MS", &cfg.Updates.PanelThrottleMS)
	applyInt("APEXRANK_QUEUE_CONCURRENCY", &cfg.Updates.QueueConcurrency)
	applyInt("APEXRANK_TASK_TIMEOUT_SEC", &cfg.Updates.TaskTimeoutSec)
	applyInt("APEXRANK_STATUS_INTERVAL_SEC", &cfg.Updates.StatusIntervalSec)
	applyString("APEXRANK_LOG_LEVEL", &cfg.Log.Level)
	if v, ok := parseBoolEnv("APEXRANK_LOG_COLOR"); ok {
		cfg.Log.Color = &v
	}
	applyBool("APEXRANK_METRICS_ENABLED", &cfg.Metrics.Enabled)
	applyString("APEXRANK_METRICS_BIND", &cfg.Metrics.Bind)
	return errors.Join(errs...)
}

func parseBoolEnv(key string) (bool, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
