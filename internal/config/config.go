package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，例如 PETCHAT_HUB_URL
const EnvPrefix = "PETCHAT"

type Config struct {
	Token     string          `yaml:"token"`
	Hub       HubConfig       `yaml:"hub"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	API       APIConfig       `yaml:"api"`
	Typing    TypingConfig    `yaml:"typing"`
	Logging   LoggingConfig   `yaml:"logging"`
	Health    HealthConfig    `yaml:"health"`
}

type HubConfig struct {
	URL                string        `yaml:"url"`
	Transport          string        `yaml:"transport"` // websocket | webtransport
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	InvokeTimeout      time.Duration `yaml:"invoke_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	EventQueueSize     int           `yaml:"event_queue_size"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	MaxIdleTimeout     time.Duration `yaml:"max_idle_timeout"`
	KeepAlivePeriod    time.Duration `yaml:"keep_alive_period"`
}

type ReconnectConfig struct {
	InitialInterval     time.Duration `yaml:"initial_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	Multiplier          float64       `yaml:"multiplier"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
	MaxElapsedTime      time.Duration `yaml:"max_elapsed_time"`
}

type APIConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	RPS          float64       `yaml:"rps"`
	Burst        int           `yaml:"burst"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TypingConfig struct {
	QuietPeriod  time.Duration `yaml:"quiet_period"`
	RemoteExpiry time.Duration `yaml:"remote_expiry"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

type HealthConfig struct {
	Addr string `yaml:"addr"` // 为空时不启动
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			URL:               "ws://localhost:8080/hubs/chat",
			Transport:         "websocket",
			HandshakeTimeout:  10 * time.Second,
			InvokeTimeout:     10 * time.Second,
			WriteTimeout:      5 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			HeartbeatTimeout:  45 * time.Second,
			EventQueueSize:    1024,
			MaxIdleTimeout:    30 * time.Second,
			KeepAlivePeriod:   10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialInterval:     500 * time.Millisecond,
			MaxInterval:         30 * time.Second,
			Multiplier:          2,
			RandomizationFactor: 0.5,
			MaxElapsedTime:      5 * time.Minute,
		},
		API: APIConfig{
			BaseURL:      "http://localhost:8080/api",
			Timeout:      10 * time.Second,
			RPS:          5,
			Burst:        10,
			PollInterval: time.Minute,
		},
		Typing: TypingConfig{
			QuietPeriod:  2 * time.Second,
			RemoteExpiry: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Health: HealthConfig{
			Addr: ":9090",
		},
	}
}

// Load 读取 YAML 配置，未配置的项使用默认值，再用环境变量覆盖
// path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv(newEnv())
	return cfg, nil
}

func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// applyEnv 从环境变量覆盖配置
func (c *Config) applyEnv(v *viper.Viper) {
	c.Token = envString(v, "token", c.Token)

	// Hub
	c.Hub.URL = envString(v, "hub.url", c.Hub.URL)
	c.Hub.Transport = envString(v, "hub.transport", c.Hub.Transport)
	c.Hub.HandshakeTimeout = envDuration(v, "hub.handshake_timeout", c.Hub.HandshakeTimeout)
	c.Hub.InvokeTimeout = envDuration(v, "hub.invoke_timeout", c.Hub.InvokeTimeout)
	c.Hub.HeartbeatInterval = envDuration(v, "hub.heartbeat_interval", c.Hub.HeartbeatInterval)
	c.Hub.HeartbeatTimeout = envDuration(v, "hub.heartbeat_timeout", c.Hub.HeartbeatTimeout)
	c.Hub.InsecureSkipVerify = envBool(v, "hub.insecure_skip_verify", c.Hub.InsecureSkipVerify)

	// Reconnect
	c.Reconnect.MaxElapsedTime = envDuration(v, "reconnect.max_elapsed_time", c.Reconnect.MaxElapsedTime)

	// API
	c.API.BaseURL = envString(v, "api.base_url", c.API.BaseURL)
	c.API.Timeout = envDuration(v, "api.timeout", c.API.Timeout)
	c.API.RPS = envFloat(v, "api.rps", c.API.RPS)
	c.API.PollInterval = envDuration(v, "api.poll_interval", c.API.PollInterval)

	// Logging
	c.Logging.Level = envString(v, "logging.level", c.Logging.Level)
	c.Logging.Format = envString(v, "logging.format", c.Logging.Format)

	// Health
	c.Health.Addr = envString(v, "health.addr", c.Health.Addr)
}

func envString(v *viper.Viper, key, def string) string {
	if s := v.GetString(key); s != "" {
		return s
	}
	return def
}

func envDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	if v.GetString(key) == "" {
		return def
	}
	if d := v.GetDuration(key); d > 0 {
		return d
	}
	return def
}

func envBool(v *viper.Viper, key string, def bool) bool {
	if v.GetString(key) == "" {
		return def
	}
	return v.GetBool(key)
}

func envFloat(v *viper.Viper, key string, def float64) float64 {
	if v.GetString(key) == "" {
		return def
	}
	return v.GetFloat64(key)
}
