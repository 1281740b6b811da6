package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full dlcore configuration. Fields absent from a file keep
// their Default values.
type Config struct {
	Connections ConnectionsConfig `yaml:"connections"`
	Retry       RetryConfig       `yaml:"retry"`
	Checkpoint  ThresholdConfig   `yaml:"checkpoint"`
	Progress    ThresholdConfig   `yaml:"progress"`
	Preallocate bool              `yaml:"preallocate"`
	AppendOnly  bool              `yaml:"append_only"`
	RateLimit   ByteSize          `yaml:"rate_limit"`
	HTTP        HTTPConfig        `yaml:"http"`
	S3          S3Config          `yaml:"s3"`
	Network     NetworkConfig     `yaml:"network"`
	Storage     StorageConfig     `yaml:"storage"`
	Notify      NotifyConfig      `yaml:"notify"`
	API         APIConfig         `yaml:"api"`
}

type ConnectionsConfig struct {
	Max int `yaml:"max"`
	// Policy is "tiered" or "fixed".
	Policy string `yaml:"policy"`
	Fixed  int    `yaml:"fixed"`
}

type RetryConfig struct {
	Attempts    int      `yaml:"attempts"`
	Backoff     Duration `yaml:"backoff"`
	MaxBackoff  Duration `yaml:"max_backoff"`
	MaxRestarts int      `yaml:"max_restarts"`
}

type ThresholdConfig struct {
	MinBytes    ByteSize `yaml:"min_bytes"`
	MinInterval Duration `yaml:"min_interval"`
}

type HTTPConfig struct {
	Timeout        Duration          `yaml:"timeout"`
	KeepAlive      Duration          `yaml:"keep_alive"`
	UserAgent      string            `yaml:"user_agent"`
	Proxy          string            `yaml:"proxy"`
	ProxyUsername  string            `yaml:"proxy_username"`
	ProxyPassword  string            `yaml:"proxy_password"`
	Headers        map[string]string `yaml:"headers"`
	BearerToken    string            `yaml:"bearer_token"`
	TokenFile      string            `yaml:"token_file"`
	HighThreadMode bool              `yaml:"high_thread_mode"`
}

type S3Config struct {
	Profile string `yaml:"profile"`
	Region  string `yaml:"region"`
}

type NetworkConfig struct {
	// RequireInterface makes a task give up once the named interface is down.
	RequireInterface string `yaml:"require_interface"`
}

type StorageConfig struct {
	// Driver is memory, redis or mysql.
	Driver        string `yaml:"driver"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	MySQLDSN      string `yaml:"mysql_dsn"`
}

type NotifyConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

func Default() Config {
	return Config{
		Connections: ConnectionsConfig{Max: 5, Policy: "tiered"},
		Retry: RetryConfig{
			Attempts:    5,
			Backoff:     Duration(500 * time.Millisecond),
			MaxBackoff:  Duration(30 * time.Second),
			MaxRestarts: 3,
		},
		Checkpoint: ThresholdConfig{
			MinBytes:    64 * 1024,
			MinInterval: Duration(2 * time.Second),
		},
		Progress: ThresholdConfig{
			MinBytes:    64 * 1024,
			MinInterval: Duration(500 * time.Millisecond),
		},
		Preallocate: true,
		HTTP: HTTPConfig{
			Timeout:   Duration(60 * time.Second),
			KeepAlive: Duration(60 * time.Second),
		},
		Storage: StorageConfig{Driver: "memory"},
		Notify:  NotifyConfig{Exchange: "dlcore"},
		API:     APIConfig{Listen: "127.0.0.1:8080"},
	}
}

func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv overrides infrastructure settings from DLCORE_ variables.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("DLCORE_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("DLCORE_REDIS_ADDR"); v != "" {
		c.Storage.RedisAddr = v
	}
	if v := os.Getenv("DLCORE_REDIS_PASSWORD"); v != "" {
		c.Storage.RedisPassword = v
	}
	if v := os.Getenv("DLCORE_MYSQL_DSN"); v != "" {
		c.Storage.MySQLDSN = v
	}
	if v := os.Getenv("DLCORE_AMQP_URL"); v != "" {
		c.Notify.AMQPURL = v
	}
	if v := os.Getenv("DLCORE_BEARER_TOKEN"); v != "" {
		c.HTTP.BearerToken = v
	}
	if v := os.Getenv("DLCORE_MAX_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse DLCORE_MAX_CONNECTIONS: %w", err)
		}
		c.Connections.Max = n
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Connections.Max <= 0 {
		errs = append(errs, errors.New("config: connections.max must be positive"))
	}
	switch c.Connections.Policy {
	case "tiered":
	case "fixed":
		if c.Connections.Fixed <= 0 {
			errs = append(errs, errors.New("config: connections.fixed must be positive with the fixed policy"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown connections.policy %q", c.Connections.Policy))
	}
	if c.Retry.Attempts < 0 {
		errs = append(errs, errors.New("config: retry.attempts must not be negative"))
	}
	if c.Retry.MaxRestarts < 0 {
		errs = append(errs, errors.New("config: retry.max_restarts must not be negative"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("config: rate_limit must not be negative"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "redis":
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("config: storage.redis_addr is required for the redis driver"))
		}
	case "mysql":
		if c.Storage.MySQLDSN == "" {
			errs = append(errs, errors.New("config: storage.mysql_dsn is required for the mysql driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Notify.AMQPURL != "" && c.Notify.Exchange == "" {
		errs = append(errs, errors.New("config: notify.exchange is required with notify.amqp_url"))
	}
	return errors.Join(errs...)
}

// Duration reads "500ms" style strings.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ByteSize reads "64KB" style strings or plain byte counts.
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

func ParseBytes(s string) (int64, error) {
	var multiplier int64 = 1
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "IB")
	s = strings.TrimSuffix(s, "B")
	switch {
	case strings.HasSuffix(s, "T"):
		multiplier = 1 << 40
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte string: %q", s)
	}
	return int64(value * float64(multiplier)), nil
}
