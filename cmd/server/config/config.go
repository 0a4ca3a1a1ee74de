// Package config loads server settings from defaults, an optional config
// file, a .env file and ORDERSAGA_* environment variables, in increasing
// precedence.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"
	"time"

	"ordersaga/internal/orders"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	EnvPrefix     = "ORDERSAGA"
	ConfigFileEnv = "ORDERSAGA_CONFIG"
	DotEnvFile    = ".env"

	EnvProduction = "production"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
	ObsAddr  string `mapstructure:"obs_addr"`
	Env      string `mapstructure:"env"`

	Log           LogConfig                  `mapstructure:"log"`
	Store         StoreConfig                `mapstructure:"store"`
	Collaborators orders.CollaboratorsConfig `mapstructure:"collaborators"`
	Reliability   orders.ReliabilityConfig   `mapstructure:"reliability"`
	GRPC          GRPCConfig                 `mapstructure:"grpc"`
	AMQP          AMQPConfig                 `mapstructure:"amqp"`
	Saga          SagaConfig                 `mapstructure:"saga"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// StoreConfig selects the order store. DatabaseURL is also used by the
// postgres collaborators and the step log.
type StoreConfig struct {
	Backend     string      `mapstructure:"backend"`
	DatabaseURL string      `mapstructure:"database_url"`
	Redis       RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection and behavior settings. Zero pool and
// timeout values keep the go-redis defaults.
type RedisConfig struct {
	URL                string        `mapstructure:"url"`
	KeyPrefix          string        `mapstructure:"key_prefix"`
	StreamMaxLen       int64         `mapstructure:"stream_maxlen"`
	HealthcheckTimeout time.Duration `mapstructure:"healthcheck_timeout"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	PoolSize           int           `mapstructure:"pool_size"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	MaxRetries         int           `mapstructure:"max_retries"`
	EnableOTel         bool          `mapstructure:"otel"`
	TLS                TLSConfig     `mapstructure:"tls"`
}

type TLSConfig struct {
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	ServerName         string `mapstructure:"server_name"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// GRPCConfig holds ingress rate limiting settings.
type GRPCConfig struct {
	RateLimitInterval time.Duration `mapstructure:"rate_limit_interval"`
	RateLimitBurst    int           `mapstructure:"rate_limit_burst"`
}

// AMQPConfig enables event publishing when URL is set.
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type SagaConfig struct {
	PreserveHardFailures bool `mapstructure:"preserve_hard_failures"`
	StepLog              bool `mapstructure:"step_log"`
}

func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":50051",
		ObsAddr:  ":9090",
		Env:      "development",
		Log:      LogConfig{Level: "info"},
		Store: StoreConfig{
			Backend: StoreMemory,
			Redis: RedisConfig{
				KeyPrefix:          "ordersaga:",
				StreamMaxLen:       1000,
				HealthcheckTimeout: 2 * time.Second,
			},
		},
		Collaborators: orders.DefaultCollaboratorsConfig(),
		Reliability:   orders.DefaultReliabilityConfig(),
		GRPC: GRPCConfig{
			RateLimitInterval: time.Millisecond,
			RateLimitBurst:    200,
		},
		AMQP: AMQPConfig{Exchange: "ordersaga.events"},
		Saga: SagaConfig{StepLog: true},
	}
}

// Load reads the configuration. A missing .env file is not an error.
func Load() (Config, error) {
	return LoadFromViper(viper.New())
}

func LoadFromViper(v *viper.Viper) (Config, error) {
	_ = godotenv.Load(DotEnvFile)

	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := strings.TrimSpace(os.Getenv(ConfigFileEnv)); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", file)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can override nested
// values during Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("http_addr", d.HTTPAddr)
	v.SetDefault("grpc_addr", d.GRPCAddr)
	v.SetDefault("obs_addr", d.ObsAddr)
	v.SetDefault("env", d.Env)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.database_url", d.Store.DatabaseURL)
	r := d.Store.Redis
	v.SetDefault("store.redis.url", r.URL)
	v.SetDefault("store.redis.key_prefix", r.KeyPrefix)
	v.SetDefault("store.redis.stream_maxlen", r.StreamMaxLen)
	v.SetDefault("store.redis.healthcheck_timeout", r.HealthcheckTimeout)
	v.SetDefault("store.redis.dial_timeout", r.DialTimeout)
	v.SetDefault("store.redis.read_timeout", r.ReadTimeout)
	v.SetDefault("store.redis.write_timeout", r.WriteTimeout)
	v.SetDefault("store.redis.pool_size", r.PoolSize)
	v.SetDefault("store.redis.min_idle_conns", r.MinIdleConns)
	v.SetDefault("store.redis.max_retries", r.MaxRetries)
	v.SetDefault("store.redis.otel", r.EnableOTel)
	v.SetDefault("store.redis.tls.ca_file", r.TLS.CAFile)
	v.SetDefault("store.redis.tls.cert_file", r.TLS.CertFile)
	v.SetDefault("store.redis.tls.key_file", r.TLS.KeyFile)
	v.SetDefault("store.redis.tls.server_name", r.TLS.ServerName)
	v.SetDefault("store.redis.tls.insecure_skip_verify", r.TLS.InsecureSkipVerify)

	c := d.Collaborators
	v.SetDefault("collaborators.mode", c.Mode)
	v.SetDefault("collaborators.customer_url", c.CustomerURL)
	v.SetDefault("collaborators.inventory_url", c.InventoryURL)
	v.SetDefault("collaborators.payment_url", c.PaymentURL)
	v.SetDefault("collaborators.shipping_url", c.ShippingURL)
	v.SetDefault("collaborators.credit_limit", c.CreditLimit)
	v.SetDefault("collaborators.stock", c.Stock)
	v.SetDefault("collaborators.max_charge", c.MaxCharge)

	rel := d.Reliability
	v.SetDefault("reliability.call_timeout", rel.CallTimeout)
	v.SetDefault("reliability.retry_max_attempts", rel.RetryMaxAttempts)
	v.SetDefault("reliability.retry_base_delay", rel.RetryBaseDelay)
	v.SetDefault("reliability.retry_max_delay", rel.RetryMaxDelay)
	v.SetDefault("reliability.breaker_max_failures", rel.BreakerMaxFailures)
	v.SetDefault("reliability.breaker_reset_timeout", rel.BreakerResetTimeout)
	v.SetDefault("reliability.rate_limit_interval", rel.RateLimitInterval)
	v.SetDefault("reliability.rate_limit_burst", rel.RateLimitBurst)

	v.SetDefault("grpc.rate_limit_interval", d.GRPC.RateLimitInterval)
	v.SetDefault("grpc.rate_limit_burst", d.GRPC.RateLimitBurst)

	v.SetDefault("amqp.url", d.AMQP.URL)
	v.SetDefault("amqp.exchange", d.AMQP.Exchange)

	v.SetDefault("saga.preserve_hard_failures", d.Saga.PreserveHardFailures)
	v.SetDefault("saga.step_log", d.Saga.StepLog)
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.HTTPAddr, validation.Required),
		validation.Field(&c.GRPCAddr, validation.Required),
		validation.Field(&c.ObsAddr, validation.Required),
		validation.Field(&c.Log),
		validation.Field(&c.Store, validation.By(func(any) error {
			if c.Collaborators.Mode == orders.ModePostgres && c.Store.DatabaseURL == "" {
				return errors.New("postgres collaborators need store.database_url")
			}
			return nil
		})),
		validation.Field(&c.Collaborators),
		validation.Field(&c.Reliability),
		validation.Field(&c.GRPC),
		validation.Field(&c.AMQP),
	)
}

// NeedsDatabase reports whether any component opens the Postgres database.
// The step log is written only when a database is configured.
func (c Config) NeedsDatabase() bool {
	return c.Store.Backend == StorePostgres ||
		c.Collaborators.Mode == orders.ModePostgres ||
		(c.Saga.StepLog && c.Store.DatabaseURL != "")
}

func (c Config) IsProduction() bool {
	return c.Env == EnvProduction
}

func (c LogConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Level, validation.In("debug", "info", "warn", "error")),
	)
}

func (c StoreConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Backend, validation.Required, validation.In(StoreMemory, StorePostgres, StoreRedis)),
		validation.Field(&c.DatabaseURL, validation.When(c.Backend == StorePostgres, validation.Required)),
		validation.Field(&c.Redis, validation.Skip.When(c.Backend != StoreRedis)),
	)
}

func (c RedisConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.URL, validation.Required),
		validation.Field(&c.StreamMaxLen, validation.Min(int64(0))),
		validation.Field(&c.HealthcheckTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.PoolSize, validation.Min(0)),
		validation.Field(&c.MinIdleConns, validation.Min(0)),
		validation.Field(&c.MaxRetries, validation.Min(0)),
		validation.Field(&c.TLS),
	)
}

func (c TLSConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.CertFile, validation.When(c.KeyFile != "", validation.Required.Error("must be set together with key_file"))),
		validation.Field(&c.KeyFile, validation.When(c.CertFile != "", validation.Required.Error("must be set together with cert_file"))),
	)
}

func (c GRPCConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.RateLimitInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.RateLimitBurst, validation.Min(0)),
	)
}

func (c AMQPConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Exchange, validation.When(c.URL != "", validation.Required)),
	)
}

// Build returns nil when no TLS option is set.
func (c TLSConfig) Build() (*tls.Config, error) {
	if c == (TLSConfig{}) {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.CAFile != "" {
		pemData, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "read redis CA file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.Errorf("%s contains no valid certificates", c.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load redis TLS keypair")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
