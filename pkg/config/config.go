package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "./config.yaml"

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logger      LoggerConfig      `yaml:"logger"`
	Chain       ChainConfig       `yaml:"chain"`
	Payment     PaymentConfig     `yaml:"payment"`
	Tokens      []TokenConfig     `yaml:"tokens"`
	Poller      PollerConfig      `yaml:"poller"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Security    SecurityConfig    `yaml:"security"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

type ServerConfig struct {
	Host        string `yaml:"host" env:"SERVER_HOST"`
	Port        string `yaml:"port" env:"SERVER_PORT"`
	Environment string `yaml:"environment" env:"SERVER_ENVIRONMENT"`
}

type LoggerConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	TimeFormat string `yaml:"time_format" env:"LOG_TIME_FORMAT"`
	Pretty     bool   `yaml:"pretty" env:"LOG_PRETTY"`
}

type ChainConfig struct {
	Name         string        `yaml:"name" env:"CHAIN_NAME"`
	ChainID      int64         `yaml:"chain_id" env:"CHAIN_ID"`
	RPCURL       string        `yaml:"rpc_url" env:"CHAIN_RPC_URL"`
	WebsocketURL string        `yaml:"websocket_url" env:"CHAIN_WS_URL"`
	Mode         string        `yaml:"mode" env:"CHAIN_MODE"` // poll | push
	Timeout      time.Duration `yaml:"timeout" env:"CHAIN_TIMEOUT"`
	// StreamRetention is how many blocks of pushed transfers are kept in memory.
	StreamRetention uint64 `yaml:"stream_retention" env:"CHAIN_STREAM_RETENTION"`
}

type PaymentConfig struct {
	ReceiverAddress       string        `yaml:"receiver_address" env:"PAYMENT_RECEIVER_ADDRESS"`
	Timeout               time.Duration `yaml:"timeout" env:"PAYMENT_TIMEOUT"`
	RequiredConfirmations uint64        `yaml:"required_confirmations" env:"PAYMENT_REQUIRED_CONFIRMATIONS"`
	ToleranceFloor        string        `yaml:"tolerance_floor" env:"PAYMENT_TOLERANCE_FLOOR"`
	ToleranceFactor       string        `yaml:"tolerance_factor" env:"PAYMENT_TOLERANCE_FACTOR"`
}

type TokenConfig struct {
	Symbol   string `yaml:"symbol"`
	Name     string `yaml:"name"`
	Contract string `yaml:"contract"`
	Decimals int32  `yaml:"decimals"`
}

type PollerConfig struct {
	Interval        time.Duration `yaml:"interval" env:"POLLER_INTERVAL"`
	MaxBlockSpan    uint64        `yaml:"max_block_span" env:"POLLER_MAX_BLOCK_SPAN"`
	InitialLookback uint64        `yaml:"initial_lookback" env:"POLLER_INITIAL_LOOKBACK"`
	RetryBudget     int           `yaml:"retry_budget" env:"POLLER_RETRY_BUDGET"`
	MaxBackoff      time.Duration `yaml:"max_backoff" env:"POLLER_MAX_BACKOFF"`
	RateLimitPause  time.Duration `yaml:"rate_limit_pause" env:"POLLER_RATE_LIMIT_PAUSE"`
	RPCPerSecond    float64       `yaml:"rpc_per_second" env:"POLLER_RPC_PER_SECOND"`
	RPCBurst        int           `yaml:"rpc_burst" env:"POLLER_RPC_BURST"`
}

type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled" env:"DB_ENABLED"`
	Host     string `yaml:"host" env:"DB_HOST"`
	Port     string `yaml:"port" env:"DB_PORT"`
	User     string `yaml:"user" env:"DB_USER"`
	DBName   string `yaml:"name" env:"DB_NAME"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	SSLMode  string `yaml:"ssl_mode" env:"DB_SSL_MODE"`
	MaxConns int32  `yaml:"max_conns" env:"DB_MAX_CONNS"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url" env:"RABBITMQ_URL"`
	Exchange string `yaml:"exchange" env:"RABBITMQ_EXCHANGE"`
}

type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	CheckOrigin     bool          `yaml:"check_origin"`
	PingPeriod      time.Duration `yaml:"ping_period"`
}

type SecurityConfig struct {
	APIKey string `yaml:"api_key" env:"API_KEY"`
}

type DiagnosticsConfig struct {
	RecentErrors  int    `yaml:"recent_errors" env:"DIAGNOSTICS_RECENT_ERRORS"`
	SweepSchedule string `yaml:"sweep_schedule" env:"DIAGNOSTICS_SWEEP_SCHEDULE"`
	StatsSchedule string `yaml:"stats_schedule" env:"DIAGNOSTICS_STATS_SCHEDULE"`
}

// Default returns the configuration used when neither the YAML file nor the
// environment set a value.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        "8080",
			Environment: "development",
		},
		Logger: LoggerConfig{
			Level:      "info",
			TimeFormat: time.RFC3339,
		},
		Chain: ChainConfig{
			Name:            "BNB Smart Chain",
			ChainID:         56,
			RPCURL:          "https://bsc-dataseed1.binance.org/",
			Mode:            "poll",
			Timeout:         15 * time.Second,
			StreamRetention: 2000,
		},
		Payment: PaymentConfig{
			ReceiverAddress:       "0xe27577B0e3920cE35f100f66430de0108cb78a04",
			Timeout:               30 * time.Minute,
			RequiredConfirmations: 3,
			ToleranceFloor:        "0.001",
			ToleranceFactor:       "0.001",
		},
		Tokens: []TokenConfig{
			{Symbol: "USDT", Name: "Tether USD", Contract: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
			{Symbol: "USDC", Name: "USD Coin", Contract: "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", Decimals: 18},
			{Symbol: "BUSD", Name: "Binance USD", Contract: "0xe9e7CEA3DedcA5984780Bafc599bD69ADd087D56", Decimals: 18},
		},
		Poller: PollerConfig{
			Interval:        5 * time.Second,
			MaxBlockSpan:    500,
			InitialLookback: 20,
			RetryBudget:     10,
			MaxBackoff:      2 * time.Minute,
			RateLimitPause:  2 * time.Minute,
			RPCPerSecond:    5,
			RPCBurst:        5,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     "5432",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		RabbitMQ: RabbitMQConfig{
			Exchange: "payments",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      54 * time.Second,
		},
		Diagnostics: DiagnosticsConfig{
			RecentErrors:  50,
			SweepSchedule: "@every 30s",
			StatsSchedule: "@every 5m",
		},
	}
}

// Load reads .env, then the YAML file at path, then environment overrides.
// A missing file at DefaultPath is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path == "" {
		path = DefaultPath
	}

	config := Default()

	configData, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(configData, &config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Payment.ReceiverAddress) == "" {
		errs = append(errs, errors.New("payment.receiver_address is required"))
	}
	if c.Payment.Timeout <= 0 {
		errs = append(errs, errors.New("payment.timeout must be positive"))
	}
	if len(c.Tokens) == 0 {
		errs = append(errs, errors.New("at least one token must be configured"))
	}
	for _, t := range c.Tokens {
		if t.Symbol == "" || t.Contract == "" {
			errs = append(errs, fmt.Errorf("token %q: symbol and contract are required", t.Symbol))
		}
		if t.Decimals < 0 || t.Decimals > 36 {
			errs = append(errs, fmt.Errorf("token %q: decimals out of range", t.Symbol))
		}
	}
	if c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain.rpc_url is required"))
	}
	switch c.Chain.Mode {
	case "poll":
	case "push":
		if c.Chain.WebsocketURL == "" {
			errs = append(errs, errors.New("chain.websocket_url is required in push mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("chain.mode must be poll or push, got %q", c.Chain.Mode))
	}
	if c.Poller.Interval <= 0 {
		errs = append(errs, errors.New("poller.interval must be positive"))
	}
	if c.Poller.MaxBlockSpan == 0 {
		errs = append(errs, errors.New("poller.max_block_span must be positive"))
	}

	return errors.Join(errs...)
}
