package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr         string        `yaml:"addr" env:"HTTP_ADDR"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	CORSOrigins  []string      `yaml:"corsOrigins" env:"HTTP_CORS_ORIGINS" envSeparator:","`
}

type GRPC struct {
	Addr string `yaml:"addr" env:"GRPC_ADDR"`
}

type Logging struct {
	Env       string `yaml:"env" env:"APP_ENV"`         // dev|stage|prod
	Service   string `yaml:"service"`                   // chat-relay
	Version   string `yaml:"version"`                   // v0.1.0
	Backend   string `yaml:"backend" env:"LOG_BACKEND"` // std|zap
	AddSource bool   `yaml:"addSource"`
	Debug     bool   `yaml:"debug" env:"LOG_DEBUG"`
}

type Postgres struct {
	DSN               string        `yaml:"dsn" env:"POSTGRES_DSN"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	ApplicationName   string        `yaml:"applicationName"`
	SlowQuery         time.Duration `yaml:"slowQuery"`
}

type SQLite struct {
	Path string `yaml:"path" env:"SQLITE_PATH"`
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Store struct {
	Driver   string   `yaml:"driver" env:"STORE_DRIVER"` // postgres|sqlite
	Postgres Postgres `yaml:"postgres"`
	SQLite   SQLite   `yaml:"sqlite"`
}

const (
	SessionModeStore = "store"
	SessionModeJWT   = "jwt"
)

type JWT struct {
	PublicKeyPath string        `yaml:"publicKeyPath" env:"JWT_PUBLIC_KEY_PATH"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	ClockSkew     time.Duration `yaml:"clockSkew"`
}

type Session struct {
	Mode       string `yaml:"mode" env:"SESSION_MODE"` // store|jwt
	CookieName string `yaml:"cookieName"`
	JWT        JWT    `yaml:"jwt"`
}

type WS struct {
	PingEvery      time.Duration `yaml:"pingEvery"`
	PongWait       time.Duration `yaml:"pongWait"`
	WriteWait      time.Duration `yaml:"writeWait"`
	SendQueue      int           `yaml:"sendQueue"`
	MaxMessageSize int64         `yaml:"maxMessageSize"`
	RateRPS        float64       `yaml:"rateRPS"`
	RateBurst      int           `yaml:"rateBurst"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
}

type Relay struct {
	MaxContentLen int `yaml:"maxContentLen"`
	HistoryLimit  int `yaml:"historyLimit"`
}

type Config struct {
	HTTP    HTTP    `yaml:"http"`
	GRPC    GRPC    `yaml:"grpc"`
	Logging Logging `yaml:"logging"`
	Store   Store   `yaml:"store"`
	Session Session `yaml:"session"`
	WS      WS      `yaml:"ws"`
	Relay   Relay   `yaml:"relay"`
}

// LoadConfig reads the yaml file at CONFIG_PATH (./config/config.yaml by default),
// then lets environment variables override it.
func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 10 * time.Second
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = 15 * time.Second
	}
	if c.HTTP.IdleTimeout == 0 {
		c.HTTP.IdleTimeout = 60 * time.Second
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case "":
		c.Store.Driver = DriverSQLite
		fallthrough
	case DriverSQLite:
		if c.Store.SQLite.Path == "" {
			c.Store.SQLite.Path = "./data/chat.db"
		}
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			return errors.New("store.postgres.dsn is required")
		}
		if c.Store.Postgres.ApplicationName == "" {
			c.Store.Postgres.ApplicationName = "chat-relay"
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}

	switch c.Session.Mode {
	case "":
		c.Session.Mode = SessionModeStore
	case SessionModeStore:
	case SessionModeJWT:
		if c.Session.JWT.PublicKeyPath == "" {
			return errors.New("session.jwt.publicKeyPath is required")
		}
		if c.Session.JWT.Issuer == "" {
			return errors.New("session.jwt.issuer is required")
		}
		if c.Session.JWT.ClockSkew < 0 || c.Session.JWT.ClockSkew > time.Minute {
			return errors.New("session.jwt.clockSkew must be in [0..1m]")
		}
	default:
		return fmt.Errorf("session.mode %q is not supported", c.Session.Mode)
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "session_token"
	}

	if c.WS.PingEvery <= 0 {
		c.WS.PingEvery = 15 * time.Second
	}
	if c.WS.PongWait <= c.WS.PingEvery {
		c.WS.PongWait = 2 * c.WS.PingEvery
	}
	if c.WS.WriteWait <= 0 {
		c.WS.WriteWait = 5 * time.Second
	}
	if c.WS.SendQueue <= 0 {
		c.WS.SendQueue = 256
	}
	if c.WS.MaxMessageSize <= 0 {
		c.WS.MaxMessageSize = 64 << 10
	}
	if c.WS.RateRPS <= 0 {
		c.WS.RateRPS = 20
	}
	if c.WS.RateBurst <= 0 {
		c.WS.RateBurst = 40
	}

	if c.Relay.MaxContentLen <= 0 {
		c.Relay.MaxContentLen = 4000
	}
	if c.Relay.HistoryLimit <= 0 {
		c.Relay.HistoryLimit = 50
	}

	if c.Logging.Service == "" {
		c.Logging.Service = "chat-relay"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}

	return nil
}
