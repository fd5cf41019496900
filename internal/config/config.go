package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/chaindoc/internal/ratelimit"
)

// Storage drivers
const (
	DriverBolt  = "bolt"
	DriverMongo = "mongo"
)

// Environment variables that override secrets from the config file
const (
	EnvPrivateKey   = "CHAINDOC_CHAIN_PRIVATE_KEY"
	EnvRPCURL       = "CHAINDOC_CHAIN_RPC_URL"
	EnvAPIKey       = "CHAINDOC_API_KEY"
	EnvJWTSecret    = "CHAINDOC_JWT_SECRET"
	EnvMongoURI     = "CHAINDOC_MONGO_URI"
	EnvSMTPPassword = "CHAINDOC_SMTP_PASSWORD"
)

// Config is the main configuration structure
type Config struct {
	API       APIConfig       `yaml:"api"`
	Chain     ChainConfig     `yaml:"chain"`
	Compiler  CompilerConfig  `yaml:"compiler"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// APIKey authenticates a single issuer, IssuerID
	APIKey   string `yaml:"api_key"`
	IssuerID string `yaml:"issuer_id"` // Default: default
	// JWTSecret enables HS256 bearer tokens whose sub is the issuer ID
	JWTSecret      string        `yaml:"jwt_secret"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`   // Default: 1MB
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // Default: 30s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // Default: 5m, deployments wait for receipts
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // Default: 60s
}

// ChainConfig contains blockchain connection settings
type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	ChainID        int64         `yaml:"chain_id"`
	PrivateKey     string        `yaml:"private_key"`
	Network        string        `yaml:"network"`
	GasLimit       uint64        `yaml:"gas_limit"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// CompilerConfig contains solc settings
type CompilerConfig struct {
	SolcPath string        `yaml:"solc_path"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StorageConfig contains storage settings. The bolt file at Path also holds
// rate limit and metrics counters when Driver is mongo.
type StorageConfig struct {
	Driver string      `yaml:"driver"` // bolt or mongo
	Path   string      `yaml:"path"`
	Mongo  MongoConfig `yaml:"mongo"`
}

// MongoConfig contains MongoDB settings
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// RateLimitConfig contains issuance rate limiting settings
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	Global          *ratelimit.LimitConfig            `yaml:"global,omitempty"`
	DefaultIssuer   *ratelimit.LimitConfig            `yaml:"default_issuer,omitempty"`
	Issuers         map[string]*ratelimit.LimitConfig `yaml:"issuers,omitempty"`
	DefaultTemplate *ratelimit.LimitConfig            `yaml:"default_template,omitempty"`
	FlushInterval   time.Duration                     `yaml:"flush_interval"`
}

// Limiter returns the limiter configuration
func (c RateLimitConfig) Limiter() *ratelimit.Config {
	return &ratelimit.Config{
		Global:          c.Global,
		DefaultIssuer:   c.DefaultIssuer,
		Issuers:         c.Issuers,
		DefaultTemplate: c.DefaultTemplate,
		FlushInterval:   c.FlushInterval,
	}
}

// NotifyConfig contains issuance e-mail settings
type NotifyConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"` // Default: 587
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	From      string        `yaml:"from"`
	HeloName  string        `yaml:"helo_name"`
	TLS       string        `yaml:"tls"` // none, starttls, tls
	VerifyURL string        `yaml:"verify_url"`
	Timeout   time.Duration `yaml:"timeout"` // Default: 30s
	DKIM      DKIMConfig    `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings for notifications
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// Load loads configuration from a YAML file. A .env file next to the config
// file, or in the working directory, is loaded first; CHAINDOC_* variables
// override the file.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadDotEnv never overrides variables already set in the environment
func loadDotEnv(configPath string) {
	for _, candidate := range []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"} {
		if _, err := os.Stat(candidate); err == nil {
			_ = godotenv.Load(candidate)
		}
	}
}

func (c *Config) applyEnv() {
	overrides := []struct {
		env    string
		target *string
	}{
		{EnvPrivateKey, &c.Chain.PrivateKey},
		{EnvRPCURL, &c.Chain.RPCURL},
		{EnvAPIKey, &c.API.APIKey},
		{EnvJWTSecret, &c.API.JWTSecret},
		{EnvMongoURI, &c.Storage.Mongo.URI},
		{EnvSMTPPassword, &c.Notify.Password},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			*o.target = v
		}
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.IssuerID == "" {
		c.API.IssuerID = "default"
	}
	if c.API.MaxBodyBytes == 0 {
		c.API.MaxBodyBytes = 1 << 20 // 1 MB
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 5 * time.Minute
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Chain.RPCURL == "" {
		c.Chain.RPCURL = "http://127.0.0.1:8545"
	}
	if c.Chain.ChainID == 0 {
		c.Chain.ChainID = 31337
	}
	if c.Chain.Network == "" {
		c.Chain.Network = "hardhat"
	}
	if c.Chain.GasLimit == 0 {
		c.Chain.GasLimit = 500000
	}
	if c.Chain.ConfirmTimeout == 0 {
		c.Chain.ConfirmTimeout = 2 * time.Minute
	}

	if c.Compiler.SolcPath == "" {
		c.Compiler.SolcPath = "solc"
	}
	if c.Compiler.Timeout == 0 {
		c.Compiler.Timeout = 60 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverBolt
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/chaindoc/chaindoc.db"
	}
	if c.Storage.Mongo.Database == "" {
		c.Storage.Mongo.Database = "chaindoc"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Notify.Port == 0 {
		c.Notify.Port = 587
	}
	if c.Notify.TLS == "" {
		c.Notify.TLS = "starttls"
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 30 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.API.APIKey == "" && c.API.JWTSecret == "" {
		return errors.New("api.api_key or api.jwt_secret is required")
	}

	if err := c.validateChain(); err != nil {
		return err
	}

	switch c.Storage.Driver {
	case DriverBolt:
	case DriverMongo:
		if c.Storage.Mongo.URI == "" {
			return fmt.Errorf("storage.mongo.uri is required when driver is %s", DriverMongo)
		}
	default:
		return fmt.Errorf("invalid storage.driver: %s (must be bolt or mongo)", c.Storage.Driver)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return c.validateNotify()
}

func (c *Config) validateChain() error {
	u, err := url.Parse(c.Chain.RPCURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid chain.rpc_url: %q", c.Chain.RPCURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid chain.rpc_url scheme: %s (must be http, https, ws or wss)", u.Scheme)
	}

	if c.Chain.PrivateKey == "" {
		return fmt.Errorf("chain.private_key is required (or set %s)", EnvPrivateKey)
	}
	if c.Chain.ChainID < 0 {
		return fmt.Errorf("invalid chain.chain_id: %d", c.Chain.ChainID)
	}
	return nil
}

func (c *Config) validateNotify() error {
	if !c.Notify.Enabled {
		return nil
	}
	if c.Notify.Host == "" {
		return errors.New("notify.host is required when notify is enabled")
	}
	if c.Notify.From == "" {
		return errors.New("notify.from is required when notify is enabled")
	}

	validTLS := map[string]bool{"none": true, "starttls": true, "tls": true}
	if !validTLS[c.Notify.TLS] {
		return fmt.Errorf("invalid notify.tls: %s (must be none, starttls, or tls)", c.Notify.TLS)
	}

	if c.Notify.DKIM.Enabled {
		if c.Notify.DKIM.Selector == "" {
			return errors.New("notify.dkim.selector is required when DKIM is enabled")
		}
		if c.Notify.DKIM.KeyFile == "" {
			return errors.New("notify.dkim.key_file is required when DKIM is enabled")
		}
		if c.Notify.DKIM.Domain == "" {
			return errors.New("notify.dkim.domain is required when DKIM is enabled")
		}
	}
	return nil
}
