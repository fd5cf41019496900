package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// clearEnv blanks every override so the host environment does not leak in
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{EnvPrivateKey, EnvRPCURL, EnvAPIKey, EnvJWTSecret, EnvMongoURI, EnvSMTPPassword} {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	content := `
api:
  listen_addr: ":9080"
  api_key: "test-api-key"
  issuer_id: "acme"

chain:
  rpc_url: "https://rpc.sepolia.org"
  chain_id: 11155111
  private_key: "` + testKey + `"
  network: "sepolia"
  gas_limit: 800000
  confirm_timeout: 5m

compiler:
  solc_path: "/usr/local/bin/solc"
  timeout: 2m

storage:
  driver: "mongo"
  path: "/tmp/test.db"
  mongo:
    uri: "mongodb://localhost:27017"
    database: "docs"

logging:
  level: "debug"
  format: "text"

rate_limit:
  enabled: true
  default_issuer:
    documents_per_hour: 10
    documents_per_day: 100
  issuers:
    acme:
      documents_per_hour: 1000

notify:
  enabled: true
  host: "smtp.example.org"
  from: "certificates@example.org"
  tls: "tls"
  port: 465
`
	cfg, err := Load(writeConfig(t, t.TempDir(), content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":9080" || cfg.API.APIKey != "test-api-key" || cfg.API.IssuerID != "acme" {
		t.Errorf("API = %+v", cfg.API)
	}
	if cfg.Chain.ChainID != 11155111 || cfg.Chain.Network != "sepolia" || cfg.Chain.GasLimit != 800000 {
		t.Errorf("Chain = %+v", cfg.Chain)
	}
	if cfg.Chain.ConfirmTimeout != 5*time.Minute {
		t.Errorf("Chain.ConfirmTimeout = %v, want 5m", cfg.Chain.ConfirmTimeout)
	}
	if cfg.Compiler.SolcPath != "/usr/local/bin/solc" || cfg.Compiler.Timeout != 2*time.Minute {
		t.Errorf("Compiler = %+v", cfg.Compiler)
	}
	if cfg.Storage.Driver != DriverMongo || cfg.Storage.Mongo.Database != "docs" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}

	limits := cfg.RateLimit.Limiter()
	if limits.DefaultIssuer.DocumentsPerHour != 10 || limits.Issuers["acme"].DocumentsPerHour != 1000 {
		t.Errorf("RateLimit = %+v", limits)
	}
	if cfg.Notify.Port != 465 || cfg.Notify.TLS != "tls" || cfg.Notify.Timeout != 30*time.Second {
		t.Errorf("Notify = %+v", cfg.Notify)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	content := `
api:
  api_key: "k"
chain:
  private_key: "` + testKey + `"
`
	cfg, err := Load(writeConfig(t, t.TempDir(), content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"api.listen_addr", cfg.API.ListenAddr, ":8080"},
		{"api.issuer_id", cfg.API.IssuerID, "default"},
		{"chain.rpc_url", cfg.Chain.RPCURL, "http://127.0.0.1:8545"},
		{"chain.chain_id", cfg.Chain.ChainID, int64(31337)},
		{"chain.network", cfg.Chain.Network, "hardhat"},
		{"chain.gas_limit", cfg.Chain.GasLimit, uint64(500000)},
		{"chain.confirm_timeout", cfg.Chain.ConfirmTimeout, 2 * time.Minute},
		{"compiler.solc_path", cfg.Compiler.SolcPath, "solc"},
		{"compiler.timeout", cfg.Compiler.Timeout, 60 * time.Second},
		{"storage.driver", cfg.Storage.Driver, DriverBolt},
		{"storage.path", cfg.Storage.Path, "/var/lib/chaindoc/chaindoc.db"},
		{"storage.mongo.database", cfg.Storage.Mongo.Database, "chaindoc"},
		{"logging.level", cfg.Logging.Level, "info"},
		{"logging.format", cfg.Logging.Format, "json"},
		{"metrics.listen_addr", cfg.Metrics.ListenAddr, ":9090"},
		{"metrics.path", cfg.Metrics.Path, "/metrics"},
		{"notify.port", cfg.Notify.Port, 587},
		{"notify.tls", cfg.Notify.TLS, "starttls"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrivateKey, testKey)
	t.Setenv(EnvRPCURL, "ws://node:8546")
	t.Setenv(EnvJWTSecret, "jwt-secret")
	t.Setenv(EnvSMTPPassword, "mail-secret")

	content := `
api:
  api_key: "from-file"
chain:
  rpc_url: "http://ignored:8545"
  private_key: "from-file"
`
	cfg, err := Load(writeConfig(t, t.TempDir(), content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Chain.PrivateKey != testKey || cfg.Chain.RPCURL != "ws://node:8546" {
		t.Errorf("Chain = %+v, want env overrides", cfg.Chain)
	}
	if cfg.API.APIKey != "from-file" || cfg.API.JWTSecret != "jwt-secret" {
		t.Errorf("API = %+v", cfg.API)
	}
	if cfg.Notify.Password != "mail-secret" {
		t.Errorf("Notify.Password = %q", cfg.Notify.Password)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	os.Unsetenv(EnvPrivateKey)
	os.Unsetenv(EnvAPIKey)

	dir := t.TempDir()
	dotenv := EnvPrivateKey + "=" + testKey + "\n" + EnvAPIKey + "=dotenv-key\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv(EnvPrivateKey)
		os.Unsetenv(EnvAPIKey)
	})

	cfg, err := Load(writeConfig(t, dir, "logging:\n  level: warn\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Chain.PrivateKey != testKey || cfg.API.APIKey != "dotenv-key" {
		t.Errorf("dotenv not applied: key=%q api=%q", cfg.Chain.PrivateKey, cfg.API.APIKey)
	}
}

func validConfig() Config {
	cfg := Config{
		API:   APIConfig{APIKey: "k"},
		Chain: ChainConfig{PrivateKey: testKey},
	}
	cfg.setDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"jwt only", func(c *Config) { c.API.APIKey = ""; c.API.JWTSecret = "s" }, ""},
		{"no credentials", func(c *Config) { c.API.APIKey = "" }, "api.api_key"},
		{"missing private key", func(c *Config) { c.Chain.PrivateKey = "" }, "chain.private_key"},
		{"bad rpc url", func(c *Config) { c.Chain.RPCURL = "localhost" }, "chain.rpc_url"},
		{"bad rpc scheme", func(c *Config) { c.Chain.RPCURL = "ftp://node:21" }, "scheme"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"mongo without uri", func(c *Config) { c.Storage.Driver = DriverMongo }, "storage.mongo.uri"},
		{"invalid log level", func(c *Config) { c.Logging.Level = "invalid" }, "logging.level"},
		{"invalid log format", func(c *Config) { c.Logging.Format = "invalid" }, "logging.format"},
		{"notify without host", func(c *Config) {
			c.Notify.Enabled = true
			c.Notify.From = "a@example.org"
		}, "notify.host"},
		{"notify bad tls", func(c *Config) {
			c.Notify = NotifyConfig{Enabled: true, Host: "h", From: "a@example.org", TLS: "ssl"}
		}, "notify.tls"},
		{"dkim without selector", func(c *Config) {
			c.Notify = NotifyConfig{Enabled: true, Host: "h", From: "a@example.org", TLS: "none",
				DKIM: DKIMConfig{Enabled: true, KeyFile: "k.pem", Domain: "example.org"}}
		}, "notify.dkim.selector"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, t.TempDir(), `invalid: yaml: content: [`))
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}
