// Package config loads tool configuration from YAML files and environment
// variables, with struct-tag defaults applied before either source.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/isometry/admembers/internal/ldap"
)

// envPrefix is the prefix for environment variable overrides.
const envPrefix = "ADMEMBERS_"

// Config is the top-level tool configuration.
type Config struct {
	Connection ConnectionSettings `yaml:"connection"`
	Kerberos   KerberosSettings   `yaml:"kerberos"`
	Report     ReportSettings     `yaml:"report"`
	LogLevel   string             `yaml:"log_level" default:"info"`
}

// ConnectionSettings configures how the tool reaches the directory.
type ConnectionSettings struct {
	Domain   string   `yaml:"domain"`
	URLs     []string `yaml:"urls"`
	BaseDN   string   `yaml:"base_dn"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`

	UseTLS             *bool  `yaml:"use_tls" default:"true"`
	SkipTLS            bool   `yaml:"skip_tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ClientCertFile     string `yaml:"client_cert_file"`
	ClientKeyFile      string `yaml:"client_key_file"`

	TimeoutSeconds       int     `yaml:"timeout_seconds" default:"30"`
	MaxConnections       int     `yaml:"max_connections" default:"10"`
	MaxIdleSeconds       int     `yaml:"max_idle_seconds" default:"300"`
	HealthCheckSeconds   int     `yaml:"health_check_seconds" default:"30"`
	MaxRetries           int     `yaml:"max_retries" default:"3"`
	InitialBackoffMillis int     `yaml:"initial_backoff_millis" default:"500"`
	MaxBackoffSeconds    int     `yaml:"max_backoff_seconds" default:"30"`
	BackoffFactor        float64 `yaml:"backoff_factor" default:"2.0"`
}

// KerberosSettings configures GSSAPI authentication. Leaving Realm empty
// disables Kerberos and falls back to simple bind.
type KerberosSettings struct {
	Realm  string `yaml:"realm"`
	Keytab string `yaml:"keytab"`
	CCache string `yaml:"ccache"`
	Config string `yaml:"config"`
	SPN    string `yaml:"spn"`
}

// ReportSettings configures membership report runs.
type ReportSettings struct {
	Prefix   string `yaml:"prefix"`
	Format   string `yaml:"format" default:"table"`
	FailFast bool   `yaml:"fail_fast"`
}

// Load builds a Config from defaults, an optional YAML file, and environment
// variable overrides, in that order of precedence (lowest first).
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides settings from ADMEMBERS_* environment variables.
// Only settings that commonly differ between invocations are overridable;
// the password override keeps credentials out of config files.
func (c *Config) applyEnv() {
	setString := func(key string, target *string) {
		if value, ok := os.LookupEnv(envPrefix + key); ok {
			*target = value
		}
	}

	setString("DOMAIN", &c.Connection.Domain)
	setString("BASE_DN", &c.Connection.BaseDN)
	setString("USERNAME", &c.Connection.Username)
	setString("PASSWORD", &c.Connection.Password)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("KRB5_REALM", &c.Kerberos.Realm)
	setString("KRB5_KEYTAB", &c.Kerberos.Keytab)
	setString("KRB5_CCACHE", &c.Kerberos.CCache)

	if value, ok := os.LookupEnv(envPrefix + "URLS"); ok {
		var urls []string
		for _, url := range strings.Split(value, ",") {
			if url = strings.TrimSpace(url); url != "" {
				urls = append(urls, url)
			}
		}
		c.Connection.URLs = urls
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Connection.Domain == "" && len(c.Connection.URLs) == 0 {
		return fmt.Errorf("either connection.domain or connection.urls must be set")
	}

	switch strings.ToLower(c.Report.Format) {
	case "table", "json", "csv":
	default:
		return fmt.Errorf("invalid report format %q: must be 'table', 'json', or 'csv'", c.Report.Format)
	}

	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error", "off":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}

	if c.Connection.TimeoutSeconds <= 0 {
		return fmt.Errorf("connection.timeout_seconds must be positive")
	}

	if c.Connection.MaxConnections <= 0 {
		return fmt.Errorf("connection.max_connections must be positive")
	}

	if c.Connection.BackoffFactor <= 1.0 {
		return fmt.Errorf("connection.backoff_factor must be greater than 1.0")
	}

	return nil
}

// ToConnectionConfig converts the loaded settings to the LDAP client's
// connection configuration. Client certificate settings are resolved here so
// the EXTERNAL bind has a certificate on the TLS session.
func (c *Config) ToConnectionConfig() (*ldap.ConnectionConfig, error) {
	conn := &c.Connection

	useTLS := true
	if conn.UseTLS != nil {
		useTLS = *conn.UseTLS
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: conn.InsecureSkipVerify,
	}
	if conn.ClientCertFile != "" || conn.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(conn.ClientCertFile, conn.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return &ldap.ConnectionConfig{
		Domain:   conn.Domain,
		LDAPURLs: conn.URLs,
		BaseDN:   conn.BaseDN,
		Timeout:  time.Duration(conn.TimeoutSeconds) * time.Second,

		Username:       conn.Username,
		Password:       conn.Password,
		KerberosRealm:  c.Kerberos.Realm,
		KerberosKeytab: c.Kerberos.Keytab,
		KerberosCCache: c.Kerberos.CCache,
		KerberosConfig: c.Kerberos.Config,
		KerberosSPN:    c.Kerberos.SPN,

		UseTLS:            useTLS,
		SkipTLS:           conn.SkipTLS,
		TLSClientCertFile: conn.ClientCertFile,
		TLSClientKeyFile:  conn.ClientKeyFile,
		TLSConfig:         tlsConfig,

		MaxConnections: conn.MaxConnections,
		MaxIdleTime:    time.Duration(conn.MaxIdleSeconds) * time.Second,
		HealthCheck:    time.Duration(conn.HealthCheckSeconds) * time.Second,

		MaxRetries:     conn.MaxRetries,
		InitialBackoff: time.Duration(conn.InitialBackoffMillis) * time.Millisecond,
		MaxBackoff:     time.Duration(conn.MaxBackoffSeconds) * time.Second,
		BackoffFactor:  conn.BackoffFactor,
	}, nil
}
