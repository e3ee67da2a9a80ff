// Package config loads runtime configuration for the pushkit binaries.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the pushkit binaries.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir    string
	HTTPPort   int
	PublicURL  string // externally reachable base URL of the pushd server
	ServerURL  string // application server base URL for client processes
	RelayURL   string // relay base URL for the worker daemon
	SocketPath string // unix socket for worker/foreground IPC
	UserID     string // identity of the local device owner

	PostgresDSN string // PostgreSQL DSN for the server registry; SQLite when empty

	OpenCommand string // command run to open a foreground instance at a URL
	Notifier    string // notification backend: "exec" or "log"

	TLSCert    string
	TLSKey     string
	ACMEDomain string // domain for automatic Let's Encrypt certificate
	ACMEEmail  string // contact email for Let's Encrypt account notifications

	JWTSecret string // hex-encoded 32-byte secret for bearer token signing

	FCMCredentials string // service-account JSON file for the FCM sink
	APNsKeyFile    string
	APNsKeyID      string
	APNsTeamID     string
	APNsBundleID   string
	APNsSandbox    bool

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultDataDir   = "./data"
	defaultHTTPPort  = 8080
	defaultServerURL = "http://127.0.0.1:8080"
	defaultNotifier  = "exec"
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// envPrefix is the prefix for all pushkit environment variables.
const envPrefix = "PUSHKIT_"

// Load parses configuration from the given CLI arguments and environment
// variables. Precedence: CLI flags > env vars > defaults.
func Load(name string, args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and state files")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "externally reachable base URL of this server (defaults to http://127.0.0.1:<http-port>)")
	fs.StringVar(&cfg.ServerURL, "server-url", defaultServerURL, "application server base URL")
	fs.StringVar(&cfg.RelayURL, "relay-url", defaultServerURL, "relay base URL")
	fs.StringVar(&cfg.SocketPath, "socket-path", "", "unix socket path for worker IPC (defaults to <data-dir>/pushkit.sock)")
	fs.StringVar(&cfg.UserID, "user-id", "", "identity of the local device owner")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "PostgreSQL DSN for the subscription registry (SQLite in data-dir when empty)")
	fs.StringVar(&cfg.OpenCommand, "open-command", "xdg-open", "command run to open a foreground instance at a URL")
	fs.StringVar(&cfg.Notifier, "notifier", defaultNotifier, "notification backend (exec, log)")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.ACMEDomain, "acme-domain", "", "domain for automatic Let's Encrypt TLS certificate")
	fs.StringVar(&cfg.ACMEEmail, "acme-email", "", "contact email for Let's Encrypt account notifications")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for bearer token signing (auto-generated if empty)")
	fs.StringVar(&cfg.FCMCredentials, "fcm-credentials", "", "service-account JSON file for the FCM forwarding sink")
	fs.StringVar(&cfg.APNsKeyFile, "apns-key-file", "", "path to the APNs .p8 provider key file")
	fs.StringVar(&cfg.APNsKeyID, "apns-key-id", "", "APNs key identifier")
	fs.StringVar(&cfg.APNsTeamID, "apns-team-id", "", "Apple Developer Team ID")
	fs.StringVar(&cfg.APNsBundleID, "apns-bundle-id", "", "app bundle identifier used as the APNs topic")
	fs.BoolVar(&cfg.APNsSandbox, "apns-sandbox", false, "use the APNs sandbox environment")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":        envPrefix + "DATA_DIR",
		"http-port":       envPrefix + "HTTP_PORT",
		"public-url":      envPrefix + "PUBLIC_URL",
		"server-url":      envPrefix + "SERVER_URL",
		"relay-url":       envPrefix + "RELAY_URL",
		"socket-path":     envPrefix + "SOCKET_PATH",
		"user-id":         envPrefix + "USER_ID",
		"postgres-dsn":    envPrefix + "POSTGRES_DSN",
		"open-command":    envPrefix + "OPEN_COMMAND",
		"notifier":        envPrefix + "NOTIFIER",
		"tls-cert":        envPrefix + "TLS_CERT",
		"tls-key":         envPrefix + "TLS_KEY",
		"acme-domain":     envPrefix + "ACME_DOMAIN",
		"acme-email":      envPrefix + "ACME_EMAIL",
		"jwt-secret":      envPrefix + "JWT_SECRET",
		"fcm-credentials": envPrefix + "FCM_CREDENTIALS",
		"apns-key-file":   envPrefix + "APNS_KEY_FILE",
		"apns-key-id":     envPrefix + "APNS_KEY_ID",
		"apns-team-id":    envPrefix + "APNS_TEAM_ID",
		"apns-bundle-id":  envPrefix + "APNS_BUNDLE_ID",
		"apns-sandbox":    envPrefix + "APNS_SANDBOX",
		"log-level":       envPrefix + "LOG_LEVEL",
		"log-format":      envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "public-url":
			cfg.PublicURL = val
		case "server-url":
			cfg.ServerURL = val
		case "relay-url":
			cfg.RelayURL = val
		case "socket-path":
			cfg.SocketPath = val
		case "user-id":
			cfg.UserID = val
		case "postgres-dsn":
			cfg.PostgresDSN = val
		case "open-command":
			cfg.OpenCommand = val
		case "notifier":
			cfg.Notifier = val
		case "tls-cert":
			cfg.TLSCert = val
		case "tls-key":
			cfg.TLSKey = val
		case "acme-domain":
			cfg.ACMEDomain = val
		case "acme-email":
			cfg.ACMEEmail = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "fcm-credentials":
			cfg.FCMCredentials = val
		case "apns-key-file":
			cfg.APNsKeyFile = val
		case "apns-key-id":
			cfg.APNsKeyID = val
		case "apns-team-id":
			cfg.APNsTeamID = val
		case "apns-bundle-id":
			cfg.APNsBundleID = val
		case "apns-sandbox":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.APNsSandbox = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane and fills in derived
// defaults.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	if c.PublicURL == "" {
		c.PublicURL = fmt.Sprintf("http://127.0.0.1:%d", c.HTTPPort)
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	c.RelayURL = strings.TrimRight(c.RelayURL, "/")

	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(c.DataDir, "pushkit.sock")
	}

	validNotifiers := map[string]bool{"exec": true, "log": true}
	if !validNotifiers[strings.ToLower(c.Notifier)] {
		return fmt.Errorf("notifier must be one of exec, log; got %q", c.Notifier)
	}
	c.Notifier = strings.ToLower(c.Notifier)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	// ACME domain and manual TLS cert/key are mutually exclusive.
	if c.ACMEDomain != "" && c.TLSCert != "" {
		return fmt.Errorf("acme-domain and tls-cert/tls-key are mutually exclusive")
	}

	// APNs settings come as a complete set or not at all.
	apnsSet := c.APNsKeyFile != "" || c.APNsKeyID != "" || c.APNsTeamID != "" || c.APNsBundleID != ""
	apnsComplete := c.APNsKeyFile != "" && c.APNsKeyID != "" && c.APNsTeamID != "" && c.APNsBundleID != ""
	if apnsSet && !apnsComplete {
		return fmt.Errorf("apns-key-file, apns-key-id, apns-team-id and apns-bundle-id must all be provided together")
	}

	return nil
}

// TLSEnabled returns true if either manual TLS certificates or automatic
// ACME (Let's Encrypt) certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" || c.ACMEDomain != ""
}

// APNsEnabled reports whether the APNs forwarding sink is configured.
func (c *Config) APNsEnabled() bool {
	return c.APNsKeyFile != ""
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
