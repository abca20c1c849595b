package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                    = "SESYNC"
	defaultHTTPAddress           = "127.0.0.1:8085"
	defaultDatabasePath          = "sesync.db"
	defaultLogLevel              = "info"
	defaultLogFormat             = "json"
	defaultTokenTTLMinutes       = 60
	defaultPlatformTimeout       = 30
	defaultPlatformRate          = 10.0
	defaultPlatformBurst         = 5
	defaultMaxConcurrent         = 4
	defaultCommandTimeoutSeconds = 30
	defaultConnectTimeoutSeconds = 30
	defaultPageSize              = 10
	defaultTransport             = TransportEmulator
	defaultSocketNetwork         = "unix"
)

// Device transports understood by the daemon.
const (
	TransportEmulator = "emulator"
	TransportSocket   = "socket"
	TransportPCSC     = "pcsc"
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFormat    string

	SigningSecret string
	TokenTTL      time.Duration

	PlatformBaseURL           string
	PlatformAccessToken       string
	PlatformHTTPTimeout       time.Duration
	PlatformRequestsPerSecond float64
	PlatformBurst             int

	Synchronous            bool
	MaxConcurrent          int64
	CommandTimeout         time.Duration
	ConnectTimeout         time.Duration
	PageSize               int
	ResumeFromSyncedCommit bool

	DeviceTransport     string
	DeviceSocketNetwork string
	DeviceSocketAddress string
	DevicePCSCReader    string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("platform.http_timeout_seconds", defaultPlatformTimeout)
	configViper.SetDefault("platform.requests_per_second", defaultPlatformRate)
	configViper.SetDefault("platform.burst", defaultPlatformBurst)
	configViper.SetDefault("sync.synchronous", true)
	configViper.SetDefault("sync.max_concurrent", defaultMaxConcurrent)
	configViper.SetDefault("sync.command_timeout_seconds", defaultCommandTimeoutSeconds)
	configViper.SetDefault("sync.connect_timeout_seconds", defaultConnectTimeoutSeconds)
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.resume_from_synced_commit", true)
	configViper.SetDefault("device.transport", defaultTransport)
	configViper.SetDefault("device.socket_network", defaultSocketNetwork)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),

		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,

		PlatformBaseURL:           configViper.GetString("platform.base_url"),
		PlatformAccessToken:       configViper.GetString("platform.access_token"),
		PlatformHTTPTimeout:       time.Duration(configViper.GetInt("platform.http_timeout_seconds")) * time.Second,
		PlatformRequestsPerSecond: configViper.GetFloat64("platform.requests_per_second"),
		PlatformBurst:             configViper.GetInt("platform.burst"),

		Synchronous:            configViper.GetBool("sync.synchronous"),
		MaxConcurrent:          configViper.GetInt64("sync.max_concurrent"),
		CommandTimeout:         time.Duration(configViper.GetInt("sync.command_timeout_seconds")) * time.Second,
		ConnectTimeout:         time.Duration(configViper.GetInt("sync.connect_timeout_seconds")) * time.Second,
		PageSize:               configViper.GetInt("sync.page_size"),
		ResumeFromSyncedCommit: configViper.GetBool("sync.resume_from_synced_commit"),

		DeviceTransport:     strings.ToLower(strings.TrimSpace(configViper.GetString("device.transport"))),
		DeviceSocketNetwork: configViper.GetString("device.socket_network"),
		DeviceSocketAddress: configViper.GetString("device.socket_address"),
		DevicePCSCReader:    configViper.GetString("device.pcsc_reader"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.PlatformBaseURL) == "" {
		return fmt.Errorf("platform.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.CommandTimeout <= 0 || c.ConnectTimeout <= 0 {
		return fmt.Errorf("sync timeouts must be positive")
	}
	switch c.DeviceTransport {
	case TransportEmulator, TransportPCSC:
	case TransportSocket:
		if strings.TrimSpace(c.DeviceSocketAddress) == "" {
			return fmt.Errorf("device.socket_address is required for the socket transport")
		}
	default:
		return fmt.Errorf("device.transport %q is not supported", c.DeviceTransport)
	}
	return nil
}

// ValidateServer checks the settings only the control API needs.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}
