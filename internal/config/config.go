package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/vovakirdan/chatbridge/internal/connection"
	"github.com/vovakirdan/chatbridge/internal/core"
	"github.com/vovakirdan/chatbridge/internal/pool"
	"github.com/vovakirdan/chatbridge/internal/queue"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	// DatabasePath is the SQLite file holding channel lists. Empty disables persistence.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	// Control-plane tokens. An empty secret accepts unauthenticated gateway clients.
	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	JWTTTL      time.Duration `mapstructure:"jwt_ttl" yaml:"jwt_ttl"`

	GatewayCommandsPerSecond float64 `mapstructure:"gateway_commands_per_second" yaml:"gateway_commands_per_second"`
	GatewayBurst             int     `mapstructure:"gateway_burst" yaml:"gateway_burst"`

	ChannelSyncInterval time.Duration `mapstructure:"channel_sync_interval" yaml:"channel_sync_interval"`

	IRC IRC `mapstructure:"irc" yaml:"irc"`
}

// IRC tunes the chat network transport.
type IRC struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`

	SendWriteTimeout time.Duration `mapstructure:"send_write_timeout" yaml:"send_write_timeout"`

	FirstReconnectDelay time.Duration `mapstructure:"first_reconnect_delay" yaml:"first_reconnect_delay"`
	ReconnectMultiplier time.Duration `mapstructure:"reconnect_multiplier" yaml:"reconnect_multiplier"`
	ReconnectJitter     time.Duration `mapstructure:"reconnect_jitter" yaml:"reconnect_jitter"`
	MaxReconnectSteps   int           `mapstructure:"max_reconnect_steps" yaml:"max_reconnect_steps"`

	JoinRateLimit  int           `mapstructure:"join_rate_limit" yaml:"join_rate_limit"`
	JoinRateWindow time.Duration `mapstructure:"join_rate_window" yaml:"join_rate_window"`
	JoinRetryDelay time.Duration `mapstructure:"join_retry_delay" yaml:"join_retry_delay"`

	MaxChannelsPerConnection int           `mapstructure:"max_channels_per_connection" yaml:"max_channels_per_connection"`
	JoinChunkDelay           time.Duration `mapstructure:"join_chunk_delay" yaml:"join_chunk_delay"`
	MaxReceiveConnections    int           `mapstructure:"max_receive_connections" yaml:"max_receive_connections"`
	SendConnections          int           `mapstructure:"send_connections" yaml:"send_connections"`
	SendConnectionsVerified  int           `mapstructure:"send_connections_verified" yaml:"send_connections_verified"`

	RateWindow       time.Duration `mapstructure:"rate_window" yaml:"rate_window"`
	Cooldown         time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	CooldownOffset   time.Duration `mapstructure:"cooldown_offset" yaml:"cooldown_offset"`
	DeniedBackoff    time.Duration `mapstructure:"denied_backoff" yaml:"denied_backoff"`
	DefaultMaxLength int           `mapstructure:"default_max_length" yaml:"default_max_length"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	c := core.DefaultConfig()
	return Config{
		Addr:                     ":8080",
		ReadHeaderTimeout:        5 * time.Second,
		ShutdownTimeout:          5 * time.Second,
		LogLevel:                 "info",
		LogFormat:                "console",
		DatabasePath:             "chatbridge.db",
		JWTIssuer:                "chatbridge",
		JWTAudience:              "chatbridge",
		GatewayCommandsPerSecond: 50,
		GatewayBurst:             100,
		ChannelSyncInterval:      c.SyncInterval,
		IRC: IRC{
			Addr:                     c.Connection.Addr,
			DialTimeout:              c.Connection.DialTimeout,
			WriteTimeout:             c.Connection.WriteTimeout,
			SendWriteTimeout:         c.Connection.SendWriteTimeout,
			PingInterval:             c.Connection.PingInterval,
			FirstReconnectDelay:      c.Connection.FirstReconnectDelay,
			ReconnectMultiplier:      c.Connection.ReconnectMultiplier,
			ReconnectJitter:          c.Connection.ReconnectJitter,
			MaxReconnectSteps:        c.Connection.MaxReconnectSteps,
			JoinRateLimit:            c.Connection.JoinRateLimit,
			JoinRateWindow:           c.Connection.JoinRateWindow,
			JoinRetryDelay:           c.Connection.JoinRetryDelay,
			MaxChannelsPerConnection: c.Pool.MaxChannelsPerConnection,
			JoinChunkDelay:           c.Pool.JoinChunkDelay,
			MaxReceiveConnections:    c.Pool.MaxReceiveConnections,
			SendConnections:          c.Pool.SendConnections,
			SendConnectionsVerified:  c.Pool.SendConnectionsVerified,
			RateWindow:               c.Queue.RateWindow,
			Cooldown:                 c.Queue.Cooldown,
			CooldownOffset:           c.Queue.CooldownOffset,
			DeniedBackoff:            c.Queue.DeniedBackoff,
			DefaultMaxLength:         c.Queue.DefaultMaxLength,
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.IRC.Addr != "" {
		c.IRC.Addr = other.IRC.Addr
	}
}

// Validate rejects settings the transport cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.IRC.Addr == "" {
		errs = append(errs, errors.New("irc.addr is required"))
	}
	if c.IRC.MaxChannelsPerConnection <= 0 {
		errs = append(errs, fmt.Errorf("irc.max_channels_per_connection must be positive, got %d", c.IRC.MaxChannelsPerConnection))
	}
	if c.IRC.JoinRateLimit <= 0 {
		errs = append(errs, fmt.Errorf("irc.join_rate_limit must be positive, got %d", c.IRC.JoinRateLimit))
	}
	if c.IRC.SendConnections <= 0 || c.IRC.SendConnectionsVerified <= 0 {
		errs = append(errs, errors.New("irc send connection counts must be positive"))
	}
	if c.IRC.PingInterval <= 0 {
		errs = append(errs, errors.New("irc.ping_interval must be positive"))
	}
	if c.IRC.DefaultMaxLength <= 0 {
		errs = append(errs, errors.New("irc.default_max_length must be positive"))
	}
	if c.GatewayCommandsPerSecond < 0 || c.GatewayBurst < 0 {
		errs = append(errs, errors.New("gateway rate limits must not be negative"))
	}
	return errors.Join(errs...)
}

// Core translates the transport settings for the core package.
func (c Config) Core() core.Config {
	out := core.DefaultConfig()
	out.SyncInterval = c.ChannelSyncInterval
	out.Connection = connection.Config{
		Addr:                c.IRC.Addr,
		DialTimeout:         c.IRC.DialTimeout,
		WriteTimeout:        c.IRC.WriteTimeout,
		SendWriteTimeout:    c.IRC.SendWriteTimeout,
		PingInterval:        c.IRC.PingInterval,
		FirstReconnectDelay: c.IRC.FirstReconnectDelay,
		ReconnectMultiplier: c.IRC.ReconnectMultiplier,
		ReconnectJitter:     c.IRC.ReconnectJitter,
		MaxReconnectSteps:   c.IRC.MaxReconnectSteps,
		JoinRateLimit:       c.IRC.JoinRateLimit,
		JoinRateWindow:      c.IRC.JoinRateWindow,
		JoinRetryDelay:      c.IRC.JoinRetryDelay,
	}
	out.Pool = pool.Config{
		MaxChannelsPerConnection: c.IRC.MaxChannelsPerConnection,
		SendConnections:          c.IRC.SendConnections,
		SendConnectionsVerified:  c.IRC.SendConnectionsVerified,
		JoinChunkDelay:           c.IRC.JoinChunkDelay,
		MaxReceiveConnections:    c.IRC.MaxReceiveConnections,
		ConnectTimeout:           out.Pool.ConnectTimeout,
	}
	out.Queue = queue.Config{
		Cooldown:         c.IRC.Cooldown,
		CooldownOffset:   c.IRC.CooldownOffset,
		DeniedBackoff:    c.IRC.DeniedBackoff,
		RateWindow:       c.IRC.RateWindow,
		DefaultMaxLength: c.IRC.DefaultMaxLength,
		MinCutFactor:     out.Queue.MinCutFactor,
	}
	return out
}
