package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix            = "CHATBRIDGE"
	envConfigDefaultPath = "CHATBRIDGE_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
)

// Load builds configuration from defaults, optional config file, env vars, and returns the resolved path.
// Precedence: defaults < config file < env vars < caller overrides.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			// try reading again in case it was just written
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, configPath, nil
}

// setDefaults registers every key so that env overrides apply even when the
// file does not mention it.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("read_header_timeout", cfg.ReadHeaderTimeout)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("database_path", cfg.DatabasePath)
	v.SetDefault("jwt_secret", cfg.JWTSecret)
	v.SetDefault("jwt_issuer", cfg.JWTIssuer)
	v.SetDefault("jwt_audience", cfg.JWTAudience)
	v.SetDefault("jwt_ttl", cfg.JWTTTL)
	v.SetDefault("gateway_commands_per_second", cfg.GatewayCommandsPerSecond)
	v.SetDefault("gateway_burst", cfg.GatewayBurst)
	v.SetDefault("channel_sync_interval", cfg.ChannelSyncInterval)

	irc := cfg.IRC
	v.SetDefault("irc.addr", irc.Addr)
	v.SetDefault("irc.dial_timeout", irc.DialTimeout)
	v.SetDefault("irc.write_timeout", irc.WriteTimeout)
	v.SetDefault("irc.send_write_timeout", irc.SendWriteTimeout)
	v.SetDefault("irc.ping_interval", irc.PingInterval)
	v.SetDefault("irc.first_reconnect_delay", irc.FirstReconnectDelay)
	v.SetDefault("irc.reconnect_multiplier", irc.ReconnectMultiplier)
	v.SetDefault("irc.reconnect_jitter", irc.ReconnectJitter)
	v.SetDefault("irc.max_reconnect_steps", irc.MaxReconnectSteps)
	v.SetDefault("irc.join_rate_limit", irc.JoinRateLimit)
	v.SetDefault("irc.join_rate_window", irc.JoinRateWindow)
	v.SetDefault("irc.join_retry_delay", irc.JoinRetryDelay)
	v.SetDefault("irc.max_channels_per_connection", irc.MaxChannelsPerConnection)
	v.SetDefault("irc.join_chunk_delay", irc.JoinChunkDelay)
	v.SetDefault("irc.max_receive_connections", irc.MaxReceiveConnections)
	v.SetDefault("irc.send_connections", irc.SendConnections)
	v.SetDefault("irc.send_connections_verified", irc.SendConnectionsVerified)
	v.SetDefault("irc.rate_window", irc.RateWindow)
	v.SetDefault("irc.cooldown", irc.Cooldown)
	v.SetDefault("irc.cooldown_offset", irc.CooldownOffset)
	v.SetDefault("irc.denied_backoff", irc.DeniedBackoff)
	v.SetDefault("irc.default_max_length", irc.DefaultMaxLength)
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Redacted returns a copy of cfg that is safe to print.
func (c Config) Redacted() Config {
	if c.JWTSecret != "" {
		c.JWTSecret = "********"
	}
	return c
}
