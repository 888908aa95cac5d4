package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all settings for the relay server and its CLI clients.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string // empty disables the session audit store
	Log         LogConfig
	Relay       RelayConfig
	Rooms       RoomsConfig
	Client      ClientConfig
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // console, json
	Output string // stdout, stderr, or file path
}

type RelayConfig struct {
	SendBuffer        int   // per-member outbound queue length
	ReadLimit         int64 // max inbound message size in bytes
	DriverTokenSecret string
	AllowedOrigins    []string
}

type RoomsConfig struct {
	IdleTTL       time.Duration // 0 disables idle eviction
	SweepInterval time.Duration
}

type ClientConfig struct {
	URL           string
	DriverToken   string
	FixTimeout    time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	StaleAfter    time.Duration // 0 disables the viewer stale flag
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("database.url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("relay.send_buffer", 16)
	v.SetDefault("relay.read_limit", 4096)
	v.SetDefault("relay.driver_token_secret", "")
	v.SetDefault("relay.allowed_origins", "")
	v.SetDefault("rooms.idle_ttl", 30*time.Minute)
	v.SetDefault("rooms.sweep_interval", time.Minute)
	v.SetDefault("client.url", "ws://localhost:8080/ws")
	v.SetDefault("client.driver_token", "")
	v.SetDefault("client.fix_timeout", 5*time.Second)
	v.SetDefault("client.reconnect_base", 500*time.Millisecond)
	v.SetDefault("client.reconnect_max", 30*time.Second)
	v.SetDefault("client.stale_after", time.Duration(0))
}

// Load reads configuration from built-in defaults, an optional ordertrack.{toml,yaml}
// in the working directory or /etc/ordertrack, and ORDERTRACK_* environment variables.
// PORT and DATABASE_URL are honoured as fallbacks.
func Load() (Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file path. An empty path searches the
// default locations.
func LoadFrom(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ordertrack")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ordertrack")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("ORDERTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("app.port", "ORDERTRACK_APP_PORT", "PORT")
	_ = v.BindEnv("database.url", "ORDERTRACK_DATABASE_URL", "DATABASE_URL")

	cfg := Config{
		Port:        v.GetString("app.port"),
		Env:         v.GetString("app.env"),
		DatabaseURL: v.GetString("database.url"),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Relay: RelayConfig{
			SendBuffer:        v.GetInt("relay.send_buffer"),
			ReadLimit:         v.GetInt64("relay.read_limit"),
			DriverTokenSecret: v.GetString("relay.driver_token_secret"),
			AllowedOrigins:    splitList(v.GetStringSlice("relay.allowed_origins")),
		},
		Rooms: RoomsConfig{
			IdleTTL:       v.GetDuration("rooms.idle_ttl"),
			SweepInterval: v.GetDuration("rooms.sweep_interval"),
		},
		Client: ClientConfig{
			URL:           v.GetString("client.url"),
			DriverToken:   v.GetString("client.driver_token"),
			FixTimeout:    v.GetDuration("client.fix_timeout"),
			ReconnectBase: v.GetDuration("client.reconnect_base"),
			ReconnectMax:  v.GetDuration("client.reconnect_max"),
			StaleAfter:    v.GetDuration("client.stale_after"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that all values are usable.
func (c Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("app.port must be a number between 1 and 65535, got %q", c.Port)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Relay.SendBuffer < 1 {
		return errors.New("relay.send_buffer must be >= 1")
	}
	if c.Relay.ReadLimit < 256 {
		return errors.New("relay.read_limit must be >= 256")
	}
	if c.Rooms.IdleTTL < 0 {
		return errors.New("rooms.idle_ttl must be >= 0")
	}
	if c.Rooms.SweepInterval <= 0 {
		return errors.New("rooms.sweep_interval must be > 0")
	}
	if c.Client.FixTimeout <= 0 {
		return errors.New("client.fix_timeout must be > 0")
	}
	if c.Client.ReconnectBase <= 0 || c.Client.ReconnectMax < c.Client.ReconnectBase {
		return errors.New("client.reconnect_base must be > 0 and <= client.reconnect_max")
	}
	if c.Client.StaleAfter < 0 {
		return errors.New("client.stale_after must be >= 0")
	}
	return nil
}

// splitList accepts both list values and a single comma-separated string.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
