// Package config loads the client configuration from defaults, an optional
// YAML file and RTCALL_* environment variables, and turns it into the option
// structs of the engine packages.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/spf13/viper"

	"github.com/1ureka/rtcall/internal/app"
	"github.com/1ureka/rtcall/internal/auth"
	"github.com/1ureka/rtcall/internal/protocol"
	"github.com/1ureka/rtcall/internal/signaling"
	"github.com/1ureka/rtcall/internal/util"
)

// EnvPrefix prefixes every environment override, e.g. RTCALL_SERVER_URL.
const EnvPrefix = "RTCALL"

// LastResortURL is used when neither server_url nor origin is usable.
const LastResortURL = "ws://localhost:3000/socket"

var log = util.Scoped("config")

type Auth struct {
	TokenURL     string `mapstructure:"token_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

type RateLimit struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Window      time.Duration `mapstructure:"window"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

type Reconnect struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
}

type Cleanup struct {
	QueueDrain      time.Duration `mapstructure:"queue_drain"`
	Settle          time.Duration `mapstructure:"settle"`
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
}

type Transport struct {
	RecreateDelay  time.Duration `mapstructure:"recreate_delay"`
	CloseSettle    time.Duration `mapstructure:"close_settle"`
	ConnectRetries int           `mapstructure:"connect_retries"`
}

type Media struct {
	ProduceTimeout time.Duration `mapstructure:"produce_timeout"`
	ConsumeTimeout time.Duration `mapstructure:"consume_timeout"`
}

// Config is the full client configuration.
type Config struct {
	ServerURL   string   `mapstructure:"server_url"`
	Namespace   string   `mapstructure:"namespace"`
	Origin      string   `mapstructure:"origin"`
	UserID      string   `mapstructure:"user_id"`
	Token       string   `mapstructure:"token"`
	Auth        Auth     `mapstructure:"auth"`
	ICEServers  []string `mapstructure:"ice_servers"`
	StorePath   string   `mapstructure:"store_path"`
	MetricsAddr string   `mapstructure:"metrics_addr"`
	Debug       bool     `mapstructure:"debug"`

	JoinAttempts      int                      `mapstructure:"join_attempts"`
	Timeouts          map[string]time.Duration `mapstructure:"timeouts"`
	RateLimit         RateLimit                `mapstructure:"rate_limit"`
	HeartbeatInterval time.Duration            `mapstructure:"heartbeat_interval"`
	Reconnect         Reconnect                `mapstructure:"reconnect"`
	Cleanup           Cleanup                  `mapstructure:"cleanup"`
	RaceThrottle      time.Duration            `mapstructure:"race_throttle"`
	RaceSettle        time.Duration            `mapstructure:"race_settle"`
	Transport         Transport                `mapstructure:"transport"`
	Media             Media                    `mapstructure:"media"`
}

func setDefaults(v *viper.Viper) {
	sig := signaling.DefaultOptions("")
	call := app.DefaultOptions()

	v.SetDefault("server_url", "")
	v.SetDefault("namespace", sig.Namespace)
	v.SetDefault("origin", "")
	v.SetDefault("user_id", "")
	v.SetDefault("token", "")
	v.SetDefault("auth.token_url", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("ice_servers", []string{})
	v.SetDefault("store_path", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("debug", false)

	v.SetDefault("join_attempts", call.JoinAttempts)
	for op, d := range protocol.DefaultTimeouts() {
		v.SetDefault("timeouts."+string(op), d)
	}
	v.SetDefault("rate_limit.max_attempts", sig.RateLimit.MaxAttempts)
	v.SetDefault("rate_limit.window", sig.RateLimit.Window)
	v.SetDefault("rate_limit.cooldown", sig.RateLimit.Cooldown)
	v.SetDefault("heartbeat_interval", sig.HeartbeatInterval)
	v.SetDefault("reconnect.max_attempts", sig.Reconnect.MaxAttempts)
	v.SetDefault("reconnect.initial_interval", sig.Reconnect.InitialInterval)
	v.SetDefault("cleanup.queue_drain", call.QueueDrain)
	v.SetDefault("cleanup.settle", call.CleanupSettle)
	v.SetDefault("cleanup.disconnect_grace", sig.DisconnectGrace)
	v.SetDefault("race_throttle", call.RaceThrottle)
	v.SetDefault("race_settle", call.RaceSettle)
	v.SetDefault("transport.recreate_delay", call.Transport.RecreateDelay)
	v.SetDefault("transport.close_settle", call.Transport.CloseSettle)
	v.SetDefault("transport.connect_retries", call.Transport.ConnectAttempts)
	v.SetDefault("media.produce_timeout", call.Transport.ProduceTimeout)
	v.SetDefault("media.consume_timeout", call.MediaTimeout)
}

// Load reads path (optional, YAML) over the defaults, then applies RTCALL_*
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			log.Warn("config file %s not found, using defaults", path)
		} else {
			log.Debug("loaded %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.ServerURL == "" {
		cfg.ServerURL = FallbackURL(cfg.Origin)
		log.Warn("server_url not set, falling back to %s", cfg.ServerURL)
	}
	return &cfg, nil
}

// FallbackURL derives the signaling URL from the page origin:
// https://host becomes wss://host/socket and http://host ws://host/socket.
func FallbackURL(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return LastResortURL
	}
	switch u.Scheme {
	case "https":
		return "wss://" + u.Host + "/socket"
	case "http":
		return "ws://" + u.Host + "/socket"
	}
	return LastResortURL
}

// SignalingOptions builds the signaling client settings.
func (c *Config) SignalingOptions() signaling.Options {
	opts := signaling.DefaultOptions(c.ServerURL)
	opts.Namespace = c.Namespace
	for op := range opts.Timeouts {
		if d, ok := c.Timeout(op); ok {
			opts.Timeouts[op] = d
		}
	}
	opts.HeartbeatInterval = c.HeartbeatInterval
	opts.DisconnectGrace = c.Cleanup.DisconnectGrace
	opts.Reconnect.MaxAttempts = c.Reconnect.MaxAttempts
	opts.Reconnect.InitialInterval = c.Reconnect.InitialInterval
	opts.RateLimit = signaling.LimitOptions{
		MaxAttempts: c.RateLimit.MaxAttempts,
		Window:      c.RateLimit.Window,
		Cooldown:    c.RateLimit.Cooldown,
	}
	return opts
}

// Timeout returns the configured deadline of op. Keys are matched case
// insensitively since viper folds them to lower case.
func (c *Config) Timeout(op protocol.Op) (time.Duration, bool) {
	d, ok := c.Timeouts[strings.ToLower(string(op))]
	return d, ok && d > 0
}

// CallOptions builds the call engine settings.
func (c *Config) CallOptions() app.Options {
	opts := app.DefaultOptions()
	opts.UserID = c.UserID
	opts.JoinAttempts = c.JoinAttempts
	opts.QueueDrain = c.Cleanup.QueueDrain
	opts.CleanupSettle = c.Cleanup.Settle
	opts.RaceThrottle = c.RaceThrottle
	opts.RaceSettle = c.RaceSettle
	opts.MediaTimeout = c.Media.ConsumeTimeout
	opts.Transport.RecreateDelay = c.Transport.RecreateDelay
	opts.Transport.CloseSettle = c.Transport.CloseSettle
	opts.Transport.ConnectAttempts = c.Transport.ConnectRetries
	opts.Transport.ProduceTimeout = c.Media.ProduceTimeout
	if d, ok := c.Timeout(protocol.OpCreateTransport); ok {
		opts.Transport.CreateTimeout = d
	}
	if d, ok := c.Timeout(protocol.OpGetProducers); ok {
		opts.GetProducersTimeout = d
	}
	return opts
}

// AuthOptions builds the token provider settings.
func (c *Config) AuthOptions() auth.Options {
	return auth.Options{
		UserID:       c.UserID,
		Token:        c.Token,
		TokenURL:     c.Auth.TokenURL,
		ClientID:     c.Auth.ClientID,
		ClientSecret: c.Auth.ClientSecret,
	}
}

// PionICEServers converts the configured URLs; empty means the device
// defaults.
func (c *Config) PionICEServers() []pion.ICEServer {
	if len(c.ICEServers) == 0 {
		return nil
	}
	return []pion.ICEServer{{URLs: c.ICEServers}}
}
