// Package config assembles the application's runtime settings from
// defaults, a .env file, REMORA_-prefixed environment variables, an
// optional JSON file, and caller-supplied overrides, in rising priority.
// Loading fails loudly on invalid values; nothing falls back silently.
package config

import (
	"fmt"
	"time"

	"dario.cat/mergo"

	"github.com/nfrund/remora/internal/bridge"
	"github.com/nfrund/remora/internal/conn"
)

// Config is the full runtime configuration shared by the sync client, the
// development relay, and the CLI.
type Config struct {
	// URL is the websocket endpoint the client syncs from.
	URL string `env:"URL" json:"url" validate:"omitempty,url"`

	// ConfigFile points at an optional JSON settings file. It can only come
	// from the environment or an override, not from the file itself.
	ConfigFile string `env:"CONFIG" json:"-"`

	// Backoff tunes the reconnect schedule.
	Backoff Backoff `envPrefix:"BACKOFF_" json:"backoff"`

	// Keepalive is the ping interval on a live connection. Negative
	// disables keepalive entirely.
	Keepalive Duration `env:"KEEPALIVE" json:"keepalive"`

	// DialTimeout bounds each connection attempt.
	DialTimeout Duration `env:"DIAL_TIMEOUT" json:"dial_timeout"`

	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64 `env:"READ_LIMIT" json:"read_limit" validate:"omitempty,gte=0"`

	Log     Log     `envPrefix:"LOG_" json:"log"`
	Relay   Relay   `envPrefix:"RELAY_" json:"relay"`
	Tracing Tracing `envPrefix:"TRACING_" json:"tracing"`
}

// Backoff mirrors the connection manager's retry knobs.
type Backoff struct {
	Initial     Duration `env:"INITIAL" json:"initial"`
	Factor      float64  `env:"FACTOR" json:"factor" validate:"omitempty,gte=1"`
	Max         Duration `env:"MAX" json:"max"`
	MaxFailures int      `env:"MAX_FAILURES" json:"max_failures" validate:"omitempty,gte=1"`
}

// Log selects the slog handler.
type Log struct {
	Format string `env:"FORMAT" json:"format" validate:"omitempty,oneof=text json"`
	Level  string `env:"LEVEL" json:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Relay configures the development relay server.
type Relay struct {
	// Addr is the listen address, e.g. ":8787".
	Addr string `env:"ADDR" json:"addr"`

	// FeedDir, when set, is watched for <topic>.json files to publish.
	FeedDir string `env:"FEED_DIR" json:"feed_dir"`
}

// Tracing configures the optional OpenTelemetry export.
type Tracing struct {
	Enabled   bool   `env:"ENABLED" json:"enabled"`
	Service   string `env:"SERVICE" json:"service"`
	ZipkinURL string `env:"ZIPKIN_URL" json:"zipkin_url" validate:"omitempty,url"`
}

// Defaults returns the documented baseline configuration.
func Defaults() *Config {
	return &Config{
		URL: "ws://localhost:8787/ws",
		Backoff: Backoff{
			Initial:     Duration(time.Second),
			Factor:      2.0,
			Max:         Duration(30 * time.Second),
			MaxFailures: 10,
		},
		Keepalive:   Duration(54 * time.Second),
		DialTimeout: Duration(10 * time.Second),
		Log:         Log{Format: "text", Level: "info"},
		Relay:       Relay{Addr: ":8787"},
		Tracing: Tracing{
			Service:   "remora-relay",
			ZipkinURL: "http://localhost:9411/api/v2/spans",
		},
	}
}

// Load assembles the configuration. Priority from highest to lowest:
// overrides (typically flag values; nil is fine), the JSON file named by
// ConfigFile, environment variables (with .env loaded first), defaults.
func Load(overrides *Config) (*Config, error) {
	envCfg, err := fromEnv()
	if err != nil {
		return nil, err
	}

	var layers []*Config
	if overrides != nil {
		layers = append(layers, overrides)
	}

	path := envCfg.ConfigFile
	if overrides != nil && overrides.ConfigFile != "" {
		path = overrides.ConfigFile
	}
	if path != "" {
		jsonCfg, err := fromJSON(path)
		if err != nil {
			return nil, err
		}
		layers = append(layers, jsonCfg)
	}

	layers = append(layers, envCfg, Defaults())
	return fold(layers)
}

// fold merges the layers front-to-back: a field keeps the first non-zero
// value it sees, so earlier layers win.
func fold(layers []*Config) (*Config, error) {
	out := new(Config)
	for _, layer := range layers {
		if err := mergo.Merge(out, layer); err != nil {
			return nil, fmt.Errorf("config: merging layers: %w", err)
		}
	}
	return out, out.validate()
}

// BridgeConfig maps the loaded settings onto the sync client's config.
func (c *Config) BridgeConfig() bridge.Config {
	return bridge.Config{
		URL:         c.URL,
		DialTimeout: c.DialTimeout.Std(),
		ReadLimit:   c.ReadLimit,
		Conn: conn.Config{
			InitialBackoff:    c.Backoff.Initial.Std(),
			BackoffFactor:     c.Backoff.Factor,
			MaxBackoff:        c.Backoff.Max.Std(),
			MaxFailures:       c.Backoff.MaxFailures,
			KeepaliveInterval: c.Keepalive.Std(),
		},
	}
}
