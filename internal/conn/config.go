package conn

import "time"

// Defaults for the reconnect schedule. The growth factor and ceiling bound
// how hard an unreachable backend gets hammered; the failure cap bounds how
// long we keep trying at all.
const (
	DefaultInitialBackoff    = 1 * time.Second
	DefaultBackoffFactor     = 2.0
	DefaultMaxBackoff        = 30 * time.Second
	DefaultMaxFailures       = 10
	DefaultKeepaliveInterval = 54 * time.Second
	DefaultSendTimeout       = 5 * time.Second
)

// Config tunes the Manager's reconnect and keepalive behavior.
type Config struct {
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// BackoffFactor multiplies the delay after every failed attempt.
	BackoffFactor float64

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration

	// MaxFailures is the number of consecutive failed attempts after which
	// the manager enters Failed and stops retrying on its own.
	MaxFailures int

	// KeepaliveInterval is how often a live connection is pinged. A failed
	// ping counts as connection loss. Zero disables keepalive.
	KeepaliveInterval time.Duration

	// SendTimeout bounds each outbound write and ping.
	SendTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		InitialBackoff:    DefaultInitialBackoff,
		BackoffFactor:     DefaultBackoffFactor,
		MaxBackoff:        DefaultMaxBackoff,
		MaxFailures:       DefaultMaxFailures,
		KeepaliveInterval: DefaultKeepaliveInterval,
		SendTimeout:       DefaultSendTimeout,
	}
}

// withDefaults fills zero fields so a partially built Config behaves sanely.
func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = DefaultBackoffFactor
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}
