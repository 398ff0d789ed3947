package redis

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"
)

// Config configures a single Connection. Zero values are usable
// defaults except Addr, which is required.
type Config struct {
	// Addr is the "host:port" of the Redis node to dial.
	Addr string

	// TLS, when non-nil, upgrades the transport to TLS using this
	// configuration (crypto/tls — there is no ecosystem TLS wrapper
	// in the retrieval pack, so this one field stays on the stdlib
	// type directly, see DESIGN.md).
	TLS *tls.Config

	// Username and Password, when Password is non-empty, are sent via
	// AUTH during the startup handshake (AUTH username password when
	// Username is set, AUTH password otherwise).
	Username string
	Password string

	// DB selects the logical database via SELECT during startup, when
	// non-zero.
	DB int64

	// DialTimeout bounds the TCP/TLS handshake. Zero means no timeout.
	DialTimeout time.Duration

	// AllowSubscriptions is the initial value of the connection's
	// allow-subscriptions flag; Subscribe/PSubscribe fail with
	// PubSubNotAllowed while it's false. It can be changed after Dial
	// via Connection.SetAllowSubscriptions, which also unsubscribes
	// everything if flipped off while subscribed.
	AllowSubscriptions bool

	// AutoFlush controls whether each Send flushes the write buffer
	// immediately. Defaults to true; set false to batch writes and
	// flush explicitly via Connection.Flush.
	AutoFlush *bool

	// Logger receives structured diagnostics. A no-op logger is used
	// when nil.
	Logger *zap.Logger

	// Metrics receives counters/gauges/histogram observations. The
	// process-wide DefaultMetrics() is used when nil.
	Metrics *Metrics

	// OnUnexpectedClose is invoked, at most once, if the transport
	// closes without Close having been called first — the signal
	// spec.md's state machine uses to distinguish a graceful shutdown
	// from a dropped connection. Automatic reconnection is explicitly
	// out of scope; this callback is the hand-off point for a caller
	// that wants to reconnect itself.
	OnUnexpectedClose func(error)
}

func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c Config) metrics() *Metrics {
	if c.Metrics != nil {
		return c.Metrics
	}
	return DefaultMetrics()
}

func (c Config) autoFlush() bool {
	if c.AutoFlush == nil {
		return true
	}
	return *c.AutoFlush
}

// BoolPtr is a small helper for setting Config.AutoFlush with a
// literal, since Go has no address-of-literal syntax for bool.
func BoolPtr(b bool) *bool { return &b }
