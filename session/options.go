package session

import (
	"io"
	"log/slog"
	"time"

	"github.com/dmora/acpmux"
)

// Default option values.
const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultRequestTimeout   = 60 * time.Second
	DefaultTurnTimeout      = 30 * time.Minute
	DefaultShutdownTimeout  = 5 * time.Second
	DefaultGracePeriod      = 5 * time.Second
	DefaultMaxMessageSize   = 4 * 1024 * 1024 // 4 MB
	DefaultMaxLogEntries    = 1000
)

// Options configures a Session. Use Option functions to customize.
type Options struct {
	// HandshakeTimeout bounds initialize + session setup.
	HandshakeTimeout time.Duration

	// RequestTimeout bounds every other request the client sends, and the
	// drain of a cancelled turn.
	RequestTimeout time.Duration

	// TurnTimeout bounds a single prompt turn.
	TurnTimeout time.Duration

	// ShutdownTimeout bounds the shutdown request in Stop.
	ShutdownTimeout time.Duration

	// GracePeriod is the SIGTERM to SIGKILL delay when the process is
	// closed.
	GracePeriod time.Duration

	// MaxMessageSize caps one inbound frame.
	MaxMessageSize int

	// MaxLogEntries caps the in-memory message log.
	MaxLogEntries int

	// Policy answers permission requests. PolicyAsk surfaces them as
	// events.
	Policy acpmux.PermissionPolicy

	// TraceWriter, when set, receives every frame as NDJSON.
	TraceWriter io.Writer

	Logger *slog.Logger
}

// Option configures a Session.
type Option func(*Options)

// WithHandshakeTimeout sets the handshake bound. Non-positive values are
// ignored.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.HandshakeTimeout = d
		}
	}
}

// WithRequestTimeout sets the default request bound. Non-positive values
// are ignored.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.RequestTimeout = d
		}
	}
}

// WithTurnTimeout sets the prompt turn bound. Non-positive values are
// ignored.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.TurnTimeout = d
		}
	}
}

// WithShutdownTimeout sets the shutdown request bound. Non-positive values
// are ignored.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.ShutdownTimeout = d
		}
	}
}

// WithGracePeriod sets the SIGTERM to SIGKILL delay. Non-positive values
// are ignored.
func WithGracePeriod(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.GracePeriod = d
		}
	}
}

// WithMaxMessageSize caps inbound frames. Non-positive values are ignored.
func WithMaxMessageSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxMessageSize = n
		}
	}
}

// WithMaxLogEntries caps the message log. Non-positive values are ignored.
func WithMaxLogEntries(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxLogEntries = n
		}
	}
}

// WithPolicy sets the permission policy. Invalid policies are ignored.
func WithPolicy(p acpmux.PermissionPolicy) Option {
	return func(o *Options) {
		if p != "" && p.Valid() {
			o.Policy = p
		}
	}
}

// WithTraceWriter copies every frame to w as NDJSON. Writes are
// serialized; w need not be safe for concurrent use.
func WithTraceWriter(w io.Writer) Option {
	return func(o *Options) { o.TraceWriter = w }
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

func resolveOptions(opts ...Option) Options {
	o := Options{
		HandshakeTimeout: DefaultHandshakeTimeout,
		RequestTimeout:   DefaultRequestTimeout,
		TurnTimeout:      DefaultTurnTimeout,
		ShutdownTimeout:  DefaultShutdownTimeout,
		GracePeriod:      DefaultGracePeriod,
		MaxMessageSize:   DefaultMaxMessageSize,
		MaxLogEntries:    DefaultMaxLogEntries,
		Policy:           acpmux.PolicyAsk,
		Logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
