package transport

import (
	"log/slog"
	"time"
)

// Defaults for transport options.
const (
	DefaultGracePeriod    = 5 * time.Second
	DefaultMaxMessageSize = 4 * 1024 * 1024 // 4 MB
	DefaultStderrLines    = 50
	DefaultWriteTimeout   = 30 * time.Second
	DefaultWaitDelay      = 2 * time.Second
	inboundBuffer         = 64
)

// Options configures a Transport. Use Option functions to customize.
type Options struct {
	// GracePeriod is how long Close waits after SIGTERM before SIGKILL.
	GracePeriod time.Duration

	// MaxMessageSize caps a single inbound frame. Larger frames produce a
	// framing error element.
	MaxMessageSize int

	// StderrLines is how many trailing stderr lines are kept for crash
	// reports.
	StderrLines int

	// WriteTimeout bounds a single Send when its context has no earlier
	// deadline.
	WriteTimeout time.Duration

	// WaitDelay is how long stdout and stderr are still read after the
	// agent exits.
	WaitDelay time.Duration

	Logger *slog.Logger
}

// Option configures a Transport.
type Option func(*Options)

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

// WithStderrLines sets the stderr tail length. Non-positive values are
// ignored.
func WithStderrLines(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.StderrLines = n
		}
	}
}

// WithWriteTimeout bounds each Send. Non-positive values are ignored.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.WriteTimeout = d
		}
	}
}

// WithWaitDelay sets how long output is drained after the agent exits.
// Non-positive values are ignored.
func WithWaitDelay(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.WaitDelay = d
		}
	}
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
		GracePeriod:    DefaultGracePeriod,
		MaxMessageSize: DefaultMaxMessageSize,
		StderrLines:    DefaultStderrLines,
		WriteTimeout:   DefaultWriteTimeout,
		WaitDelay:      DefaultWaitDelay,
		Logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
