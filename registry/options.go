package registry

import (
	"log/slog"

	"github.com/dmora/acpmux/session"
)

// Options configures a Registry. Use Option functions to customize.
type Options struct {
	// Session options applied to every session the registry creates,
	// after the registry's logger.
	Session []session.Option

	Logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Options)

// WithSessionOptions appends options applied to every created session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(o *Options) { o.Session = append(o.Session, opts...) }
}

// WithLogger sets the logger for the registry and its sessions. Nil is
// ignored.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

func resolveOptions(opts ...Option) Options {
	o := Options{Logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
