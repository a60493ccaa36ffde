package procpool

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Default pool configuration values.
const (
	defaultMaxPoolSize            = 1
	defaultTerminationGracePeriod = 5 * time.Second
)

// PoolOptions holds resolved construction-time configuration for a [Pool].
// Use New with Option functions to customize these values.
type PoolOptions struct {
	// MinPoolSize is the floor on the number of live shells, regardless
	// of demand.
	MinPoolSize int

	// MaxPoolSize is the ceiling on the number of live shells.
	MaxPoolSize int

	// ReserveSize is a desired lower bound on idle headroom above active
	// demand. It is added to the sizing formula verbatim — see [Pool]'s
	// doc comment for the known over-provisioning characteristic this
	// preserves from the original design.
	ReserveSize int

	// KeepAlive is the idle interval after which a ready shell
	// self-terminates. Zero means shells live forever.
	KeepAlive time.Duration

	// TerminationGracePeriod bounds how long a forceful termination
	// waits after SIGTERM before escalating to SIGKILL. Defaults to
	// defaultTerminationGracePeriod if unset.
	TerminationGracePeriod time.Duration

	// Logger is the injected structured logging sink. Defaults to a
	// no-op logger if unset.
	Logger *zap.Logger
}

// Option configures a [Pool] at construction time.
type Option func(*PoolOptions)

// WithMinPoolSize sets the floor on live shell count.
func WithMinPoolSize(n int) Option {
	return func(o *PoolOptions) { o.MinPoolSize = n }
}

// WithMaxPoolSize sets the ceiling on live shell count.
func WithMaxPoolSize(n int) Option {
	return func(o *PoolOptions) { o.MaxPoolSize = n }
}

// WithReserveSize sets the idle-headroom floor above active demand.
func WithReserveSize(n int) Option {
	return func(o *PoolOptions) { o.ReserveSize = n }
}

// WithKeepAlive sets the idle-timeout duration after which a ready shell
// self-terminates. Zero (the default) means shells live forever.
func WithKeepAlive(d time.Duration) Option {
	return func(o *PoolOptions) { o.KeepAlive = d }
}

// WithTerminationGracePeriod sets how long a forceful termination waits
// after SIGTERM before escalating to SIGKILL.
func WithTerminationGracePeriod(d time.Duration) Option {
	return func(o *PoolOptions) { o.TerminationGracePeriod = d }
}

// WithLogger sets the injected logging sink.
func WithLogger(logger *zap.Logger) Option {
	return func(o *PoolOptions) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// resolveOptions applies functional options over the zero-value defaults
// and validates the result, mirroring the invalid-configuration contract
// of the pool constructor.
func resolveOptions(opts ...Option) (PoolOptions, error) {
	o := PoolOptions{
		MaxPoolSize:            defaultMaxPoolSize,
		TerminationGracePeriod: defaultTerminationGracePeriod,
		Logger:                 zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if o.MinPoolSize < 0 {
		return o, fmt.Errorf("%w: MinPoolSize must be >= 0, got %d", ErrInvalidConfiguration, o.MinPoolSize)
	}
	minMax := o.MinPoolSize
	if minMax < 1 {
		minMax = 1
	}
	if o.MaxPoolSize < minMax {
		return o, fmt.Errorf("%w: MaxPoolSize (%d) must be >= max(1, MinPoolSize) (%d)", ErrInvalidConfiguration, o.MaxPoolSize, minMax)
	}
	if o.ReserveSize < 0 || o.ReserveSize > o.MaxPoolSize {
		return o, fmt.Errorf("%w: ReserveSize (%d) must be in [0, MaxPoolSize (%d)]", ErrInvalidConfiguration, o.ReserveSize, o.MaxPoolSize)
	}
	if o.KeepAlive < 0 {
		return o, fmt.Errorf("%w: KeepAlive must be >= 0, got %s", ErrInvalidConfiguration, o.KeepAlive)
	}
	if o.TerminationGracePeriod < 0 {
		return o, fmt.Errorf("%w: TerminationGracePeriod must be >= 0, got %s", ErrInvalidConfiguration, o.TerminationGracePeriod)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o, nil
}
