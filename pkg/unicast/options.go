package unicast

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRetransmitInterval = 500 * time.Millisecond
	DefaultMaxRetransmitTime  = 60 * time.Second
	DefaultConnIdleTimeout    = 2 * time.Minute
)

type options struct {
	retransmitInterval time.Duration
	maxRetransmitTime  time.Duration
	connIdleTimeout    time.Duration
	reapInterval       time.Duration
	backoff            bool
	maxBackoff         time.Duration
	log                *zap.Logger
}

type Option func(*options)

// WithRetransmitInterval sets how often unacknowledged messages are resent.
func WithRetransmitInterval(d time.Duration) Option {
	return func(o *options) { o.retransmitInterval = d }
}

// WithMaxRetransmitTime sets how long the oldest unacknowledged message may
// stay unacknowledged before the connection is closed and the peer
// suspected. 0 retransmits forever.
func WithMaxRetransmitTime(d time.Duration) Option {
	return func(o *options) { o.maxRetransmitTime = d }
}

// WithConnIdleTimeout sets the inactivity after which connections are
// reclaimed. 0 disables reclamation.
func WithConnIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.connIdleTimeout = d }
}

// WithReapInterval sets how often idle connections are looked for. It
// defaults to half the idle timeout.
func WithReapInterval(d time.Duration) Option {
	return func(o *options) { o.reapInterval = d }
}

// WithBackoff doubles an entry's retransmission timeout after every
// retransmission, up to limit.
func WithBackoff(limit time.Duration) Option {
	return func(o *options) {
		o.backoff = true
		o.maxBackoff = limit
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

func defaultOptions() options {
	return options{
		retransmitInterval: DefaultRetransmitInterval,
		maxRetransmitTime:  DefaultMaxRetransmitTime,
		connIdleTimeout:    DefaultConnIdleTimeout,
		log:                zap.NewNop(),
	}
}

func (o *options) normalize() {
	if o.retransmitInterval <= 0 {
		o.retransmitInterval = DefaultRetransmitInterval
	}
	if o.connIdleTimeout > 0 && o.reapInterval <= 0 {
		o.reapInterval = o.connIdleTimeout / 2
	}
	if o.backoff && o.maxBackoff < o.retransmitInterval {
		o.maxBackoff = o.retransmitInterval
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
}
