package roomchat

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// ReconnectPolicy bounds how a ConnectionManager retries after a dropped or
// failed connection.
type ReconnectPolicy struct {
	// InitialInterval is the first backoff delay after a failure.
	InitialInterval time.Duration
	// MaxInterval caps a single backoff delay.
	MaxInterval time.Duration
	// MaxAttempts is the number of consecutive failed dials tolerated before
	// giving up. Zero means retry forever.
	MaxAttempts int
	// MinDialInterval is the minimum spacing between two dials, including
	// dials after a successful but short-lived connection.
	MinDialInterval time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxAttempts:     10,
		MinDialInterval: time.Second,
	}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	d := DefaultReconnectPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.MinDialInterval < 0 {
		p.MinDialInterval = 0
	}
	return p
}

// retrier tracks one supervisor run: exponential backoff between failed dials
// and a token bucket that spaces every dial.
type retrier struct {
	backoff backoff.BackOff
	limiter *rate.Limiter
}

func (p ReconnectPolicy) newRetrier() *retrier {
	p = p.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(eb, uint64(p.MaxAttempts))
	}

	limit := rate.Inf
	if p.MinDialInterval > 0 {
		limit = rate.Every(p.MinDialInterval)
	}
	return &retrier{
		backoff: b,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// waitDial blocks until the next dial is allowed.
func (r *retrier) waitDial(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// next returns the delay before redialing after a failure, or false when the
// attempt budget is spent.
func (r *retrier) next() (time.Duration, bool) {
	d := r.backoff.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

// reset is called after a connection opened successfully.
func (r *retrier) reset() {
	r.backoff.Reset()
}
