package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

type Class int

const (
	Retryable Class = iota
	Fatal
)

// Policy - MaxAttempts <= 0 retries until fn succeeds, returns a Fatal error or ctx is done.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration

	// Classify decides whether an error is retryable. Default: everything is.
	Classify func(error) Class
	// OnRetry is called before every backoff wait.
	OnRetry func(attempt int, wait time.Duration, err error)

	Clock clockwork.Clock
}

// FatalError marks an error as not retryable for the default classifier.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func defaultClassify(err error) Class {
	var fe *FatalError
	if errors.As(err, &fe) {
		return Fatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}
	return Retryable
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Classify == nil {
		p.Classify = defaultClassify
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	return p
}

// Backoff is the capped exponential delay before retry number attempt (1 based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	wait := p.BaseDelay
	for i := 1; i < attempt && wait < p.MaxDelay; i++ {
		wait <<= 1
	}
	if wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	if p.Jitter > 0 {
		wait += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return wait
}

func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; p.MaxAttempts <= 0 || attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return errors.Wrap(err, lastErr.Error())
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.Classify(err) == Fatal {
			return err
		}
		if p.MaxAttempts > 0 && attempt == p.MaxAttempts {
			break
		}

		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if err := Sleep(ctx, p.Clock, wait); err != nil {
			return err
		}
	}
	return errors.Wrapf(lastErr, "failed after %d attempts", p.MaxAttempts)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
