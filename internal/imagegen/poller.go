package imagegen

import (
	"context"
	"time"

	"imagepage/internal/domain"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollMaxWait  = 60 * time.Second
)

// CheckFunc performs one status read of a pending job. ready is false while the
// job has not produced an image; an error ends polling.
type CheckFunc func(ctx context.Context) (ref domain.ImageRef, ready bool, err error)

// Poller resolves job handles by re-reading their status on a fixed interval.
type Poller struct {
	Interval time.Duration
	MaxWait  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller returns a poller; non-positive durations fall back to 2s / 60s.
func NewPoller(interval, maxWait time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxWait <= 0 {
		maxWait = DefaultPollMaxWait
	}
	return &Poller{Interval: interval, MaxWait: maxWait, now: time.Now, sleep: sleepContext}
}

// Poll ticks until check reports an image, check fails, MaxWait has elapsed since the
// first tick, or ctx is done. onTick, when set, is called before each status read with
// the 1-based tick number.
func (p *Poller) Poll(ctx context.Context, check CheckFunc, onTick func(tick int)) (domain.ImageRef, error) {
	if p == nil {
		p = NewPoller(0, 0)
	}
	now, sleep := p.now, p.sleep
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = sleepContext
	}

	start := now()
	for tick := 1; ; tick++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if onTick != nil {
			onTick(tick)
		}
		ref, ready, err := check(ctx)
		if err != nil {
			return "", err
		}
		if ready {
			return ref, nil
		}
		if elapsed := now().Sub(start); elapsed >= p.MaxWait {
			return "", &domain.TimeoutError{Elapsed: elapsed}
		}
		if err := sleep(ctx, p.Interval); err != nil {
			return "", err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
