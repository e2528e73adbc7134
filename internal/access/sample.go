package access

import (
	"context"
	"math"
	"time"
)

// DefaultTickInterval is the countdown refresh cadence.
const DefaultTickInterval = time.Second

// Sample derives the countdown state of w at now. Progress counts down
// from 100 at the start of the window to 0 at its end.
func Sample(w AccessWindow, now time.Time) (ClockSample, error) {
	if !w.EndTime.After(w.StartTime) {
		return ClockSample{}, &MalformedWindowError{Window: w}
	}

	var remaining int64
	if left := w.EndTime.Sub(now); left > 0 {
		remaining = int64(left / time.Second)
	}

	fraction := float64(now.Sub(w.StartTime)) / float64(w.EndTime.Sub(w.StartTime))
	fraction = clamp(fraction, 0, 1)

	return ClockSample{
		RemainingSeconds: remaining,
		ProgressPercent:  clamp((1-fraction)*100, 0, 100),
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Countdown samples w immediately and then every interval, passing each
// sample to emit. It returns when ctx is done or after the expired
// sample has been emitted.
func Countdown(ctx context.Context, w AccessWindow, clock Clock, interval time.Duration, emit func(ClockSample)) error {
	if clock == nil {
		clock = RealClock{}
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}

	now := clock.Now()
	sample, err := Sample(w, now)
	if err != nil {
		return err
	}
	emit(sample)
	if w.ExpiredAt(now) {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := ctx.Err(); err != nil {
				return err
			}
			now := clock.Now()
			sample, err := Sample(w, now)
			if err != nil {
				return err
			}
			emit(sample)
			if w.ExpiredAt(now) {
				return nil
			}
		}
	}
}
