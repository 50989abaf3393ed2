package synth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/errorsx"
)

// Retrier retries a Synthesizer with linear backoff: delay*1, delay*2, ...
type Retrier struct {
	next        Synthesizer
	maxAttempts int
	delay       time.Duration
	sleep       func(context.Context, time.Duration) error
	log         *slog.Logger
}

func NewRetrier(next Synthesizer, maxAttempts int, delay time.Duration, log *slog.Logger) *Retrier {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if delay < 0 {
		delay = 0
	}
	return &Retrier{
		next:        next,
		maxAttempts: maxAttempts,
		delay:       delay,
		sleep:       sleepContext,
		log:         log.With(slog.String("component", "synth-retry")),
	}
}

func (r *Retrier) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	audio, _, err := r.SynthesizeWithAttempts(ctx, req)
	return audio, err
}

// SynthesizeWithAttempts also reports how many calls were made.
func (r *Retrier) SynthesizeWithAttempts(ctx context.Context, req Request) ([]byte, int, error) {
	var last error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		audio, err := r.next.Synthesize(ctx, req)
		if err == nil && len(audio) > 0 {
			return audio, attempt, nil
		}
		if err == nil {
			err = &Error{Message: "empty audio response"}
		}
		last = err

		if ctx.Err() != nil {
			return nil, attempt, errorsx.Wrap(fmt.Errorf("synthesis cancelled after %d attempts: %w", attempt, ctx.Err()), errorsx.KindSynthesis)
		}
		if attempt == r.maxAttempts {
			break
		}

		wait := r.delay * time.Duration(attempt)
		r.log.Warn("synthesis attempt failed",
			slog.Int("attempt", attempt),
			slog.String("voice_id", req.VoiceID),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()))
		if err := r.sleep(ctx, wait); err != nil {
			return nil, attempt, errorsx.Wrap(fmt.Errorf("synthesis cancelled after %d attempts: %w", attempt, err), errorsx.KindSynthesis)
		}
	}
	return nil, r.maxAttempts, &RetryExhaustedError{Attempts: r.maxAttempts, Last: last}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
