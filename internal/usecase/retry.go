package usecase

import (
	"math"
	"time"

	"NewsPipeline/internal/domain"
)

const maxErrorText = 500

// RetryPolicy is exponential backoff with an attempt budget.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
}

// Backoff returns min(base * multiplier^(attempt-1), cap).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Cap > 0 && d > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(d)
}

// Exhausted reports whether no attempts remain after attempts were used.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// NextAttempt honours a server retry hint when it is longer than the backoff.
func (p RetryPolicy) NextAttempt(now time.Time, attempt int, err error) time.Time {
	wait := p.Backoff(attempt)
	if hint := domain.RetryAfterOf(err); hint > wait {
		wait = hint
	}
	return now.Add(wait)
}

func failureState(attempts int, kind domain.ErrorKind, err error) domain.RetryState {
	state := domain.RetryState{Attempts: attempts, LastErrorKind: kind}
	if err != nil {
		state.LastError = errorText(err.Error())
	}
	return state
}

func errorText(msg string) string {
	if runes := []rune(msg); len(runes) > maxErrorText {
		return string(runes[:maxErrorText])
	}
	return msg
}
