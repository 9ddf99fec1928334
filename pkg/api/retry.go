package api

import (
	"errors"
	"math"
	"time"
)

const (
	// MaxRetryAttempts caps the attempts of either retry stage.
	MaxRetryAttempts = 1000
	// MaxRetryInterval caps the delay between two attempts.
	MaxRetryInterval = 6 * time.Hour
)

// Retry is the retry policy of a flow module: a constant stage followed by
// an exponential stage.
type Retry struct {
	Constant    *ConstantDelay    `json:"constant,omitempty"`
	Exponential *ExponentialDelay `json:"exponential,omitempty"`
}

// ConstantDelay retries Attempts times, Seconds apart.
type ConstantDelay struct {
	Attempts int `json:"attempts"`
	Seconds  int `json:"seconds"`
}

// ExponentialDelay retries Attempts times, waiting Multiplier*Seconds^n
// seconds before the n-th attempt. RandomFactor is a jitter percentage.
type ExponentialDelay struct {
	Attempts     int     `json:"attempts"`
	Multiplier   float64 `json:"multiplier"`
	Seconds      float64 `json:"seconds"`
	RandomFactor int     `json:"random_factor,omitempty"`
}

// Validate checks attempt bounds.
func (r *Retry) Validate() error {
	if r.Constant != nil && (r.Constant.Attempts < 0 || r.Constant.Attempts > MaxRetryAttempts) {
		return errors.New("constant retry attempts out of range")
	}
	if r.Exponential != nil {
		if r.Exponential.Attempts < 0 || r.Exponential.Attempts > MaxRetryAttempts {
			return errors.New("exponential retry attempts out of range")
		}
		if r.Exponential.RandomFactor < 0 || r.Exponential.RandomFactor > 100 {
			return errors.New("random_factor must be between 0 and 100")
		}
	}
	return nil
}

// MaxAttempts is the total number of retries the policy allows.
func (r *Retry) MaxAttempts() int {
	if r == nil {
		return 0
	}
	n := 0
	if r.Constant != nil {
		n += r.Constant.Attempts
	}
	if r.Exponential != nil {
		n += r.Exponential.Attempts
	}
	return n
}

// Jitter yields uniform samples in [0, 1). A shared Jitter must be safe for
// concurrent use.
type Jitter interface {
	Float64() float64
}

// Interval returns the delay before the next attempt given how many attempts
// already failed, and false when the policy is exhausted. rng may be nil, in
// which case the jitter is skipped.
func (r *Retry) Interval(previousAttempts int, rng Jitter) (time.Duration, bool) {
	if r == nil {
		return 0, false
	}
	constAttempts := 0
	if r.Constant != nil {
		constAttempts = r.Constant.Attempts
		if previousAttempts < constAttempts {
			return capInterval(time.Duration(r.Constant.Seconds) * time.Second), true
		}
	}
	if e := r.Exponential; e != nil && previousAttempts-constAttempts < e.Attempts {
		secs := e.Multiplier * math.Pow(e.Seconds, float64(previousAttempts+1))
		if e.RandomFactor > 0 && rng != nil {
			jitter := float64(e.RandomFactor) / 100
			secs *= 1 + (rng.Float64()*2-1)*jitter
		}
		if secs < 0 || math.IsInf(secs, 0) || math.IsNaN(secs) {
			return MaxRetryInterval, true
		}
		return capInterval(time.Duration(secs * float64(time.Second))), true
	}
	return 0, false
}

func capInterval(d time.Duration) time.Duration {
	if d > MaxRetryInterval || d < 0 {
		return MaxRetryInterval
	}
	return d
}
