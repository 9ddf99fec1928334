package jobflow

import "github.com/petrijr/jobflow/pkg/api"

// RetryBuilder provides a fluent way to construct a module retry policy for
// use with WithRetry.
type RetryBuilder struct {
	policy api.Retry
}

// Retry creates an empty RetryBuilder; without stages it never retries.
func Retry() RetryBuilder {
	return RetryBuilder{}
}

// Constant retries attempts times, seconds apart. The constant stage runs
// before the exponential one.
//
// attempts <= 0 disables the stage.
func (r RetryBuilder) Constant(attempts, seconds int) RetryBuilder {
	p := r.policy
	if attempts <= 0 {
		p.Constant = nil
		return RetryBuilder{policy: p}
	}
	p.Constant = &api.ConstantDelay{Attempts: attempts, Seconds: seconds}
	return RetryBuilder{policy: p}
}

// Exponential configures the exponential stage:
//
//   - the n-th attempt waits multiplier * seconds^n seconds
//   - multiplier defaults to 1 if <= 0
//   - jitterPercent randomizes each delay by up to that share (0..100)
//
// Example:
//
//	Retry().Constant(2, 5).Exponential(3, 1, 2, 10)
func (r RetryBuilder) Exponential(attempts int, multiplier, seconds float64, jitterPercent int) RetryBuilder {
	p := r.policy
	if attempts <= 0 {
		p.Exponential = nil
		return RetryBuilder{policy: p}
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	p.Exponential = &api.ExponentialDelay{
		Attempts:     attempts,
		Multiplier:   multiplier,
		Seconds:      seconds,
		RandomFactor: jitterPercent,
	}
	return RetryBuilder{policy: p}
}

// Policy returns a copy of the built policy, or nil when no stage is set.
func (r RetryBuilder) Policy() *api.Retry {
	if r.policy.Constant == nil && r.policy.Exponential == nil {
		return nil
	}
	p := r.policy
	return &p
}
