package jobflow

import (
	"testing"
	"time"
)

func TestRetry_EmptyBuilderHasNoPolicy(t *testing.T) {
	if p := Retry().Policy(); p != nil {
		t.Fatalf("expected nil policy, got %+v", p)
	}
	if p := Retry().Constant(0, 5).Exponential(-1, 2, 2, 0).Policy(); p != nil {
		t.Fatalf("non-positive attempts must disable the stage, got %+v", p)
	}
}

func TestRetry_ConstantThenExponential(t *testing.T) {
	p := Retry().Constant(2, 5).Exponential(3, 0, 2, 0).Policy()
	if p == nil {
		t.Fatalf("expected a policy")
	}
	if p.MaxAttempts() != 5 {
		t.Fatalf("expected 5 attempts, got %d", p.MaxAttempts())
	}
	if p.Exponential.Multiplier != 1 {
		t.Fatalf("expected default multiplier 1, got %v", p.Exponential.Multiplier)
	}

	want := []time.Duration{5 * time.Second, 5 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	for i, w := range want {
		got, ok := p.Interval(i, nil)
		if !ok || got != w {
			t.Fatalf("attempt %d: expected %v, got %v (ok=%v)", i, w, got, ok)
		}
	}
	if _, ok := p.Interval(len(want), nil); ok {
		t.Fatalf("policy should be exhausted")
	}
}

func TestRetry_PolicyIsACopy(t *testing.T) {
	b := Retry().Constant(1, 1)
	p := b.Policy()
	p.Constant = nil
	if b.Policy().Constant == nil {
		t.Fatalf("mutating a returned policy must not affect the builder")
	}
}
