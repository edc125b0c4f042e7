package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchedule_LR(t *testing.T) {
	const peak = 3e-4
	s := NewSchedule(peak, 100, 1000, 0, true)

	assert.Equal(t, 0.0, s.LR(0))
	assert.InDelta(t, peak/2, s.LR(50), 1e-12)
	assert.InDelta(t, peak, s.LR(100), 1e-12)
	assert.InDelta(t, peak/10, s.LR(1000), 1e-12)

	prev := s.LR(100)
	for it := int64(101); it <= 1000; it++ {
		lr := s.LR(it)
		if lr > prev {
			t.Errorf("LR(%d) = %g rises above LR(%d) = %g", it, lr, it-1, prev)
		}
		prev = lr
	}

	for _, it := range []int64{1001, 5000, 1 << 40} {
		assert.Equal(t, s.Min, s.LR(it), "past the horizon at %d", it)
		assert.InDelta(t, peak/10, s.LR(it), 1e-15)
	}
}

func TestSchedule_Ceiling(t *testing.T) {
	s := NewSchedule(1e-3, 10, 100, 4e-4, true)
	for it := int64(0); it < 200; it++ {
		if lr := s.LR(it); lr > 4e-4 {
			t.Errorf("LR(%d) = %g exceeds the ceiling", it, lr)
		}
	}
	assert.Equal(t, 4e-4, s.LR(10))
	assert.InDelta(t, 1e-4, s.LR(150), 1e-15, "the floor sits below the ceiling")

	s.Ceiling = -1
	assert.InDelta(t, 1e-3, s.LR(10), 1e-15, "a non-positive ceiling disables clamping")
}

func TestSchedule_NoDecay(t *testing.T) {
	s := NewSchedule(5e-4, 100, 1000, 0, false)
	for _, it := range []int64{0, 50, 100, 999, 5000} {
		assert.Equal(t, 5e-4, s.LR(it))
	}
}

func TestSchedule_DegenerateSpan(t *testing.T) {
	s := NewSchedule(1e-3, 10, 10, 0, true)
	assert.Equal(t, 1e-3, s.LR(10))
	assert.InDelta(t, 1e-4, s.LR(11), 1e-15)

	s = NewSchedule(1e-3, 0, 0, 0, true)
	assert.Equal(t, 1e-3, s.LR(0))
}

func TestSchedule_Resume(t *testing.T) {
	const (
		peak   = 3e-4
		warmup = 100
		k      = 600 // iteration of the checkpoint
		budget = 1000
	)
	prev := NewSchedule(peak, warmup, budget, -1, true)
	next := prev.Resume(k, budget, 1.5)

	assert.InDelta(t, 1.5*prev.LR(k), next.Ceiling, 1e-15)
	assert.Equal(t, int64(budget+k), next.Horizon)

	// Apart from the ceiling, the resumed session follows the cosine of the
	// extended horizon.
	extended := NewSchedule(peak, warmup, budget+k, -1, true)
	for it := int64(k + 1); it <= budget+k+10; it++ {
		want := min(extended.LR(it), next.Ceiling)
		assert.InDelta(t, want, next.LR(it), 1e-15, "iteration %d", it)
	}
	for it := int64(0); it <= budget+k+10; it++ {
		if next.LR(it) > next.Ceiling {
			t.Fatalf("LR(%d) above ceiling", it)
		}
	}
}

func TestSchedule_ResumeWithNewBudget(t *testing.T) {
	prev := NewSchedule(1e-3, 10, 100, -1, true)
	next := prev.Resume(80, 400, 1.5)

	assert.InDelta(t, 1.5*prev.LR(80), next.Ceiling, 1e-15, "ceiling uses the checkpoint's horizon")
	longer := NewSchedule(1e-3, 10, 400, -1, true)
	assert.Less(t, next.Ceiling, 1.5*longer.LR(80))
	assert.Equal(t, int64(480), next.Horizon)
}
