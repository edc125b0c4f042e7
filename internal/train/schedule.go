package train

import "math"

// Schedule is the learning rate as a function of absolute iteration:
// linear warmup to Peak, cosine decay to Min at Horizon, then flat at Min.
// A positive Ceiling clamps every value.
type Schedule struct {
	Peak        float64
	Min         float64
	WarmupIters int64
	Horizon     int64 // decay ends here
	Ceiling     float64
	Decay       bool // false: constant Peak
}

// NewSchedule returns a cosine schedule with Min = peak/10.
func NewSchedule(peak float64, warmup, horizon int64, ceiling float64, decay bool) Schedule {
	return Schedule{
		Peak:        peak,
		Min:         peak / 10,
		WarmupIters: warmup,
		Horizon:     horizon,
		Ceiling:     ceiling,
		Decay:       decay,
	}
}

// LR returns the learning rate for iteration it.
func (s Schedule) LR(it int64) float64 {
	return s.clamp(s.raw(it))
}

func (s Schedule) raw(it int64) float64 {
	if !s.Decay {
		return s.Peak
	}
	if it < s.WarmupIters {
		return s.Peak * float64(it) / float64(s.WarmupIters)
	}
	if it > s.Horizon {
		return s.Min
	}
	span := s.Horizon - s.WarmupIters
	if span <= 0 {
		return s.Peak
	}
	ratio := float64(it-s.WarmupIters) / float64(span)
	coeff := 0.5 * (1 + math.Cos(math.Pi*ratio))
	return s.Min + coeff*(s.Peak-s.Min)
}

func (s Schedule) clamp(lr float64) float64 {
	if s.Ceiling > 0 && lr > s.Ceiling {
		return s.Ceiling
	}
	return lr
}

// Resume returns the schedule for a session continuing from absolute
// iteration offset. The ceiling is factor times the rate s gives at offset,
// and the horizon moves to maxIters + offset.
//
// s is the schedule of the session that wrote the checkpoint, so its
// Horizon is the checkpoint's max_iters, not the new session's. The two
// only differ when max_iters changes between runs; then the ceiling follows
// the decay the model was actually trained under.
func (s Schedule) Resume(offset, maxIters int64, factor float64) Schedule {
	next := s
	next.Ceiling = factor * s.LR(offset)
	next.Horizon = maxIters + offset
	return next
}
