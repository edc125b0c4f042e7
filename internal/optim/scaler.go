package optim

import (
	"math"

	"github.com/born-ml/tinyllama/internal/nn"
)

// GradScaler implements dynamic loss scaling. The loss is multiplied by
// the scale before backward; gradients are divided by it before the step.
// Steps with non-finite gradients are skipped and the scale shrinks; after
// GrowthInterval clean steps it grows.
//
// A disabled scaler keeps scale 1.
type GradScaler struct {
	enabled        bool
	scale          float32
	growthFactor   float32
	backoffFactor  float32
	growthInterval int
	growthTracker  int
}

// Loss scaler defaults.
const (
	DefaultInitScale      = 65536
	DefaultGrowthFactor   = 2
	DefaultBackoffFactor  = 0.5
	DefaultGrowthInterval = 2000
)

// NewGradScaler creates a scaler with the default schedule.
func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{
		enabled:        enabled,
		scale:          DefaultInitScale,
		growthFactor:   DefaultGrowthFactor,
		backoffFactor:  DefaultBackoffFactor,
		growthInterval: DefaultGrowthInterval,
	}
}

// Enabled reports whether scaling is active.
func (s *GradScaler) Enabled() bool {
	return s.enabled
}

// Scale returns the current loss multiplier.
func (s *GradScaler) Scale() float32 {
	if !s.enabled {
		return 1
	}
	return s.scale
}

// Unscale divides every gradient by the scale and reports whether all of
// them are finite.
func (s *GradScaler) Unscale(params []*nn.Parameter) (finite bool) {
	inv := 1 / s.Scale()
	finite = true
	for _, p := range params {
		g := p.GradData()
		for i := range g {
			g[i] *= inv
			if finite && (math.IsNaN(float64(g[i])) || math.IsInf(float64(g[i]), 0)) {
				finite = false
			}
		}
	}
	return finite
}

// Update adjusts the scale after a step attempt.
func (s *GradScaler) Update(foundInf bool) {
	if !s.enabled {
		return
	}
	if foundInf {
		s.scale *= s.backoffFactor
		s.growthTracker = 0
		return
	}
	s.growthTracker++
	if s.growthTracker >= s.growthInterval {
		s.scale *= s.growthFactor
		s.growthTracker = 0
	}
}
