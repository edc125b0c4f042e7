package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStopper(t *testing.T) {
	type step struct {
		val        float64
		save, stop bool
		best       float64
	}
	tests := []struct {
		name       string
		patience   int
		alwaysSave bool
		steps      []step
	}{
		{
			name:     "stops one evaluation after patience runs out",
			patience: 2,
			steps: []step{
				{val: 3, save: true, best: 3},
				{val: 2, save: true, best: 2},
				{val: 2.5, best: 2},
				{val: 2.6, best: 2},
				{val: 2.7, save: true, stop: true, best: 2},
			},
		},
		{
			name:     "equal loss is not an improvement",
			patience: 1,
			steps: []step{
				{val: 2, save: true, best: 2},
				{val: 2, best: 2},
				{val: 1, save: true, stop: true, best: 1},
			},
		},
		{
			name:     "improvement resets patience",
			patience: 2,
			steps: []step{
				{val: 3, save: true, best: 3},
				{val: 4, best: 3},
				{val: 1, save: true, best: 1},
				{val: 4, best: 1},
				{val: 4, best: 1},
				{val: 4, save: true, stop: true, best: 1},
			},
		},
		{
			name:     "zero patience never stops",
			patience: 0,
			steps: []step{
				{val: 1, save: true, best: 1},
				{val: 2, best: 1},
				{val: 3, best: 1},
				{val: 4, best: 1},
			},
		},
		{
			name:       "always save",
			patience:   0,
			alwaysSave: true,
			steps: []step{
				{val: 1, save: true, best: 1},
				{val: 2, save: true, best: 1},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStopper(tt.patience, noBest)
			for i, st := range tt.steps {
				d := s.observe(st.val, tt.alwaysSave)
				assert.Equal(t, st.save, d.save, "eval %d save", i)
				assert.Equal(t, st.stop, d.stop, "eval %d stop", i)
				assert.Equal(t, st.best, d.best, "eval %d best", i)
			}
		})
	}
}

func TestStopper_RestoredBest(t *testing.T) {
	s := newStopper(3, 1.5)
	d := s.observe(1.6, false)
	assert.False(t, d.save)
	assert.Equal(t, 1.5, d.best)
}
