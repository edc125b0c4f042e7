package train

// stopper tracks the best validation loss and the patience counter.
type stopper struct {
	patience int
	best     float64
	waited   int
	stop     bool
}

func newStopper(patience int, best float64) *stopper {
	return &stopper{patience: patience, best: best}
}

// evalDecision is what one evaluation asks the loop to do.
type evalDecision struct {
	save     bool
	stop     bool
	improved bool
	best     float64 // best loss after this evaluation
}

// observe applies one validation loss. The patience check runs before the
// counter moves, so stopping happens on the evaluation after the one that
// exhausted patience, and that evaluation always saves.
func (s *stopper) observe(val float64, alwaysSave bool) evalDecision {
	if s.patience > 0 && s.waited >= s.patience {
		s.stop = true
	}
	improved := val < s.best
	if !improved {
		s.waited++
	}
	d := evalDecision{
		save:     improved || alwaysSave || s.stop,
		stop:     s.stop,
		improved: improved,
	}
	if improved {
		s.best = val
		s.waited = 0
	}
	d.best = s.best
	return d
}

// noBest is the best loss before any evaluation. It stays finite so it
// survives the JSON checkpoint header.
const noBest = 1e9
