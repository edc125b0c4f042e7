package nn

import (
	"math/rand"
)

// initNormal fills p with samples from N(0, std²).
func initNormal(p *Parameter, std float64, rng *rand.Rand) {
	data := p.Data()
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
}

// initOnes fills p with ones (norm gains).
func initOnes(p *Parameter) {
	data := p.Data()
	for i := range data {
		data[i] = 1
	}
}
