package dist

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// NewSource returns a deterministic random source for the seed.
func NewSource(seed int64) rand.Source {
	return rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)
}

// Dirichlet draws a Dirichlet sample into x.
func Dirichlet(x, alpha []float64, src rand.Source) []float64 {
	if len(alpha) == 1 {
		if x == nil {
			x = make([]float64, 1)
		}
		x[0] = 1
		return x
	}
	return distmv.NewDirichlet(alpha, src).Rand(x)
}

// Exponential draws an exponential sample.
func Exponential(rate float64, src rand.Source) float64 {
	return distuv.Exponential{Rate: rate, Src: src}.Rand()
}

// Multinomial draws counts of n trials with probabilities p into y
// using conditional binomial draws. p does not need to be
// normalized.
func Multinomial(y []float64, n float64, p []float64, src rand.Source) []float64 {
	if y == nil {
		y = make([]float64, len(p))
	}
	var rest float64
	for _, v := range p {
		rest += v
	}
	for i, v := range p {
		switch {
		case n <= 0 || rest <= 0 || v <= 0:
			y[i] = 0
		case i == len(p)-1 || v >= rest:
			y[i] = n
		default:
			y[i] = distuv.Binomial{N: n, P: v / rest, Src: src}.Rand()
		}
		n -= y[i]
		rest -= v
	}
	return y
}

// Normal fills eps with standard normal draws.
func Normal(eps []float64, rnd *rand.Rand) {
	for i := range eps {
		eps[i] = rnd.NormFloat64()
	}
}
