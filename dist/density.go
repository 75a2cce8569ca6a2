// Package dist implements log-densities with their gradients and
// seeded samplers for the distributions of the strain model.
package dist

import (
	"math"
)

// tiny is the floor applied to probabilities before taking a
// logarithm.
const tiny = 1e-300

// safeLog returns log(max(x, tiny)).
func safeLog(x float64) float64 {
	return math.Log(math.Max(x, tiny))
}

// LogDirichletNorm returns log of the Dirichlet normalizing constant,
// i.e. lgamma(sum(alpha)) - sum(lgamma(alpha)).
func LogDirichletNorm(alpha []float64) float64 {
	var sum, lg float64
	for _, a := range alpha {
		sum += a
		g, _ := math.Lgamma(a)
		lg += g
	}
	g, _ := math.Lgamma(sum)
	return g - lg
}

// LogDirichlet returns Dirichlet log-density. norm should be computed
// with LogDirichletNorm.
func LogDirichlet(x, alpha []float64, norm float64) float64 {
	if len(x) != len(alpha) {
		panic("dimension mismatch")
	}
	l := norm
	for i, a := range alpha {
		l += (a - 1) * safeLog(x[i])
	}
	return l
}

// DirichletGradient adds the gradient of the Dirichlet log-density
// with respect to x to grad.
func DirichletGradient(x, alpha, grad []float64) {
	for i, a := range alpha {
		grad[i] += (a - 1) / math.Max(x[i], tiny)
	}
}

// LogMultinomialCoef returns log(n! / prod(y_i!)).
func LogMultinomialCoef(y []float64) float64 {
	var n, l float64
	for _, v := range y {
		if v == 0 {
			continue
		}
		n += v
		g, _ := math.Lgamma(v + 1)
		l -= g
	}
	g, _ := math.Lgamma(n + 1)
	return l + g
}

// LogMultinomialKernel returns sum(y_i * log(p_i)), i.e. multinomial
// log-probability without the coefficient. Categories with y_i = 0
// do not contribute.
func LogMultinomialKernel(y, p []float64) float64 {
	if len(y) != len(p) {
		panic("dimension mismatch")
	}
	var l float64
	for i, v := range y {
		if v == 0 {
			continue
		}
		l += v * safeLog(p[i])
	}
	return l
}

// LogExponential returns log-density of exponential distribution.
func LogExponential(x, rate float64) float64 {
	if x < 0 {
		return math.Inf(-1)
	}
	return math.Log(rate) - rate*x
}

// NormalEntropy returns entropy of a normal distribution with the
// given log standard deviation.
func NormalEntropy(logSD float64) float64 {
	return 0.5*(1+math.Log(2*math.Pi)) + logSD
}
