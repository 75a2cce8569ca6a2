// Package bijector implements bijections between constrained values
// (simplices, positive reals) and unconstrained real vectors.
//
// Forward maps an unconstrained vector y to the constrained value x
// and returns log|det J| of the map, Inverse maps x back to y.
// Backward propagates a gradient with respect to x (plus the
// gradient of the log-determinant itself) back to y.
package bijector

import (
	"math"
)

// Bijector is a bijection from R^Dim() onto a constrained set of
// vectors of length Size().
type Bijector interface {
	// Dim is the unconstrained dimension.
	Dim() int
	// Size is the constrained dimension.
	Size() int
	// Forward sets x = f(y) and returns log|det J|.
	Forward(x, y []float64) float64
	// Inverse sets y = f^-1(x).
	Inverse(y, x []float64)
	// Backward adds to gy the gradient with respect to y of
	// F(f(y)) + log|det J(y)|, where gx is dF/dx evaluated at
	// x = f(y).
	Backward(gy, y, x, gx []float64)
}

const (
	// clip is the smallest value allowed for a stick-breaking
	// proportion in Inverse.
	clip = 1e-15
	// minStick is the floor of the remaining stick length in
	// Backward.
	minStick = 1e-300
)

// logSigmoid returns log(1/(1+exp(-u))) without overflow.
func logSigmoid(u float64) float64 {
	if u > 0 {
		return -math.Log1p(math.Exp(-u))
	}
	return u - math.Log1p(math.Exp(u))
}

// sigmoid returns 1/(1+exp(-u)).
func sigmoid(u float64) float64 {
	if u >= 0 {
		return 1 / (1 + math.Exp(-u))
	}
	e := math.Exp(u)
	return e / (1 + e)
}

// logit is the inverse of sigmoid.
func logit(z float64) float64 {
	return math.Log(z) - math.Log1p(-z)
}

// StickBreaking maps R^(k-1) onto the k-simplex. Zero vector maps to
// the uniform simplex.
type StickBreaking struct {
	k int
}

// NewStickBreaking creates a stick-breaking bijector for a simplex of
// size k.
func NewStickBreaking(k int) *StickBreaking {
	if k < 1 {
		panic("simplex size should be >= 1")
	}
	return &StickBreaking{k: k}
}

// Dim returns k-1.
func (b *StickBreaking) Dim() int {
	return b.k - 1
}

// Size returns k.
func (b *StickBreaking) Size() int {
	return b.k
}

// offset centers the transform so that y = 0 gives the uniform
// simplex.
func (b *StickBreaking) offset(i int) float64 {
	return math.Log(float64(b.k - i - 1))
}

// Forward computes x from y.
func (b *StickBreaking) Forward(x, y []float64) (logDet float64) {
	rem := 1.0
	logRem := 0.0
	for i := 0; i < b.k-1; i++ {
		u := y[i] - b.offset(i)
		z := sigmoid(u)
		x[i] = rem * z
		logDet += logSigmoid(u) + logSigmoid(-u) + logRem
		rem -= x[i]
		if rem < 0 {
			rem = 0
		}
		logRem += logSigmoid(-u)
	}
	x[b.k-1] = rem
	return
}

// Inverse computes y from x.
func (b *StickBreaking) Inverse(y, x []float64) {
	rem := 1.0
	for i := 0; i < b.k-1; i++ {
		var z float64
		if rem > 0 {
			z = x[i] / rem
		}
		z = math.Min(math.Max(z, clip), 1-clip)
		y[i] = logit(z) + b.offset(i)
		rem -= x[i]
	}
}

// Backward propagates gx to gy.
func (b *StickBreaking) Backward(gy, y, x, gx []float64) {
	if b.k == 1 {
		return
	}
	// rem is the stick left before break i, x[i] = rem*z[i], so it
	// is the suffix sum of x.
	rem := x[b.k-1]
	// adjoint of the stick left after the last break, x[k-1] = rem
	gRem := gx[b.k-1]
	for i := b.k - 2; i >= 0; i-- {
		rem += x[i]
		u := y[i] - b.offset(i)
		z := sigmoid(u)
		// d/dz of x[i] and of the stick passed on
		gz := (gx[i] - gRem) * rem
		// log z + log(1-z) in log|det J|, times dz/du = z(1-z)
		gy[i] += gz*z*(1-z) + 1 - 2*z
		// 1/rem comes from log rem in log|det J|
		gRem = gx[i]*z + gRem*(1-z)
		if i > 0 {
			gRem += 1 / math.Max(rem, minStick)
		}
	}
}

// Log maps R^n onto positive reals, x = exp(y).
type Log struct {
	n int
}

// NewLog creates a log bijector for n values.
func NewLog(n int) *Log {
	return &Log{n: n}
}

// Dim returns n.
func (b *Log) Dim() int {
	return b.n
}

// Size returns n.
func (b *Log) Size() int {
	return b.n
}

// Forward computes x = exp(y), log|det J| = sum(y).
func (b *Log) Forward(x, y []float64) (logDet float64) {
	for i, v := range y {
		x[i] = math.Exp(v)
		logDet += v
	}
	return
}

// Inverse computes y = log(x).
func (b *Log) Inverse(y, x []float64) {
	for i, v := range x {
		y[i] = math.Log(v)
	}
}

// Backward propagates gx to gy.
func (b *Log) Backward(gy, y, x, gx []float64) {
	for i := range gy {
		gy[i] += gx[i]*x[i] + 1
	}
}
