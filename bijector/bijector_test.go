package bijector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const (
	smallDiff = 1e-8
	h         = 1e-6
)

func TestStickBreakingUniform(tst *testing.T) {
	b := NewStickBreaking(4)
	x := make([]float64, 4)
	b.Forward(x, make([]float64, 3))
	for _, v := range x {
		assert.InDelta(tst, 0.25, v, smallDiff)
	}
}

func TestStickBreakingRoundTrip(tst *testing.T) {
	b := NewStickBreaking(5)
	y := []float64{-1.5, 0.3, 2.1, -0.7}
	x := make([]float64, 5)
	logDet := b.Forward(x, y)
	require.False(tst, math.IsNaN(logDet) || math.IsInf(logDet, 0))

	var sum float64
	for _, v := range x {
		assert.GreaterOrEqual(tst, v, 0.0)
		sum += v
	}
	assert.InDelta(tst, 1, sum, smallDiff)

	y2 := make([]float64, 4)
	b.Inverse(y2, x)
	assert.InDeltaSlice(tst, y, y2, 1e-9)

	x0 := []float64{0.1, 0.05, 0.6, 0.2, 0.05}
	y3 := make([]float64, 4)
	b.Inverse(y3, x0)
	x3 := make([]float64, 5)
	b.Forward(x3, y3)
	assert.InDeltaSlice(tst, x0, x3, 1e-12)
}

func TestStickBreakingBoundary(tst *testing.T) {
	b := NewStickBreaking(3)
	y := make([]float64, 2)
	b.Inverse(y, []float64{0, 1, 0})
	for _, v := range y {
		require.False(tst, math.IsNaN(v) || math.IsInf(v, 0))
	}
	x := make([]float64, 3)
	logDet := b.Forward(x, []float64{-800, 800})
	assert.False(tst, math.IsNaN(logDet))
	assert.InDelta(tst, 1, x[0]+x[1]+x[2], smallDiff)
}

func TestStickBreakingTrivial(tst *testing.T) {
	b := NewStickBreaking(1)
	assert.Equal(tst, 0, b.Dim())
	x := make([]float64, 1)
	assert.Equal(tst, 0.0, b.Forward(x, nil))
	assert.Equal(tst, []float64{1}, x)
}

// jacobianLogDet computes log|det J| numerically for the first Dim()
// constrained coordinates.
func jacobianLogDet(b Bijector, y []float64) float64 {
	d := b.Dim()
	jac := mat.NewDense(d, d, nil)
	xp := make([]float64, b.Size())
	xm := make([]float64, b.Size())
	for j := 0; j < d; j++ {
		yp := append([]float64(nil), y...)
		ym := append([]float64(nil), y...)
		yp[j] += h
		ym[j] -= h
		b.Forward(xp, yp)
		b.Forward(xm, ym)
		for i := 0; i < d; i++ {
			jac.Set(i, j, (xp[i]-xm[i])/2/h)
		}
	}
	logDet, _ := mat.LogDet(jac)
	return logDet
}

func TestLogDet(tst *testing.T) {
	y := []float64{0.4, -1.1, 0.9}
	sb := NewStickBreaking(4)
	x := make([]float64, 4)
	assert.InDelta(tst, jacobianLogDet(sb, y), sb.Forward(x, y), 1e-5)

	lb := NewLog(3)
	x = make([]float64, 3)
	assert.InDelta(tst, jacobianLogDet(lb, y), lb.Forward(x, y), 1e-5)
}

// checkBackward compares Backward with finite differences of
// w.x + log|det J|.
func checkBackward(tst *testing.T, b Bijector, y, w []float64) {
	f := func(y []float64) float64 {
		x := make([]float64, b.Size())
		l := b.Forward(x, y)
		for i := range x {
			l += w[i] * x[i]
		}
		return l
	}
	x := make([]float64, b.Size())
	b.Forward(x, y)
	gy := make([]float64, b.Dim())
	b.Backward(gy, y, x, w)
	for j := range y {
		yp := append([]float64(nil), y...)
		ym := append([]float64(nil), y...)
		yp[j] += h
		ym[j] -= h
		fd := (f(yp) - f(ym)) / 2 / h
		assert.InDelta(tst, fd, gy[j], 1e-5, "coordinate %d", j)
	}
}

func TestBackward(tst *testing.T) {
	checkBackward(tst, NewStickBreaking(4), []float64{0.4, -1.1, 0.9}, []float64{1.5, -2, 0.3, 4})
	checkBackward(tst, NewStickBreaking(2), []float64{-3}, []float64{1, 2})
	checkBackward(tst, NewLog(3), []float64{0.4, -1.1, 0.9}, []float64{1.5, -2, 0.3})
}

func TestLogRoundTrip(tst *testing.T) {
	b := NewLog(3)
	x := []float64{0.5, 2, 1e-3}
	y := make([]float64, 3)
	b.Inverse(y, x)
	x2 := make([]float64, 3)
	logDet := b.Forward(x2, y)
	assert.InDeltaSlice(tst, x, x2, 1e-12)
	assert.InDelta(tst, math.Log(0.5*2*1e-3), logDet, smallDiff)
}
