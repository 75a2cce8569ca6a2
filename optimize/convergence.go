package optimize

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// relTolerance keeps the last relative changes of the objective in a
// circular buffer and decides on convergence.
type relTolerance struct {
	tol  float64
	vals chan float64
	prev float64
}

// newRelTolerance creates a convergence check with a buffer of
// size n.
func newRelTolerance(tol float64, n int, initial float64) *relTolerance {
	if n < 1 {
		n = 1
	}
	return &relTolerance{
		tol:  tol,
		vals: make(chan float64, n),
		prev: initial,
	}
}

// relDifference returns |(cur - prev) / cur|.
func relDifference(cur, prev float64) float64 {
	return math.Abs((cur - prev) / cur)
}

// push adds a new objective value and returns its relative change.
func (r *relTolerance) push(v float64) float64 {
	if len(r.vals) == cap(r.vals) {
		<-r.vals
	}
	delta := relDifference(v, r.prev)
	r.vals <- delta
	r.prev = v
	return delta
}

// values returns the buffer content.
func (r *relTolerance) values() []float64 {
	n := len(r.vals)
	v := make([]float64, n)
	for i := 0; i < n; i++ {
		v[i] = <-r.vals
		r.vals <- v[i]
	}
	return v
}

// converged checks the mean and the median of the buffer against the
// tolerance and returns a reason if one of them is smaller.
func (r *relTolerance) converged() (bool, string) {
	v := r.values()
	if len(v) == 0 {
		return false, ""
	}
	mean := stat.Mean(v, nil)
	sort.Float64s(v)
	median := stat.Quantile(0.5, stat.Empirical, v, nil)
	switch {
	case mean < r.tol:
		return true, "mean relative ELBO change below tolerance"
	case median < r.tol:
		return true, "median relative ELBO change below tolerance"
	}
	if len(v) == cap(r.vals) && median > 0.5 && mean > 0.5 {
		log.Warning("ELBO relative change is large, the optimization may be diverging")
	}
	return false, ""
}
