package optimize

import (
	"math"
)

const (
	// stepPre is the weight of the new squared gradient in the
	// step size accumulator.
	stepPre = 0.1
	// stepTau stabilizes the step size for small accumulators.
	stepTau = 1
)

// StepSize is the adaptive step size sequence
//
//	rho_k = eta * k^(-1/2+1e-16) / (tau + sqrt(s_k)),
//	s_k = 0.1*g_k^2 + 0.9*s_{k-1}, s_1 = g_1^2,
//
// applied per variational parameter.
type StepSize struct {
	Eta float64
	k   int
	s   []float64
}

// NewStepSize creates a step size sequence for n parameters.
func NewStepSize(eta float64, n int) *StepSize {
	return &StepSize{Eta: eta, s: make([]float64, n)}
}

// Iteration returns the number of steps made.
func (st *StepSize) Iteration() int {
	return st.k
}

// Accumulators returns the squared gradient accumulators.
func (st *StepSize) Accumulators() []float64 {
	return st.s
}

// Restore sets the state, e.g. from a checkpoint.
func (st *StepSize) Restore(k int, s []float64) {
	if len(s) != len(st.s) {
		panic("incorrect accumulator length")
	}
	st.k = k
	copy(st.s, s)
}

// Step updates params in place by ascending along grad.
func (st *StepSize) Step(params, grad []float64) {
	st.k++
	scale := st.Eta * math.Pow(float64(st.k), -0.5+1e-16)
	for i, g := range grad {
		if st.k == 1 {
			st.s[i] = g * g
		} else {
			st.s[i] = stepPre*g*g + (1-stepPre)*st.s[i]
		}
		params[i] += scale * g / (stepTau + math.Sqrt(st.s[i]))
	}
}
