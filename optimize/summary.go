package optimize

import "math"

// negInf is the initial best objective.
var negInf = math.Inf(-1)

// Summary is the optimizer summary included in the run JSON.
type Summary struct {
	// Method is the optimization method.
	Method string `json:"method"`
	// Status is the termination status.
	Status Status `json:"status"`
	// Objective is the final objective value (running ELBO for
	// ADVI, log-density for MAP).
	Objective float64 `json:"objective"`
	// MaxObjective is the best evaluated objective value.
	MaxObjective float64 `json:"maxObjective"`
	// ELBO is the last evaluated ELBO.
	ELBO float64 `json:"elbo,omitempty"`
	// RunningELBO is the moving average of the ELBO estimates.
	RunningELBO float64 `json:"runningELBO,omitempty"`
	// Eta is the step size scale of the last attempt.
	Eta float64 `json:"eta,omitempty"`
	// Retries is the number of restarts after divergence.
	Retries int `json:"retries,omitempty"`
	// Time is the optimization time in seconds.
	Time float64 `json:"time"`
}

// finite replaces values which cannot be represented in JSON by
// zeros.
func (s Summary) finite() Summary {
	for _, v := range []*float64{&s.Objective, &s.MaxObjective, &s.ELBO, &s.RunningELBO} {
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			*v = 0
		}
	}
	return s
}

// allFinite returns true if there are no NaN or Inf values in v.
func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
