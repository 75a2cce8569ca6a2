package optimize

import (
	"context"
	"errors"

	opt "gonum.org/v1/gonum/optimize"
)

// errStopped is returned by the recorder to interrupt the
// minimization.
var errStopped = errors.New("optimization stopped")

// MAP finds the maximum of the log-density with LBFGS. It is used to
// warm start the variational mean.
type MAP struct {
	BaseOptimizer
	// GradientThreshold stops the optimization when the gradient
	// infinity norm is smaller.
	GradientThreshold float64

	ctx    context.Context
	reason string
}

// NewMAP creates a new MAP optimizer.
func NewMAP() *MAP {
	return &MAP{
		BaseOptimizer: BaseOptimizer{
			repPeriod: 10,
		},
		GradientThreshold: 1e-3,
	}
}

// Init is called by the minimizer before the first iteration.
func (m *MAP) Init() error {
	return nil
}

// Record is called by the minimizer after every operation.
func (m *MAP) Record(l *opt.Location, op opt.Operation, s *opt.Stats) error {
	if op == opt.MajorIteration {
		m.i = s.MajorIterations
		m.l = -l.F
		m.update(m.l, l.X)
		if m.monitor != nil {
			m.monitor.Iteration(m.i, m.l)
		}
		m.PrintLine(false, m.l)
		m.logProgress("log-density", m.l)
	}
	if reason := m.stopped(m.ctx); reason != "" {
		m.reason = reason
		return errStopped
	}
	return nil
}

// Func returns the negative log-density.
func (m *MAP) Func(x []float64) float64 {
	return -m.LogDensity(x)
}

// Grad sets grad to the gradient of the negative log-density.
func (m *MAP) Grad(grad, x []float64) {
	m.Gradient(x, grad)
	for i := range grad {
		grad[i] = -grad[i]
	}
}

// Run maximizes the log-density for at most iterations iterations.
// The best point found is kept even if the minimizer fails.
func (m *MAP) Run(ctx context.Context, iterations int) error {
	m.begin()
	m.ctx = ctx
	m.reason = ""
	m.PrintHeader("log_density")

	start := m.startPoint()
	m.l = m.LogDensity(start)
	m.update(m.l, start)
	log.Infof("Initial log-density: %.4f", m.l)

	settings := &opt.Settings{
		MajorIterations:   iterations,
		GradientThreshold: m.GradientThreshold,
		Recorder:          m,
		Converger: &opt.FunctionConverge{
			Absolute:   1e-8,
			Relative:   1e-10,
			Iterations: 20,
		},
	}
	problem := opt.Problem{
		Func: m.Func,
		Grad: m.Grad,
	}
	res, err := opt.Minimize(problem, start, settings, &opt.LBFGS{})

	status := Status{}
	switch {
	case m.reason != "":
		status.Cancelled = true
		status.Reason = m.reason
	case res != nil:
		status.Reason = res.Status.String()
		status.Converged = !res.Status.Early()
		m.update(-res.F, res.X)
	}
	if err != nil && m.reason == "" {
		log.Warning("MAP optimization:", err)
		status.Reason = err.Error()
	}
	m.l = m.maxL
	m.PrintLine(true, m.l)
	m.end(status)
	log.Noticef("Maximum log-density: %.4f", m.maxL)
	return nil
}

// Summary returns the run summary.
func (m *MAP) Summary() Summary {
	s := m.BaseOptimizer.Summary()
	s.Method = "map"
	return s
}
