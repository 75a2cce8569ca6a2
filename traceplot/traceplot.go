// Package traceplot records the objective trajectory of an optimizer
// and plots it.
package traceplot

import (
	"errors"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"bitbucket.org/Davydov/latstrain/optimize"
)

// Trace collects the running and the evaluated objective. It
// implements optimize.Monitor.
type Trace struct {
	// Thin keeps every Thin-th running value.
	Thin int

	mu      sync.Mutex
	running plotter.XYs
	evals   plotter.XYs
	status  optimize.Status
}

// New creates a trace keeping every thin-th running value.
func New(thin int) *Trace {
	if thin < 1 {
		thin = 1
	}
	return &Trace{Thin: thin}
}

// Iteration records the running objective.
func (t *Trace) Iteration(iter int, running float64) {
	if iter%t.Thin != 0 {
		return
	}
	t.mu.Lock()
	t.running = append(t.running, plotter.XY{X: float64(iter), Y: running})
	t.mu.Unlock()
}

// Evaluation records an evaluated objective.
func (t *Trace) Evaluation(iter int, value, delta float64) {
	t.mu.Lock()
	t.evals = append(t.evals, plotter.XY{X: float64(iter), Y: value})
	t.mu.Unlock()
}

// Done records the final status.
func (t *Trace) Done(status optimize.Status) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
}

// Len returns the number of running and evaluated points.
func (t *Trace) Len() (running, evals int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running), len(t.evals)
}

// Plot creates the trace plot.
func (t *Trace) Plot() (*plot.Plot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.running) == 0 && len(t.evals) == 0 {
		return nil, errors.New("empty trace")
	}
	p := plot.New()
	p.Title.Text = "ELBO trace"
	if t.status.Reason != "" {
		p.Title.Text += " (" + t.status.Reason + ")"
	}
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "ELBO"

	var lines []interface{}
	if len(t.running) > 0 {
		lines = append(lines, "running", t.running)
	}
	if len(t.evals) > 0 {
		lines = append(lines, "evaluated", t.evals)
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return nil, err
	}
	return p, nil
}

// Save saves the plot, the format is defined by the file extension.
func (t *Trace) Save(fn string) error {
	p, err := t.Plot()
	if err != nil {
		return err
	}
	return p.Save(6*vg.Inch, 4*vg.Inch, fn)
}
