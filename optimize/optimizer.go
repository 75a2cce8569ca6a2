// Package optimize implements fitting of differentiable
// log-densities: automatic differentiation variational inference
// (ADVI) with mean-field and full-rank Gaussian families, a
// maximum a posteriori warm start and a no-op evaluator.
package optimize

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/op/go-logging"
	"golang.org/x/time/rate"

	"bitbucket.org/Davydov/latstrain/checkpoint"
)

// log is the global logging variable.
var log = logging.MustGetLogger("optimize")

// Optimizable is a log-density over R^Dim().
type Optimizable interface {
	// Dim is the number of unconstrained coordinates.
	Dim() int
	// LogDensity computes the log-density at z.
	LogDensity(z []float64) float64
	// Gradient computes the log-density at z and stores its
	// gradient in grad.
	Gradient(z, grad []float64) float64
}

// Monitor receives progress of an optimizer.
type Monitor interface {
	// Iteration is called after every iteration with the running
	// objective.
	Iteration(iter int, running float64)
	// Evaluation is called after the objective was evaluated,
	// delta is its relative change.
	Evaluation(iter int, value, delta float64)
	// Done is called once the optimization finished.
	Done(status Status)
}

// Optimizer is an optimizer of an Optimizable.
type Optimizer interface {
	SetOptimizable(Optimizable)
	SetStart([]float64)
	WatchSignals(...os.Signal)
	SetReportPeriod(period int)
	SetTrajectoryOutput(io.Writer)
	SetCheckpointIO(*checkpoint.IO)
	SetMonitor(Monitor)
	Run(ctx context.Context, iterations int) error
	GetL() float64
	GetMaxL() float64
	GetMaxLParameters() []float64
	Status() Status
	Summary() Summary
}

// Status describes how an optimization ended.
type Status struct {
	// Converged is true if the convergence criterion was met.
	Converged bool `json:"converged"`
	// Cancelled is true if the run was interrupted by a signal
	// or a context.
	Cancelled bool `json:"cancelled"`
	// Reason is a human-readable termination reason.
	Reason string `json:"reason"`
	// Iterations is the number of iterations performed.
	Iterations int `json:"iterations"`
}

// BaseOptimizer contains the state shared by all the optimizers.
type BaseOptimizer struct {
	Optimizable
	start []float64

	i       int
	l       float64
	maxL    float64
	maxLPar []float64

	repPeriod int
	sig       chan os.Signal
	traj      io.Writer
	cp        *checkpoint.IO
	monitor   Monitor
	progress  *rate.Sometimes

	// Quiet disables the trajectory output.
	Quiet bool

	status    Status
	startTime time.Time
	duration  time.Duration
}

// SetOptimizable sets the log-density to optimize.
func (o *BaseOptimizer) SetOptimizable(opt Optimizable) {
	o.Optimizable = opt
}

// SetStart sets the starting point. By default the optimization
// starts from zero.
func (o *BaseOptimizer) SetStart(z []float64) {
	o.start = append([]float64(nil), z...)
}

// startPoint returns a copy of the starting point.
func (o *BaseOptimizer) startPoint() []float64 {
	z := make([]float64, o.Dim())
	if o.start != nil {
		if len(o.start) != len(z) {
			panic("incorrect starting point length")
		}
		copy(z, o.start)
	}
	return z
}

// WatchSignals makes the optimizer stop at the next iteration
// boundary if one of the signals is received.
func (o *BaseOptimizer) WatchSignals(sigs ...os.Signal) {
	o.sig = make(chan os.Signal, 1)
	signal.Notify(o.sig, sigs...)
}

// SetReportPeriod sets the trajectory output period.
func (o *BaseOptimizer) SetReportPeriod(period int) {
	o.repPeriod = period
}

// SetTrajectoryOutput sets the trajectory writer.
func (o *BaseOptimizer) SetTrajectoryOutput(w io.Writer) {
	o.traj = w
}

// SetCheckpointIO enables checkpointing.
func (o *BaseOptimizer) SetCheckpointIO(cp *checkpoint.IO) {
	o.cp = cp
}

// SetMonitor sets the progress monitor.
func (o *BaseOptimizer) SetMonitor(m Monitor) {
	o.monitor = m
}

// begin initializes the counters before the loop.
func (o *BaseOptimizer) begin() {
	if o.Optimizable == nil {
		panic("optimizable is not set")
	}
	o.startTime = time.Now()
	o.status = Status{}
	o.i = 0
	o.maxL = negInf
	o.maxLPar = nil
	if o.progress == nil {
		o.progress = &rate.Sometimes{Interval: 10 * time.Second}
	}
}

// end records the final status.
func (o *BaseOptimizer) end(status Status) {
	o.duration = time.Since(o.startTime)
	status.Iterations = o.i
	o.status = status
	if o.monitor != nil {
		o.monitor.Done(status)
	}
	log.Infof("Finished after %d iterations (%v): %s", o.i, o.duration, status.Reason)
}

// stopped checks the context (including its deadline) and the
// signals. It returns a non-empty reason if the optimization should stop.
func (o *BaseOptimizer) stopped(ctx context.Context) string {
	select {
	case <-ctx.Done():
		return fmt.Sprintf("context: %v", ctx.Err())
	default:
	}
	select {
	case s := <-o.sig:
		log.Warningf("Received signal %v, exiting.", s)
		return fmt.Sprintf("signal: %v", s)
	default:
	}
	return ""
}

// update stores the point if it is the best one seen.
func (o *BaseOptimizer) update(l float64, z []float64) {
	if l > o.maxL {
		o.maxL = l
		o.maxLPar = append(o.maxLPar[:0], z...)
	}
}

// PrintHeader writes the trajectory header.
func (o *BaseOptimizer) PrintHeader(columns ...string) {
	if o.traj != nil && !o.Quiet {
		fmt.Fprintf(o.traj, "iteration\t%s\n", strings.Join(columns, "\t"))
	}
}

// PrintLine writes a trajectory line if the iteration is reported.
func (o *BaseOptimizer) PrintLine(force bool, values ...float64) {
	if o.traj == nil || o.Quiet {
		return
	}
	if !force && (o.repPeriod <= 0 || o.i%o.repPeriod != 0) {
		return
	}
	s := make([]string, len(values))
	for i, v := range values {
		s[i] = fmt.Sprintf("%f", v)
	}
	fmt.Fprintf(o.traj, "%d\t%s\n", o.i, strings.Join(s, "\t"))
}

// logProgress logs the objective at most once per interval.
func (o *BaseOptimizer) logProgress(name string, l float64) {
	o.progress.Do(func() {
		log.Infof("iteration %d, %s=%.4f", o.i, name, l)
	})
}

// GetL returns the current objective value.
func (o *BaseOptimizer) GetL() float64 {
	return o.l
}

// GetMaxL returns the best objective value.
func (o *BaseOptimizer) GetMaxL() float64 {
	return o.maxL
}

// GetMaxLParameters returns the point with the best objective
// value.
func (o *BaseOptimizer) GetMaxLParameters() []float64 {
	return o.maxLPar
}

// Status returns the termination status of the last run.
func (o *BaseOptimizer) Status() Status {
	return o.status
}

// Summary returns the summary of the last run.
func (o *BaseOptimizer) Summary() Summary {
	return Summary{
		Status:       o.status,
		Objective:    o.l,
		MaxObjective: o.maxL,
		Time:         o.duration.Seconds(),
	}.finite()
}

// Monitors sends the progress to several monitors.
type Monitors []Monitor

// Iteration calls Iteration of all the monitors.
func (ms Monitors) Iteration(iter int, running float64) {
	for _, m := range ms {
		m.Iteration(iter, running)
	}
}

// Evaluation calls Evaluation of all the monitors.
func (ms Monitors) Evaluation(iter int, value, delta float64) {
	for _, m := range ms {
		m.Evaluation(iter, value, delta)
	}
}

// Done calls Done of all the monitors.
func (ms Monitors) Done(status Status) {
	for _, m := range ms {
		m.Done(status)
	}
}
