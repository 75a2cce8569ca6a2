package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/go-playground/validator/v10"

	"bitbucket.org/Davydov/latstrain/checkpoint"
	"bitbucket.org/Davydov/latstrain/dist"
)

// validate is the settings validator.
var validate = validator.New()

// InferenceDivergedError is returned when the ELBO estimate or its
// gradient is not finite.
type InferenceDivergedError struct {
	Iteration int
	Eta       float64
	Reason    string
}

func (e *InferenceDivergedError) Error() string {
	return fmt.Sprintf("inference diverged at iteration %d (eta=%g): %s", e.Iteration, e.Eta, e.Reason)
}

// ADVISettings are the settings of the variational inference.
type ADVISettings struct {
	// Family is "meanfield" or "fullrank".
	Family string `yaml:"family" json:"family" validate:"oneof=meanfield fullrank"`
	// Eta is the step size scale.
	Eta float64 `yaml:"eta" json:"eta" validate:"gt=0"`
	// GradSamples is the number of draws per gradient estimate.
	GradSamples int `yaml:"grad_samples" json:"gradSamples" validate:"gte=1"`
	// ElboSamples is the number of draws per ELBO evaluation.
	ElboSamples int `yaml:"elbo_samples" json:"elboSamples" validate:"gte=1"`
	// EvalPeriod is the number of iterations between ELBO
	// evaluations.
	EvalPeriod int `yaml:"eval_period" json:"evalPeriod" validate:"gte=1"`
	// TolRelObj is the relative ELBO change tolerance.
	TolRelObj float64 `yaml:"tol_rel_obj" json:"tolRelObj" validate:"gt=0"`
	// MaxIterations is the iteration limit.
	MaxIterations int `yaml:"iterations" json:"iterations" validate:"gte=1"`
	// MaxRetries is the number of restarts with eta/10 after
	// divergence.
	MaxRetries int `yaml:"max_retries" json:"maxRetries" validate:"gte=0"`
	// RunningWeight is the weight of a new estimate in the running
	// ELBO.
	RunningWeight float64 `yaml:"running_weight" json:"runningWeight" validate:"gt=0,lte=1"`
}

// DefaultADVISettings returns the default settings.
func DefaultADVISettings() ADVISettings {
	return ADVISettings{
		Family:        "meanfield",
		Eta:           0.1,
		GradSamples:   1,
		ElboSamples:   100,
		EvalPeriod:    100,
		TolRelObj:     0.01,
		MaxIterations: 100000,
		MaxRetries:    3,
		RunningWeight: 0.05,
	}
}

// ADVI is the automatic differentiation variational inference
// optimizer maximizing the ELBO.
type ADVI struct {
	BaseOptimizer
	ADVISettings

	rnd    *rand.Rand
	family Family
	step   *StepSize

	eta     float64
	running float64
	elbo    float64
	retries int
}

// NewADVI checks the settings and creates a new ADVI optimizer. src
// is the source of the Monte Carlo draws.
func NewADVI(s ADVISettings, src rand.Source) (*ADVI, error) {
	if err := validate.Struct(s); err != nil {
		return nil, fmt.Errorf("invalid ADVI settings: %w", err)
	}
	return &ADVI{
		BaseOptimizer: BaseOptimizer{repPeriod: s.EvalPeriod},
		ADVISettings:  s,
		rnd:           rand.New(src),
	}, nil
}

// VariationalFamily returns the fitted variational family.
func (a *ADVI) VariationalFamily() Family {
	return a.family
}

// Mean returns a copy of the variational mean.
func (a *ADVI) Mean() []float64 {
	return append([]float64(nil), a.family.Mean()...)
}

// ELBO returns the last evaluated ELBO.
func (a *ADVI) ELBO() float64 {
	return a.elbo
}

// RunningELBO returns the moving average of per-iteration ELBO
// estimates.
func (a *ADVI) RunningELBO() float64 {
	return a.running
}

// Run runs the optimization for at most iterations iterations
// (MaxIterations if iterations <= 0). After a divergence the
// optimization restarts from the starting point with eta/10, at most
// MaxRetries times.
func (a *ADVI) Run(ctx context.Context, iterations int) error {
	if iterations <= 0 {
		iterations = a.MaxIterations
	}
	a.begin()
	a.eta = a.Eta
	for a.retries = 0; ; a.retries++ {
		err := a.run(ctx, iterations, a.retries == 0)
		if err == nil {
			return nil
		}
		var div *InferenceDivergedError
		if !errors.As(err, &div) || a.retries >= a.MaxRetries {
			a.end(Status{Reason: err.Error()})
			return err
		}
		a.eta /= 10
		log.Warningf("%v, restarting with eta=%g", err, a.eta)
	}
}

// run is one attempt of the optimization.
func (a *ADVI) run(ctx context.Context, iterations int, resume bool) error {
	var err error
	a.family, err = NewFamily(a.ADVISettings.Family, a.startPoint())
	if err != nil {
		return err
	}
	params := a.family.Params()
	a.step = NewStepSize(a.eta, len(params))
	a.i = 0
	a.maxL = negInf
	a.maxLPar = nil
	a.running = math.NaN()

	if resume {
		if status, finished := a.restore(); finished {
			a.end(status)
			return nil
		}
	}

	d := a.Dim()
	eps := make([]float64, d)
	z := make([]float64, d)
	g := make([]float64, d)
	grad := make([]float64, len(params))

	if a.elbo, err = a.evalELBO(eps, z); err != nil {
		return err
	}
	a.update(a.elbo, a.family.Mean())
	log.Infof("Initial ELBO: %.4f", a.elbo)
	conv := newRelTolerance(a.TolRelObj, a.bufferSize(iterations), a.elbo)

	a.PrintHeader("running_elbo", "elbo")
	for a.i < iterations {
		if reason := a.stopped(ctx); reason != "" {
			// keep the best evaluated mean
			if a.maxLPar != nil {
				copy(a.family.Mean(), a.maxLPar)
			}
			a.saveCheckpoint(nil)
			a.end(Status{Cancelled: true, Reason: reason})
			return nil
		}

		est, err := a.gradient(grad, eps, z, g)
		if err != nil {
			return err
		}
		a.step.Step(params, grad)
		a.i++
		if !allFinite(params) {
			return &InferenceDivergedError{Iteration: a.i, Eta: a.eta, Reason: "non-finite variational parameters"}
		}

		if math.IsNaN(a.running) {
			a.running = est
		} else {
			a.running += a.RunningWeight * (est - a.running)
		}
		a.l = a.running
		if a.monitor != nil {
			a.monitor.Iteration(a.i, a.running)
		}
		a.logProgress("running ELBO", a.running)

		if a.i%a.EvalPeriod != 0 {
			a.PrintLine(false, a.running, a.elbo)
			continue
		}

		if a.elbo, err = a.evalELBO(eps, z); err != nil {
			return err
		}
		a.update(a.elbo, a.family.Mean())
		delta := conv.push(a.elbo)
		if a.monitor != nil {
			a.monitor.Evaluation(a.i, a.elbo, delta)
		}
		a.PrintLine(true, a.running, a.elbo)
		log.Debugf("iteration %d, ELBO=%.4f, relative change=%.5f", a.i, a.elbo, delta)

		if ok, reason := conv.converged(); ok {
			status := Status{Converged: true, Reason: reason}
			a.saveCheckpoint(&status)
			a.end(status)
			return nil
		}
		if a.cp != nil && a.cp.Old() {
			a.saveCheckpoint(nil)
		}
	}
	log.Warning("Iteration limit reached before convergence")
	status := Status{Reason: "iteration limit reached"}
	a.saveCheckpoint(&status)
	a.end(status)
	return nil
}

// bufferSize returns the size of the relative change buffer.
func (a *ADVI) bufferSize(iterations int) int {
	return int(math.Max(0.1*float64(iterations)/float64(a.EvalPeriod), 2))
}

// gradient estimates the ELBO gradient with respect to the variational
// parameters, it returns the ELBO estimate.
func (a *ADVI) gradient(grad, eps, z, g []float64) (float64, error) {
	for i := range grad {
		grad[i] = 0
	}
	var lp float64
	for k := 0; k < a.GradSamples; k++ {
		dist.Normal(eps, a.rnd)
		a.family.Transform(z, eps)
		l := a.Gradient(z, g)
		if math.IsNaN(l) || math.IsInf(l, 0) || !allFinite(g) {
			return 0, &InferenceDivergedError{Iteration: a.i, Eta: a.eta, Reason: "non-finite log-density gradient"}
		}
		a.family.AddGradient(grad, eps, g)
		lp += l
	}
	n := float64(a.GradSamples)
	for i := range grad {
		grad[i] /= n
	}
	a.family.AddEntropyGradient(grad)
	return lp/n + a.family.Entropy(), nil
}

// evalELBO estimates the ELBO with ElboSamples draws.
func (a *ADVI) evalELBO(eps, z []float64) (float64, error) {
	var lp float64
	for k := 0; k < a.ElboSamples; k++ {
		dist.Normal(eps, a.rnd)
		a.family.Transform(z, eps)
		l := a.LogDensity(z)
		if math.IsNaN(l) || math.IsInf(l, 0) {
			return 0, &InferenceDivergedError{Iteration: a.i, Eta: a.eta, Reason: "non-finite ELBO estimate"}
		}
		lp += l
	}
	return lp/float64(a.ElboSamples) + a.family.Entropy(), nil
}

// restore loads the state from the checkpoint. If the checkpoint is
// of a finished optimization, it returns the saved status and true.
func (a *ADVI) restore() (Status, bool) {
	if a.cp == nil {
		return Status{}, false
	}
	data, err := a.cp.Load()
	if err != nil {
		log.Error("Error loading checkpoint:", err)
		return Status{}, false
	}
	params := a.family.Params()
	if data == nil || data.Method != a.family.Name() || data.Dim != a.Dim() ||
		len(data.Params) != len(params) || len(data.StepS) != len(params) {
		if data != nil {
			log.Warning("Checkpoint does not match the model, ignoring")
		}
		return Status{}, false
	}
	copy(params, data.Params)
	a.step.Restore(data.Iter, data.StepS)
	a.step.Eta = data.Eta
	a.eta = data.Eta
	a.i = data.Iter
	a.elbo = data.Objective
	a.l = data.Objective
	if data.Best != nil {
		a.maxL = data.BestObjective
		a.maxLPar = append([]float64(nil), data.Best...)
	}
	if data.Final {
		log.Noticef("Restored finished optimization (%s)", data.Reason)
		return Status{Converged: data.Converged, Reason: data.Reason}, true
	}
	log.Noticef("Resuming from iteration %d", a.i)
	return Status{}, false
}

// saveCheckpoint saves the state if checkpointing is enabled. A
// non-nil status marks the optimization as finished.
func (a *ADVI) saveCheckpoint(status *Status) {
	if a.cp == nil {
		return
	}
	data := &checkpoint.Data{
		Method:        a.family.Name(),
		Dim:           a.Dim(),
		Iter:          a.i,
		Eta:           a.eta,
		Params:        a.family.Params(),
		StepS:         a.step.Accumulators(),
		Objective:     a.elbo,
		Best:          a.maxLPar,
		BestObjective: a.maxL,
	}
	if status != nil {
		data.Final = true
		data.Converged = status.Converged
		data.Reason = status.Reason
	}
	a.cp.Save(data)
}

// Summary returns the run summary.
func (a *ADVI) Summary() Summary {
	s := a.BaseOptimizer.Summary()
	s.Method = a.ADVISettings.Family
	s.Eta = a.eta
	s.Retries = a.retries
	s.ELBO = a.elbo
	s.RunningELBO = a.running
	return s.finite()
}
