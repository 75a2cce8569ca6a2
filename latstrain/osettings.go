package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"syscall"

	"bitbucket.org/Davydov/latstrain/checkpoint"
	"bitbucket.org/Davydov/latstrain/optimize"
)

// optimizerSettings stores settings for creation of a new optimizer.
type optimizerSettings struct {
	method        string
	advi          optimize.ADVISettings
	mapIterations int

	report int
	trajF  io.Writer

	src     rand.Source
	cp      *checkpoint.IO
	monitor optimize.Monitor
	signals bool
}

// newOptimizerSettings creates a new optimizerSettings from the
// configuration and the command line parameters (global variables).
func newOptimizerSettings(cfg Config, src rand.Source) *optimizerSettings {
	return &optimizerSettings{
		method:        cfg.Method,
		advi:          cfg.ADVI,
		mapIterations: cfg.MapIterations,

		report: *report,

		src:     src,
		signals: true,
	}
}

// setup sets the common optimizer parameters.
func (o *optimizerSettings) setup(opt optimize.Optimizer, m optimize.Optimizable, start []float64, watch bool) {
	opt.SetOptimizable(m)
	opt.SetStart(start)
	opt.SetReportPeriod(o.report)
	if o.trajF != nil {
		opt.SetTrajectoryOutput(o.trajF)
	}
	if watch && o.signals {
		opt.WatchSignals(os.Interrupt, syscall.SIGTERM)
	}
}

// warmStart maximizes the log-density starting from start and
// returns the best point. The warm start is only used for the
// variational inference.
func (o *optimizerSettings) warmStart(ctx context.Context, m optimize.Optimizable, start []float64) ([]float64, *optimize.Summary) {
	if o.method != "advi" || o.mapIterations <= 0 {
		return start, nil
	}
	log.Infof("MAP warm start, %d iterations", o.mapIterations)
	mp := optimize.NewMAP()
	o.setup(mp, m, start, false)
	mp.Quiet = true
	if err := mp.Run(ctx, o.mapIterations); err != nil {
		log.Warning("MAP warm start failed:", err)
		return start, nil
	}
	s := mp.Summary()
	return mp.GetMaxLParameters(), &s
}

// create creates and initializes a new optimizer from optimizerSettings.
func (o *optimizerSettings) create(m optimize.Optimizable, start []float64) (optimize.Optimizer, error) {
	opt, err := o.getOptimizer()
	if err != nil {
		return nil, err
	}
	log.Infof("Using %s optimization.", o.method)

	o.setup(opt, m, start, true)
	if o.cp != nil {
		opt.SetCheckpointIO(o.cp)
	}
	if o.monitor != nil {
		opt.SetMonitor(o.monitor)
	}
	return opt, nil
}

// getOptimizer returns an optimizer from settings.
func (o *optimizerSettings) getOptimizer() (optimize.Optimizer, error) {
	switch o.method {
	case "advi":
		a, err := optimize.NewADVI(o.advi, o.src)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "map":
		return optimize.NewMAP(), nil
	case "none":
		return optimize.NewNone(), nil
	}
	return nil, fmt.Errorf("Unknown optimization method: %s", o.method)
}

// iterations returns the iteration limit of the method.
func (o *optimizerSettings) iterations() int {
	return o.advi.MaxIterations
}

// mean returns the fitted point of the optimizer: the variational
// mean for ADVI, the best point otherwise.
func mean(opt optimize.Optimizer) []float64 {
	if a, ok := opt.(*optimize.ADVI); ok {
		return a.Mean()
	}
	return opt.GetMaxLParameters()
}
