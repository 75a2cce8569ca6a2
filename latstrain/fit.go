package main

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bitbucket.org/Davydov/latstrain/checkpoint"
	"bitbucket.org/Davydov/latstrain/dist"
	"bitbucket.org/Davydov/latstrain/estimate"
	"bitbucket.org/Davydov/latstrain/metrics"
	"bitbucket.org/Davydov/latstrain/optimize"
	"bitbucket.org/Davydov/latstrain/traceplot"
)

// fitSettings stores all the settings of the fit command.
type fitSettings struct {
	ms   *modelSettings
	opts *optimizerSettings
	seed int64

	outDir string
	prefix string
	trajF  string
	plotF  string

	checkpointF string
	cpKey       string
	cpSeconds   float64

	metricsAddr string
}

// newFitSettings creates fitSettings from the configuration and the
// command line parameters (global variables).
func newFitSettings(cfg Config, runID string) *fitSettings {
	key := *cpKey
	if key == "" {
		key = runID
	}
	return &fitSettings{
		ms:   newModelSettings(cfg),
		opts: newOptimizerSettings(cfg, nil),
		seed: *seed,

		outDir: *outDir,
		prefix: *prefix,
		trajF:  *outF,
		plotF:  *plotF,

		checkpointF: *checkpointF,
		cpKey:       key,
		cpSeconds:   *cpSeconds,

		metricsAddr: *metricsAddr,
	}
}

// run reads the data, fits the model and writes the estimates.
func (fs *fitSettings) run(ctx context.Context) (*FitSummary, error) {
	summary := &FitSummary{}

	data, err := fs.ms.readData()
	if err != nil {
		return nil, err
	}
	m, err := fs.ms.createModel(data)
	if err != nil {
		return nil, err
	}
	n, t, g := data.Dims()
	summary.Data = DataSummary{Samples: n, Taxa: t, Sequences: g, Dim: m.Dim()}
	summary.Hyperparameters = m.Hyperparameters()

	// the same stream is used for the starting point and
	// the Monte Carlo draws
	src := dist.NewSource(fs.seed)
	fs.opts.src = src
	start := m.InitialPoint(src)

	if fs.trajF != "" {
		f, err := os.Create(fs.trajF)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		fs.opts.trajF = f
	}

	var monitors optimize.Monitors
	var trace *traceplot.Trace
	if fs.plotF != "" {
		trace = traceplot.New(fs.opts.report)
		monitors = append(monitors, trace)
	}
	if fs.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		monitors = append(monitors, metrics.NewFit(reg))
		srv := metrics.Serve(fs.metricsAddr, reg)
		defer srv.Close()
	}
	if len(monitors) > 0 {
		fs.opts.monitor = monitors
	}

	if fs.checkpointF != "" {
		db, err := checkpoint.Open(fs.checkpointF)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		log.Infof("Checkpoint key: %s", fs.cpKey)
		fs.opts.cp = checkpoint.NewIO(db, []byte(fs.cpKey), fs.cpSeconds)
		summary.Checkpoint = fs.cpKey
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start, summary.WarmStart = fs.opts.warmStart(ctx, m, start)
	if summary.WarmStart != nil && summary.WarmStart.Status.Cancelled {
		log.Warning("Warm start was interrupted")
		cancel()
	}

	opt, err := fs.opts.create(m, start)
	if err != nil {
		return nil, err
	}
	startTime := time.Now()
	if err := opt.Run(ctx, fs.opts.iterations()); err != nil {
		return nil, err
	}
	summary.Time = time.Since(startTime).Seconds()
	summary.Optimizer = opt.Summary()
	summary.Status = opt.Status()
	if summary.Status.Cancelled {
		log.Warningf("Optimization was interrupted (%s), writing the best estimates", summary.Status.Reason)
	}
	log.Noticef("Final objective: %.4f", opt.GetL())

	z := mean(opt)
	if z == nil {
		z = start
	}
	est := estimate.Extract(m, z)
	if err := est.WriteTSV(fs.outDir, fs.prefix); err != nil {
		return nil, err
	}
	summary.StrainAbundance = make(map[string]float64, len(est.Strains))
	for i, v := range est.StrainAbundance() {
		summary.StrainAbundance[est.Strains[i]] = v
	}

	if trace != nil {
		if err := trace.Save(fs.plotF); err != nil {
			log.Error("Error saving the trace plot:", err)
		}
	}
	return summary, nil
}
