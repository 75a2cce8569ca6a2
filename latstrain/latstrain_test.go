package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/Davydov/latstrain/counts"
	"bitbucket.org/Davydov/latstrain/model"
	"bitbucket.org/Davydov/latstrain/optimize"
)

func init() {
	for _, m := range modules {
		logging.SetLevel(logging.CRITICAL, m)
	}
}

func writeConfig(tst *testing.T, content string) string {
	fn := filepath.Join(tst.TempDir(), "config.yaml")
	require.NoError(tst, os.WriteFile(fn, []byte(content), 0666))
	return fn
}

func TestDefaultConfig(tst *testing.T) {
	cfg := defaultConfig()
	require.NoError(tst, cfg.Validate())
	h := cfg.hyperparameters(4)
	assert.Equal(tst, 8, h.NStrains)
	assert.Equal(tst, 1.0, h.Reg)
	assert.NoError(tst, h.Validate(4))
}

func TestReadConfig(tst *testing.T) {
	fn := writeConfig(tst, `
method: advi
map_iterations: 0
model:
  strains: 3
  reg: 2.5
advi:
  family: fullrank
  eta: 0.5
`)
	cfg, err := readConfig(fn)
	require.NoError(tst, err)
	assert.Equal(tst, 0, cfg.MapIterations)
	assert.Equal(tst, "fullrank", cfg.ADVI.Family)
	assert.Equal(tst, 0.5, cfg.ADVI.Eta)
	// not in the file
	def := optimize.DefaultADVISettings()
	assert.Equal(tst, def.EvalPeriod, cfg.ADVI.EvalPeriod)
	assert.Equal(tst, def.TolRelObj, cfg.ADVI.TolRelObj)

	h := cfg.hyperparameters(2)
	assert.Equal(tst, 3, h.NStrains)
	assert.Equal(tst, 2.5, h.Reg)
	assert.Equal(tst, 1.0, h.TaxUncertainty)
	assert.Equal(tst, 1e-5, h.TaxFuzz)
}

func TestReadConfigInvalid(tst *testing.T) {
	for name, content := range map[string]string{
		"method":  "method: mcmc\n",
		"eta":     "advi:\n  eta: -1\n",
		"family":  "advi:\n  family: gaussian\n",
		"unknown": "optimizer: advi\n",
		"syntax":  "advi: [\n",
	} {
		_, err := readConfig(writeConfig(tst, content))
		assert.Error(tst, err, name)
	}
	_, err := readConfig(filepath.Join(tst.TempDir(), "missing.yaml"))
	assert.Error(tst, err)
}

func TestGetOptimizer(tst *testing.T) {
	cfg := defaultConfig()
	for _, m := range []string{"advi", "map", "none"} {
		o := newOptimizerSettings(cfg, nil)
		o.method = m
		opt, err := o.getOptimizer()
		require.NoError(tst, err, m)
		assert.NotNil(tst, opt, m)
	}
	o := newOptimizerSettings(cfg, nil)
	o.method = "mh"
	_, err := o.getOptimizer()
	assert.Error(tst, err)

	o = newOptimizerSettings(cfg, nil)
	o.advi.Eta = 0
	_, err = o.getOptimizer()
	assert.Error(tst, err)
}

func simulate(tst *testing.T, dir string) *SimulateSummary {
	ss := &simulateSettings{
		samples:   2,
		taxa:      3,
		sequences: 5,
		taxReads:  1e4,
		seqReads:  1e4,
		minLength: 500,
		maxLength: 5000,
		seed:      1,
		outDir:    dir,
		prefix:    "sim.",
	}
	s, err := ss.run()
	require.NoError(tst, err)
	return s
}

func TestSimulate(tst *testing.T) {
	dir := tst.TempDir()
	s := simulate(tst, dir)
	assert.Len(tst, s.Files, 8)
	assert.Equal(tst, 6, s.Hyperparameters.NStrains)
	for _, fn := range s.Files {
		_, err := os.Stat(fn)
		assert.NoError(tst, err, fn)
	}

	f, err := os.Open(filepath.Join(dir, "sim.lengths.tsv"))
	require.NoError(tst, err)
	defer f.Close()
	l, err := counts.ReadLengths(f)
	require.NoError(tst, err)
	require.Len(tst, l.Values, 5)
	for _, v := range l.Values {
		assert.GreaterOrEqual(tst, v, 500.0)
		assert.Less(tst, v, 5000.0)
	}

	bad := &simulateSettings{samples: 1, taxa: 0, sequences: 1, taxReads: 1, seqReads: 1, minLength: 1, maxLength: 1}
	_, err = bad.run()
	assert.Error(tst, err)
}

func fitSettingsFor(dir string, cfg Config) *fitSettings {
	opts := newOptimizerSettings(cfg, nil)
	opts.report = 10
	opts.signals = false
	return &fitSettings{
		ms: &modelSettings{
			taxF:  filepath.Join(dir, "sim.taxa.tsv"),
			seqF:  filepath.Join(dir, "sim.sequences.tsv"),
			lenF:  filepath.Join(dir, "sim.lengths.tsv"),
			hyper: cfg.Model,
		},
		opts:      opts,
		seed:      2,
		outDir:    dir,
		prefix:    "fit.",
		trajF:     filepath.Join(dir, "traj.tsv"),
		plotF:     filepath.Join(dir, "trace.png"),
		cpKey:     "test",
		cpSeconds: 60,
	}
}

func TestFit(tst *testing.T) {
	dir := tst.TempDir()
	simulate(tst, dir)

	cfg := defaultConfig()
	cfg.MapIterations = 20
	cfg.ADVI.MaxIterations = 300
	cfg.ADVI.EvalPeriod = 50
	cfg.ADVI.ElboSamples = 20
	fs := fitSettingsFor(dir, cfg)
	fs.checkpointF = filepath.Join(dir, "cp.db")

	s, err := fs.run(context.Background())
	require.NoError(tst, err)
	// the simulated dimensions survive the round trip, S = 2T
	assert.Equal(tst, DataSummary{Samples: 2, Taxa: 3, Sequences: 5, Dim: 2*5 + 6*2 + 6*5}, s.Data)
	assert.Equal(tst, 6, s.Hyperparameters.NStrains)
	assert.NotNil(tst, s.WarmStart)
	assert.Equal(tst, "meanfield", s.Optimizer.Method)
	assert.Equal(tst, "test", s.Checkpoint)
	assert.Len(tst, s.StrainAbundance, 6)
	var total float64
	for _, v := range s.StrainAbundance {
		total += v
	}
	assert.InDelta(tst, 1, total, 1e-6)

	for _, name := range []string{"pi", "theta", "phi", "expect_tax", "expect_seq"} {
		_, err := os.Stat(filepath.Join(dir, "fit."+name+".tsv"))
		assert.NoError(tst, err, name)
	}
	_, err = os.Stat(fs.plotF)
	assert.NoError(tst, err)
	b, err := os.ReadFile(fs.trajF)
	require.NoError(tst, err)
	assert.True(tst, strings.HasPrefix(string(b), "iteration\trunning_elbo\telbo\n"))

	_, err = json.Marshal(s)
	assert.NoError(tst, err)
}

func TestFitCancelled(tst *testing.T) {
	dir := tst.TempDir()
	simulate(tst, dir)

	cfg := defaultConfig()
	cfg.MapIterations = 0
	fs := fitSettingsFor(dir, cfg)
	fs.plotF = ""

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := fs.run(ctx)
	require.NoError(tst, err)
	assert.True(tst, s.Status.Cancelled)
	assert.Nil(tst, s.WarmStart)
	_, err = os.Stat(filepath.Join(dir, "fit.pi.tsv"))
	assert.NoError(tst, err)
}

func TestFitMissingSample(tst *testing.T) {
	dir := tst.TempDir()
	simulate(tst, dir)
	// a sample with taxon counts only
	f, err := os.OpenFile(filepath.Join(dir, "sim.taxa.tsv"), os.O_APPEND|os.O_WRONLY, 0666)
	require.NoError(tst, err)
	_, err = f.WriteString("extra\ttaxon0\t10\n")
	require.NoError(tst, err)
	require.NoError(tst, f.Close())

	cfg := defaultConfig()
	cfg.Method = "none"
	fs := fitSettingsFor(dir, cfg)
	fs.plotF = ""
	fs.ms.aligner.Strict = true
	_, err = fs.run(context.Background())
	var aerr *counts.DataAlignmentError
	assert.ErrorAs(tst, err, &aerr)

	fs = fitSettingsFor(dir, cfg)
	fs.plotF = ""
	s, err := fs.run(context.Background())
	require.NoError(tst, err)
	assert.Equal(tst, 3, s.Data.Samples)
	assert.Equal(tst, "none", s.Optimizer.Method)
}

func TestRunContext(tst *testing.T) {
	ctx, cancel := runContext(context.Background(), 10*time.Millisecond)
	defer cancel()
	select {
	case <-ctx.Done():
		assert.ErrorIs(tst, ctx.Err(), context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		tst.Fatal("timeout did not cancel the context")
	}

	ctx, cancel = runContext(context.Background(), 0)
	defer cancel()
	require.NoError(tst, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		tst.Fatal("signal did not cancel the context")
	}
}

func TestFitWarmStartCancelled(tst *testing.T) {
	dir := tst.TempDir()
	simulate(tst, dir)

	cfg := defaultConfig()
	cfg.MapIterations = 100
	fs := fitSettingsFor(dir, cfg)
	fs.plotF = ""

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := fs.run(ctx)
	require.NoError(tst, err)
	require.NotNil(tst, s.WarmStart)
	assert.True(tst, s.WarmStart.Status.Cancelled)
	assert.True(tst, s.Status.Cancelled)
	_, err = os.Stat(filepath.Join(dir, "fit.pi.tsv"))
	assert.NoError(tst, err)
}

func TestReadConfigZero(tst *testing.T) {
	fn := writeConfig(tst, `
model:
  reg: 0
  tax_uncertainty: 0
`)
	cfg, err := readConfig(fn)
	require.NoError(tst, err)
	h := cfg.hyperparameters(3)
	assert.Equal(tst, 0.0, h.Reg)
	assert.Equal(tst, 0.0, h.TaxUncertainty)
	assert.Equal(tst, 6, h.NStrains)
	// a zero concentration is rejected instead of replaced
	var degenerate *model.DegenerateModelError
	assert.ErrorAs(tst, h.Validate(3), &degenerate)
}

func TestApplyFlagsZero(tst *testing.T) {
	dir := tst.TempDir()
	simulate(tst, dir)
	defer func() { userSet = map[string]bool{} }()

	cmd, err := app.Parse([]string{"fit", "--reg", "0", "--map", "0",
		filepath.Join(dir, "sim.taxa.tsv"),
		filepath.Join(dir, "sim.sequences.tsv"),
		filepath.Join(dir, "sim.lengths.tsv"),
	})
	require.NoError(tst, err)
	assert.Equal(tst, fitCmd.FullCommand(), cmd)

	cfg := defaultConfig()
	cfg.Model.Reg = new(float64)
	*cfg.Model.Reg = 2
	applyFlags(&cfg)
	require.NoError(tst, cfg.Validate())
	assert.Equal(tst, 0, cfg.MapIterations)
	// flags which were not given keep the configuration
	assert.Equal(tst, optimize.DefaultADVISettings().Eta, cfg.ADVI.Eta)
	assert.Nil(tst, cfg.Model.NStrains)

	h := cfg.hyperparameters(3)
	assert.Equal(tst, 0.0, h.Reg)
	assert.Equal(tst, 6, h.NStrains)
	assert.NoError(tst, h.Validate(3))
}
