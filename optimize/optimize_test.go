package optimize

import (
	"bytes"
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/latstrain/checkpoint"
	"bitbucket.org/Davydov/latstrain/dist"
)

const smallDiff = 1e-6

func init() {
	logging.SetLevel(logging.CRITICAL, "optimize")
	logging.SetLevel(logging.CRITICAL, "checkpoint")
}

// gaussian is an independent normal log-density (up to a constant
// offset).
type gaussian struct {
	mu, sd []float64
	offset float64
	calls  int
	// nanAt makes the nanAt-th gradient call return NaN.
	nanAt int
}

func newGaussian() *gaussian {
	return &gaussian{
		mu:     []float64{1, -2, 0.5},
		sd:     []float64{0.5, 1, 2},
		offset: -100,
	}
}

func (g *gaussian) Dim() int {
	return len(g.mu)
}

func (g *gaussian) LogDensity(z []float64) float64 {
	l := g.offset
	for i, v := range z {
		d := (v - g.mu[i]) / g.sd[i]
		l -= 0.5 * d * d
	}
	return l
}

func (g *gaussian) Gradient(z, grad []float64) float64 {
	g.calls++
	if g.calls == g.nanAt {
		return math.NaN()
	}
	for i, v := range z {
		grad[i] = -(v - g.mu[i]) / (g.sd[i] * g.sd[i])
	}
	return g.LogDensity(z)
}

// monitor records the calls and can cancel a context.
type monitor struct {
	iterations  int
	evaluations int
	done        bool
	cancelAt    int
	cancel      context.CancelFunc
}

func (m *monitor) Iteration(iter int, running float64) {
	m.iterations++
	if m.cancel != nil && iter == m.cancelAt {
		m.cancel()
	}
}

func (m *monitor) Evaluation(iter int, value, delta float64) {
	m.evaluations++
}

func (m *monitor) Done(status Status) {
	m.done = true
}

func newTestADVI(tst *testing.T, s ADVISettings, target Optimizable) *ADVI {
	a, err := NewADVI(s, dist.NewSource(1))
	require.NoError(tst, err)
	a.SetOptimizable(target)
	return a
}

func TestSettingsValidation(tst *testing.T) {
	bad := []func(*ADVISettings){
		func(s *ADVISettings) { s.Eta = 0 },
		func(s *ADVISettings) { s.GradSamples = 0 },
		func(s *ADVISettings) { s.ElboSamples = 0 },
		func(s *ADVISettings) { s.MaxIterations = 0 },
		func(s *ADVISettings) { s.Family = "diagonal" },
		func(s *ADVISettings) { s.TolRelObj = -1 },
	}
	for i, f := range bad {
		s := DefaultADVISettings()
		f(&s)
		_, err := NewADVI(s, dist.NewSource(1))
		assert.Error(tst, err, "case %d", i)
	}
	_, err := NewADVI(DefaultADVISettings(), dist.NewSource(1))
	assert.NoError(tst, err)
}

func TestMeanField(tst *testing.T) {
	mf := NewMeanField([]float64{1, 2})
	mf.Params()[2] = math.Log(3)
	z := make([]float64, 2)
	mf.Transform(z, []float64{1, -1})
	assert.InDeltaSlice(tst, []float64{4, 1}, z, smallDiff)
	assert.InDeltaSlice(tst, []float64{3, 1}, mf.SD(), smallDiff)
	assert.InDelta(tst, math.Log(3)+2*dist.NormalEntropy(0), mf.Entropy(), smallDiff)

	c := mf.Clone()
	c.Params()[0] = 10
	assert.Equal(tst, 1.0, mf.Mean()[0])
}

func TestFullRank(tst *testing.T) {
	fr := NewFullRank([]float64{0, 1})
	p := fr.Params()
	// L = [[2, 0], [1, 3]]
	p[fr.index(0, 0)] = 2
	p[fr.index(1, 0)] = 1
	p[fr.index(1, 1)] = 3
	z := make([]float64, 2)
	fr.Transform(z, []float64{1, 1})
	assert.InDeltaSlice(tst, []float64{2, 5}, z, smallDiff)

	cov := fr.Covariance()
	assert.True(tst, mat.EqualApprox(cov, mat.NewSymDense(2, []float64{4, 2, 2, 10}), smallDiff))
	assert.InDeltaSlice(tst, []float64{2, math.Sqrt(10)}, fr.SD(), smallDiff)

	var chol mat.Cholesky
	require.True(tst, chol.Factorize(cov))
	assert.InDelta(tst, 0.5*chol.LogDet()+2*dist.NormalEntropy(0), fr.Entropy(), smallDiff)
}

// checkFamilyGradient compares AddGradient + AddEntropyGradient with
// finite differences of log p(z(eps)) + H for fixed eps.
func checkFamilyGradient(tst *testing.T, f Family, target Optimizable, eps []float64) {
	const h = 1e-6
	d := f.Dim()
	z := make([]float64, d)
	g := make([]float64, d)
	obj := func() float64 {
		f.Transform(z, eps)
		return target.LogDensity(z) + f.Entropy()
	}
	grad := make([]float64, len(f.Params()))
	f.Transform(z, eps)
	target.Gradient(z, g)
	f.AddGradient(grad, eps, g)
	f.AddEntropyGradient(grad)

	p := f.Params()
	for i := range p {
		v := p[i]
		p[i] = v + h
		lp := obj()
		p[i] = v - h
		lm := obj()
		p[i] = v
		assert.InDelta(tst, (lp-lm)/2/h, grad[i], 1e-4, "parameter %d", i)
	}
}

func TestFamilyGradient(tst *testing.T) {
	eps := []float64{0.3, -1.2, 0.8}
	mf := NewMeanField([]float64{0.1, 0.2, -0.3})
	mf.Params()[4] = -0.5
	checkFamilyGradient(tst, mf, newGaussian(), eps)

	fr := NewFullRank([]float64{0.1, 0.2, -0.3})
	fr.Params()[fr.index(2, 1)] = 0.4
	fr.Params()[fr.index(1, 1)] = 1.5
	checkFamilyGradient(tst, fr, newGaussian(), eps)
}

func TestStepSize(tst *testing.T) {
	st := NewStepSize(0.5, 2)
	p := []float64{0, 0}
	st.Step(p, []float64{3, -1})
	// k = 1, s = g^2
	assert.InDeltaSlice(tst, []float64{0.5 * 3 / 4, -0.5 * 1 / 2}, p, smallDiff)
	assert.InDeltaSlice(tst, []float64{9, 1}, st.Accumulators(), smallDiff)

	st.Step(p, []float64{1, 1})
	assert.Equal(tst, 2, st.Iteration())
	assert.InDeltaSlice(tst, []float64{0.1 + 0.9*9, 0.1 + 0.9}, st.Accumulators(), smallDiff)
}

func TestRelTolerance(tst *testing.T) {
	r := newRelTolerance(0.01, 3, -100)
	assert.InDelta(tst, 0.5, r.push(-200), smallDiff)
	ok, _ := r.converged()
	assert.False(tst, ok)
	r.push(-199)
	r.push(-199.5)
	// buffer is [0.5, 0.005, 0.0025], median below tolerance
	ok, reason := r.converged()
	assert.True(tst, ok)
	assert.Contains(tst, reason, "median")
	r.push(-199.5)
	assert.Len(tst, r.values(), 3)
}

func TestADVIGaussian(tst *testing.T) {
	target := newGaussian()
	s := DefaultADVISettings()
	s.Eta = 0.5
	s.TolRelObj = 1e-6
	s.MaxIterations = 5000
	a := newTestADVI(tst, s, target)
	var traj bytes.Buffer
	a.SetTrajectoryOutput(&traj)
	mon := &monitor{}
	a.SetMonitor(mon)

	require.NoError(tst, a.Run(context.Background(), 0))
	status := a.Status()
	assert.False(tst, status.Cancelled)
	assert.Equal(tst, 5000, status.Iterations)

	mean := a.Mean()
	sd := a.VariationalFamily().SD()
	for i := range mean {
		assert.InDelta(tst, target.mu[i], mean[i], 0.25*target.sd[i], "mean %d", i)
		assert.InDelta(tst, target.sd[i], sd[i], 0.25*target.sd[i], "sd %d", i)
	}
	// ELBO of the exact posterior is the log normalizing constant
	logZ := target.offset + 1.5*math.Log(2*math.Pi) + math.Log(0.5*1*2)
	assert.InDelta(tst, logZ, a.ELBO(), 0.5)
	assert.InDelta(tst, logZ, a.RunningELBO(), 1)

	assert.Equal(tst, 5000, mon.iterations)
	assert.Equal(tst, 50, mon.evaluations)
	assert.True(tst, mon.done)

	lines := strings.Split(strings.TrimSpace(traj.String()), "\n")
	assert.Equal(tst, "iteration\trunning_elbo\telbo", lines[0])
	assert.Len(tst, lines, 51)

	sum := a.Summary()
	assert.Equal(tst, "meanfield", sum.Method)
	assert.Equal(tst, 0, sum.Retries)
}

func TestADVIFullRankConverges(tst *testing.T) {
	s := DefaultADVISettings()
	s.Family = "fullrank"
	s.Eta = 0.5
	a := newTestADVI(tst, s, newGaussian())
	require.NoError(tst, a.Run(context.Background(), 0))
	status := a.Status()
	assert.True(tst, status.Converged, status.Reason)
	assert.Less(tst, status.Iterations, s.MaxIterations)
}

func TestADVICancelled(tst *testing.T) {
	a := newTestADVI(tst, DefaultADVISettings(), newGaussian())
	a.SetStart([]float64{0.5, 0.5, 0.5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(tst, a.Run(ctx, 0))
	status := a.Status()
	assert.True(tst, status.Cancelled)
	assert.Equal(tst, 0, status.Iterations)
	assert.Equal(tst, []float64{0.5, 0.5, 0.5}, a.Mean())
}

func TestADVICancelledBest(tst *testing.T) {
	s := DefaultADVISettings()
	s.TolRelObj = 1e-9
	a := newTestADVI(tst, s, newGaussian())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.SetMonitor(&monitor{cancelAt: 250, cancel: cancel})
	require.NoError(tst, a.Run(ctx, 0))
	status := a.Status()
	assert.True(tst, status.Cancelled)
	assert.Equal(tst, 250, status.Iterations)
	assert.Equal(tst, a.GetMaxLParameters(), a.Mean())
}

func TestADVIDivergenceRetry(tst *testing.T) {
	target := newGaussian()
	target.nanAt = 10
	s := DefaultADVISettings()
	s.MaxIterations = 300
	a := newTestADVI(tst, s, target)
	require.NoError(tst, a.Run(context.Background(), 0))
	sum := a.Summary()
	assert.Equal(tst, 1, sum.Retries)
	assert.InDelta(tst, s.Eta/10, sum.Eta, smallDiff)
}

func TestADVIDiverged(tst *testing.T) {
	target := newGaussian()
	target.offset = math.Inf(-1)
	s := DefaultADVISettings()
	s.MaxRetries = 2
	a := newTestADVI(tst, s, target)
	err := a.Run(context.Background(), 0)
	var div *InferenceDivergedError
	require.True(tst, errors.As(err, &div), "%v", err)
	assert.Equal(tst, 2, a.Summary().Retries)
}

func TestADVICheckpoint(tst *testing.T) {
	db, err := checkpoint.Open(filepath.Join(tst.TempDir(), "cp.db"))
	require.NoError(tst, err)
	defer db.Close()

	s := DefaultADVISettings()
	s.TolRelObj = 1e-9
	s.MaxIterations = 300
	a := newTestADVI(tst, s, newGaussian())
	a.SetCheckpointIO(checkpoint.NewIO(db, []byte("test"), 0))
	require.NoError(tst, a.Run(context.Background(), 0))

	b := newTestADVI(tst, s, newGaussian())
	b.SetCheckpointIO(checkpoint.NewIO(db, []byte("test"), 0))
	require.NoError(tst, b.Run(context.Background(), 0))
	// the first run stopped on the iteration limit
	assert.False(tst, a.Status().Converged)
	assert.False(tst, b.Status().Converged)
	assert.Equal(tst, "iteration limit reached", b.Status().Reason)
	assert.Equal(tst, a.Mean(), b.Mean())
	assert.Equal(tst, 300, b.Status().Iterations)

	// a longer run continues from the checkpoint of an interrupted
	// one
	c := newTestADVI(tst, s, newGaussian())
	c.SetCheckpointIO(checkpoint.NewIO(db, []byte("other"), 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.SetMonitor(&monitor{cancelAt: 120, cancel: cancel})
	require.NoError(tst, c.Run(ctx, 0))
	require.True(tst, c.Status().Cancelled)

	d := newTestADVI(tst, s, newGaussian())
	d.SetCheckpointIO(checkpoint.NewIO(db, []byte("other"), 0))
	require.NoError(tst, d.Run(context.Background(), 0))
	assert.Equal(tst, 300, d.Status().Iterations)

	// a converged run is restored as converged
	s = DefaultADVISettings()
	s.Family = "fullrank"
	s.Eta = 0.5
	e := newTestADVI(tst, s, newGaussian())
	e.SetCheckpointIO(checkpoint.NewIO(db, []byte("converged"), 0))
	require.NoError(tst, e.Run(context.Background(), 0))
	require.True(tst, e.Status().Converged)

	f := newTestADVI(tst, s, newGaussian())
	f.SetCheckpointIO(checkpoint.NewIO(db, []byte("converged"), 0))
	require.NoError(tst, f.Run(context.Background(), 0))
	assert.True(tst, f.Status().Converged)
	assert.Equal(tst, e.Status().Reason, f.Status().Reason)
	assert.Equal(tst, e.Status().Iterations, f.Status().Iterations)
}

func TestMAP(tst *testing.T) {
	target := newGaussian()
	m := NewMAP()
	m.SetOptimizable(target)
	require.NoError(tst, m.Run(context.Background(), 100))
	assert.InDeltaSlice(tst, target.mu, m.GetMaxLParameters(), 1e-2)
	assert.InDelta(tst, target.offset, m.GetMaxL(), 1e-4)
	assert.Equal(tst, "map", m.Summary().Method)
}

func TestNone(tst *testing.T) {
	target := newGaussian()
	n := NewNone()
	n.SetOptimizable(target)
	n.SetStart(target.mu)
	require.NoError(tst, n.Run(context.Background(), 0))
	assert.Equal(tst, target.offset, n.GetL())
	assert.Equal(tst, 0, n.Status().Iterations)
}
