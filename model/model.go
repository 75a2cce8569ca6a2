// Package model implements the latent strain generative model.
//
// Every sample n is a mixture pi[n] of S latent strains. A strain s
// has a taxonomic profile theta[s] (simplex over T taxa) and a
// sequence content profile phi[s] (non-negative rates over G
// sequences). Taxon counts of sample n are multinomial with
// probabilities normalize(pi[n]*theta + taxFuzz), sequence counts are
// multinomial with probabilities
// normalize((pi[n]*phi) .* length + seqFuzz).
//
// The model is evaluated in the unconstrained space: the density
// includes the log-determinant of the Jacobians of the bijectors
// mapping the unconstrained vector onto pi, theta and phi.
package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	"github.com/op/go-logging"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/latstrain/bijector"
	"bitbucket.org/Davydov/latstrain/counts"
	"bitbucket.org/Davydov/latstrain/dist"
)

// log is the global logging variable.
var log = logging.MustGetLogger("model")

const (
	// chunkSize is the number of samples processed by one
	// goroutine. Partial gradients are reduced in chunk order, so
	// the result does not depend on the number of workers.
	chunkSize = 16
	// phiRate is the rate of the exponential prior on phi.
	phiRate = 1
)

// DegenerateModelError is returned when hyperparameters or data
// dimensions make the model invalid.
type DegenerateModelError struct {
	Reason string
}

func (e *DegenerateModelError) Error() string {
	return "degenerate model: " + e.Reason
}

func degenerate(format string, args ...interface{}) error {
	return &DegenerateModelError{Reason: fmt.Sprintf(format, args...)}
}

// Hyperparameters are the prior and numerical settings of the model.
type Hyperparameters struct {
	// NStrains is the number of latent strains S.
	NStrains int `yaml:"strains" json:"strains"`
	// Reg is the diversity regularization, larger values favor
	// fewer strains.
	Reg float64 `yaml:"reg" json:"reg"`
	// TaxUncertainty is the total concentration of the theta
	// prior.
	TaxUncertainty float64 `yaml:"tax_uncertainty" json:"taxUncertainty"`
	// TaxFuzz is added to taxon probabilities before
	// normalization.
	TaxFuzz float64 `yaml:"tax_fuzz" json:"taxFuzz"`
	// SeqFuzz is added to sequence probabilities before
	// normalization.
	SeqFuzz float64 `yaml:"seq_fuzz" json:"seqFuzz"`
	// InitRadius bounds the unconstrained starting point.
	InitRadius float64 `yaml:"init_radius" json:"initRadius"`
	// Workers is the maximum number of goroutines evaluating
	// samples, <= 0 means GOMAXPROCS.
	Workers int `yaml:"workers" json:"-"`
}

// DefaultHyperparameters returns default settings for nTaxa taxa,
// the number of strains is twice the number of taxa.
func DefaultHyperparameters(nTaxa int) Hyperparameters {
	return Hyperparameters{
		NStrains:       2 * nTaxa,
		Reg:            1,
		TaxUncertainty: 1,
		TaxFuzz:        1e-5,
		SeqFuzz:        1e-5,
		InitRadius:     2,
	}
}

// StrainConcentration returns the pi prior concentration,
// alpha[s] = exp(-reg*s/S) normalized to sum to one.
func (h Hyperparameters) StrainConcentration() []float64 {
	alpha := make([]float64, h.NStrains)
	var sum float64
	for s := range alpha {
		alpha[s] = math.Exp(-h.Reg * float64(s) / float64(h.NStrains))
		sum += alpha[s]
	}
	for s := range alpha {
		alpha[s] /= sum
	}
	return alpha
}

// TaxonConcentration returns the theta prior concentration.
func (h Hyperparameters) TaxonConcentration(nTaxa int) []float64 {
	beta := make([]float64, nTaxa)
	for t := range beta {
		beta[t] = h.TaxUncertainty / float64(nTaxa)
	}
	return beta
}

// Validate checks the hyperparameters for nTaxa taxa.
func (h Hyperparameters) Validate(nTaxa int) error {
	switch {
	case h.NStrains < 1:
		return degenerate("number of strains should be >= 1, got %d", h.NStrains)
	case nTaxa < 1:
		return degenerate("number of taxa should be >= 1, got %d", nTaxa)
	case math.IsNaN(h.Reg) || math.IsInf(h.Reg, 0):
		return degenerate("regularization should be finite, got %v", h.Reg)
	case !(h.TaxFuzz > 0) || math.IsInf(h.TaxFuzz, 0):
		return degenerate("taxon fuzz should be > 0, got %v", h.TaxFuzz)
	case !(h.SeqFuzz > 0) || math.IsInf(h.SeqFuzz, 0):
		return degenerate("sequence fuzz should be > 0, got %v", h.SeqFuzz)
	case !(h.InitRadius > 0):
		return degenerate("initial radius should be > 0, got %v", h.InitRadius)
	}
	if err := checkConcentration("strain", h.StrainConcentration()); err != nil {
		return err
	}
	return checkConcentration("taxon", h.TaxonConcentration(nTaxa))
}

func checkConcentration(name string, c []float64) error {
	for i, v := range c {
		if !(v > 0) || math.IsInf(v, 0) {
			return degenerate("%s concentration %d is not positive (%v)", name, i, v)
		}
	}
	return nil
}

// Model is the latent strain model bound to a dataset.
type Model struct {
	data   *counts.Dataset
	hyper  Hyperparameters
	layout Layout

	alpha     []float64
	beta      []float64
	alphaNorm float64
	betaNorm  float64

	piB    bijector.Bijector
	thetaB bijector.Bijector
	phiB   bijector.Bijector

	// taxTotal and seqTotal are the multinomial trial counts.
	taxTotal []float64
	seqTotal []float64
	// coef is the sum of the multinomial log-coefficients.
	coef float64

	workers int
}

// New creates a model. Hyperparameters and dimensions are checked
// here, DegenerateModelError is returned if they are invalid.
func New(data *counts.Dataset, h Hyperparameters) (*Model, error) {
	if data == nil {
		return nil, degenerate("no data")
	}
	n, t, g := data.Dims()
	switch {
	case n < 1:
		return nil, degenerate("no samples")
	case g < 1:
		return nil, degenerate("no sequences")
	case data.Tax == nil || data.Seq == nil:
		return nil, degenerate("missing count matrix")
	}
	if r, c := data.Tax.Dims(); r != n || c != t {
		return nil, degenerate("taxon matrix is %dx%d, expected %dx%d", r, c, n, t)
	}
	if r, c := data.Seq.Dims(); r != n || c != g {
		return nil, degenerate("sequence matrix is %dx%d, expected %dx%d", r, c, n, g)
	}
	if len(data.Length) != g {
		return nil, degenerate("%d sequence lengths for %d sequences", len(data.Length), g)
	}
	for j, l := range data.Length {
		if !(l > 0) || math.IsInf(l, 0) {
			return nil, degenerate("length of %s is not positive (%v)", data.Sequences[j], l)
		}
	}
	if err := h.Validate(t); err != nil {
		return nil, err
	}

	m := &Model{
		data:     data,
		hyper:    h,
		layout:   NewLayout(n, h.NStrains, t, g),
		alpha:    h.StrainConcentration(),
		beta:     h.TaxonConcentration(t),
		piB:      bijector.NewStickBreaking(h.NStrains),
		thetaB:   bijector.NewStickBreaking(t),
		phiB:     bijector.NewLog(g),
		taxTotal: make([]float64, n),
		seqTotal: make([]float64, n),
		workers:  h.Workers,
	}
	if m.workers <= 0 {
		m.workers = runtime.GOMAXPROCS(0)
	}
	m.alphaNorm = dist.LogDirichletNorm(m.alpha)
	m.betaNorm = dist.LogDirichletNorm(m.beta)
	for i := 0; i < n; i++ {
		taxRow := data.Tax.RawRowView(i)
		seqRow := data.Seq.RawRowView(i)
		for _, v := range taxRow {
			m.taxTotal[i] += v
		}
		for _, v := range seqRow {
			m.seqTotal[i] += v
		}
		m.coef += dist.LogMultinomialCoef(taxRow) + dist.LogMultinomialCoef(seqRow)
		if m.taxTotal[i] == 0 {
			log.Warningf("sample %s has no taxon counts", data.Samples[i])
		}
		if m.seqTotal[i] == 0 {
			log.Warningf("sample %s has no sequence counts", data.Samples[i])
		}
	}
	log.Infof("Model: %d samples, %d strains, %d taxa, %d sequences, %d parameters",
		n, h.NStrains, t, g, m.layout.Dim)
	log.Debugf("strain concentration: %v", m.alpha)
	return m, nil
}

// Dim returns the dimension of the unconstrained space.
func (m *Model) Dim() int {
	return m.layout.Dim
}

// Layout returns the parameter layout.
func (m *Model) Layout() Layout {
	return m.layout
}

// Data returns the dataset.
func (m *Model) Data() *counts.Dataset {
	return m.data
}

// Hyperparameters returns the model hyperparameters.
func (m *Model) Hyperparameters() Hyperparameters {
	return m.hyper
}

// Constrain maps an unconstrained vector to the model parameters and
// returns log|det J| of the transform.
func (m *Model) Constrain(z []float64) (p *Parameters, logDet float64) {
	l := m.layout
	p = NewParameters(l.N, l.S, l.T, l.G)
	for n := 0; n < l.N; n++ {
		logDet += m.piB.Forward(p.Pi.RawRowView(n), l.PiRow(z, n))
	}
	for s := 0; s < l.S; s++ {
		logDet += m.thetaB.Forward(p.Theta.RawRowView(s), l.ThetaRow(z, s))
		logDet += m.phiB.Forward(p.Phi.RawRowView(s), l.PhiRow(z, s))
	}
	return
}

// Unconstrain maps parameters to the unconstrained space.
func (m *Model) Unconstrain(p *Parameters) []float64 {
	l := m.layout
	z := make([]float64, l.Dim)
	for n := 0; n < l.N; n++ {
		m.piB.Inverse(l.PiRow(z, n), p.Pi.RawRowView(n))
	}
	for s := 0; s < l.S; s++ {
		m.thetaB.Inverse(l.ThetaRow(z, s), p.Theta.RawRowView(s))
		m.phiB.Inverse(l.PhiRow(z, s), p.Phi.RawRowView(s))
	}
	return z
}

// Expectations returns the normalized expected taxon (N x T) and
// sequence (N x G) fractions for the parameters.
func (m *Model) Expectations(p *Parameters) (eTax, eSeq *mat.Dense) {
	eTax = ExpectTax(p.Pi, p.Theta, m.hyper.TaxFuzz)
	eSeq = ExpectSeq(p.Pi, p.Phi, m.data.Length, m.hyper.SeqFuzz)
	return
}

// LogPrior returns the prior log-density of constrained parameters.
func (m *Model) LogPrior(p *Parameters) (l float64) {
	for n := 0; n < m.layout.N; n++ {
		l += dist.LogDirichlet(p.Pi.RawRowView(n), m.alpha, m.alphaNorm)
	}
	for s := 0; s < m.layout.S; s++ {
		l += dist.LogDirichlet(p.Theta.RawRowView(s), m.beta, m.betaNorm)
		for _, v := range p.Phi.RawRowView(s) {
			l += dist.LogExponential(v, phiRate)
		}
	}
	return
}

// LogLikelihood returns the log-likelihood of the data for
// constrained parameters.
func (m *Model) LogLikelihood(p *Parameters) float64 {
	eTax, eSeq := m.Expectations(p)
	l := m.coef
	for n := 0; n < m.layout.N; n++ {
		l += dist.LogMultinomialKernel(m.data.Tax.RawRowView(n), eTax.RawRowView(n))
		l += dist.LogMultinomialKernel(m.data.Seq.RawRowView(n), eSeq.RawRowView(n))
	}
	return l
}

// LogDensity returns the unconstrained log-density (log joint plus
// log|det J|).
func (m *Model) LogDensity(z []float64) float64 {
	p, logDet := m.Constrain(z)
	return m.LogLikelihood(p) + m.LogPrior(p) + logDet
}

// InitialPoint draws pi, theta and phi from their priors, transforms
// them to the unconstrained space and clips the coordinates to
// [-InitRadius, InitRadius].
func (m *Model) InitialPoint(src rand.Source) []float64 {
	l := m.layout
	p := NewParameters(l.N, l.S, l.T, l.G)
	for n := 0; n < l.N; n++ {
		dist.Dirichlet(p.Pi.RawRowView(n), m.alpha, src)
	}
	for s := 0; s < l.S; s++ {
		dist.Dirichlet(p.Theta.RawRowView(s), m.beta, src)
		phi := p.Phi.RawRowView(s)
		for g := range phi {
			phi[g] = dist.Exponential(phiRate, src)
		}
	}
	z := m.Unconstrain(p)
	r := m.hyper.InitRadius
	for i, v := range z {
		z[i] = math.Max(-r, math.Min(r, v))
	}
	return z
}

// ExpectTax returns normalize(pi*theta + fuzz) row by row.
func ExpectTax(pi, theta *mat.Dense, fuzz float64) *mat.Dense {
	var e mat.Dense
	e.Mul(pi, theta)
	normalizeRows(&e, nil, fuzz)
	return &e
}

// ExpectSeq returns normalize((pi*phi) .* length + fuzz) row by row.
func ExpectSeq(pi, phi *mat.Dense, length []float64, fuzz float64) *mat.Dense {
	var e mat.Dense
	e.Mul(pi, phi)
	normalizeRows(&e, length, fuzz)
	return &e
}

// normalizeRows scales columns by w (if not nil), adds fuzz and
// normalizes every row to sum to one.
func normalizeRows(e *mat.Dense, w []float64, fuzz float64) {
	r, _ := e.Dims()
	for i := 0; i < r; i++ {
		row := e.RawRowView(i)
		var sum float64
		for j := range row {
			if w != nil {
				row[j] *= w[j]
			}
			row[j] += fuzz
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
	}
}

// chunks returns the partition of samples used for parallel
// evaluation.
func (m *Model) chunks() [][2]int {
	var c [][2]int
	for start := 0; start < m.layout.N; start += chunkSize {
		end := start + chunkSize
		if end > m.layout.N {
			end = m.layout.N
		}
		c = append(c, [2]int{start, end})
	}
	return c
}

// partial is the contribution of one chunk of samples.
type partial struct {
	l      float64
	gTheta []float64
	gPhi   []float64
}

// Gradient computes the unconstrained log-density at z and stores
// its gradient in grad.
func (m *Model) Gradient(z, grad []float64) float64 {
	l := m.layout
	if len(z) != l.Dim || len(grad) != l.Dim {
		panic("incorrect vector length")
	}
	p, logDet := m.Constrain(z)

	// gradients with respect to constrained values
	gPi := mat.NewDense(l.N, l.S, nil)
	gTheta := mat.NewDense(l.S, l.T, nil)
	gPhi := mat.NewDense(l.S, l.G, nil)

	lp := m.coef + logDet + m.LogPrior(p)
	for n := 0; n < l.N; n++ {
		dist.DirichletGradient(p.Pi.RawRowView(n), m.alpha, gPi.RawRowView(n))
	}
	for s := 0; s < l.S; s++ {
		dist.DirichletGradient(p.Theta.RawRowView(s), m.beta, gTheta.RawRowView(s))
		for g := range gPhi.RawRowView(s) {
			gPhi.Set(s, g, -phiRate)
		}
	}

	chunks := m.chunks()
	parts := make([]partial, len(chunks))
	if len(chunks) == 1 {
		parts[0] = m.likelihoodChunk(p, gPi, chunks[0])
	} else {
		var eg errgroup.Group
		eg.SetLimit(m.workers)
		for i, c := range chunks {
			eg.Go(func() error {
				parts[i] = m.likelihoodChunk(p, gPi, c)
				return nil
			})
		}
		// chunks never fail, the group only bounds the goroutines
		_ = eg.Wait()
	}
	for _, part := range parts {
		lp += part.l
		addTo(gTheta.RawMatrix().Data, part.gTheta)
		addTo(gPhi.RawMatrix().Data, part.gPhi)
	}

	for i := range grad {
		grad[i] = 0
	}
	for n := 0; n < l.N; n++ {
		m.piB.Backward(l.PiRow(grad, n), l.PiRow(z, n), p.Pi.RawRowView(n), gPi.RawRowView(n))
	}
	for s := 0; s < l.S; s++ {
		m.thetaB.Backward(l.ThetaRow(grad, s), l.ThetaRow(z, s), p.Theta.RawRowView(s), gTheta.RawRowView(s))
		m.phiB.Backward(l.PhiRow(grad, s), l.PhiRow(z, s), p.Phi.RawRowView(s), gPhi.RawRowView(s))
	}
	return lp
}

// likelihoodChunk computes the log-likelihood kernel of samples
// c[0]..c[1]-1, adds pi gradients to gPi rows of these samples and
// returns theta and phi gradients of the chunk.
func (m *Model) likelihoodChunk(p *Parameters, gPi *mat.Dense, c [2]int) partial {
	l := m.layout
	part := partial{
		gTheta: make([]float64, l.S*l.T),
		gPhi:   make([]float64, l.S*l.G),
	}
	raw := make([]float64, max(l.T, l.G))
	h := make([]float64, max(l.T, l.G))
	theta := p.Theta.RawMatrix()
	phi := p.Phi.RawMatrix()
	for n := c[0]; n < c[1]; n++ {
		pi := p.Pi.RawRowView(n)
		gpi := gPi.RawRowView(n)

		// taxa
		y := m.data.Tax.RawRowView(n)
		part.l += m.rowKernel(y, m.taxTotal[n], pi, theta.Data, theta.Stride, nil, m.hyper.TaxFuzz, raw[:l.T], h[:l.T])
		for s, pis := range pi {
			trow := theta.Data[s*theta.Stride : s*theta.Stride+l.T]
			grow := part.gTheta[s*l.T : (s+1)*l.T]
			var acc float64
			for t, ht := range h[:l.T] {
				acc += ht * trow[t]
				grow[t] += pis * ht
			}
			gpi[s] += acc
		}

		// sequences
		y = m.data.Seq.RawRowView(n)
		part.l += m.rowKernel(y, m.seqTotal[n], pi, phi.Data, phi.Stride, m.data.Length, m.hyper.SeqFuzz, raw[:l.G], h[:l.G])
		for s, pis := range pi {
			frow := phi.Data[s*phi.Stride : s*phi.Stride+l.G]
			grow := part.gPhi[s*l.G : (s+1)*l.G]
			var acc float64
			for g, hg := range h[:l.G] {
				acc += hg * frow[g]
				grow[g] += pis * hg
			}
			gpi[s] += acc
		}
	}
	return part
}

// rowKernel computes sum(y*log(p)) for p = normalize(pi*B .* w +
// fuzz) and stores in h the gradient with respect to the product
// pi*B (already multiplied by w).
func (m *Model) rowKernel(y []float64, total float64, pi, b []float64, stride int, w []float64, fuzz float64, raw, h []float64) float64 {
	for j := range raw {
		raw[j] = 0
	}
	for s, pis := range pi {
		if pis == 0 {
			continue
		}
		row := b[s*stride : s*stride+len(raw)]
		for j, v := range row {
			raw[j] += pis * v
		}
	}
	var sum float64
	for j := range raw {
		if w != nil {
			raw[j] *= w[j]
		}
		raw[j] += fuzz
		sum += raw[j]
	}
	var l float64
	for j, v := range y {
		h[j] = -total / sum
		if v == 0 {
			continue
		}
		l += v * math.Log(raw[j]/sum)
		h[j] += v / raw[j]
	}
	if w != nil {
		for j := range h {
			h[j] *= w[j]
		}
	}
	return l
}

func addTo(dst, src []float64) {
	for i, v := range src {
		dst[i] += v
	}
}
