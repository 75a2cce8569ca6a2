package model

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/latstrain/counts"
	"bitbucket.org/Davydov/latstrain/dist"
)

// Layout describes how the unconstrained vector is split: N rows of
// S-1 pi coordinates, S rows of T-1 theta coordinates and S rows of G
// log-phi coordinates.
type Layout struct {
	N, S, T, G int

	PiOffset    int
	ThetaOffset int
	PhiOffset   int
	Dim         int
}

// NewLayout creates a layout.
func NewLayout(n, s, t, g int) Layout {
	l := Layout{N: n, S: s, T: t, G: g}
	l.PiOffset = 0
	l.ThetaOffset = n * (s - 1)
	l.PhiOffset = l.ThetaOffset + s*(t-1)
	l.Dim = l.PhiOffset + s*g
	return l
}

// PiRow returns the slice of z holding unconstrained pi of sample n.
func (l Layout) PiRow(z []float64, n int) []float64 {
	start := l.PiOffset + n*(l.S-1)
	return z[start : start+l.S-1]
}

// ThetaRow returns the slice of z holding unconstrained theta of
// strain s.
func (l Layout) ThetaRow(z []float64, s int) []float64 {
	start := l.ThetaOffset + s*(l.T-1)
	return z[start : start+l.T-1]
}

// PhiRow returns the slice of z holding log-phi of strain s.
func (l Layout) PhiRow(z []float64, s int) []float64 {
	start := l.PhiOffset + s*l.G
	return z[start : start+l.G]
}

// Name returns a human-readable name of coordinate i.
func (l Layout) Name(i int) string {
	switch {
	case i < l.ThetaOffset:
		i -= l.PiOffset
		return fmt.Sprintf("pi[%d].y%d", i/(l.S-1), i%(l.S-1))
	case i < l.PhiOffset:
		i -= l.ThetaOffset
		return fmt.Sprintf("theta[s%d].y%d", i/(l.T-1), i%(l.T-1))
	default:
		i -= l.PhiOffset
		return fmt.Sprintf("log_phi[s%d][%d]", i/l.G, i%l.G)
	}
}

// Parameters are the constrained model parameters.
type Parameters struct {
	// Pi is the N x S strain composition of samples.
	Pi *mat.Dense
	// Theta is the S x T taxonomic profile of strains.
	Theta *mat.Dense
	// Phi is the S x G sequence content of strains.
	Phi *mat.Dense
}

// NewParameters allocates zero parameters.
func NewParameters(n, s, t, g int) *Parameters {
	return &Parameters{
		Pi:    mat.NewDense(n, s, nil),
		Theta: mat.NewDense(s, t, nil),
		Phi:   mat.NewDense(s, g, nil),
	}
}

// Dims returns N, S, T and G.
func (p *Parameters) Dims() (n, s, t, g int) {
	n, s = p.Pi.Dims()
	_, t = p.Theta.Dims()
	_, g = p.Phi.Dims()
	return
}

// RandomParameters draws parameters from the prior defined by h.
func RandomParameters(n, t, g int, h Hyperparameters, src rand.Source) *Parameters {
	p := NewParameters(n, h.NStrains, t, g)
	alpha := h.StrainConcentration()
	beta := h.TaxonConcentration(t)
	for i := 0; i < n; i++ {
		dist.Dirichlet(p.Pi.RawRowView(i), alpha, src)
	}
	for s := 0; s < h.NStrains; s++ {
		dist.Dirichlet(p.Theta.RawRowView(s), beta, src)
		phi := p.Phi.RawRowView(s)
		for j := range phi {
			phi[j] = dist.Exponential(phiRate, src)
		}
	}
	return p
}

// Simulate draws taxon and sequence counts from the model with
// parameters p. Every sample gets taxReads taxon counts and seqReads
// sequence counts. Identifiers are generated as sample0.., taxon0..
// and seq0...
func Simulate(p *Parameters, length []float64, h Hyperparameters, taxReads, seqReads float64, src rand.Source) *counts.Dataset {
	n, _, t, g := p.Dims()
	if len(length) != g {
		panic("incorrect number of sequence lengths")
	}
	eTax := ExpectTax(p.Pi, p.Theta, h.TaxFuzz)
	eSeq := ExpectSeq(p.Pi, p.Phi, length, h.SeqFuzz)
	d := &counts.Dataset{
		Samples:   ids("sample", n),
		Taxa:      ids("taxon", t),
		Sequences: ids("seq", g),
		Tax:       mat.NewDense(n, t, nil),
		Seq:       mat.NewDense(n, g, nil),
		Length:    append([]float64(nil), length...),
	}
	for i := 0; i < n; i++ {
		dist.Multinomial(d.Tax.RawRowView(i), taxReads, eTax.RawRowView(i), src)
		dist.Multinomial(d.Seq.RawRowView(i), seqReads, eSeq.RawRowView(i), src)
	}
	return d
}

func ids(prefix string, n int) []string {
	r := make([]string, n)
	for i := range r {
		r[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return r
}
