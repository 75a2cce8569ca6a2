package optimize

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"bitbucket.org/Davydov/latstrain/dist"
)

// Family is a Gaussian variational family q(z) = N(m, L L^T) with
// reparametrization z = m + L*eps, eps ~ N(0, I).
type Family interface {
	// Name is the family name.
	Name() string
	// Dim is the dimension of z.
	Dim() int
	// Params returns all the variational parameters; the first
	// Dim() are the mean. The slice is owned by the family.
	Params() []float64
	// Mean returns the mean (a view of Params).
	Mean() []float64
	// Transform sets z = m + L*eps.
	Transform(z, eps []float64)
	// Entropy returns the entropy of q.
	Entropy() float64
	// AddGradient adds to grad the gradient with respect to the
	// variational parameters of log p(z(eps)), g is the gradient of
	// log p at z.
	AddGradient(grad, eps, g []float64)
	// AddEntropyGradient adds the entropy gradient to grad.
	AddEntropyGradient(grad []float64)
	// SD returns the marginal standard deviations.
	SD() []float64
	// Clone returns a deep copy.
	Clone() Family
}

// NewFamily creates a family by name ("meanfield" or "fullrank")
// centered at mean with identity covariance.
func NewFamily(name string, mean []float64) (Family, error) {
	switch name {
	case "meanfield":
		return NewMeanField(mean), nil
	case "fullrank":
		return NewFullRank(mean), nil
	}
	return nil, fmt.Errorf("unknown variational family: %s", name)
}

// MeanField is a diagonal Gaussian parametrized by the mean and the
// log standard deviations omega.
type MeanField struct {
	d      int
	params []float64
}

// NewMeanField creates a mean-field family with omega = 0.
func NewMeanField(mean []float64) *MeanField {
	d := len(mean)
	mf := &MeanField{d: d, params: make([]float64, 2*d)}
	copy(mf.params, mean)
	return mf
}

// Name returns "meanfield".
func (mf *MeanField) Name() string {
	return "meanfield"
}

// Dim returns the dimension.
func (mf *MeanField) Dim() int {
	return mf.d
}

// Params returns the mean followed by omega.
func (mf *MeanField) Params() []float64 {
	return mf.params
}

// Mean returns the mean.
func (mf *MeanField) Mean() []float64 {
	return mf.params[:mf.d]
}

func (mf *MeanField) omega() []float64 {
	return mf.params[mf.d:]
}

// Transform sets z = m + exp(omega)*eps.
func (mf *MeanField) Transform(z, eps []float64) {
	m, omega := mf.Mean(), mf.omega()
	for i := range z {
		z[i] = m[i] + math.Exp(omega[i])*eps[i]
	}
}

// Entropy returns sum(omega) + d/2*(1+log(2 pi)).
func (mf *MeanField) Entropy() float64 {
	var h float64
	for _, w := range mf.omega() {
		h += dist.NormalEntropy(w)
	}
	return h
}

// AddGradient adds g to the mean gradient and g*eps*exp(omega) to
// the omega gradient.
func (mf *MeanField) AddGradient(grad, eps, g []float64) {
	floats.Add(grad[:mf.d], g)
	omega := mf.omega()
	for i, gi := range g {
		grad[mf.d+i] += gi * eps[i] * math.Exp(omega[i])
	}
}

// AddEntropyGradient adds 1 to every omega gradient.
func (mf *MeanField) AddEntropyGradient(grad []float64) {
	for i := mf.d; i < 2*mf.d; i++ {
		grad[i]++
	}
}

// SD returns exp(omega).
func (mf *MeanField) SD() []float64 {
	sd := make([]float64, mf.d)
	for i, w := range mf.omega() {
		sd[i] = math.Exp(w)
	}
	return sd
}

// Clone returns a copy.
func (mf *MeanField) Clone() Family {
	return &MeanField{d: mf.d, params: append([]float64(nil), mf.params...)}
}

// FullRank is a Gaussian with a dense covariance L L^T. L is lower
// triangular and stored packed by rows after the mean.
type FullRank struct {
	d      int
	params []float64
}

// NewFullRank creates a full-rank family with L = I.
func NewFullRank(mean []float64) *FullRank {
	d := len(mean)
	fr := &FullRank{d: d, params: make([]float64, d+d*(d+1)/2)}
	copy(fr.params, mean)
	for i := 0; i < d; i++ {
		fr.params[fr.index(i, i)] = 1
	}
	return fr
}

// index returns the position of L[i][j] (j <= i) in params.
func (fr *FullRank) index(i, j int) int {
	return fr.d + i*(i+1)/2 + j
}

// Name returns "fullrank".
func (fr *FullRank) Name() string {
	return "fullrank"
}

// Dim returns the dimension.
func (fr *FullRank) Dim() int {
	return fr.d
}

// Params returns the mean followed by packed L.
func (fr *FullRank) Params() []float64 {
	return fr.params
}

// Mean returns the mean.
func (fr *FullRank) Mean() []float64 {
	return fr.params[:fr.d]
}

// Transform sets z = m + L*eps.
func (fr *FullRank) Transform(z, eps []float64) {
	for i := 0; i < fr.d; i++ {
		row := fr.params[fr.index(i, 0) : fr.index(i, i)+1]
		z[i] = fr.params[i] + floats.Dot(row, eps[:i+1])
	}
}

// Entropy returns sum(log|L_ii|) + d/2*(1+log(2 pi)).
func (fr *FullRank) Entropy() float64 {
	var h float64
	for i := 0; i < fr.d; i++ {
		h += dist.NormalEntropy(math.Log(math.Abs(fr.params[fr.index(i, i)])))
	}
	return h
}

// AddGradient adds g to the mean gradient and g*eps^T (lower
// triangle) to the L gradient.
func (fr *FullRank) AddGradient(grad, eps, g []float64) {
	for i, gi := range g {
		grad[i] += gi
		floats.AddScaled(grad[fr.index(i, 0):fr.index(i, i)+1], gi, eps[:i+1])
	}
}

// AddEntropyGradient adds 1/L_ii to the diagonal gradient.
func (fr *FullRank) AddEntropyGradient(grad []float64) {
	for i := 0; i < fr.d; i++ {
		k := fr.index(i, i)
		grad[k] += 1 / fr.params[k]
	}
}

// Factor returns L as a triangular matrix.
func (fr *FullRank) Factor() *mat.TriDense {
	l := mat.NewTriDense(fr.d, mat.Lower, nil)
	for i := 0; i < fr.d; i++ {
		for j := 0; j <= i; j++ {
			l.SetTri(i, j, fr.params[fr.index(i, j)])
		}
	}
	return l
}

// Covariance returns L L^T.
func (fr *FullRank) Covariance() *mat.SymDense {
	var cov mat.SymDense
	cov.SymOuterK(1, fr.Factor())
	return &cov
}

// SD returns the square root of the covariance diagonal.
func (fr *FullRank) SD() []float64 {
	sd := make([]float64, fr.d)
	for i := 0; i < fr.d; i++ {
		row := fr.params[fr.index(i, 0) : fr.index(i, i)+1]
		sd[i] = math.Sqrt(floats.Dot(row, row))
	}
	return sd
}

// Clone returns a copy.
func (fr *FullRank) Clone() Family {
	return &FullRank{d: fr.d, params: append([]float64(nil), fr.params...)}
}
