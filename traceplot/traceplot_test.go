package traceplot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket.org/Davydov/latstrain/optimize"
)

func TestTrace(tst *testing.T) {
	t := New(10)
	var _ optimize.Monitor = t

	_, err := t.Plot()
	assert.Error(tst, err)

	for i := 1; i <= 100; i++ {
		t.Iteration(i, -100/float64(i))
		if i%50 == 0 {
			t.Evaluation(i, -100/float64(i), 0.1)
		}
	}
	t.Done(optimize.Status{Converged: true, Reason: "test"})
	r, e := t.Len()
	assert.Equal(tst, 10, r)
	assert.Equal(tst, 2, e)

	fn := filepath.Join(tst.TempDir(), "trace.png")
	require.NoError(tst, t.Save(fn))
	st, err := os.Stat(fn)
	require.NoError(tst, err)
	assert.Positive(tst, st.Size())
}
