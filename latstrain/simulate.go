package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"bitbucket.org/Davydov/latstrain/counts"
	"bitbucket.org/Davydov/latstrain/dist"
	"bitbucket.org/Davydov/latstrain/estimate"
	"bitbucket.org/Davydov/latstrain/model"
)

// simulateSettings stores the settings of the simulate command.
type simulateSettings struct {
	samples   int
	taxa      int
	sequences int
	strains   int

	taxReads float64
	seqReads float64

	minLength float64
	maxLength float64

	seed   int64
	outDir string
	prefix string
}

// newSimulateSettings creates simulateSettings from the command line
// parameters (global variables).
func newSimulateSettings() *simulateSettings {
	return &simulateSettings{
		samples:   *simSamples,
		taxa:      *simTaxa,
		sequences: *simSequences,
		strains:   *simStrains,

		taxReads: *simTaxReads,
		seqReads: *simSeqReads,

		minLength: *simMinLength,
		maxLength: *simMaxLength,

		seed:   *seed,
		outDir: *simOutDir,
		prefix: *simPrefix,
	}
}

func (ss *simulateSettings) check() error {
	switch {
	case ss.samples < 1 || ss.taxa < 1 || ss.sequences < 1:
		return errors.New("samples, taxa and sequences should be positive")
	case ss.strains < 0:
		return errors.New("negative number of strains")
	case ss.taxReads < 1 || ss.seqReads < 1:
		return errors.New("number of reads should be positive")
	case ss.minLength <= 0 || ss.maxLength < ss.minLength:
		return fmt.Errorf("incorrect length range [%g, %g]", ss.minLength, ss.maxLength)
	}
	return nil
}

// lengths draws uniformly distributed integer sequence lengths.
func (ss *simulateSettings) lengths(src rand.Source) []float64 {
	r := rand.New(src)
	l := make([]float64, ss.sequences)
	for i := range l {
		l[i] = float64(int(ss.minLength + r.Float64()*(ss.maxLength-ss.minLength)))
	}
	return l
}

// writeFile creates a file and calls write on it.
func writeFile(fn string, write func(f *os.File) error) error {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// run simulates a community and writes the count tables, the
// lengths and the true parameters.
func (ss *simulateSettings) run() (*SimulateSummary, error) {
	if err := ss.check(); err != nil {
		return nil, err
	}
	h := model.DefaultHyperparameters(ss.taxa)
	if ss.strains > 0 {
		h.NStrains = ss.strains
	}
	if err := h.Validate(ss.taxa); err != nil {
		return nil, err
	}
	log.Infof("Simulating %d samples, %d taxa, %d sequences, %d strains", ss.samples, ss.taxa, ss.sequences, h.NStrains)

	src := dist.NewSource(ss.seed)
	length := ss.lengths(src)
	truth := model.RandomParameters(ss.samples, ss.taxa, ss.sequences, h, src)
	data := model.Simulate(truth, length, h, ss.taxReads, ss.seqReads, src)

	summary := &SimulateSummary{
		Data:            DataSummary{Samples: ss.samples, Taxa: ss.taxa, Sequences: ss.sequences},
		Hyperparameters: h,
	}
	path := func(name string) string {
		fn := filepath.Join(ss.outDir, ss.prefix+name)
		summary.Files = append(summary.Files, fn)
		return fn
	}

	if err := writeFile(path("taxa.tsv"), func(f *os.File) error {
		return counts.WriteTable(f, data.TaxTable())
	}); err != nil {
		return nil, err
	}
	if err := writeFile(path("sequences.tsv"), func(f *os.File) error {
		return counts.WriteTable(f, data.SeqTable())
	}); err != nil {
		return nil, err
	}
	if err := writeFile(path("lengths.tsv"), func(f *os.File) error {
		return counts.WriteLengths(f, &counts.Lengths{IDs: data.Sequences, Values: data.Length})
	}); err != nil {
		return nil, err
	}

	est := &estimate.Estimates{
		Samples:   data.Samples,
		Strains:   estimate.StrainIDs(h.NStrains),
		Taxa:      data.Taxa,
		Sequences: data.Sequences,
		Pi:        truth.Pi,
		Theta:     truth.Theta,
		Phi:       truth.Phi,
		ETax:      model.ExpectTax(truth.Pi, truth.Theta, h.TaxFuzz),
		ESeq:      model.ExpectSeq(truth.Pi, truth.Phi, length, h.SeqFuzz),
	}
	if err := est.WriteTSV(ss.outDir, ss.prefix+"truth."); err != nil {
		return nil, err
	}
	for _, name := range []string{"pi", "theta", "phi", "expect_tax", "expect_seq"} {
		path("truth." + name + ".tsv")
	}
	log.Noticef("Wrote %d files to %s", len(summary.Files), ss.outDir)
	return summary, nil
}
