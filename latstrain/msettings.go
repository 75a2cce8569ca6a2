package main

import (
	"os"

	"bitbucket.org/Davydov/latstrain/counts"
	"bitbucket.org/Davydov/latstrain/model"
)

// modelSettings stores settings for reading the data and creating a
// new model.
type modelSettings struct {
	taxF string
	seqF string
	lenF string

	coverage bool
	aligner  counts.Aligner

	hyper ModelConfig
}

// newModelSettings initializes modelSettings from global
// variables (command-line arguments) and the configuration.
func newModelSettings(cfg Config) *modelSettings {
	return &modelSettings{
		taxF: *taxFileName,
		seqF: *seqFileName,
		lenF: *lengthFileName,

		coverage: *coverage,
		aligner: counts.Aligner{
			Strict:        *strict,
			MinTaxonReads: *minReads,
		},

		hyper: cfg.Model,
	}
}

func readTable(fn string) (*counts.Table, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return counts.ReadTable(f)
}

func readLengths(fn string) (*counts.Lengths, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return counts.ReadLengths(f)
}

// readData reads and aligns the input tables.
func (ms *modelSettings) readData() (*counts.Dataset, error) {
	tax, err := readTable(ms.taxF)
	if err != nil {
		return nil, err
	}
	seq, err := readTable(ms.seqF)
	if err != nil {
		return nil, err
	}
	lengths, err := readLengths(ms.lenF)
	if err != nil {
		return nil, err
	}
	log.Infof("Read %d taxa, %d sequences and %d lengths", len(tax.Cols), len(seq.Cols), len(lengths.IDs))

	if ms.coverage {
		log.Info("Converting coverage to nucleotide counts")
		if seq, err = counts.Coverage(seq, lengths); err != nil {
			return nil, err
		}
	}

	data, err := ms.aligner.Align(tax, seq, lengths)
	if err != nil {
		return nil, err
	}
	n, t, g := data.Dims()
	log.Infof("Aligned data: %d samples, %d taxa, %d sequences", n, t, g)
	return data, nil
}

// createModel creates a new model for the data. Hyperparameters
// missing from the configuration are replaced by the defaults.
func (ms *modelSettings) createModel(data *counts.Dataset) (*model.Model, error) {
	_, t, _ := data.Dims()
	h := Config{Model: ms.hyper}.hyperparameters(t)
	log.Infof("Using %d strains, reg=%g, tax_uncertainty=%g", h.NStrains, h.Reg, h.TaxUncertainty)
	m, err := model.New(data, h)
	if err != nil {
		return nil, err
	}
	log.Infof("Model has %d parameters.", m.Dim())
	return m, nil
}
