package main

import (
	"bitbucket.org/Davydov/latstrain/model"
	"bitbucket.org/Davydov/latstrain/optimize"
)

// CallSummary describes the program invocation.
type CallSummary struct {
	// RunID is a unique identifier of the run.
	RunID string `json:"runID"`
	// Version stores latstrain version.
	Version string `json:"version"`
	// CommandLine is an array storing binary name and all command-line parameters.
	CommandLine []string `json:"commandLine"`
	// Seed is the seed used for random number generation initialization.
	Seed int64 `json:"seed"`
	// NThreads is the number of processes used.
	NThreads int `json:"nThreads"`
	// Time is the computations time in seconds.
	TotalTime float64 `json:"time"`
}

// DataSummary describes the aligned data.
type DataSummary struct {
	Samples   int `json:"samples"`
	Taxa      int `json:"taxa"`
	Sequences int `json:"sequences"`
	// Dim is the number of unconstrained parameters.
	Dim int `json:"dim"`
}

// FitSummary is storing the fit summary information.
type FitSummary struct {
	CallSummary
	Data            DataSummary           `json:"data"`
	Hyperparameters model.Hyperparameters `json:"hyperparameters"`
	// WarmStart is the summary of the MAP warm start, if performed.
	WarmStart *optimize.Summary `json:"warmStart,omitempty"`
	// Optimizer is the summary of the main optimizer.
	Optimizer optimize.Summary `json:"optimizer"`
	// Status tells how the optimization ended.
	Status optimize.Status `json:"status"`
	// StrainAbundance is the mean fraction of every strain.
	StrainAbundance map[string]float64 `json:"strainAbundance"`
	// Checkpoint is the checkpoint key, if checkpointing is enabled.
	Checkpoint string `json:"checkpoint,omitempty"`
	// Time is the optimization time in seconds.
	Time float64 `json:"optimizationTime"`
}

// SimulateSummary is storing the simulation summary information.
type SimulateSummary struct {
	CallSummary
	Data            DataSummary           `json:"data"`
	Hyperparameters model.Hyperparameters `json:"hyperparameters"`
	// Files are the files written.
	Files []string `json:"files"`
}
