package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"bitbucket.org/Davydov/latstrain/model"
	"bitbucket.org/Davydov/latstrain/optimize"
)

var validate = validator.New()

// Config is the content of the YAML configuration file. Command-line
// flags override the values read from the file.
type Config struct {
	// Method is the optimization method.
	Method string `yaml:"method" json:"method" validate:"oneof=advi map none"`
	// MapIterations is the number of MAP iterations used to warm
	// start the variational mean, zero disables the warm start.
	MapIterations int `yaml:"map_iterations" json:"mapIterations" validate:"gte=0"`
	// Model settings, missing values are replaced by the defaults.
	Model ModelConfig `yaml:"model" json:"model"`
	// ADVI settings.
	ADVI optimize.ADVISettings `yaml:"advi" json:"advi"`
}

// ModelConfig holds the hyperparameters set by the user. Nil
// fields keep the defaults, so a zero value can be requested
// explicitly.
type ModelConfig struct {
	NStrains       *int     `yaml:"strains" json:"strains,omitempty"`
	Reg            *float64 `yaml:"reg" json:"reg,omitempty"`
	TaxUncertainty *float64 `yaml:"tax_uncertainty" json:"taxUncertainty,omitempty"`
	TaxFuzz        *float64 `yaml:"tax_fuzz" json:"taxFuzz,omitempty"`
	SeqFuzz        *float64 `yaml:"seq_fuzz" json:"seqFuzz,omitempty"`
	InitRadius     *float64 `yaml:"init_radius" json:"initRadius,omitempty"`
	// Workers is the number of gradient goroutines, zero means
	// one per CPU.
	Workers int `yaml:"workers" json:"-"`
}

// defaultConfig returns the configuration used without a file.
func defaultConfig() Config {
	return Config{
		Method:        "advi",
		MapIterations: 200,
		ADVI:          optimize.DefaultADVISettings(),
	}
}

// readConfig reads and validates a YAML configuration, the values
// missing from the file are taken from defaultConfig.
func readConfig(fn string) (Config, error) {
	cfg := defaultConfig()
	b, err := os.ReadFile(fn)
	if err != nil {
		return cfg, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", fn, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", fn, err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validate.Struct(c)
}

// hyperparameters returns the model hyperparameters for nTaxa taxa:
// the defaults overridden by the values set in the configuration.
func (c Config) hyperparameters(nTaxa int) model.Hyperparameters {
	h := model.DefaultHyperparameters(nTaxa)
	m := c.Model
	if m.NStrains != nil {
		h.NStrains = *m.NStrains
	}
	setFloat(&h.Reg, m.Reg)
	setFloat(&h.TaxUncertainty, m.TaxUncertainty)
	setFloat(&h.TaxFuzz, m.TaxFuzz)
	setFloat(&h.SeqFuzz, m.SeqFuzz)
	setFloat(&h.InitRadius, m.InitRadius)
	h.Workers = m.Workers
	return h
}

func setFloat(dst, v *float64) {
	if v != nil {
		*dst = *v
	}
}
