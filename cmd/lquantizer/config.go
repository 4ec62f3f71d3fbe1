package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the optional training configuration file. Fields are
// pointers so an absent key is distinguishable from a zero value.
type Config struct {
	TrainEpochs   *int   `yaml:"train_epochs"`
	TrainBatches  *int   `yaml:"train_batches"`
	QEMIterations *int   `yaml:"qem_iterations"`
	InputBits     *int   `yaml:"input_bits"`
	WeightsBits   *int   `yaml:"weights_bits"`
	LogLevel      string `yaml:"log_level"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyConfig fills config file values into the destinations whose CLI
// flag was not explicitly set. Flags always win.
func applyConfig(c *cli.Command, cfg Config,
	trainEpochs, trainBatches, qemIterations, inputBits, weightsBits *int,
	logLevel *string,
) {
	if cfg.TrainEpochs != nil && !c.IsSet("train_epochs") {
		*trainEpochs = *cfg.TrainEpochs
	}
	if cfg.TrainBatches != nil && !c.IsSet("train_batches") {
		*trainBatches = *cfg.TrainBatches
	}
	if cfg.QEMIterations != nil && !c.IsSet("qem_iterations") {
		*qemIterations = *cfg.QEMIterations
	}
	if cfg.InputBits != nil && !c.IsSet("input_bits") {
		*inputBits = *cfg.InputBits
	}
	if cfg.WeightsBits != nil && !c.IsSet("weights_bits") {
		*weightsBits = *cfg.WeightsBits
	}
	if cfg.LogLevel != "" && !c.IsSet("log_level") {
		*logLevel = cfg.LogLevel
	}
}
