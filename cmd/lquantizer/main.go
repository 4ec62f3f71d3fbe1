package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lqnet/internal/dataset"
	"github.com/samcharles93/lqnet/internal/logger"
	"github.com/samcharles93/lqnet/internal/quantizer"
	"github.com/samcharles93/lqnet/internal/version"
)

// errUsage marks flag validation failures, which exit with 255 like
// parse errors do.
var errUsage = errors.New("invalid usage")

func main() {
	var (
		showVersion   bool
		inputModel    string
		inputData     string
		outputModel   string
		encodeBits    int
		configPath    string
		logLevel      string
		seed          int64
		trainEpochs   int
		trainBatches  int
		qemIterations int
		inputBits     int
		weightsBits   int
	)

	ranAction := false

	app := &cli.Command{
		Name:  "lquantizer",
		Usage: "Quantize fully-connected layers of an LCF model with learned quantization",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "version", Usage: "print version and exit", Destination: &showVersion},
			&cli.StringFlag{Name: "input_model", Usage: "path to the float .lcf model", Destination: &inputModel},
			&cli.StringFlag{Name: "input_data", Usage: "path to a calibration data container (random data when omitted)", Destination: &inputData},
			&cli.StringFlag{Name: "output_model", Usage: "path for the quantized .lcf model", Destination: &outputModel},
			&cli.IntFlag{Name: "encode_bits", Usage: "bit width for both input and weight scales", Destination: &encodeBits},
			&cli.StringFlag{Name: "config", Usage: "path to a YAML training config", Destination: &configPath},
			&cli.StringFlag{Name: "log_level", Usage: "log level (debug, info, warn, error)", Value: "info", Destination: &logLevel},
			&cli.Int64Flag{Name: "seed", Usage: "seed for scale init and random data", Destination: &seed},
			&cli.IntFlag{Name: "train_epochs", Usage: "training epochs", Value: 5, Destination: &trainEpochs},
			&cli.IntFlag{Name: "train_batches", Usage: "records per batch", Value: 128, Destination: &trainBatches},
			&cli.IntFlag{Name: "qem_iterations", Usage: "QEM iterations per fit", Value: 5, Destination: &qemIterations},
			&cli.IntFlag{Name: "input_bits", Usage: "input scale bit width", Value: 2, Destination: &inputBits},
			&cli.IntFlag{Name: "weights_bits", Usage: "weight scale bit width", Value: 2, Destination: &weightsBits},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ranAction = true

			if showVersion {
				fmt.Println("lquantizer " + version.String())
				return nil
			}
			if inputModel == "" {
				return fmt.Errorf("%w: --input_model is required", errUsage)
			}
			if outputModel == "" {
				return fmt.Errorf("%w: --output_model is required", errUsage)
			}
			if cmd.IsSet("encode_bits") && encodeBits <= 0 {
				return fmt.Errorf("%w: --encode_bits must be positive", errUsage)
			}

			if configPath != "" {
				cfg, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				applyConfig(cmd, cfg,
					&trainEpochs, &trainBatches, &qemIterations,
					&inputBits, &weightsBits, &logLevel)
			}
			if cmd.IsSet("encode_bits") {
				inputBits = encodeBits
				weightsBits = encodeBits
			}

			log := logger.Pretty(os.Stderr, logger.ParseLevel(logLevel))

			opts := quantizer.Options{
				InputBits:     inputBits,
				WeightsBits:   weightsBits,
				TrainBatches:  trainBatches,
				QEMIterations: qemIterations,
				TrainEpochs:   trainEpochs,
				Seed:          seed,
				Logger:        log,
			}
			q := quantizer.New(opts)
			if err := q.Initialize(inputModel); err != nil {
				return err
			}

			fp, _ := q.Graphs()
			sizes := quantizer.InputSizes(fp)
			var gen quantizer.DataGenerator
			if inputData != "" {
				f, err := dataset.Open(inputData)
				if err != nil {
					return fmt.Errorf("open calibration data: %w", err)
				}
				gen = quantizer.NewFileGenerator(f, sizes)
			} else {
				gen = quantizer.NewRandomGenerator(sizes, trainBatches*3, seed)
				log.Info("no calibration data given, using random records",
					"records", trainBatches*3)
			}

			if err := q.Train(gen); err != nil {
				return err
			}
			return q.Save(outputModel)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		if !ranAction || errors.Is(err, errUsage) {
			os.Exit(255)
		}
		os.Exit(1)
	}
}
