package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lqnet/internal/dataset"
	"github.com/samcharles93/lqnet/internal/interp"
	"github.com/samcharles93/lqnet/internal/logger"
	"github.com/samcharles93/lqnet/internal/quantizer"
	"github.com/samcharles93/lqnet/pkg/lcf"
)

var errUsage = errors.New("invalid usage")

func main() {
	var (
		inputModel string
		inputData  string
		outputDir  string
		logLevel   string
	)

	ranAction := false

	app := &cli.Command{
		Name:  "output_recorder",
		Usage: "Run an LCF model over a calibration dataset and record its outputs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input_model", Usage: "path to the .lcf model", Destination: &inputModel},
			&cli.StringFlag{Name: "input_data", Usage: "path to the calibration data container", Destination: &inputData},
			&cli.StringFlag{Name: "output_dir", Usage: "directory for per-record output files", Destination: &outputDir},
			&cli.StringFlag{Name: "log_level", Usage: "log level (debug, info, warn, error)", Value: "info", Destination: &logLevel},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ranAction = true

			if inputModel == "" || inputData == "" || outputDir == "" {
				return fmt.Errorf("%w: --input_model, --input_data and --output_dir are required", errUsage)
			}

			log := logger.Pretty(os.Stderr, logger.ParseLevel(logLevel))
			return record(inputModel, inputData, outputDir, log)
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

func record(modelPath, dataPath, outDir string, log logger.Logger) error {
	g, info, err := lcf.ReadModel(modelPath)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	log.Info("model loaded", "name", info.Name, "model_id", info.ModelID)

	it, err := interp.New(g, nil)
	if err != nil {
		return fmt.Errorf("build interpreter: %w", err)
	}

	f, err := dataset.Open(dataPath)
	if err != nil {
		return fmt.Errorf("open calibration data: %w", err)
	}
	gen := quantizer.NewFileGenerator(f, quantizer.InputSizes(g))

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	var (
		total    time.Duration
		recorded int
	)
	for i := 0; ; i++ {
		rec, err := gen.Next()
		if errors.Is(err, dataset.ErrNoMoreRecords) {
			break
		}
		if err != nil {
			return fmt.Errorf("read record %d: %w", i, err)
		}

		for j, in := range g.Inputs() {
			if err := it.WriteInput(in, rec[j]); err != nil {
				return fmt.Errorf("record %d input %q: %w", i, in.Name, err)
			}
		}

		start := time.Now()
		if err := it.Run(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		total += time.Since(start)

		if err := writeOutputs(outDir, i, it); err != nil {
			return err
		}
		recorded++
		if recorded%100 == 0 {
			log.Info("records processed", "count", recorded)
		}
	}

	if recorded == 0 {
		return errors.New("dataset holds no records")
	}
	avg := total / time.Duration(recorded)
	fmt.Printf("recorded %d records, average inference time: %s\n", recorded, avg)
	return nil
}

func writeOutputs(outDir string, record int, it *interp.Interpreter) error {
	var sb strings.Builder
	first := true
	for _, out := range it.Outputs() {
		for _, v := range out.F32 {
			if !first {
				sb.WriteByte(' ')
			}
			first = false
			sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
		}
	}
	sb.WriteByte('\n')

	path := filepath.Join(outDir, fmt.Sprintf("%d.data", record))
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write record %d outputs: %w", record, err)
	}
	return nil
}
