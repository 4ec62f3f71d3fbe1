package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lqnet/internal/inspect"
	"github.com/samcharles93/lqnet/internal/logger"
	"github.com/samcharles93/lqnet/internal/version"
	"github.com/samcharles93/lqnet/pkg/lcf"
)

var errUsage = errors.New("invalid usage")

func main() {
	var (
		showVersion bool
		modelPath   string
		asJSON      bool
		serve       bool
		addr        string
		logLevel    string
	)

	ranAction := false

	app := &cli.Command{
		Name:  "lqinspect",
		Usage: "Summarize the contents of an .lcf model container",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "version", Usage: "print version and exit", Destination: &showVersion},
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .lcf file",
				Destination: &modelPath,
			},
			&cli.BoolFlag{Name: "json", Usage: "print the summary as JSON", Destination: &asJSON},
			&cli.BoolFlag{Name: "serve", Usage: "serve the summary over HTTP", Destination: &serve},
			&cli.StringFlag{Name: "addr", Usage: "listen address", Value: "127.0.0.1:8080", Destination: &addr},
			&cli.StringFlag{Name: "log_level", Usage: "log level (debug, info, warn, error)", Value: "info", Destination: &logLevel},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ranAction = true

			if showVersion {
				fmt.Println("lqinspect " + version.String())
				return nil
			}
			if modelPath == "" {
				return fmt.Errorf("%w: --model is required", errUsage)
			}

			g, info, err := lcf.ReadModel(modelPath)
			if err != nil {
				return fmt.Errorf("load model: %w", err)
			}
			summary, err := inspect.Build(g, info)
			if err != nil {
				return err
			}

			if serve {
				log := logger.Pretty(os.Stderr, logger.ParseLevel(logLevel))
				return inspect.Serve(ctx, addr, summary, log)
			}
			if asJSON {
				out, err := summary.JSON()
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			return summary.WriteText(os.Stdout)
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
