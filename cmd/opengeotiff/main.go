package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/twpayne/go-opengeotiff"
)

func run() error {
	verbose := flag.Bool("v", false, "verbose")
	flag.Parse()

	if flag.NArg() != 1 {
		return errors.New("syntax: opengeotiff [-v] config")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	config, err := opengeotiff.LoadConfig(flag.Arg(0))
	if err != nil {
		return err
	}

	pipeline, err := opengeotiff.NewPipeline(config)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = opengeotiff.WithLogger(ctx, logger)

	_, err = pipeline.Run(ctx)
	return err
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
