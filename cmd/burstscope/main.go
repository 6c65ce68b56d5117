package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"burstscope/pkg/config"
	"burstscope/pkg/export"
	"burstscope/pkg/loader"
	"burstscope/pkg/logger"
)

func main() {
	// Parse command line arguments
	input := flag.String("input", "", "TIFF/CZI stack, or a directory of frames (a directory of stacks with -batch)")
	configPath := flag.String("config", "config.yaml", "YAML configuration file")
	outputDir := flag.String("output", "", "Output directory (overrides output.dir)")
	workers := flag.Int("workers", 0, "Number of time points analyzed in parallel (overrides processing.numWorkers)")
	sigmaSmall := flag.Float64("sigma-small", 0, "Narrow Gaussian sigma in pixels")
	sigmaLarge := flag.Float64("sigma-large", 0, "Wide Gaussian sigma in pixels")
	threshold := flag.Float64("threshold", 0, "Detection threshold relative to the strongest response")
	channel := flag.Int("channel", 0, "Zero-based channel to analyze")
	overlay := flag.Bool("overlay", true, "Render a QC overlay of a random time point")
	sqlitePath := flag.String("sqlite", "", "Record spots in this SQLite database")
	chart := flag.Bool("chart", false, "Write an HTML chart of spot counts per time point")
	extractSlices := flag.Bool("extract-slices", false, "Save x, y and z slices of the QC time point")
	saveIntermediary := flag.Bool("save-intermediary", false, "Save every filtered response as PNG")
	logLevel := flag.String("log-level", "", "Log level: trace, debug, info, warn, error or off")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file and exit")
	batch := flag.Bool("batch", false, "Process every stack in the input directory")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *input == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags given on the command line win over the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "output":
			cfg.Output.Dir = *outputDir
		case "workers":
			cfg.Processing.NumWorkers = *workers
		case "sigma-small":
			cfg.Detection.SigmaSmall = *sigmaSmall
		case "sigma-large":
			cfg.Detection.SigmaLarge = *sigmaLarge
		case "threshold":
			cfg.Detection.ThresholdRel = *threshold
		case "channel":
			cfg.Processing.Channel = *channel
		case "overlay":
			cfg.Output.Overlay = *overlay
		case "sqlite":
			cfg.Output.SQLite = *sqlitePath
		case "chart":
			cfg.Output.Chart = *chart
		case "save-intermediary":
			cfg.Output.SaveIntermediaryResults = *saveIntermediary
		case "log-level":
			cfg.Logging.Level = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Component: "burstscope"})

	fmt.Println("================================")
	fmt.Println("BURST DETECTION IN MICROSCOPY TIME SERIES")
	fmt.Println("Difference-of-Gaussians spot detection per time point")
	fmt.Println("================================")

	inputs := []string{*input}
	if *batch {
		inputs, err = listStacks(*input)
		if err != nil {
			log.Fatal().Err(err).Str("input", *input).Msg("failed to list stacks")
		}
	}

	var store *export.Store
	if cfg.Output.SQLite != "" {
		dbPath := cfg.Output.SQLite
		if !filepath.IsAbs(dbPath) {
			dbPath = filepath.Join(cfg.Output.Dir, dbPath)
		}
		store, err = export.OpenStore(dbPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", dbPath).Msg("failed to open spot database")
		}
		defer store.Close()
	}

	p := &pipeline{
		cfg:           cfg,
		loader:        loader.New(cfg.Processing.Channel, log),
		store:         store,
		extractSlices: *extractSlices,
		log:           log,
	}

	ctx := context.Background()
	startTime := time.Now()
	failed := 0
	for _, path := range inputs {
		res, err := p.process(ctx, path)
		if err != nil {
			log.Error().Err(err).Str("input", path).Msg("analysis failed")
			failed++
			continue
		}
		res.print()
	}

	fmt.Printf("\nProcessed %d of %d stacks in %.2f seconds\n", len(inputs)-failed, len(inputs), time.Since(startTime).Seconds())
	if failed > 0 {
		if store != nil {
			store.Close()
		}
		os.Exit(1)
	}
}
