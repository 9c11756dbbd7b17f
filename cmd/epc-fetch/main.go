package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"btr_pipeline/internal/epc"
	"btr_pipeline/internal/epc/transport"
	"btr_pipeline/platform/config"
	"btr_pipeline/platform/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	outputDir := flag.String("output-dir", cfg.GetOutputDir(), "directory for the raw file; processed files go to <output-dir>/processed")
	sampleSize := flag.Int("sample-size", 0, "random sample size for the bulk download (0 keeps every row)")
	flag.Parse()

	log := logger.New(cfg.Env)
	log.Info("starting epc fetch", "env", cfg.Env, "outputDir", *outputDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	module, err := epc.NewModule(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize epc module", "error", err)
		return 1
	}
	defer module.Close()

	opts := transport.RunOptions{OutputDir: *outputDir}
	if *sampleSize > 0 {
		opts.SampleSize = sampleSize
	}

	result, err := module.Service().Run(ctx, opts)
	if err != nil {
		log.Error("Failed to fetch EPC data", "error", err)
		return 1
	}

	log.Info("EPC data fetch complete",
		"runId", result.ID,
		"source", result.Source,
		"status", result.Status,
		"rawPath", result.RawPath,
		"processedPath", result.ProcessedPath,
		"rows", result.ProcessedRows,
	)
	return 0
}
