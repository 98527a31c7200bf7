package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mykhaliev/org-promptgen/config"
	"github.com/mykhaliev/org-promptgen/engine"
	"github.com/mykhaliev/org-promptgen/logger"
	"github.com/mykhaliev/org-promptgen/provider"
	"github.com/mykhaliev/org-promptgen/report"
	"github.com/mykhaliev/org-promptgen/session"
	"github.com/mykhaliev/org-promptgen/templates"
	"github.com/mykhaliev/org-promptgen/version"
)

const (
	AppName = "org-promptgen"
)

func main() {
	configPath := flag.String("f", "", "Path to the run configuration file (YAML)")
	outputPath := flag.String("o", "", "Path to the output file (defaults to config, then stdout)")
	planPath := flag.String("plan", "", "Also generate a test preparation plan and write it as CSV to this path")
	htmlPath := flag.String("html", "", "Also write an HTML report of the generated prompts to this path")
	metadataPath := flag.String("m", "", "Also write the metadata summary as CSV to this path")
	logPath := flag.String("l", "", "Path to the log file (if not set, logs to stdout)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	showVersion := flag.Bool("v", false, "Show version and exit")

	flag.Parse()

	fmt.Printf("Version: %s\nCommit: %s\nBuildDate: %s\n",
		version.Version, version.Commit, version.BuildDate)
	if *showVersion {
		return
	}

	// Initialize Logger
	logWriter, logFile, err := logger.SetupLogWriter(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to setup logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.SetupLogger(logWriter, *verbose)
	templates.Init()

	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "Error: -f <config-file> is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.ParseRunConfig(*configPath)
	if err != nil {
		logger.Logger.Error("Failed to load run config", "error", err)
		os.Exit(1)
	}

	logger.Logger.Info("Starting application",
		"app", AppName,
		"config", *configPath,
		"logfile", *logPath,
		"verbose", *verbose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := provider.InitProviders(ctx, cfg.Providers)
	if err != nil {
		logger.Logger.Error("Failed to initialize providers", "error", err)
		os.Exit(1)
	}
	llm, ok := providers[cfg.Generation.Provider]
	if !ok {
		logger.Logger.Error("Generation provider not found", "provider", cfg.Generation.Provider)
		os.Exit(1)
	}

	idleTimeout, err := cfg.Session.IdleTimeoutDuration()
	if err != nil {
		logger.Logger.Error("Invalid session settings", "error", err)
		os.Exit(1)
	}

	store := session.NewStore(idleTimeout)
	store.StartSweeper(ctx)
	service := engine.NewService(store, llm, cfg.Generation.Concurrency)

	if err := run(ctx, service, cfg, *outputPath, *planPath, *metadataPath, *htmlPath); err != nil {
		logger.Logger.Error("Pipeline run failed", "error", err)
		os.Exit(1)
	}
}

// run drives one full pipeline pass: extract, infer, generate, export.
func run(ctx context.Context, service *engine.Service, cfg *config.RunConfig, outputPath, planPath, metadataPath, htmlPath string) error {
	extracted, err := service.ExtractAndInfer(ctx, cfg.Salesforce, cfg.UseCaseText)
	if err != nil {
		return err
	}
	defer func() {
		if err := service.Cleanup(extracted.SessionID); err != nil {
			logger.Logger.Warn("Session cleanup failed", "error", err)
		}
	}()

	for _, warning := range extracted.Warnings {
		logger.Logger.Warn("Extraction warning", "warning", warning)
	}
	logger.Logger.Info("Use cases inferred", "count", len(extracted.UseCases))

	// Apply the configured prompt count uniformly; interactive curation
	// belongs to the web layer, not this CLI.
	useCases := extracted.UseCases
	for i := range useCases {
		useCases[i].PromptCount = cfg.Generation.PromptCount
	}

	result, err := service.GeneratePrompts(ctx, extracted.SessionID, useCases)
	if err != nil {
		return err
	}
	for _, report := range result.Reports {
		if report.Err != nil {
			logger.Logger.Warn("Use case failed", "use_case", report.UseCaseID, "error", report.Err)
			continue
		}
		if shortfall := report.Shortfall(); shortfall > 0 {
			logger.Logger.Warn("Use case under-delivered",
				"use_case", report.UseCaseID,
				"requested", report.Requested,
				"stored", report.Stored,
				"shortfall", shortfall)
		}
	}

	data, err := service.Export(extracted.SessionID, cfg.Export.Format)
	if err != nil {
		return err
	}
	if outputPath == "" {
		outputPath = cfg.Export.Path
	}
	if err := writeOutput(outputPath, data); err != nil {
		return err
	}

	if htmlPath != "" {
		gen, err := report.NewGenerator()
		if err != nil {
			return err
		}
		doc, err := service.ExportDocument(extracted.SessionID)
		if err != nil {
			return err
		}
		if err := gen.GenerateHTMLToFile(doc, htmlPath); err != nil {
			return err
		}
	}

	if metadataPath != "" {
		csv, err := service.ExportMetadata(extracted.SessionID)
		if err != nil {
			return err
		}
		if err := os.WriteFile(metadataPath, csv, logger.FilePermission); err != nil {
			return fmt.Errorf("failed to write metadata CSV: %w", err)
		}
		logger.Logger.Info("Metadata summary written", "path", metadataPath)
	}

	if planPath != "" {
		if _, err := service.PreparePlan(ctx, extracted.SessionID); err != nil {
			return err
		}
		csv, err := service.ExportPlan(extracted.SessionID)
		if err != nil {
			return err
		}
		if err := os.WriteFile(planPath, csv, logger.FilePermission); err != nil {
			return fmt.Errorf("failed to write preparation plan CSV: %w", err)
		}
		logger.Logger.Info("Preparation plan written", "path", planPath)
	}

	return nil
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(path, data, logger.FilePermission); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	logger.Logger.Info("Results written", "path", path)
	return nil
}
