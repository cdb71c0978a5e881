package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ransomguard/analyzer"
	"ransomguard/config"
	"ransomguard/detector"
	"ransomguard/ml"
	"ransomguard/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfgPath := os.Getenv(config.EnvConfigPath)
	if len(args) > 0 && strings.HasPrefix(args[0], "--config=") {
		cfgPath = strings.TrimPrefix(args[0], "--config=")
		args = args[1:]
	}
	if len(args) < 1 {
		printUsage()
		return 1
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return 1
	}
	logger, closer, err := config.InitLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Error initialising logging: %v\n", err)
		return 1
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := args[0]
	switch cmd {
	case "scan":
		path, ok := joinedPath(args, "scan <file>")
		if !ok {
			return 1
		}
		return withDetector(ctx, cfg, logger, func(det *detector.Detector) int { return scanFile(ctx, det, path) })

	case "scandir":
		dir, ok := joinedPath(args, "scandir <dir>")
		if !ok {
			return 1
		}
		return withDetector(ctx, cfg, logger, func(det *detector.Detector) int {
			return scanOnDirectory(ctx, det, dir, cfg.Analysis.Workers)
		})

	case "features":
		path, ok := joinedPath(args, "features <file>")
		if !ok {
			return 1
		}
		return showFeatures(ctx, cfg, path)

	case "serve":
		return withDetector(ctx, cfg, logger, func(det *detector.Detector) int {
			if err := server.New(det, cfg.Server, logger).ListenAndServe(ctx); err != nil {
				logger.Error("server stopped", "error", err)
				return 1
			}
			return 0
		})

	case "info":
		return withDetector(ctx, cfg, logger, func(det *detector.Detector) int {
			showInfo(det)
			return 0
		})

	default:
		fmt.Printf("Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Println("Usage: ransomguard [--config=path] [command] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("scan <file>              Classify a single file")
	fmt.Println("scandir <dir>            Classify every file under a directory")
	fmt.Println("features <file>          Print the raw features extracted from a file")
	fmt.Println("serve                    Run the HTTP classification service")
	fmt.Println("info                     Show model bundle information")
	fmt.Println()
	fmt.Printf("The config path may also be set with %s.\n", config.EnvConfigPath)
}

func joinedPath(args []string, usage string) (string, bool) {
	if len(args) < 2 {
		fmt.Printf("Missing argument\nUsage: ransomguard %s\n", usage)
		return "", false
	}
	path := strings.Join(args[1:], " ")
	if strings.TrimSpace(path) == "" {
		fmt.Println("Error: Empty path")
		return "", false
	}
	return path, true
}

// withDetector loads the bundle and optional cache and tracing, runs fn, and
// tears everything down again. A bundle that fails to load is fatal.
func withDetector(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(*detector.Detector) int) int {
	bundle, err := ml.LoadBundle(cfg.Model)
	if err != nil {
		var mle *ml.ModelLoadError
		if errors.As(err, &mle) {
			logger.Error("model bundle failed to load", "artifact", mle.Artifact, "path", mle.Path, "error", mle.Err)
		}
		fmt.Printf("Error loading model: %v\n", err)
		return 1
	}
	logger.Info("model bundle loaded", "family", bundle.Classifier().Family(), "features", bundle.Schema().Len(), "fingerprint", bundle.Fingerprint())

	shutdown, err := detector.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		logger.Warn("tracing unavailable", "error", err)
	} else {
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("tracer shutdown", "error", err)
			}
		}()
	}

	opts := detector.Options{
		Limits:      cfg.Analysis.Limits(),
		Interpreter: cfg.Analysis.Interpreter(),
		ScratchDir:  cfg.Analysis.ScratchDir,
		Logger:      logger,
	}
	if cfg.Cache.Enabled {
		cache, err := detector.OpenCache(cfg.Cache.Dir, cfg.Cache.SizeBytes)
		if err != nil {
			fmt.Printf("Error opening verdict cache: %v\n", err)
			return 1
		}
		defer cache.Close()
		opts.Cache = cache
	}

	det, err := detector.New(bundle, opts)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return 1
	}
	return fn(det)
}

func status(res *detector.Result) string {
	switch {
	case res.Inconclusive:
		return "INCONCLUSIVE"
	case res.Label == ml.Malicious:
		return "MALICIOUS"
	default:
		return "CLEAN"
	}
}

func scanFile(ctx context.Context, det *detector.Detector, path string) int {
	res, err := det.ClassifyPath(ctx, path)
	if err != nil {
		fmt.Printf("Error analyzing file: %v\n", err)
		return 1
	}

	fmt.Printf("File: %s\n", path)
	fmt.Printf("SHA-256: %s\n", res.SHA256)
	fmt.Printf("Status: %s\n", status(res))
	fmt.Printf("Malicious Probability: %.2f%%\n", res.Probabilities[ml.Malicious]*100)
	fmt.Printf("Confidence: %.2f%% (%s)\n", res.Confidence*100, res.Tier)
	if res.Failure != ml.FailureNone {
		fmt.Printf("Failure: %s (%v)\n", res.Failure, res.Err)
		return 0
	}
	if res.Cached {
		fmt.Println("Verdict served from cache")
		return 0
	}

	f := res.Features
	fmt.Printf("\nFeature Analysis:\n")
	fmt.Printf(" File Entropy: %.4f %s\n", f["FileEntropy"],
		map[bool]string{true: "(HIGH - Suspicious)", false: ""}[f["FileEntropy"] > 7.0])
	fmt.Printf(" Sections: %.0f\n", f["NumberOfSections"])
	fmt.Printf(" Imports: %.0f\n", f["ImportedFunctions"])
	fmt.Printf(" Crypto APIs: %.0f\n", f["CryptoAPIs"])
	fmt.Printf(" File Enumeration APIs: %.0f\n", f["FileEnumerationAPIs"])
	fmt.Printf(" Ransom Note Strings: %.0f\n", f["RansomNoteStrings"])
	fmt.Printf(" Shadow Copy Commands: %.0f\n", f["ShadowCopyCommands"])
	fmt.Printf(" Payment Addresses: %.0f\n", f["PaymentAddresses"])
	fmt.Printf(" Signed: %s\n", map[bool]string{true: "yes", false: "no"}[f["HasSignature"] == 1])
	fmt.Printf(" File Size: %d bytes\n", res.Size)
	if len(res.Dropped) > 0 {
		fmt.Printf(" Features not used by the model: %d\n", len(res.Dropped))
	}
	return 0
}

func scanOnDirectory(ctx context.Context, det *detector.Detector, directory string, workers int) int {
	fmt.Printf("Directory: %s\n\n", directory)

	var total, clean, malicious, inconclusive, failed int
	err := det.ClassifyDir(ctx, directory, workers, func(path string, res *detector.Result, err error) {
		if err != nil {
			failed++
			fmt.Printf("Failed to analyze: %s (%v)\n", path, err)
			return
		}
		total++
		switch status(res) {
		case "MALICIOUS":
			malicious++
		case "CLEAN":
			clean++
		default:
			inconclusive++
		}
		fmt.Printf("%-13s %6.2f%%  %s\n", status(res), res.Probabilities[ml.Malicious]*100, path)
	})
	if err != nil {
		fmt.Printf("Error walking directory: %v\n", err)
		return 1
	}

	fmt.Printf("\nScanned: %d files\n", total)
	fmt.Printf("Clean: %d\n", clean)
	fmt.Printf("Malicious: %d\n", malicious)
	fmt.Printf("Inconclusive: %d\n", inconclusive)
	fmt.Printf("Failed: %d\n", failed)
	return 0
}

func showFeatures(ctx context.Context, cfg *config.Config, path string) int {
	data, err := analyzer.ReadFile(path, cfg.Analysis.MaxFileSize)
	if err != nil {
		fmt.Printf("Error reading file: %v\n", err)
		return 1
	}
	p, err := analyzer.Parse(ctx, data, cfg.Analysis.Limits())
	if err != nil {
		fmt.Printf("Error parsing file: %v\n", err)
		return 1
	}
	f, err := analyzer.Extract(ctx, p)
	if err != nil {
		fmt.Printf("Error extracting features: %v\n", err)
		return 1
	}
	fmt.Printf("File: %s (%s)\n", path, analyzer.Sniff(data))
	for _, name := range analyzer.Catalog() {
		fmt.Printf(" %-28s %g\n", name, f[name])
	}
	for _, a := range p.Anomalies {
		fmt.Printf(" anomaly: %s\n", a)
	}
	return 0
}

func showInfo(det *detector.Detector) {
	info := det.Bundle().Info()
	in := det.Interpreter()
	fmt.Printf("Model Family: %s\n", info.Family)
	fmt.Printf("Scaler: %s\n", info.Scaler)
	fmt.Printf("Features: %d\n", info.Features)
	fmt.Printf("Fingerprint: %s\n", info.Fingerprint)
	fmt.Printf("Threshold: %.2f\n", in.Threshold)
	fmt.Printf("Confidence Tiers: medium >= %.2f, high >= %.2f\n", in.MediumAt, in.HighAt)
	fmt.Printf("Max File Size: %d bytes\n", det.Limits().MaxFileSize)
	fmt.Println()
	for i, name := range info.Names {
		fmt.Printf(" %2d  %s\n", i, name)
	}
}
