// Command datasetgen writes an AI predictions dataset for the reader study
// by running Google Cloud Vision object localization over the image folder.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lehigh-university-libraries/readerstudy/internal/services/vision"
	"github.com/lehigh-university-libraries/readerstudy/internal/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "err", err)
	}

	imageDir := flag.String("images", "dataset/no_map", "Directory of images to annotate")
	out := flag.String("out", "dataset/predictions.csv", "Output CSV path")
	labels := flag.String("labels", "", "Comma-separated object names that count as findings (empty = any)")
	threshold := flag.Float64("threshold", 0.5, "Score at or above which the prediction is positive")
	workers := flag.Int("workers", 4, "Concurrent annotation requests")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	annotator, err := vision.NewCloudAnnotator(ctx)
	if err != nil {
		utils.ExitOnError("Unable to create Cloud Vision client", err)
	}
	defer annotator.Close()

	var names []string
	if *labels != "" {
		names = strings.Split(*labels, ",")
	}
	gen := vision.NewGenerator(annotator, vision.Options{
		Labels:    names,
		Threshold: *threshold,
		Workers:   *workers,
	})

	f, err := os.Create(*out)
	if err != nil {
		utils.ExitOnError("Unable to create output file", err)
	}
	defer f.Close()

	n, err := gen.Run(ctx, *imageDir, f)
	if err != nil {
		utils.ExitOnError("Dataset generation failed", err)
	}
	slog.Info("Predictions dataset written", "path", *out, "rows", n)
}
