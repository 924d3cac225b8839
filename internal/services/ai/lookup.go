// Package ai serves the precomputed AI predictions for trial images.
//
// The dataset is read once per process. Boxes are converted to natural image
// pixels at load time so nothing downstream sees normalized coordinates.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/lehigh-university-libraries/readerstudy/internal/models"
	"github.com/lehigh-university-libraries/readerstudy/pkg/geometry"
	"github.com/lehigh-university-libraries/readerstudy/pkg/predictions/parser"
)

const (
	tracerName = "github.com/lehigh-university-libraries/readerstudy/internal/services/ai"

	imagePrefix   = "/dataset/no_map/"
	heatmapPrefix = "/dataset/map/"
	phase2Prefix  = "p2_"
)

// Lookup resolves trial indices to AI predictions.
type Lookup struct {
	source Source
	units  parser.Units
	sizer  ImageSizer

	group singleflight.Group

	mu          sync.RWMutex
	loaded      bool
	predictions map[string]models.AIPrediction
}

// New creates a lookup. sizer may be nil when the dataset ships pixel boxes.
func New(source Source, units parser.Units, sizer ImageSizer) *Lookup {
	return &Lookup{
		source: source,
		units:  units,
		sizer:  sizer,
	}
}

// Load reads the dataset once. Concurrent callers share a single in-flight
// read; a failed read is not remembered, so the next call tries again.
func (l *Lookup) Load(ctx context.Context) error {
	if l.Loaded() {
		return nil
	}

	_, err, _ := l.group.Do("load", func() (any, error) {
		if l.Loaded() {
			return nil, nil
		}
		// The load outlives whichever caller happened to start it.
		predictions, err := l.read(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.predictions = predictions
		l.loaded = true
		l.mu.Unlock()
		return nil, nil
	})
	return err
}

// Loaded reports whether the dataset is in memory.
func (l *Lookup) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded
}

// Len returns the number of loaded predictions.
func (l *Lookup) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.predictions)
}

func (l *Lookup) read(ctx context.Context) (map[string]models.AIPrediction, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ai.Load")
	defer span.End()
	span.SetAttributes(attribute.String("dataset.source", l.source.String()))

	rc, err := l.source.Open(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open dataset")
		return nil, fmt.Errorf("open dataset %s: %w", l.source, err)
	}
	defer rc.Close()

	rows, skipped, err := parser.Parse(rc, l.units)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse dataset")
		return nil, fmt.Errorf("parse dataset %s: %w", l.source, err)
	}
	for _, s := range skipped {
		slog.Warn("Skipping malformed prediction row", "source", l.source.String(), "line", s.Line, "error", s.Err)
	}

	predictions := make(map[string]models.AIPrediction, len(rows))
	for _, row := range rows {
		if _, dup := predictions[row.Image]; dup {
			slog.Warn("Duplicate prediction row, keeping the first", "image", row.Image, "line", row.Line)
			continue
		}
		predictions[row.Image] = models.AIPrediction{
			ID:                row.Image,
			ImageName:         imagePrefix + row.Image,
			HeatmapPath:       heatmapPrefix + row.Image,
			Phase:             phaseOfKey(row.Image),
			Diagnosis:         diagnosisOf(row.Prediction),
			Confidence:        row.Confidence,
			Box:               l.naturalBox(row),
			OriginalImageName: row.Image,
			GroundTruthRaw:    row.GroundTruthRaw,
			GroundTruthBinary: row.GroundTruthBinary,
			PredictionRaw:     row.Prediction,
		}
	}

	span.SetAttributes(
		attribute.Int("dataset.rows", len(predictions)),
		attribute.Int("dataset.skipped", len(skipped)),
	)
	slog.Info("Loaded AI predictions", "source", l.source.String(), "count", len(predictions), "skipped", len(skipped))
	return predictions, nil
}

// naturalBox converts a row box into natural image pixels.
func (l *Lookup) naturalBox(row parser.Row) *geometry.Box {
	if row.Box == nil {
		return nil
	}
	if l.units == parser.UnitsPixel {
		b := *row.Box
		if l.sizer == nil {
			return &b
		}
		size, err := l.sizer.ImageSize(row.Image)
		if err != nil {
			slog.Debug("Keeping pixel box unchecked, image size unknown", "image", row.Image, "error", err)
			return &b
		}
		if b.X+b.Width > size.Width || b.Y+b.Height > size.Height {
			slog.Warn("Dropping pixel box outside the image", "image", row.Image, "box", b, "size", size)
			return nil
		}
		return &b
	}
	if l.sizer == nil {
		slog.Warn("Dropping normalized box, no image sizer configured", "image", row.Image)
		return nil
	}
	size, err := l.sizer.ImageSize(row.Image)
	if err != nil {
		slog.Warn("Dropping normalized box, image size unknown", "image", row.Image, "error", err)
		return nil
	}
	b, ok := geometry.NormalizedToNatural(*row.Box, size)
	if !ok {
		slog.Warn("Dropping normalized box, image has zero size", "image", row.Image)
		return nil
	}
	return &b
}

// Keys returns the dataset keys tried for an image id, in order.
func Keys(phase models.Phase, index int) []string {
	plain := strconv.Itoa(index) + ".png"
	if phase == models.Phase2 {
		return []string{phase2Prefix + plain, plain}
	}
	return []string{plain}
}

// Lookup returns the prediction for a dataset image id. It waits for the
// dataset load; a load failure or a missing key is reported as not found.
func (l *Lookup) Lookup(ctx context.Context, phase models.Phase, index int) (models.AIPrediction, bool) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ai.Lookup")
	defer span.End()
	span.SetAttributes(attribute.String("trial.phase", string(phase)), attribute.Int("trial.index", index))

	if err := l.Load(ctx); err != nil {
		slog.Error("AI predictions unavailable", "error", err)
		span.RecordError(err)
		return models.AIPrediction{}, false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, key := range Keys(phase, index) {
		if p, ok := l.predictions[key]; ok {
			span.SetAttributes(attribute.String("prediction.id", key))
			return p, true
		}
	}
	slog.Warn("No AI prediction for trial", "phase", phase, "index", index)
	span.SetAttributes(attribute.Bool("prediction.fallback", true))
	return models.AIPrediction{}, false
}

// Resolve is Lookup with the fallback substituted for a miss.
func (l *Lookup) Resolve(ctx context.Context, phase models.Phase, index int) models.AIPrediction {
	if p, ok := l.Lookup(ctx, phase, index); ok {
		return p
	}
	return Fallback(phase, index)
}

// Fallback is the flagged stand-in shown when the dataset has no row for a
// trial: negative diagnosis, zero confidence, no box.
// The image paths use the plain image key, since the radiograph exists
// whatever the phase.
func Fallback(phase models.Phase, index int) models.AIPrediction {
	key := strconv.Itoa(index) + ".png"
	return models.AIPrediction{
		ID:                "fallback_" + strconv.Itoa(index),
		ImageName:         imagePrefix + key,
		HeatmapPath:       heatmapPrefix + key,
		Phase:             string(phase),
		Diagnosis:         models.DiagnosisNo,
		Confidence:        0,
		GroundTruthRaw:    -1,
		GroundTruthBinary: -1,
		PredictionRaw:     -1,
		Fallback:          true,
	}
}

func diagnosisOf(prediction int) models.Diagnosis {
	if prediction == 1 {
		return models.DiagnosisYes
	}
	return models.DiagnosisNo
}

func phaseOfKey(key string) string {
	if strings.HasPrefix(key, phase2Prefix) {
		return string(models.Phase2)
	}
	return string(models.Phase1)
}
