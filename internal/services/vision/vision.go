// Package vision produces the AI predictions dataset by running object
// localization over a directory of radiographs.
package vision

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"golang.org/x/sync/errgroup"

	"github.com/lehigh-university-libraries/readerstudy/pkg/geometry"
)

// Annotator localizes objects in one image file.
type Annotator interface {
	Localize(ctx context.Context, imagePath string) ([]*visionpb.LocalizedObjectAnnotation, error)
}

// Options tunes how annotations become predictions. Labels restricts which
// object names count (case-insensitive, empty means any). An object scoring
// at least Threshold is a positive prediction.
type Options struct {
	Labels    []string
	Threshold float64
	Workers   int
}

// Prediction is one dataset row. Box is normalized to the image size.
type Prediction struct {
	Image      string
	Confidence float64
	Positive   bool
	Box        *geometry.Box
}

type Generator struct {
	annotator Annotator
	opts      Options
	labels    map[string]bool
}

func NewGenerator(a Annotator, opts Options) *Generator {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.5
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	labels := make(map[string]bool, len(opts.Labels))
	for _, l := range opts.Labels {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			labels[l] = true
		}
	}
	return &Generator{annotator: a, opts: opts, labels: labels}
}

// Predict annotates one image and keeps its best matching object. An image
// without a matching object is a negative prediction with no box.
func (g *Generator) Predict(ctx context.Context, imagePath string) (Prediction, error) {
	objects, err := g.annotator.Localize(ctx, imagePath)
	if err != nil {
		return Prediction{}, fmt.Errorf("localize %s: %w", imagePath, err)
	}

	p := Prediction{Image: filepath.Base(imagePath)}
	var best *visionpb.LocalizedObjectAnnotation
	for _, obj := range objects {
		if len(g.labels) > 0 && !g.labels[strings.ToLower(obj.GetName())] {
			continue
		}
		if best == nil || obj.GetScore() > best.GetScore() {
			best = obj
		}
	}
	if best == nil {
		return p, nil
	}

	p.Confidence = float64(best.GetScore())
	p.Positive = p.Confidence >= g.opts.Threshold
	p.Box = normalizedBox(best.GetBoundingPoly())
	return p, nil
}

func normalizedBox(poly *visionpb.BoundingPoly) *geometry.Box {
	vertices := poly.GetNormalizedVertices()
	if len(vertices) == 0 {
		return nil
	}
	minPt := geometry.Point{X: 1, Y: 1}
	maxPt := geometry.Point{}
	for _, v := range vertices {
		x, y := float64(v.GetX()), float64(v.GetY())
		minPt.X, minPt.Y = min(minPt.X, x), min(minPt.Y, y)
		maxPt.X, maxPt.Y = max(maxPt.X, x), max(maxPt.Y, y)
	}
	box := geometry.FromCorners(minPt, maxPt)
	if box.Degenerate() {
		return nil
	}
	return &box
}

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true, ".bmp": true, ".webp": true}

// ListImages returns the image files in dir, sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Run annotates every image in dir concurrently and writes the predictions
// CSV in the normalized dialect. Rows keep the directory order. Images that
// fail to annotate are logged and left out.
func (g *Generator) Run(ctx context.Context, dir string, w io.Writer) (int, error) {
	paths, err := ListImages(dir)
	if err != nil {
		return 0, fmt.Errorf("list images: %w", err)
	}

	results := make([]*Prediction, len(paths))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(g.opts.Workers)
	for i, path := range paths {
		group.Go(func() error {
			p, err := g.Predict(gctx, path)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Warn("Skipping image", "path", path, "error", err)
				return nil
			}
			results[i] = &p
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}

	written := 0
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return 0, err
	}
	for _, p := range results {
		if p == nil {
			continue
		}
		if err := cw.Write(p.Record()); err != nil {
			return written, err
		}
		written++
	}
	cw.Flush()
	return written, cw.Error()
}

// Header is the column row of a generated dataset.
var Header = []string{"image", "ai_confidence", "prediction", "bbox_xmin_norm", "bbox_ymin_norm", "bbox_xmax_norm", "bbox_ymax_norm"}

// Record renders the prediction as a CSV row matching Header.
func (p Prediction) Record() []string {
	pred := "0"
	if p.Positive {
		pred = "1"
	}
	row := []string{p.Image, formatFloat(p.Confidence), pred, "", "", "", ""}
	if p.Box != nil {
		row[3] = formatFloat(p.Box.X)
		row[4] = formatFloat(p.Box.Y)
		row[5] = formatFloat(p.Box.X + p.Box.Width)
		row[6] = formatFloat(p.Box.Y + p.Box.Height)
	}
	return row
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
