// Package parser reads the AI predictions dataset: one CSV row per image
// with the model's confidence, its binary call, optional ground truth and an
// optional bounding box.
package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/lehigh-university-libraries/readerstudy/pkg/geometry"
)

// Units names the coordinate space of the dataset's box columns.
type Units string

const (
	UnitsNormalized Units = "normalized"
	UnitsPixel      Units = "pixel"
)

func ParseUnits(s string) (Units, error) {
	switch Units(strings.ToLower(strings.TrimSpace(s))) {
	case UnitsNormalized, "":
		return UnitsNormalized, nil
	case UnitsPixel:
		return UnitsPixel, nil
	}
	return "", fmt.Errorf("unknown box units %q", s)
}

var boxColumns = map[Units][4]string{
	UnitsNormalized: {"bbox_xmin_norm", "bbox_ymin_norm", "bbox_xmax_norm", "bbox_ymax_norm"},
	UnitsPixel:      {"bbox_xmin", "bbox_ymin", "bbox_xmax", "bbox_ymax"},
}

var requiredColumns = []string{"image", "ai_confidence", "prediction"}

// Row is one parsed dataset row. Box is in the dataset's declared units and
// is nil when the row carries no usable box.
type Row struct {
	Line              int
	Image             string
	Confidence        float64
	Prediction        int
	GroundTruthRaw    int
	GroundTruthBinary int
	Box               *geometry.Box
}

// RowError describes a skipped row.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// ErrHeader is returned when the header lacks a required column or the box
// columns for the declared units.
var ErrHeader = errors.New("invalid dataset header")

// Parse reads the whole dataset. Malformed rows are skipped and reported in
// the returned slice of RowError; only an unreadable stream or a bad header
// fails the parse.
func Parse(r io.Reader, units Units) ([]Row, []RowError, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	colMap := make(map[string]int, len(header))
	for i, col := range header {
		colMap[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := colMap[col]; !ok {
			return nil, nil, fmt.Errorf("%w: missing column %q", ErrHeader, col)
		}
	}
	cols, ok := boxColumns[units]
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown units %q", ErrHeader, units)
	}
	hasBox := 0
	for _, c := range cols {
		if _, ok := colMap[c]; ok {
			hasBox++
		}
	}
	if hasBox != 0 && hasBox != len(cols) {
		return nil, nil, fmt.Errorf("%w: incomplete %s box columns", ErrHeader, units)
	}
	if hasBox == 0 {
		for other, otherCols := range boxColumns {
			if other != units && hasAll(colMap, otherCols) {
				return nil, nil, fmt.Errorf("%w: dataset has %s box columns but %s was declared", ErrHeader, other, units)
			}
		}
	}

	minFields := 0
	for _, idx := range colMap {
		if idx+1 > minFields {
			minFields = idx + 1
		}
	}

	var rows []Row
	var skipped []RowError
	line := 1
	for {
		record, err := reader.Read()
		line++
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				skipped = append(skipped, RowError{Line: line, Err: err})
				continue
			}
			return rows, skipped, fmt.Errorf("failed to read CSV row: %w", err)
		}
		if isBlank(record) {
			continue
		}
		if len(record) < minFields {
			skipped = append(skipped, RowError{Line: line, Err: fmt.Errorf("expected %d fields, got %d", minFields, len(record))})
			continue
		}

		row, err := parseRow(record, colMap, units, hasBox > 0)
		if err != nil {
			skipped = append(skipped, RowError{Line: line, Err: err})
			continue
		}
		row.Line = line
		rows = append(rows, row)
	}

	return rows, skipped, nil
}

func parseRow(record []string, colMap map[string]int, units Units, withBox bool) (Row, error) {
	row := Row{
		Image:             strings.TrimSpace(record[colMap["image"]]),
		GroundTruthRaw:    -1,
		GroundTruthBinary: -1,
	}
	if row.Image == "" {
		return Row{}, errors.New("empty image key")
	}

	var err error
	if row.Confidence, err = parseFloat(record[colMap["ai_confidence"]]); err != nil {
		return Row{}, fmt.Errorf("invalid ai_confidence: %w", err)
	}
	if math.IsNaN(row.Confidence) || row.Confidence < 0 || row.Confidence > 1 {
		return Row{}, fmt.Errorf("ai_confidence %v outside [0,1]", row.Confidence)
	}
	if row.Prediction, err = parseInt(record[colMap["prediction"]]); err != nil {
		return Row{}, fmt.Errorf("invalid prediction: %w", err)
	}

	// Ground truth columns are informational; unparseable values become -1.
	if idx, ok := colMap["ground_truth_raw"]; ok {
		if v, err := parseInt(record[idx]); err == nil {
			row.GroundTruthRaw = v
		}
	}
	if idx, ok := colMap["ground_truth_binary"]; ok {
		if v, err := parseInt(record[idx]); err == nil {
			row.GroundTruthBinary = v
		}
	}

	if withBox {
		box, err := parseBox(record, colMap, units)
		if err != nil {
			return Row{}, err
		}
		row.Box = box
	}

	return row, nil
}

// parseBox reads xmin/ymin/xmax/ymax. Empty cells and boxes without positive
// extent mean "no box" rather than a malformed row. Normalized coordinates
// outside [0,1] are an error: they are almost always pixel values written
// under the normalized columns.
func parseBox(record []string, colMap map[string]int, units Units) (*geometry.Box, error) {
	cols := boxColumns[units]
	var v [4]float64
	for i, c := range cols {
		raw := strings.TrimSpace(record[colMap[c]])
		if raw == "" {
			return nil, nil
		}
		f, err := parseFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", c, err)
		}
		if units == UnitsNormalized && (math.IsNaN(f) || f < 0 || f > 1) {
			return nil, fmt.Errorf("%s %v outside [0,1] for normalized units", c, f)
		}
		v[i] = f
	}
	box := geometry.Box{X: v[0], Y: v[1], Width: v[2] - v[0], Height: v[3] - v[1]}
	if !box.Valid() || box.Degenerate() || box.X < 0 || box.Y < 0 {
		return nil, nil
	}
	return &box, nil
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// parseInt accepts "1" as well as "1.0", which spreadsheet exports produce.
func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	return int(f), nil
}

func hasAll(colMap map[string]int, cols [4]string) bool {
	for _, c := range cols {
		if _, ok := colMap[c]; !ok {
			return false
		}
	}
	return true
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
