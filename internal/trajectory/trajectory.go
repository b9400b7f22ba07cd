// Package trajectory parses SLAM keyframe trajectories and normalizes them
// into the plan coordinate space used by the viewer.
package trajectory

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/bimefy/slam-worker/internal/model"
)

// PlanExtent is the size of the larger horizontal axis after normalization
const PlanExtent = 500.0

const fieldsPerLine = 8

// ErrEmptyTrajectory is returned when a trajectory holds no keyframes
var ErrEmptyTrajectory = errors.New("trajectory contains no keyframes")

var errNonFinite = errors.New("value is not finite")

// FormatError reports a malformed trajectory line
type FormatError struct {
	Line   int
	Fields int
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid trajectory data at line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("invalid trajectory data at line %d: expected %d values, got %d", e.Line, fieldsPerLine, e.Fields)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Parse reads keyframe lines in the column order "time y z x qx qz qy qw".
// Blank lines are skipped; any other malformed line fails the whole parse, as
// does input without a single keyframe.
func Parse(r io.Reader) ([]model.TrajectorySample, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var samples []model.TrajectorySample
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != fieldsPerLine {
			return nil, &FormatError{Line: lineNo, Fields: len(fields)}
		}

		var v [fieldsPerLine]float64
		for i, f := range fields {
			n, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, &FormatError{Line: lineNo, Fields: len(fields), Err: err}
			}
			if math.IsNaN(n) || math.IsInf(n, 0) {
				return nil, &FormatError{Line: lineNo, Fields: len(fields), Err: fmt.Errorf("field %d %q: %w", i+1, f, errNonFinite)}
			}
			v[i] = n
		}

		samples = append(samples, model.TrajectorySample{
			TimeCode: v[0],
			Y:        v[1],
			Z:        v[2],
			X:        v[3],
			QX:       v[4],
			QZ:       v[5],
			QY:       v[6],
			QW:       v[7],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trajectory: %w", err)
	}
	if len(samples) == 0 {
		return nil, ErrEmptyTrajectory
	}
	return samples, nil
}

// ParseFile parses a trajectory file
func ParseFile(path string) ([]model.TrajectorySample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trajectory: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Normalize shifts every axis so its minimum is zero and scales all three
// axes so the larger of the x and y extents equals PlanExtent. When both
// extents are zero the scale is 1. Time codes and quaternions are unchanged.
func Normalize(samples []model.TrajectorySample) []model.TrajectorySample {
	if len(samples) == 0 {
		return []model.TrajectorySample{}
	}

	minX, minY, minZ := samples[0].X, samples[0].Y, samples[0].Z
	for _, s := range samples[1:] {
		minX = math.Min(minX, s.X)
		minY = math.Min(minY, s.Y)
		minZ = math.Min(minZ, s.Z)
	}

	var maxX, maxY float64
	for _, s := range samples {
		maxX = math.Max(maxX, s.X-minX)
		maxY = math.Max(maxY, s.Y-minY)
	}

	scale := PlanExtent / math.Max(maxX, maxY)
	if math.IsInf(scale, 0) || math.IsNaN(scale) {
		scale = 1
	}

	out := make([]model.TrajectorySample, len(samples))
	for i, s := range samples {
		out[i] = model.TrajectorySample{
			TimeCode: s.TimeCode,
			X:        (s.X - minX) * scale,
			Y:        (s.Y - minY) * scale,
			Z:        (s.Z - minZ) * scale,
			QX:       s.QX,
			QY:       s.QY,
			QZ:       s.QZ,
			QW:       s.QW,
		}
	}
	return out
}

// TimeCodes returns the time code of every sample, in order
func TimeCodes(samples []model.TrajectorySample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.TimeCode
	}
	return out
}
