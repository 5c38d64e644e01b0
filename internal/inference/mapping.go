package inference

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// FailureLabel is the class name whose probability drives the pause decision.
const FailureLabel = "failure"

// OutputKind describes the model head.
type OutputKind string

const (
	// Sigmoid is a single output neuron representing labels[1].
	Sigmoid OutputKind = "sigmoid"
	// Vector is one score per label.
	Vector OutputKind = "vector"
)

func ParseOutputKind(s string) (OutputKind, error) {
	switch OutputKind(strings.ToLower(strings.TrimSpace(s))) {
	case Sigmoid, "":
		return Sigmoid, nil
	case Vector:
		return Vector, nil
	}
	return "", fmt.Errorf("unsupported output kind %q", s)
}

// FailureIndex looks up the failure class. Labels must have at least two entries and name
// the failure class exactly once (case-insensitive). A sigmoid head additionally needs it
// at index 0 or 1.
func FailureIndex(labels []string, kind OutputKind) (int, error) {
	if len(labels) < 2 {
		return -1, fmt.Errorf("labels: need at least 2 classes, got %d", len(labels))
	}
	idx := -1
	for i, l := range labels {
		if strings.EqualFold(strings.TrimSpace(l), FailureLabel) {
			if idx >= 0 {
				return -1, fmt.Errorf("labels: %q listed twice", FailureLabel)
			}
			idx = i
		}
	}
	if idx < 0 {
		return -1, fmt.Errorf("labels: no %q class in %v", FailureLabel, labels)
	}
	if kind == Sigmoid && idx > 1 {
		return -1, fmt.Errorf("labels: sigmoid output represents labels[1]; %q must be at index 0 or 1, found %d", FailureLabel, idx)
	}
	return idx, nil
}

var ErrBadOutput = errors.New("unexpected model output")

// MapProbability turns raw model output into a failure probability in [0,1].
//
//	sigmoid, failure at 1: p = raw[0]
//	sigmoid, failure at 0: p = 1 - raw[0]
//	vector:                p = raw[failureIndex]
func MapProbability(kind OutputKind, failureIndex int, raw []float64) (float64, error) {
	var p float64
	switch kind {
	case Sigmoid:
		if len(raw) != 1 {
			return 0, fmt.Errorf("%w: sigmoid head returned %d values", ErrBadOutput, len(raw))
		}
		switch failureIndex {
		case 1:
			p = raw[0]
		case 0:
			p = 1 - raw[0]
		default:
			return 0, fmt.Errorf("%w: sigmoid head with failure index %d", ErrBadOutput, failureIndex)
		}
	case Vector:
		if failureIndex < 0 || failureIndex >= len(raw) {
			return 0, fmt.Errorf("%w: vector of %d values, failure index %d", ErrBadOutput, len(raw), failureIndex)
		}
		p = raw[failureIndex]
	default:
		return 0, fmt.Errorf("%w: unknown output kind %q", ErrBadOutput, kind)
	}
	if math.IsNaN(p) {
		return 0, fmt.Errorf("%w: NaN", ErrBadOutput)
	}
	return min(max(p, 0), 1), nil
}
