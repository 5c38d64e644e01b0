package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// weights.json:
//
//	{"weights": [[w0, w1, ...]], "bias": [b0]}
//
// One row per output. A sigmoid head has one row; a vector head has one row per label and
// is normalized with softmax.
type linearFile struct {
	Weights [][]float64 `json:"weights"`
	Bias    []float64   `json:"bias"`
}

// Linear is a pure-Go logistic/softmax model over the raw input tensor.
type Linear struct {
	weights [][]float64
	bias    []float64
	kind    OutputKind
}

func OpenLinear(path string, input InputSpec, kind OutputKind, classes int) (*Linear, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lf linearFile
	if err := json.Unmarshal(b, &lf); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewLinear(lf.Weights, lf.Bias, input, kind, classes)
}

func NewLinear(weights [][]float64, bias []float64, input InputSpec, kind OutputKind, classes int) (*Linear, error) {
	rows := 1
	if kind == Vector {
		rows = classes
	}
	if len(weights) != rows || len(bias) != rows {
		return nil, fmt.Errorf("want %d weight rows and biases, got %d and %d", rows, len(weights), len(bias))
	}
	for i, w := range weights {
		if len(w) != input.Elements() {
			return nil, fmt.Errorf("weight row %d has %d entries, input has %d", i, len(w), input.Elements())
		}
	}
	return &Linear{weights: weights, bias: bias, kind: kind}, nil
}

func (l *Linear) Predict(ctx context.Context, t Tensor) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	z := make([]float64, len(l.weights))
	for r, w := range l.weights {
		if len(w) != t.Len() {
			return nil, fmt.Errorf("tensor has %d elements, weights %d", t.Len(), len(w))
		}
		s := l.bias[r]
		for i, wi := range w {
			s += wi * t.At(i)
		}
		z[r] = s
	}
	if l.kind == Vector {
		return softmax(z), nil
	}
	return []float64{sigmoid(z[0])}, nil
}

func (l *Linear) Close() error { return nil }

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func softmax(z []float64) []float64 {
	m := math.Inf(-1)
	for _, v := range z {
		m = max(m, v)
	}
	out := make([]float64, len(z))
	var sum float64
	for i, v := range z {
		out[i] = math.Exp(v - m)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
