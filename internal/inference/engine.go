// Package inference loads failure-detection models and maps their output to a failure probability.
package inference

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var ErrNotLoaded = errors.New("model not loaded")

// Backend runs the model forward pass and returns the raw output vector.
type Backend interface {
	Predict(ctx context.Context, t Tensor) ([]float64, error)
	Close() error
}

// Engine is an immutable loaded model. It is safe for concurrent use.
type Engine struct {
	dir          string
	name         string
	backendName  string
	labels       []string
	failureIndex int
	input        InputSpec
	output       OutputKind
	backend      Backend
	loadedAt     time.Time
}

// Load reads manifest.yaml and labels.txt from dir and opens the declared backend.
func Load(ctx context.Context, dir string) (*Engine, error) {
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	input, err := m.inputSpec()
	if err != nil {
		return nil, err
	}
	kind, err := ParseOutputKind(m.Output)
	if err != nil {
		return nil, err
	}
	labels, err := ReadLabels(filepath.Join(dir, LabelsFile))
	if err != nil {
		return nil, err
	}
	if _, err := FailureIndex(labels, kind); err != nil {
		return nil, err
	}

	backendName := strings.ToLower(strings.TrimSpace(m.Backend))
	if backendName == "" {
		backendName = "linear"
	}
	var be Backend
	switch backendName {
	case "linear":
		weights := m.Weights
		if weights == "" {
			weights = "weights.json"
		}
		if !filepath.IsAbs(weights) {
			weights = filepath.Join(dir, weights)
		}
		be, err = OpenLinear(weights, input, kind, len(labels))
	case "tfserving":
		be, err = OpenTFServing(ctx, TFServingConfig{
			URL:     m.Serving.URL,
			Model:   m.Serving.Model,
			Timeout: m.servingTimeout(),
		})
	default:
		err = fmt.Errorf("unknown backend %q", m.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", backendName, err)
	}

	name := m.Name
	if name == "" {
		name = filepath.Base(dir)
	}
	return NewEngine(be, labels, input, kind, WithName(name), withSource(dir, backendName))
}

type EngineOption func(*Engine)

func WithName(name string) EngineOption { return func(e *Engine) { e.name = name } }

func withSource(dir, backend string) EngineOption {
	return func(e *Engine) { e.dir, e.backendName = dir, backend }
}

// NewEngine assembles an engine around an already-open backend.
func NewEngine(be Backend, labels []string, input InputSpec, kind OutputKind, opts ...EngineOption) (*Engine, error) {
	if be == nil {
		return nil, errors.New("nil backend")
	}
	if !input.Valid() {
		return nil, fmt.Errorf("invalid input spec %+v", input)
	}
	idx, err := FailureIndex(labels, kind)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		backendName:  "custom",
		labels:       append([]string(nil), labels...),
		failureIndex: idx,
		input:        input,
		output:       kind,
		backend:      be,
		loadedAt:     time.Now(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

func (e *Engine) Input() InputSpec    { return e.input }
func (e *Engine) Output() OutputKind  { return e.output }
func (e *Engine) FailureIndex() int   { return e.failureIndex }
func (e *Engine) Name() string        { return e.name }
func (e *Engine) LoadedAt() time.Time { return e.loadedAt }

func (e *Engine) Labels() []string { return append([]string(nil), e.labels...) }

// Infer runs the backend and maps its output to the failure probability.
func (e *Engine) Infer(ctx context.Context, t Tensor) (float64, []float64, error) {
	if err := t.check(e.input); err != nil {
		return 0, nil, err
	}
	raw, err := e.backend.Predict(ctx, t)
	if err != nil {
		return 0, nil, err
	}
	if e.output == Vector && len(raw) != len(e.labels) {
		return 0, raw, fmt.Errorf("%w: %d scores for %d labels", ErrBadOutput, len(raw), len(e.labels))
	}
	p, err := MapProbability(e.output, e.failureIndex, raw)
	return p, raw, err
}

func (e *Engine) Close() error { return e.backend.Close() }

// Info is a serializable description of the loaded model.
type Info struct {
	Loaded       bool       `json:"loaded"`
	Dir          string     `json:"dir,omitempty"`
	Name         string     `json:"name,omitempty"`
	Backend      string     `json:"backend,omitempty"`
	Labels       []string   `json:"labels,omitempty"`
	FailureIndex int        `json:"failure_index"`
	Input        *InputSpec `json:"input,omitempty"`
	Output       OutputKind `json:"output,omitempty"`
	LoadedAt     *time.Time `json:"loaded_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

func (e *Engine) Info() Info {
	in := e.input
	at := e.loadedAt
	return Info{
		Loaded:       true,
		Dir:          e.dir,
		Name:         e.name,
		Backend:      e.backendName,
		Labels:       e.Labels(),
		FailureIndex: e.failureIndex,
		Input:        &in,
		Output:       e.output,
		LoadedAt:     &at,
	}
}
