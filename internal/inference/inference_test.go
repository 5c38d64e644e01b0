package inference

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"failuredetector/pkg/logx"
)

func TestMapProbability(t *testing.T) {
	cases := []struct {
		name   string
		labels []string
		kind   OutputKind
		raw    []float64
		want   float64
	}{
		{"sigmoid failure at 1", []string{"ok", "failure"}, Sigmoid, []float64{0.93}, 0.93},
		{"sigmoid failure at 0", []string{"failure", "ok"}, Sigmoid, []float64{0.93}, 0.07},
		{"sigmoid case-insensitive", []string{"Good", "FAILURE"}, Sigmoid, []float64{0.4}, 0.4},
		{"vector", []string{"ok", "spaghetti", "failure"}, Vector, []float64{0.1, 0.2, 0.7}, 0.7},
		{"clamped high", []string{"ok", "failure"}, Sigmoid, []float64{1.2}, 1},
		{"clamped low", []string{"ok", "failure"}, Vector, []float64{0.9, -0.1}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			idx, err := FailureIndex(tc.labels, tc.kind)
			if err != nil {
				t.Fatalf("FailureIndex: %v", err)
			}
			got, err := MapProbability(tc.kind, idx, tc.raw)
			if err != nil {
				t.Fatalf("MapProbability: %v", err)
			}
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("p=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestFailureIndexRejects(t *testing.T) {
	cases := []struct {
		name   string
		labels []string
		kind   OutputKind
	}{
		{"single label", []string{"failure"}, Sigmoid},
		{"missing failure", []string{"ok", "bad"}, Sigmoid},
		{"duplicate", []string{"failure", "Failure"}, Vector},
		{"sigmoid index 2", []string{"ok", "meh", "failure"}, Sigmoid},
	}
	for _, tc := range cases {
		if _, err := FailureIndex(tc.labels, tc.kind); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestMapProbabilityBadOutput(t *testing.T) {
	if _, err := MapProbability(Sigmoid, 1, []float64{0.1, 0.2}); !errors.Is(err, ErrBadOutput) {
		t.Fatalf("err=%v", err)
	}
	if _, err := MapProbability(Vector, 3, []float64{0.1, 0.2}); !errors.Is(err, ErrBadOutput) {
		t.Fatalf("err=%v", err)
	}
	if _, err := MapProbability(Sigmoid, 1, []float64{math.NaN()}); !errors.Is(err, ErrBadOutput) {
		t.Fatalf("err=%v", err)
	}
}

func writeModel(t *testing.T, manifest, labels string, weights any) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, LabelsFile), []byte(labels), 0o644); err != nil {
		t.Fatal(err)
	}
	if weights != nil {
		b, _ := json.Marshal(weights)
		if err := os.WriteFile(filepath.Join(dir, "weights.json"), b, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func zeros(n int) []float64 { return make([]float64, n) }

func TestLoadLinearAndInfer(t *testing.T) {
	manifest := "name: tiny\nbackend: linear\ninput: {height: 2, width: 2, dtype: uint8}\noutput: sigmoid\n"
	// All-zero weights with bias 0 yields sigmoid(0) = 0.5.
	dir := writeModel(t, manifest, "# classes\nok\nfailure\n", map[string]any{
		"weights": [][]float64{zeros(12)},
		"bias":    []float64{0},
	})
	e, err := Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e.Name() != "tiny" || e.FailureIndex() != 1 {
		t.Fatalf("name=%q idx=%d", e.Name(), e.FailureIndex())
	}
	tensor := Tensor{Spec: e.Input(), U8: make([]uint8, 12)}
	p, raw, err := e.Infer(context.Background(), tensor)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if len(raw) != 1 || math.Abs(p-0.5) > 1e-9 {
		t.Fatalf("p=%v raw=%v", p, raw)
	}

	bad := Tensor{Spec: InputSpec{Height: 3, Width: 2, DType: Uint8}, U8: make([]uint8, 18)}
	if _, _, err := e.Infer(context.Background(), bad); err == nil {
		t.Fatal("expected shape mismatch")
	}
}

func TestLoadRejectsBadModel(t *testing.T) {
	manifest := "backend: linear\ninput: {height: 1, width: 1}\n"
	w := map[string]any{"weights": [][]float64{zeros(3)}, "bias": []float64{0}}

	if _, err := Load(context.Background(), writeModel(t, manifest, "ok\nbad\n", w)); err == nil {
		t.Fatal("labels without failure must not load")
	}
	if _, err := Load(context.Background(), writeModel(t, manifest+"bogus: 1\n", "ok\nfailure\n", w)); err == nil {
		t.Fatal("unknown manifest field must not load")
	}
	short := map[string]any{"weights": [][]float64{zeros(2)}, "bias": []float64{0}}
	if _, err := Load(context.Background(), writeModel(t, manifest, "ok\nfailure\n", short)); err == nil {
		t.Fatal("weight size mismatch must not load")
	}
	if _, err := Load(context.Background(), t.TempDir()); err == nil {
		t.Fatal("empty dir must not load")
	}
}

func TestHolderFailedReloadUnloads(t *testing.T) {
	manifest := "input: {height: 1, width: 1}\n"
	dir := writeModel(t, manifest, "ok\nfailure\n", map[string]any{
		"weights": [][]float64{zeros(3)}, "bias": []float64{1},
	})
	h := NewHolder(dir, logx.Nop())
	if h.Loaded() {
		t.Fatal("new holder must be unloaded")
	}
	if err := h.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !h.Info().Loaded {
		t.Fatal("expected loaded info")
	}

	if err := os.Remove(filepath.Join(dir, LabelsFile)); err != nil {
		t.Fatal(err)
	}
	if err := h.Load(context.Background()); err == nil {
		t.Fatal("expected reload failure")
	}
	if h.Loaded() {
		t.Fatal("failed reload must leave holder unloaded")
	}
	if info := h.Info(); info.Loaded || info.Error == "" {
		t.Fatalf("info=%+v", info)
	}
}

func TestLinearVectorSoftmax(t *testing.T) {
	in := InputSpec{Height: 1, Width: 1, DType: Float32}
	l, err := NewLinear([][]float64{zeros(3), {1, 1, 1}}, []float64{0, 0}, in, Vector, 2)
	if err != nil {
		t.Fatal(err)
	}
	out, err := l.Predict(context.Background(), Tensor{Spec: in, F32: []float32{0, 0, 0}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || math.Abs(out[0]-0.5) > 1e-9 || math.Abs(out[1]-0.5) > 1e-9 {
		t.Fatalf("out=%v", out)
	}
}

func TestTFServing(t *testing.T) {
	var gotInstances int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/models/failure":
			_, _ = w.Write([]byte(`{"model_version_status":[{"version":"1","state":"AVAILABLE"}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/models/failure:predict":
			var req struct {
				Instances [][][][3]float32 `json:"instances"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			gotInstances = len(req.Instances)
			_, _ = w.Write([]byte(`{"predictions":[[0.25, 0.75]]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	be, err := OpenTFServing(context.Background(), TFServingConfig{URL: srv.URL + "/", Model: "failure"})
	if err != nil {
		t.Fatalf("OpenTFServing: %v", err)
	}
	in := InputSpec{Height: 2, Width: 1, DType: Float32}
	e, err := NewEngine(be, []string{"ok", "failure"}, in, Vector)
	if err != nil {
		t.Fatal(err)
	}
	p, _, err := e.Infer(context.Background(), Tensor{Spec: in, F32: make([]float32, 6)})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if p != 0.75 || gotInstances != 1 {
		t.Fatalf("p=%v instances=%d", p, gotInstances)
	}
}

func TestTFServingHealthFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model_version_status":[{"version":"1","state":"LOADING"}]}`))
	}))
	defer srv.Close()
	_, err := OpenTFServing(context.Background(), TFServingConfig{URL: srv.URL, Model: "failure"})
	if err == nil || !strings.Contains(err.Error(), "AVAILABLE") {
		t.Fatalf("err=%v", err)
	}
}
