package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type TFServingConfig struct {
	URL     string
	Model   string
	Timeout time.Duration
	Client  *http.Client
}

// TFServing calls a TensorFlow Serving REST endpoint.
type TFServing struct {
	base    string
	model   string
	timeout time.Duration
	hc      *http.Client
}

// OpenTFServing validates the config and probes the model status endpoint.
func OpenTFServing(ctx context.Context, cfg TFServingConfig) (*TFServing, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("serving.url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("serving.url: %w", err)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("serving.model is required")
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &TFServing{base: base, model: url.PathEscape(cfg.Model), timeout: timeout, hc: hc}
	if err := s.Health(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type modelStatus struct {
	ModelVersionStatus []struct {
		Version string `json:"version"`
		State   string `json:"state"`
	} `json:"model_version_status"`
}

// Health reports nil when at least one model version is AVAILABLE.
func (s *TFServing) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/v1/models/"+s.model, nil)
	if err != nil {
		return err
	}
	var st modelStatus
	if err := s.do(req, &st); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	for _, v := range st.ModelVersionStatus {
		if v.State == "AVAILABLE" {
			return nil
		}
	}
	return fmt.Errorf("health: model %s has no AVAILABLE version", s.model)
}

type predictRequest struct {
	Instances []any `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float64 `json:"predictions"`
	Error       string      `json:"error"`
}

func (s *TFServing) Predict(ctx context.Context, t Tensor) ([]float64, error) {
	body, err := json.Marshal(predictRequest{Instances: []any{nestTensor(t)}})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/v1/models/"+s.model+":predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var out predictResponse
	if err := s.do(req, &out); err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("predict: %s", out.Error)
	}
	if len(out.Predictions) != 1 {
		return nil, fmt.Errorf("predict: %w: %d predictions", ErrBadOutput, len(out.Predictions))
	}
	return out.Predictions[0], nil
}

func (s *TFServing) Close() error {
	s.hc.CloseIdleConnections()
	return nil
}

func (s *TFServing) do(req *http.Request, v any) error {
	resp, err := s.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.Unmarshal(b, v)
}

// nestTensor reshapes the flat HxWx3 buffer to [H][W][3] for the row format.
func nestTensor(t Tensor) any {
	h, w := t.Spec.Height, t.Spec.Width
	if t.Spec.DType == Uint8 {
		rows := make([][][3]uint16, h)
		for y := range h {
			rows[y] = make([][3]uint16, w)
			for x := range w {
				i := (y*w + x) * 3
				rows[y][x] = [3]uint16{uint16(t.U8[i]), uint16(t.U8[i+1]), uint16(t.U8[i+2])}
			}
		}
		return rows
	}
	rows := make([][][3]float32, h)
	for y := range h {
		rows[y] = make([][3]float32, w)
		for x := range w {
			i := (y*w + x) * 3
			rows[y][x] = [3]float32{t.F32[i], t.F32[i+1], t.F32[i+2]}
		}
	}
	return rows
}
