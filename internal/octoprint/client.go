package octoprint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnauthorized = errors.New("print server rejected api key")
	ErrNotPrinting  = errors.New("printer is not printing")
)

// PauseReasonHeader carries the reason tag of a pause request.
const PauseReasonHeader = "X-Pause-Reason"

// Job is the subset of GET /api/job the detector needs.
type Job struct {
	State      string  `json:"state"`
	File       string  `json:"file"`
	Completion float64 `json:"completion"`
	PrintTime  int     `json:"print_time"`
}

type jobResponse struct {
	Job struct {
		File struct {
			Name string `json:"name"`
		} `json:"file"`
	} `json:"job"`
	Progress struct {
		Completion *float64 `json:"completion"`
		PrintTime  *int     `json:"printTime"`
	} `json:"progress"`
	State string `json:"state"`
}

// Client talks to an OctoPrint-compatible REST API. Configure may be called at any time.
type Client struct {
	mu     sync.RWMutex
	base   string
	apiKey string
	http   *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	c := &Client{}
	c.Configure(baseURL, apiKey, timeout)
	return c
}

// Configure swaps the endpoint, key and request timeout. In-flight requests keep the old values.
func (c *Client) Configure(baseURL, apiKey string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c.mu.Lock()
	c.base = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	c.apiKey = apiKey
	c.http = &http.Client{Timeout: timeout}
	c.mu.Unlock()
}

func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.base
}

func (c *Client) do(ctx context.Context, method, path string, body any, hdr map[string]string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	c.mu.RLock()
	base, key, hc := c.base, c.apiKey, c.http
	c.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, method, base+path, rd)
	if err != nil {
		return nil, err
	}
	if key != "" {
		req.Header.Set("X-Api-Key", key)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, ErrUnauthorized
	}
	return resp, nil
}

// Job fetches the current job and printer state.
func (c *Client) Job(ctx context.Context) (Job, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/job", nil, nil)
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Job{}, fmt.Errorf("get job: http %d", resp.StatusCode)
	}
	var jr jobResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&jr); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	j := Job{State: jr.State, File: jr.Job.File.Name}
	if jr.Progress.Completion != nil {
		j.Completion = *jr.Progress.Completion
	}
	if jr.Progress.PrintTime != nil {
		j.PrintTime = *jr.Progress.PrintTime
	}
	return j, nil
}

// Pause asks the print server to pause the active job. reason is sent as PauseReasonHeader.
// A 409 reply means nothing was printing.
func (c *Client) Pause(ctx context.Context, reason string) error {
	body := map[string]string{"command": "pause", "action": "pause"}
	resp, err := c.do(ctx, http.MethodPost, "/api/job", body, map[string]string{PauseReasonHeader: reason})
	if err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrNotPrinting
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("pause: http %d", resp.StatusCode)
	}
	return nil
}
