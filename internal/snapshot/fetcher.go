package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	MaxBytes       = 16 << 20
	MinTimeout     = 5 * time.Second
	MaxTimeout     = 10 * time.Second
	DefaultTimeout = MaxTimeout
)

var ErrNoURL = errors.New("snapshot url is empty")

// Frame is one captured webcam image.
type Frame struct {
	Data        []byte
	ContentType string
	FetchedAt   time.Time
	Took        time.Duration
}

// ClampTimeout bounds a capture timeout to [MinTimeout, MaxTimeout]. Zero yields DefaultTimeout.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	}
	return d
}

// Fetcher grabs still images from an HTTP snapshot endpoint.
type Fetcher struct {
	client *http.Client
	now    func() time.Time
}

func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{client: client, now: time.Now}
}

// Fetch downloads one frame. The timeout bounds the whole request including the body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (Frame, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return Frame{}, ErrNoURL
	}
	u, err := withCacheBuster(rawURL, f.now())
	if err != nil {
		return Frame{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Frame{}, err
	}
	req.Header.Set("Accept", "image/jpeg,image/png;q=0.9,*/*;q=0.5")
	req.Header.Set("Cache-Control", "no-cache")

	start := f.now()
	resp, err := f.client.Do(req)
	if err != nil {
		return Frame{}, fmt.Errorf("snapshot request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Frame{}, fmt.Errorf("snapshot request: http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBytes+1))
	if err != nil {
		return Frame{}, fmt.Errorf("snapshot read: %w", err)
	}
	if len(data) > MaxBytes {
		return Frame{}, fmt.Errorf("snapshot exceeds %d bytes", MaxBytes)
	}
	if len(data) == 0 {
		return Frame{}, errors.New("snapshot is empty")
	}
	ct := http.DetectContentType(data)
	if !strings.HasPrefix(ct, "image/") {
		return Frame{}, fmt.Errorf("snapshot is not an image (%s)", ct)
	}
	return Frame{Data: data, ContentType: ct, FetchedAt: start, Took: f.now().Sub(start)}, nil
}

// TestResult answers the settings page "test URL" action.
type TestResult struct {
	OK          bool   `json:"ok"`
	URL         string `json:"url"`
	Bytes       int    `json:"bytes,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	TookMS      int64  `json:"took_ms,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (f *Fetcher) Test(ctx context.Context, rawURL string) TestResult {
	res := TestResult{URL: rawURL}
	fr, err := f.Fetch(ctx, rawURL, DefaultTimeout)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	res.Bytes = len(fr.Data)
	res.ContentType = fr.ContentType
	res.TookMS = fr.Took.Milliseconds()
	return res
}

func withCacheBuster(raw string, now time.Time) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("snapshot url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("snapshot url: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("_t", strconv.FormatInt(now.UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
