package failuredetector

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"failuredetector/internal/detector"
	"failuredetector/internal/httpapi"
	"failuredetector/internal/inference"
	"failuredetector/internal/snapshot"
	"failuredetector/internal/storage"
)

const (
	cmdForceCheck      = "force_check"
	cmdReloadModel     = "reload_model"
	cmdTestSnapshotURL = "test_snapshot_url"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// endpoint is the plugin REST surface under /api/plugin/failuredetector.
type endpoint struct{ p *Plugin }

var (
	_ httpapi.Endpoint = (*endpoint)(nil)
	_ httpapi.Greeter  = (*endpoint)(nil)
)

func (e *endpoint) Commands() map[string][]string {
	return map[string][]string{
		cmdForceCheck:      nil,
		cmdReloadModel:     nil,
		cmdTestSnapshotURL: nil,
	}
}

func (e *endpoint) Get(ctx context.Context, sub string, q url.Values) (any, error) {
	switch sub {
	case "", "status":
		return e.p.status(), nil
	case "history":
		limit, err := parseLimit(q.Get("limit"), defaultHistoryLimit)
		if err != nil {
			return nil, err
		}
		ds, err := e.p.history(ctx, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"detections": ds}, nil
	case "stats":
		since := time.Now().Add(-24 * time.Hour)
		st, err := e.p.stats(ctx, since)
		if err != nil {
			return nil, err
		}
		return map[string]any{"since": since, "stats": st}, nil
	}
	return nil, httpapi.NotFound("unknown resource %q", sub)
}

func (e *endpoint) Command(ctx context.Context, command string, body json.RawMessage) (any, error) {
	switch command {
	case cmdForceCheck:
		r, err := e.p.forceCheck(ctx)
		if err != nil {
			return nil, err
		}
		return r, nil
	case cmdReloadModel:
		info, err := e.p.reload(ctx)
		if err != nil {
			return nil, httpapi.Conflict("reload failed: %v", err)
		}
		return info, nil
	case cmdTestSnapshotURL:
		var req struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, httpapi.BadRequest("invalid body: %v", err)
		}
		return e.p.testSnapshot(ctx, req.URL), nil
	}
	return nil, httpapi.BadRequest("unknown command %q", command)
}

// Greeting sends the latest status to a newly connected observer.
func (e *endpoint) Greeting() (string, any, bool) {
	v := e.p.status()
	if v.Last == nil {
		return "", nil, false
	}
	return socketEvent, pluginMessage{Plugin: Name, Data: statusMessage{Type: msgStatus, Result: *v.Last, Active: v.Active}}, true
}

func parseLimit(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, httpapi.BadRequest("limit must be a positive integer")
	}
	return min(n, maxHistoryLimit), nil
}

func (p *Plugin) status() statusView {
	r := p.settings.load()
	v := statusView{
		Model: p.models.Info(),
		Settings: settingsView{
			CheckIntervalSeconds:       int(r.interval / time.Second),
			FailureConfidenceThreshold: r.threshold,
			SnapshotSourceURL:          r.url,
			SnapshotTimeout:            r.timeout.String(),
			ModelDir:                   r.modelDir,
		},
	}
	if c := p.controller(); c != nil {
		v.Active = c.Active()
		if last, ok := c.Last(); ok {
			v.Last = &last
		}
	}
	if j := p.job.Load(); j != nil {
		v.PrintFile, v.PrintState = j.File, j.State
	}
	return v
}

func (p *Plugin) forceCheck(ctx context.Context) (detector.Result, error) {
	c := p.controller()
	if c == nil {
		return detector.Result{}, httpapi.Conflict("plugin not running")
	}
	cctx, cancel := context.WithTimeout(ctx, p.settings.load().operation)
	defer cancel()
	return c.ForceCheck(cctx), nil
}

func (p *Plugin) reload(ctx context.Context) (inference.Info, error) {
	cctx, cancel := context.WithTimeout(ctx, p.settings.load().operation)
	defer cancel()
	err := p.reloadModel(cctx)
	return p.models.Info(), err
}

type snapshotTester interface {
	Test(ctx context.Context, rawURL string) snapshot.TestResult
}

// testSnapshot probes rawURL, or the configured URL when rawURL is empty.
func (p *Plugin) testSnapshot(ctx context.Context, rawURL string) snapshot.TestResult {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		rawURL = p.settings.SnapshotURL()
	}
	if t, ok := p.camera.(snapshotTester); ok {
		return t.Test(ctx, rawURL)
	}
	res := snapshot.TestResult{URL: rawURL}
	if p.camera == nil {
		res.Error = "camera not configured"
		return res
	}
	fr, err := p.camera.Fetch(ctx, rawURL, p.settings.SnapshotTimeout())
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK, res.Bytes, res.ContentType, res.TookMS = true, len(fr.Data), fr.ContentType, fr.Took.Milliseconds()
	return res
}

func (p *Plugin) history(ctx context.Context, limit int) ([]storage.Detection, error) {
	st := p.Deps.Store
	if st == nil {
		return nil, httpapi.Conflict("%v", storage.ErrDisabled)
	}
	ds, err := st.RecentDetections(ctx, limit)
	if ds == nil {
		ds = []storage.Detection{}
	}
	return ds, err
}

func (p *Plugin) stats(ctx context.Context, since time.Time) (storage.Stats, error) {
	st := p.Deps.Store
	if st == nil {
		return storage.Stats{}, httpapi.Conflict("%v", storage.ErrDisabled)
	}
	return st.DetectionStats(ctx, since)
}
