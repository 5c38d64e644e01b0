package failuredetector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"failuredetector/internal/commands"
	"failuredetector/internal/detector"
	"failuredetector/internal/eventbus"
	"failuredetector/internal/httpapi"
	"failuredetector/internal/inference"
	"failuredetector/internal/notifier"
	"failuredetector/internal/octoprint"
	"failuredetector/internal/plugin"
	"failuredetector/internal/snapshot"
	"failuredetector/internal/storage"
	"failuredetector/internal/transport"
	logx "failuredetector/pkg/logx"
)

func pngFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(0, 0, color.RGBA{R: 10, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// writeModel writes a 2x2 uint8 linear model whose output is sigmoid(bias).
func writeModel(t *testing.T, bias float64) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		inference.ManifestFile: "name: tiny\nbackend: linear\ninput: {height: 2, width: 2, dtype: uint8}\noutput: sigmoid\n",
		inference.LabelsFile:   "ok\nfailure\n",
	}
	w, _ := json.Marshal(map[string]any{"weights": [][]float64{make([]float64, 12)}, "bias": []float64{bias}})
	files["weights.json"] = string(w)
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

type fakeCamera struct {
	frame []byte
	err   error
	calls atomic.Int32
}

func (c *fakeCamera) Fetch(_ context.Context, rawURL string, timeout time.Duration) (snapshot.Frame, error) {
	c.calls.Add(1)
	if c.err != nil {
		return snapshot.Frame{}, c.err
	}
	return snapshot.Frame{Data: c.frame, ContentType: "image/png", Took: time.Millisecond}, nil
}

type fakePauser struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakePauser) Pause(_ context.Context, reason string) error {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	f.mu.Unlock()
	return nil
}

func (f *fakePauser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

type fixedJobs struct{ job octoprint.Job }

func (f fixedJobs) Job(context.Context) (octoprint.Job, error) { return f.job, nil }

type fakeAPI struct {
	mu        sync.Mutex
	endpoints map[string]httpapi.Endpoint
	sent      []pluginMessage
}

func (a *fakeAPI) Register(name string, ep httpapi.Endpoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.endpoints == nil {
		a.endpoints = map[string]httpapi.Endpoint{}
	}
	a.endpoints[name] = ep
}

func (a *fakeAPI) Unregister(name string) {
	a.mu.Lock()
	delete(a.endpoints, name)
	a.mu.Unlock()
}

func (a *fakeAPI) Broadcast(event string, payload any) {
	if m, ok := payload.(pluginMessage); ok && event == socketEvent {
		a.mu.Lock()
		a.sent = append(a.sent, m)
		a.mu.Unlock()
	}
}

func (a *fakeAPI) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, m := range a.sent {
		switch d := m.Data.(type) {
		case statusMessage:
			out = append(out, d.Type+":"+string(d.Status))
		case postPrintMessage:
			out = append(out, d.Type+":"+d.Event)
		}
	}
	return out
}

type fakeNotifier struct {
	mu  sync.Mutex
	got []notifier.Alert
}

func (f *fakeNotifier) Notify(_ context.Context, a notifier.Alert) error {
	f.mu.Lock()
	f.got = append(f.got, a)
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) alerts() []notifier.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifier.Alert(nil), f.got...)
}

type host struct{}

func (host) AlertTarget() transport.ChatTarget { return transport.ChatTarget{ChatID: 7} }
func (host) PrinterPoll() time.Duration        { return 20 * time.Millisecond }

type env struct {
	p      *Plugin
	cam    *fakeCamera
	pause  *fakePauser
	api    *fakeAPI
	notify *fakeNotifier
	store  storage.Store
	bus    eventbus.Bus
}

func newEnv(t *testing.T, jobs octoprint.JobSource) *env {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "fd.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	e := &env{
		p:      New(),
		cam:    &fakeCamera{frame: pngFrame(t)},
		pause:  &fakePauser{},
		api:    &fakeAPI{},
		notify: &fakeNotifier{},
		store:  st,
		bus:    eventbus.New(),
	}
	e.p.camera, e.p.pauser, e.p.jobs = e.cam, e.pause, jobs
	deps := plugin.Deps{Logger: logx.Nop(), Bus: e.bus, Store: st, Notifier: e.notify, API: e.api, Host: host{}}
	if err := e.p.Init(context.Background(), deps); err != nil {
		t.Fatal(err)
	}
	return e
}

func (e *env) start(t *testing.T, cfg string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.p.OnConfigChange(ctx, json.RawMessage(cfg)); err != nil {
		t.Fatal(err)
	}
	if err := e.p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = e.p.Stop(sctx)
		cancel()
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func modelConfig(dir string, threshold float64) string {
	b, _ := json.Marshal(map[string]any{
		"check_interval_seconds":       10,
		"failure_confidence_threshold": threshold,
		"snapshot_source_url":          "http://camera.local/snapshot",
		"model_dir":                    dir,
	})
	return string(b)
}

func TestResolveConfig(t *testing.T) {
	half := 0.5
	tooHigh := 1.5
	cases := []struct {
		name    string
		cfg     Config
		wantErr string
		check   func(t *testing.T, r resolved)
	}{
		{name: "defaults", check: func(t *testing.T, r resolved) {
			if r.interval != detector.DefaultCheckInterval || r.threshold != detector.DefaultFailureThreshold {
				t.Fatalf("resolved = %+v", r)
			}
			if r.timeout != snapshot.DefaultTimeout || r.pruneSpec != defaultPruneSchedule || !r.alertErrors {
				t.Fatalf("resolved = %+v", r)
			}
		}},
		{name: "explicit", cfg: Config{CheckIntervalSeconds: 3, FailureConfidenceThreshold: &half, SnapshotTimeout: "1s"}, check: func(t *testing.T, r resolved) {
			if r.interval != 3*time.Second || r.threshold != 0.5 || r.timeout != snapshot.MinTimeout {
				t.Fatalf("resolved = %+v", r)
			}
		}},
		{name: "threshold range", cfg: Config{FailureConfidenceThreshold: &tooHigh}, wantErr: "failure_confidence_threshold"},
		{name: "negative interval", cfg: Config{CheckIntervalSeconds: -1}, wantErr: "check_interval_seconds"},
		{name: "bad duration", cfg: Config{HistoryRetention: "forever"}, wantErr: "history_retention"},
		{name: "bad schedule", cfg: Config{SummarySchedule: "whenever"}, wantErr: "summary_schedule"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := resolve(tc.cfg)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			tc.check(t, r)
		})
	}
}

func TestValidateConfigRejectsUnknownFields(t *testing.T) {
	p := New()
	if err := p.ValidateConfig(context.Background(), json.RawMessage(`{"snapshot_url":"x"}`)); err == nil {
		t.Fatal("unknown field accepted")
	}
	if err := p.ValidateConfig(context.Background(), json.RawMessage(`{"timeouts":{"command":"5s"}}`)); err != nil {
		t.Fatal(err)
	}
}

func TestSettingsAreLive(t *testing.T) {
	var s liveSettings
	if s.CheckInterval() != detector.DefaultCheckInterval {
		t.Fatalf("default interval = %v", s.CheckInterval())
	}
	r, _ := resolve(Config{CheckIntervalSeconds: 42, SnapshotSourceURL: " http://x "})
	s.store(r)
	if s.CheckInterval() != 42*time.Second || s.SnapshotURL() != "http://x" {
		t.Fatalf("interval=%v url=%q", s.CheckInterval(), s.SnapshotURL())
	}
}

func TestPrintStartedDetectsFailureAndPauses(t *testing.T) {
	e := newEnv(t, fixedJobs{octoprint.Job{State: "Printing", File: "benchy.gcode"}})
	events, unsub := e.bus.Subscribe(eventbus.TopicStatus, 16)
	defer unsub()

	// sigmoid(3) is about 0.95.
	e.start(t, modelConfig(writeModel(t, 3), 0.8))

	waitFor(t, "pause", func() bool { return e.pause.count() == 1 })
	waitFor(t, "alert", func() bool { return len(e.notify.alerts()) == 1 })

	var statuses []string
	for len(statuses) < 2 {
		select {
		case ev := <-events:
			statuses = append(statuses, string(ev.Data.(detector.Result).Status))
		case <-time.After(2 * time.Second):
			t.Fatalf("statuses = %v", statuses)
		}
	}
	if strings.Join(statuses, ",") != "checking,failure" {
		t.Fatalf("statuses = %v", statuses)
	}
	if e.p.controller().Active() {
		t.Fatal("monitoring should stop after a failure")
	}
	if e.pause.reasons[0] != detector.PauseReason {
		t.Fatalf("pause reason = %q", e.pause.reasons[0])
	}

	a := e.notify.alerts()[0]
	if a.Priority != notifier.PriorityFailure || len(a.Photo) == 0 || a.Target.ChatID != 7 {
		t.Fatalf("alert = %+v", a)
	}
	if !strings.Contains(a.Text, "benchy.gcode") || !strings.Contains(a.Text, "paused") {
		t.Fatalf("alert text = %q", a.Text)
	}

	var ds []storage.Detection
	waitFor(t, "history", func() bool {
		ds, _ = e.store.RecentDetections(context.Background(), 10)
		return len(ds) == 1
	})
	if ds[0].Status != "failure" || !ds[0].Paused || ds[0].JobFile != "benchy.gcode" || ds[0].ID == "" {
		t.Fatalf("detection = %+v", ds[0])
	}
	if got := e.api.types(); len(got) < 2 || got[0] != "status:checking" || got[1] != "status:failure" {
		t.Fatalf("broadcasts = %v", got)
	}
}

func TestIdleCycleDoesNotPause(t *testing.T) {
	e := newEnv(t, fixedJobs{octoprint.Job{State: "Printing"}})
	// sigmoid(-3) is about 0.05.
	e.start(t, modelConfig(writeModel(t, -3), 0.8))

	waitFor(t, "idle result", func() bool {
		c := e.p.controller()
		if c == nil {
			return false
		}
		r, ok := c.Last()
		return ok && r.Status == detector.StatusIdle
	})
	if e.pause.count() != 0 || len(e.notify.alerts()) != 0 {
		t.Fatalf("pauses=%d alerts=%d", e.pause.count(), len(e.notify.alerts()))
	}
	if !e.p.controller().Active() {
		t.Fatal("monitoring should continue")
	}
}

func TestPrintEndRequestsReportDialog(t *testing.T) {
	e := newEnv(t, nil)
	events, unsub := e.bus.Subscribe(eventbus.TopicPostPrint, 4)
	defer unsub()
	e.start(t, modelConfig(writeModel(t, 0), 0.8))

	e.p.onPrintEvent(octoprint.EventDone, octoprint.Job{State: "Operational", File: "cube.gcode", Completion: 100})

	select {
	case ev := <-events:
		m := ev.Data.(postPrintMessage)
		if m.Type != msgPostPrintDialog || m.Event != "Done" || m.File != "cube.gcode" {
			t.Fatalf("message = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("no post print event")
	}
	got := e.api.types()
	if len(got) != 2 || got[0] != "status:idle" || got[1] != "show_post_print_dialog:Done" {
		t.Fatalf("broadcasts = %v", got)
	}
}

func TestEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	e.start(t, modelConfig(writeModel(t, 3), 0.99))
	ep := &endpoint{p: e.p}
	ctx := context.Background()

	out, err := ep.Command(ctx, cmdForceCheck, json.RawMessage(`{"command":"force_check"}`))
	if err != nil {
		t.Fatal(err)
	}
	if r := out.(detector.Result); r.Status != detector.StatusIdle || r.Source != detector.SourceManual {
		t.Fatalf("force check = %+v", r)
	}

	st, err := ep.Get(ctx, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	v := st.(statusView)
	if v.Active || v.Last == nil || !v.Model.Loaded || v.Settings.FailureConfidenceThreshold != 0.99 {
		t.Fatalf("status = %+v", v)
	}

	waitFor(t, "history", func() bool {
		out, err := ep.Get(ctx, "history", url.Values{"limit": {"5"}})
		return err == nil && len(out.(map[string]any)["detections"].([]storage.Detection)) == 1
	})

	_, err = ep.Get(ctx, "history", url.Values{"limit": {"zero"}})
	var he *httpapi.Error
	if !errors.As(err, &he) || he.Status != 400 {
		t.Fatalf("bad limit err = %v", err)
	}
	if _, err := ep.Get(ctx, "nope", nil); !errors.As(err, &he) || he.Status != 404 {
		t.Fatalf("unknown sub err = %v", err)
	}

	out, err = ep.Command(ctx, cmdTestSnapshotURL, json.RawMessage(`{"command":"test_snapshot_url"}`))
	if err != nil {
		t.Fatal(err)
	}
	if tr := out.(snapshot.TestResult); !tr.OK || tr.URL != "http://camera.local/snapshot" {
		t.Fatalf("test result = %+v", tr)
	}

	e.p.models.SetDir(t.TempDir())
	if _, err := ep.Command(ctx, cmdReloadModel, nil); !errors.As(err, &he) || he.Status != 409 {
		t.Fatalf("reload err = %v", err)
	}
	if e.p.models.Loaded() {
		t.Fatal("failed reload must leave the model unloaded")
	}

	if ev, _, ok := ep.Greeting(); !ok || ev != socketEvent {
		t.Fatalf("greeting = %q %v", ev, ok)
	}
}

type chatAdapter struct {
	mu     sync.Mutex
	texts  []string
	photos int
}

func (a *chatAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *chatAdapter) Stop(context.Context) error                           { return nil }

func (a *chatAdapter) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	a.texts = append(a.texts, text)
	a.mu.Unlock()
	return transport.MessageRef{}, nil
}

func (a *chatAdapter) SendPhoto(context.Context, transport.ChatTarget, transport.Photo, *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	a.photos++
	a.mu.Unlock()
	return transport.MessageRef{}, nil
}

func TestChatCommands(t *testing.T) {
	e := newEnv(t, nil)
	e.start(t, modelConfig(writeModel(t, -3), 0.8))
	ad := &chatAdapter{}
	ctx := context.Background()
	req := func(args ...string) *commands.Request {
		return &commands.Request{Adapter: ad, Args: args, Chat: transport.ChatTarget{ChatID: 1}}
	}

	if err := e.p.handleCheck(ctx, req()); err != nil {
		t.Fatal(err)
	}
	if ad.photos != 1 {
		t.Fatalf("photos = %d", ad.photos)
	}
	if err := e.p.handleStatus(ctx, req()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "history", func() bool {
		ds, _ := e.store.RecentDetections(ctx, 5)
		return len(ds) == 1
	})
	if err := e.p.handleHistory(ctx, req("3")); err != nil {
		t.Fatal(err)
	}
	if err := e.p.handleReload(ctx, req()); err != nil {
		t.Fatal(err)
	}

	ad.mu.Lock()
	defer ad.mu.Unlock()
	if len(ad.texts) != 3 {
		t.Fatalf("texts = %q", ad.texts)
	}
	if !strings.Contains(ad.texts[0], "Model: tiny") || !strings.Contains(ad.texts[1], "Last 1 detections") || !strings.Contains(ad.texts[2], "Model reloaded") {
		t.Fatalf("texts = %q", ad.texts)
	}

	names := map[string]bool{}
	for _, c := range e.p.Commands() {
		names[c.Name] = c.Access == commands.AccessOwnerOnly
	}
	for _, n := range []string{"fd_status", "fd_check", "fd_history", "fd_reload"} {
		if !names[n] {
			t.Fatalf("command %s missing or not owner-only", n)
		}
	}
}

func TestPruneHistory(t *testing.T) {
	e := newEnv(t, nil)
	e.start(t, `{"history_retention":"1h"}`)
	ctx := context.Background()
	old := storage.Detection{ID: "old", At: time.Now().Add(-2 * time.Hour), Status: "idle"}
	fresh := storage.Detection{ID: "new", At: time.Now(), Status: "idle"}
	for _, d := range []storage.Detection{old, fresh} {
		if err := e.store.AppendDetection(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.p.pruneHistory(ctx); err != nil {
		t.Fatal(err)
	}
	ds, err := e.store.RecentDetections(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 1 || ds[0].ID != "new" {
		t.Fatalf("after prune = %+v", ds)
	}

	if err := e.p.sendSummary(ctx); err != nil {
		t.Fatal(err)
	}
	a := e.notify.alerts()
	if len(a) != 1 || !strings.Contains(a[0].Text, "Checks: 1") {
		t.Fatalf("summary = %+v", a)
	}
}
