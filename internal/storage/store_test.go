package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "failuredetector/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{}
	for _, driver := range []string{"file", "sqlite"} {
		st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "fd.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s): %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func prob(v float64) *float64 { return &v }

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", "off"} {
		st, err := Open(Config{Driver: d}, logx.Logger{})
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
}

func TestDetectionHistory(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			records := []Detection{
				{ID: "a", At: base, Status: "idle", Probability: prob(0.1), Source: "scheduled"},
				{ID: "b", At: base.Add(time.Minute), Status: "error", ErrorDetail: "timeout"},
				{ID: "c", At: base.Add(2 * time.Minute), Status: "failure", Probability: prob(0.93), Paused: true},
			}
			for _, d := range records {
				if err := st.AppendDetection(ctx, d); err != nil {
					t.Fatalf("AppendDetection: %v", err)
				}
			}

			recent, err := st.RecentDetections(ctx, 2)
			if err != nil {
				t.Fatalf("RecentDetections: %v", err)
			}
			if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
				t.Fatalf("recent = %+v", recent)
			}
			if recent[0].Probability == nil || *recent[0].Probability != 0.93 || !recent[0].Paused {
				t.Fatalf("failure record lost fields: %+v", recent[0])
			}
			if recent[1].Probability != nil || recent[1].ErrorDetail != "timeout" {
				t.Fatalf("error record = %+v", recent[1])
			}

			stats, err := st.DetectionStats(ctx, base.Add(30*time.Second))
			if err != nil {
				t.Fatalf("DetectionStats: %v", err)
			}
			want := Stats{Total: 2, Failures: 1, Errors: 1, Pauses: 1, MaxProbability: 0.93}
			if stats != want {
				t.Fatalf("stats = %+v, want %+v", stats, want)
			}

			n, err := st.PruneDetections(ctx, base.Add(90*time.Second))
			if err != nil || n != 2 {
				t.Fatalf("PruneDetections = %d, %v", n, err)
			}
			left, _ := st.RecentDetections(ctx, 10)
			if len(left) != 1 || left[0].ID != "c" {
				t.Fatalf("after prune = %+v", left)
			}
			if err := st.AppendDetection(ctx, Detection{ID: "d", At: base.Add(3 * time.Minute), Status: "idle"}); err != nil {
				t.Fatalf("append after prune: %v", err)
			}
		})
	}
}

func TestDedup(t *testing.T) {
	ctx := context.Background()
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := st.GetDedup(ctx, "k"); ok || err != nil {
				t.Fatalf("empty GetDedup = %v, %v", ok, err)
			}
			if err := st.PutDedup(ctx, "k", until); err != nil {
				t.Fatal(err)
			}
			got, ok, err := st.GetDedup(ctx, "k")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup = %v, %v, %v", got, ok, err)
			}
		})
	}
}

func TestFileDedupSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fd.store")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	_ = st.PutDedup(ctx, "live", until)
	_ = st.PutDedup(ctx, "expired", time.Now().Add(-time.Hour))
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if _, ok, _ := st.GetDedup(ctx, "live"); !ok {
		t.Fatal("live key lost across reopen")
	}
	if _, ok, _ := st.GetDedup(ctx, "expired"); ok {
		t.Fatal("expired key should be pruned on open")
	}
}
