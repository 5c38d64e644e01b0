package octoprint

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "failuredetector/pkg/logx"
)

func TestClientJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "secret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.Method != http.MethodGet || r.URL.Path != "/api/job" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"job":{"file":{"name":"benchy.gcode"}},"progress":{"completion":42.5,"printTime":120},"state":"Printing"}`))
	}))
	defer srv.Close()

	job, err := NewClient(srv.URL+"/", "secret", time.Second).Job(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := Job{State: "Printing", File: "benchy.gcode", Completion: 42.5, PrintTime: 120}
	if job != want {
		t.Fatalf("job = %+v, want %+v", job, want)
	}

	if _, err := NewClient(srv.URL, "wrong", time.Second).Job(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bad key err = %v", err)
	}
}

func TestClientPause(t *testing.T) {
	var calls int
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["command"] != "pause" || body["action"] != "pause" {
			t.Errorf("body = %v", body)
		}
		if got := r.Header.Get(PauseReasonHeader); got != "ai_failure_detection" {
			t.Errorf("reason header = %q", got)
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second)
	if err := c.Pause(context.Background(), "ai_failure_detection"); err != nil {
		t.Fatal(err)
	}
	status = http.StatusConflict
	if err := c.Pause(context.Background(), "ai_failure_detection"); !errors.Is(err, ErrNotPrinting) {
		t.Fatalf("409 err = %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d", calls)
	}
}

type scriptedSource struct {
	jobs []Job
	i    int
}

func (s *scriptedSource) Job(context.Context) (Job, error) {
	if s.i >= len(s.jobs) {
		return Job{}, errors.New("exhausted")
	}
	j := s.jobs[s.i]
	s.i++
	if j.State == "ERR" {
		return Job{}, errors.New("transient")
	}
	return j, nil
}

func TestWatcherTransitions(t *testing.T) {
	cases := []struct {
		name string
		seq  []Job
		want []Event
	}{
		{"completed print", []Job{
			{State: "Operational"}, {State: "Printing"}, {State: "Paused"}, {State: "Printing"},
			{State: "Operational", Completion: 100},
		}, []Event{EventStarted, EventDone}},
		{"cancel through cancelling", []Job{
			{State: "Operational"}, {State: "Printing"}, {State: "Cancelling"}, {State: "Operational"},
		}, []Event{EventStarted, EventCancelled}},
		{"error", []Job{
			{State: "Operational"}, {State: "Printing"}, {State: "Offline after error"},
		}, []Event{EventStarted, EventFailed}},
		{"stopped early", []Job{
			{State: "Operational"}, {State: "Printing", Completion: 40}, {State: "Operational", Completion: 40},
		}, []Event{EventStarted, EventCancelled}},
		{"attach mid-print and ignore poll errors", []Job{
			{State: "Printing"}, {State: "ERR"}, {State: "Printing"}, {State: "Operational", Completion: 100},
		}, []Event{EventStarted, EventDone}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got []Event
			w := NewWatcher(&scriptedSource{jobs: tc.seq}, time.Second, logx.Nop(), func(e Event, _ Job) { got = append(got, e) })
			for range tc.seq {
				w.Poll(context.Background())
			}
			if len(got) != len(tc.want) {
				t.Fatalf("events = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("events = %v, want %v", got, tc.want)
				}
			}
		})
	}
}
