package snapshot

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestFetch(t *testing.T) {
	img := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("_t") == "" || r.URL.Query().Get("action") != "snapshot" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		_, _ = w.Write(img)
	}))
	defer srv.Close()

	fr, err := NewFetcher(srv.Client()).Fetch(context.Background(), srv.URL+"/webcam/?action=snapshot", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(fr.Data, img) || fr.ContentType != "image/png" {
		t.Fatalf("frame = %d bytes %q", len(fr.Data), fr.ContentType)
	}
}

func TestFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/404":
			http.NotFound(w, r)
		case "/html":
			_, _ = w.Write([]byte("<html>camera offline</html>"))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		}
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client())
	cases := map[string]string{
		"":                "empty",
		"ftp://cam/x":     "scheme",
		srv.URL + "/404":  "http 404",
		srv.URL + "/html": "not an image",
		srv.URL + "/slow": "deadline",
	}
	for u, want := range cases {
		_, err := f.Fetch(context.Background(), u, 50*time.Millisecond)
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("Fetch(%q) err = %v, want containing %q", u, err, want)
		}
	}
}

func TestClampTimeout(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:               DefaultTimeout,
		time.Second:     MinTimeout,
		7 * time.Second: 7 * time.Second,
		time.Minute:     MaxTimeout,
	}
	for in, want := range cases {
		if got := ClampTimeout(in); got != want {
			t.Errorf("ClampTimeout(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestTestReportsFailure(t *testing.T) {
	res := NewFetcher(nil).Test(context.Background(), "")
	if res.OK || res.Error == "" {
		t.Fatalf("res = %+v", res)
	}
}
