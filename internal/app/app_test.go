package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"failuredetector/internal/config"
	"failuredetector/internal/transport"
)

func TestMapNotifierConfig(t *testing.T) {
	got, err := mapNotifierConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled || got.DedupWindow != 10*time.Minute || got.RetryBase != 500*time.Millisecond {
		t.Fatalf("defaults = %+v", got)
	}

	_, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Enabled: true, DedupWindow: "soon"}})
	if err == nil {
		t.Fatal("bad duration should fail")
	}
}

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	if err != nil || sc.Driver != "" {
		t.Fatalf("omitted storage = %+v, %v", sc, err)
	}
	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: " SQLite ", Path: "fd.db"}})
	if err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != time.Second {
		t.Fatalf("sqlite = %+v, %v", sc, err)
	}
}

func TestMapListenAddrDefaults(t *testing.T) {
	cfg := &config.Config{}
	if got := mapHTTPConfig(cfg).Addr; got != config.DefaultHTTPAddr {
		t.Fatalf("http addr = %q", got)
	}
	if got := mapMetricsConfig(cfg).Addr; got != config.DefaultMetricsAddr {
		t.Fatalf("metrics addr = %q", got)
	}
}

func TestHostFollowsConfig(t *testing.T) {
	h := newHost(&config.Config{})
	if !h.AlertTarget().IsZero() || h.PrinterPoll() != config.DefaultPollInterval {
		t.Fatalf("zero config host = %+v %v", h.AlertTarget(), h.PrinterPoll())
	}
	h.apply(&config.Config{
		Printer:  config.PrinterConfig{PollInterval: "5s"},
		Telegram: config.TelegramConfig{AlertChatID: -100, AlertThreadID: 3},
	})
	if got := h.AlertTarget(); got.ChatID != -100 || got.ThreadID != 3 {
		t.Fatalf("target = %+v", got)
	}
	if h.PrinterPoll() != 5*time.Second {
		t.Fatalf("poll = %v", h.PrinterPoll())
	}
}

type recordingAdapter struct {
	mu   sync.Mutex
	sent []transport.ChatTarget
}

func (r *recordingAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (r *recordingAdapter) Stop(context.Context) error                           { return nil }

func (r *recordingAdapter) SendText(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, to)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (r *recordingAdapter) SendPhoto(context.Context, transport.ChatTarget, transport.Photo, *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, errors.New("unexpected photo")
}

func TestChatLogNeedsTarget(t *testing.T) {
	ad := &recordingAdapter{}
	h := newHost(&config.Config{})
	sink := chatLog{adapter: ad, host: h}
	ctx := context.Background()

	if err := sink.SendLog(ctx, "dropped"); err != nil {
		t.Fatal(err)
	}
	h.apply(&config.Config{Telegram: config.TelegramConfig{AlertChatID: 9}})
	if err := sink.SendLog(ctx, "sent"); err != nil {
		t.Fatal(err)
	}
	if len(ad.sent) != 1 || ad.sent[0].ChatID != 9 {
		t.Fatalf("sent = %+v", ad.sent)
	}
}

const baseConfig = `{
  "logging": {"level": "error"},
  "storage": {"driver": "file", "path": %q},
  "telegram": {"alert_chat_id": %d},
  "plugins": {}
}`

func writeConfig(t *testing.T, path, store string, chat int64) {
	t.Helper()
	b := []byte(fmt.Sprintf(baseConfig, store, chat))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestAppLifecycleAndReload(t *testing.T) {
	t.Setenv(config.EnvTelegramToken, "")
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	store := filepath.Join(dir, "fd.db")
	writeConfig(t, path, store, 1)

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.adapter != nil {
		t.Fatal("adapter should be off without a token")
	}
	if a.store == nil {
		t.Fatal("file storage should be open")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-a.Done():
		t.Fatalf("app stopped early: %v", a.Err())
	default:
	}

	// the watcher may not be attached yet, so keep touching the file
	deadline := time.Now().Add(5 * time.Second)
	for a.host.AlertTarget().ChatID != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("alert target not reloaded: %+v", a.host.AlertTarget())
		}
		writeConfig(t, path, store, 2)
		time.Sleep(300 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
}
