package commands

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"failuredetector/internal/transport"
	"failuredetector/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
	menu []transport.BotCommand
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }

func (f *fakeAdapter) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return transport.MessageRef{}, nil
}

func (f *fakeAdapter) SendPhoto(context.Context, transport.ChatTarget, transport.Photo, *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []transport.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitSent(t *testing.T, f *fakeAdapter, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range f.messages() {
			if strings.Contains(m, substr) {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no message containing %q; got %v", substr, f.messages())
}

func msg(from int64, text string) transport.Update {
	return transport.Update{Message: &transport.Message{ChatID: 1, FromID: from, Text: text}}
}

func TestRouterDispatch(t *testing.T) {
	ad := &fakeAdapter{}
	r := NewRouter(logx.Nop(), ad, []int64{42})

	got := make(chan *Request, 1)
	r.SetCommands([]Command{{
		Name:        "fd_history",
		Aliases:     []string{"fdh"},
		Description: "recent detections",
		Access:      AccessOwnerOnly,
		Handle: func(_ context.Context, req *Request) error {
			got <- req
			return nil
		},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan transport.Update, 4)
	done := make(chan error, 1)
	go func() { done <- r.Dispatch(ctx, updates) }()

	updates <- msg(7, "/fd_history 5")
	waitSent(t, ad, "unauthorized")

	updates <- msg(42, `/fdh@printer_bot 5 --status "failure"`)
	select {
	case req := <-got:
		if req.Command != "fd_history" || len(req.Args) != 1 || req.Args[0] != "5" || req.Flags["status"] != "failure" {
			t.Fatalf("req=%+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	updates <- msg(7, "/nope")
	waitSent(t, ad, "unknown command")

	updates <- msg(7, "/help")
	waitSent(t, ad, "/fd_history")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestHandlerErrorIsReplied(t *testing.T) {
	ad := &fakeAdapter{}
	r := NewRouter(logx.Nop(), ad, nil)
	r.SetCommands([]Command{{
		Name:   "boom",
		Handle: func(context.Context, *Request) error { panic("kaboom") },
	}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan transport.Update, 1)
	go func() { _ = r.Dispatch(ctx, updates) }()

	updates <- msg(1, "/boom")
	waitSent(t, ad, "panic: kaboom")
}

func TestTokenizeAndFlags(t *testing.T) {
	toks := tokenize(`/cmd a "b c" 'd e' f\ g --k=v --n 3 --dry`)
	want := []string{"/cmd", "a", "b c", "d e", "f g", "--k=v", "--n", "3", "--dry"}
	if strings.Join(toks, "|") != strings.Join(want, "|") {
		t.Fatalf("tokens=%q", toks)
	}
	pos, flags, bools := parseFlags(toks[1:])
	if len(pos) != 4 || flags["k"] != "v" || flags["n"] != "3" || !bools["dry"] {
		t.Fatalf("pos=%v flags=%v bools=%v", pos, flags, bools)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"fd_status":             "fd_status",
		"FD-Check":              "fd_check",
		"/fd reload":            "fd_reload",
		"9lives":                "cmd_9lives",
		"a__b":                  "a_b",
		"$$$":                   "",
		strings.Repeat("x", 40): strings.Repeat("x", 32),
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Fatalf("sanitizeName(%q)=%q want %q", in, got, want)
		}
	}
}
