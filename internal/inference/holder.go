package inference

import (
	"context"
	"sync"
	"sync/atomic"

	"failuredetector/pkg/logx"
)

// Holder owns the current engine. Readers take a snapshot with Engine and keep using it
// even if a reload swaps it out.
type Holder struct {
	dir string
	log logx.Logger

	cur     atomic.Pointer[Engine]
	mu      sync.Mutex // serializes Load
	lastErr atomic.Pointer[string]
}

func NewHolder(dir string, log logx.Logger) *Holder {
	return &Holder{dir: dir, log: log.With(logx.String("comp", "inference"))}
}

// Engine returns the loaded engine or nil.
func (h *Holder) Engine() *Engine {
	if h == nil {
		return nil
	}
	return h.cur.Load()
}

func (h *Holder) Loaded() bool { return h.Engine() != nil }

func (h *Holder) Dir() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dir
}

// SetDir changes the directory used by the next Load.
func (h *Holder) SetDir(dir string) {
	h.mu.Lock()
	h.dir = dir
	h.mu.Unlock()
}

// Load (re)loads the model. A failed load leaves the holder unloaded until the next
// successful Load.
func (h *Holder) Load(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, err := Load(ctx, h.dir)
	if err != nil {
		h.swap(nil)
		msg := err.Error()
		h.lastErr.Store(&msg)
		h.log.Error("model load failed", logx.String("dir", h.dir), logx.Err(err))
		return err
	}
	h.swap(e)
	h.lastErr.Store(nil)
	h.log.Info("model loaded",
		logx.String("dir", h.dir),
		logx.String("name", e.Name()),
		logx.String("backend", e.backendName),
		logx.Int("labels", len(e.labels)),
		logx.Int("failure_index", e.failureIndex),
		logx.Int("height", e.input.Height),
		logx.Int("width", e.input.Width),
		logx.String("dtype", string(e.input.DType)),
	)
	return nil
}

// Set installs an engine directly. Passing nil unloads.
func (h *Holder) Set(e *Engine) {
	h.mu.Lock()
	h.swap(e)
	h.lastErr.Store(nil)
	h.mu.Unlock()
}

func (h *Holder) swap(e *Engine) {
	old := h.cur.Swap(e)
	if old != nil && old != e {
		// In-flight cycles may still hold old; only idle connections are dropped.
		_ = old.Close()
	}
}

func (h *Holder) Info() Info {
	if e := h.Engine(); e != nil {
		return e.Info()
	}
	info := Info{Dir: h.Dir(), FailureIndex: -1}
	if p := h.lastErr.Load(); p != nil {
		info.Error = *p
	} else {
		info.Error = ErrNotLoaded.Error()
	}
	return info
}
