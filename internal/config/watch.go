package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "failuredetector/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	watchRetryMin  = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// debouncer collapses a burst of calls into one fn call after a quiet period.
type debouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	wait  time.Duration
	fn    func()
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Watch follows the directory holding the config file and reloads on change
// until ctx ends. A broken watcher is rebuilt with jittered exponential backoff.
// Editors that replace the file by rename are handled because the directory is watched.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	log := m.log.With(logx.String("dir", dir))
	deb := &debouncer{wait: reloadDebounce, fn: func() { m.reload(ctx) }}
	defer deb.stop()

	retry := watchRetryMin
	pause := func(msg string, err error) bool {
		wait := retry + rand.N(retry/2+1)
		retry = min(2*retry, watchRetryMax)
		log.Warn(msg, logx.Err(err), logx.Duration("retry_in", wait))
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			if !pause("config watch setup failed", err) {
				break
			}
			continue
		}

		retry = watchRetryMin
		log.Debug("watching config", logx.String("file", file))
		err = m.pump(ctx, w, file, deb.trigger)
		_ = w.Close()
		if ctx.Err() != nil || !pause("config watcher broke; rebuilding", err) {
			break
		}
	}
	return nil
}

// pump forwards events for file to onChange until ctx ends or w breaks.
func (m *ConfigManager) pump(ctx context.Context, w *fsnotify.Watcher, file string, onChange func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("fsnotify events closed")
			}
			if ev.Op&relevantOps != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				onChange()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errors.New("fsnotify errors closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				onChange()
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
