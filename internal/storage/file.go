package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "failuredetector/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps everything in plain files next to cfg.Path:
//   - <prefix>.detections.jsonl     append-only history
//   - <prefix>.dedup.snapshot.json  dedup snapshot
//   - <prefix>.dedup.journal.jsonl  dedup journal, folded into the snapshot periodically
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	historyPath string
	history     *os.File

	snapshotPath string
	journal      *os.File
	dedup        map[string]int64 // unix milli
	dedupWrites  int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	prefix := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	s := &fileStore{
		log:          log,
		historyPath:  prefix + ".detections.jsonl",
		snapshotPath: prefix + ".dedup.snapshot.json",
		dedup:        map[string]int64{},
	}
	hf, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.history = hf

	journalPath := prefix + ".dedup.journal.jsonl"
	_ = loadDedupSnapshot(s.snapshotPath, s.dedup)
	_ = replayDedupJournal(journalPath, s.dedup)
	pruneExpiredDedup(s.dedup, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = hf.Close()
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.history != nil {
		errs = append(errs, s.history.Close())
		s.history = nil
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendDetection(_ context.Context, d Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		return ErrDisabled
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	return json.NewEncoder(s.history).Encode(d)
}

// scanHistoryLocked calls fn for every decodable record, oldest first. Corrupt lines are skipped.
func (s *fileStore) scanHistoryLocked(fn func(Detection)) error {
	f, err := os.Open(s.historyPath)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var d Detection
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			continue
		}
		fn(d)
	}
	return sc.Err()
}

func (s *fileStore) RecentDetections(_ context.Context, limit int) ([]Detection, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := make([]Detection, 0, limit)
	err := s.scanHistoryLocked(func(d Detection) {
		if len(ring) == limit {
			ring = ring[1:]
		}
		ring = append(ring, d)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ring, func(i, j int) bool { return ring[i].At.After(ring[j].At) })
	return ring, nil
}

func (s *fileStore) DetectionStats(_ context.Context, since time.Time) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	err := s.scanHistoryLocked(func(d Detection) {
		if !d.At.Before(since) {
			st.add(d)
		}
	})
	return st, err
}

// PruneDetections rewrites the history file without records older than before.
func (s *fileStore) PruneDetections(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		return 0, ErrDisabled
	}

	tmp := s.historyPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(out)
	removed := 0
	var encErr error
	err = s.scanHistoryLocked(func(d Detection) {
		if d.At.Before(before) {
			removed++
			return
		}
		if encErr == nil {
			encErr = enc.Encode(d)
		}
	})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = encErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if removed == 0 {
		_ = os.Remove(tmp)
		return 0, nil
	}

	_ = s.history.Close()
	s.history = nil
	if err := os.Rename(tmp, s.historyPath); err != nil {
		return 0, err
	}
	hf, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return removed, err
	}
	s.history = hf
	return removed, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrDisabled
	}
	ms := until.UnixMilli()
	s.dedup[key] = ms
	if err := json.NewEncoder(s.journal).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup, time.Now())
	tmp := s.snapshotPath + ".tmp"
	b, err := json.Marshal(s.dedup)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m {
		if v < cut {
			delete(m, k)
		}
	}
}
