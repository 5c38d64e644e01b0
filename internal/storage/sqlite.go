package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "failuredetector/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite out of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log, pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendDetection(ctx context.Context, d Detection) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO detections(id, at_ms, status, probability, snapshot_ref, error_detail, source, job_file, paused)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		d.ID, d.At.UnixMilli(), d.Status, nullFloat(d.Probability), nullStr(d.SnapshotRef),
		nullStr(d.ErrorDetail), nullStr(d.Source), nullStr(d.JobFile), d.Paused,
	)
	return err
}

func (s *sqliteStore) RecentDetections(ctx context.Context, limit int) ([]Detection, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at_ms, status, probability, snapshot_ref, error_detail, source, job_file, paused
		 FROM detections ORDER BY at_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DetectionStats(ctx context.Context, since time.Time) (Stats, error) {
	var st Stats
	var maxP sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(status = 'idle'), 0),
		        COALESCE(SUM(status = 'failure'), 0),
		        COALESCE(SUM(status = 'error'), 0),
		        COALESCE(SUM(paused), 0),
		        MAX(probability)
		 FROM detections WHERE at_ms >= ?`, since.UnixMilli(),
	).Scan(&st.Total, &st.Idle, &st.Failures, &st.Errors, &st.Pauses, &maxP)
	if err != nil {
		return Stats{}, err
	}
	st.MaxProbability = maxP.Float64
	return st, nil
}

func (s *sqliteStore) PruneDetections(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM detections WHERE at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if _, perr := s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli()); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func scanDetection(rows *sql.Rows) (Detection, error) {
	var (
		d                          Detection
		atMS                       int64
		prob                       sql.NullFloat64
		snap, detail, source, file sql.NullString
	)
	if err := rows.Scan(&d.ID, &atMS, &d.Status, &prob, &snap, &detail, &source, &file, &d.Paused); err != nil {
		return Detection{}, err
	}
	d.At = time.UnixMilli(atMS)
	if prob.Valid {
		p := prob.Float64
		d.Probability = &p
	}
	d.SnapshotRef = snap.String
	d.ErrorDetail = detail.String
	d.Source = source.String
	d.JobFile = file.String
	return d, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
