// Package trackstore persists track tables and row verdicts in SQLite for
// command-line callers. One process holds the store at a time.
package trackstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"warwatch/internal/engine"
	"warwatch/internal/screen"
	"warwatch/internal/track"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped when schema.sql changes.
const schemaVersion = 1

var (
	// ErrSchemaMismatch indicates a database written by another version.
	ErrSchemaMismatch = errors.New("schema version mismatch")
	// ErrLocked indicates another process holds the store.
	ErrLocked = errors.New("track store is locked by another process")
)

// Store is a SQLite-backed track store.
type Store struct {
	db   *sql.DB
	path string
	lock *flock.Flock
}

// Open creates or opens the database at path and takes its lock.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure store directory: %w", err)
	}
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path, lock: lock}
	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database and releases the lock.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Summary describes one stored table.
type Summary struct {
	Side      screen.WarSide
	Revision  int
	Tracks    int
	UpdatedAt time.Time
}

// Load returns the stored table for side, or an empty table and revision
// 0 when none has been saved.
func (s *Store) Load(ctx context.Context, side screen.WarSide) (*track.Table, int, error) {
	var (
		body     string
		revision int
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT body, revision FROM track_tables WHERE war = ? AND side = ?",
		side.War, side.Side,
	).Scan(&body, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return track.NewTable(), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load table %s: %w", side, err)
	}
	t := track.NewTable()
	if err := json.Unmarshal([]byte(body), t); err != nil {
		return nil, 0, fmt.Errorf("decode table %s: %w", side, err)
	}
	return t, revision, nil
}

// Save stores the table for side together with the verdicts of the
// screenshots that produced it, in one transaction. It returns the new
// revision.
func (s *Store) Save(ctx context.Context, side screen.WarSide, t *track.Table, results ...*engine.Result) (int, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return 0, fmt.Errorf("encode table %s: %w", side, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var revision int
	err = tx.QueryRowContext(ctx,
		"SELECT revision FROM track_tables WHERE war = ? AND side = ?", side.War, side.Side,
	).Scan(&revision)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read revision %s: %w", side, err)
	}
	revision++

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
INSERT INTO track_tables (war, side, revision, tracks, body, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (war, side) DO UPDATE SET
    revision = excluded.revision,
    tracks = excluded.tracks,
    body = excluded.body,
    updated_at = excluded.updated_at`,
		side.War, side.Side, revision, len(t.ForSide(side)), string(body), now,
	); err != nil {
		return 0, fmt.Errorf("save table %s: %w", side, err)
	}

	for _, res := range results {
		if res == nil {
			continue
		}
		if err := saveVerdicts(ctx, tx, side, res); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit save: %w", err)
	}
	return revision, nil
}

func saveVerdicts(ctx context.Context, tx *sql.Tx, side screen.WarSide, res *engine.Result) error {
	seq := seqOf(res.Screenshot)
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM verdicts WHERE war = ? AND side = ? AND screenshot = ?",
		side.War, side.Side, res.Screenshot,
	); err != nil {
		return fmt.Errorf("clear verdicts %s: %w", res.Screenshot, err)
	}
	for _, v := range res.Verdicts {
		body, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode verdict %s row %d: %w", res.Screenshot, v.Ordinal, err)
		}
		var trackID any
		if v.TrackID != "" {
			trackID = v.TrackID
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO verdicts (war, side, screenshot, seq, ordinal, track_id, decision, reasons, confidence, body)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			side.War, side.Side, res.Screenshot, seq, v.Ordinal, trackID,
			string(v.Decision), strings.Join(v.Reasons, ","), v.Confidence, string(body),
		); err != nil {
			return fmt.Errorf("save verdict %s row %d: %w", res.Screenshot, v.Ordinal, err)
		}
	}
	return nil
}

// seqOf extracts the sequence number from a screenshot key.
func seqOf(key string) int {
	i := strings.LastIndexByte(key, '#')
	if i < 0 {
		return 0
	}
	var n int
	_, _ = fmt.Sscanf(key[i+1:], "%d", &n)
	return n
}

// Tables lists the stored tables ordered by war and side.
func (s *Store) Tables(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT war, side, revision, tracks, updated_at FROM track_tables ORDER BY war, side")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum     Summary
			updated string
		)
		if err := rows.Scan(&sum.Side.War, &sum.Side.Side, &sum.Revision, &sum.Tracks, &updated); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		sum.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// StoredVerdict is a persisted row verdict.
type StoredVerdict struct {
	Screenshot string
	Seq        int
	Verdict    engine.RowVerdict
}

// Verdicts returns the stored verdicts for side in screenshot order. With
// reviewOnly set, accepted and skipped rows are left out.
func (s *Store) Verdicts(ctx context.Context, side screen.WarSide, reviewOnly bool) ([]StoredVerdict, error) {
	q := "SELECT screenshot, seq, body FROM verdicts WHERE war = ? AND side = ?"
	if reviewOnly {
		q += " AND decision NOT IN ('accept', 'skip')"
	}
	q += " ORDER BY seq, ordinal"
	rows, err := s.db.QueryContext(ctx, q, side.War, side.Side)
	if err != nil {
		return nil, fmt.Errorf("list verdicts %s: %w", side, err)
	}
	defer rows.Close()

	var out []StoredVerdict
	for rows.Next() {
		var (
			sv   StoredVerdict
			body string
		)
		if err := rows.Scan(&sv.Screenshot, &sv.Seq, &body); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &sv.Verdict); err != nil {
			return nil, fmt.Errorf("decode verdict %s: %w", sv.Screenshot, err)
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}
