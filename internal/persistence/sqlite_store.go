// Package persistence は Redis を使わない構成向けの SQLite ジョブストアを提供します。
package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yourusername/pdf-remediation/internal/jobs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore は jobs.Store の SQLite 実装です。
// レコード本体は JSON で保存し、検索に使う列だけを別に持ちます。
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ jobs.Store = (*SQLiteStore)(nil)

// NewSQLiteStore は DB を開いてマイグレーションを適用します。
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close は DB を閉じます。
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		version := migrationVersion(entry.Name())
		if entry.IsDir() || version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion はファイル名先頭の数値を返します（"001_init.sql" → 1）。
func migrationVersion(name string) int {
	end := 0
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(name[:end])
	return n
}

// Create は存在しない場合のみ挿入します。
func (s *SQLiteStore) Create(ctx context.Context, record *jobs.Record) error {
	if err := jobs.CheckNew(record); err != nil {
		return err
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	body, err := json.Marshal(record)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, owner, status, source_index, created_at, updated_at, expires_at, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO NOTHING`,
		record.JobID, record.Owner, string(record.Status), record.SourceIndexKey(),
		record.CreatedAt.UnixNano(), record.UpdatedAt.UnixNano(), unixNano(record.ExpiresAt), string(body),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return jobs.ExistsError(record.JobID)
	}
	return nil
}

// Get はレコードを返します。
func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*jobs.Record, error) {
	return s.get(ctx, s.db, jobID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q queryer, jobID string) (*jobs.Record, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM jobs WHERE job_id = ?`, jobID).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobs.NotFoundError(jobID)
		}
		return nil, err
	}
	return decodeRecord(body)
}

// Update はトランザクション内で読み込み、状態を条件にした UPDATE で書き戻します。
func (s *SQLiteStore) Update(ctx context.Context, jobID string, allowed []jobs.Status, mutate func(*jobs.Record) error) (*jobs.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := s.get(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	next, err := jobs.ApplyTransition(prev, allowed, mutate, s.now())
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, source_index = ?, updated_at = ?, expires_at = ?, body = ?
		 WHERE job_id = ? AND status = ?`,
		string(next.Status), next.SourceIndexKey(), next.UpdatedAt.UnixNano(), unixNano(next.ExpiresAt), string(body),
		jobID, string(prev.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, &jobs.TransitionError{JobID: jobID, Current: prev.Status, Target: next.Status}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

// Delete はレコードを削除し、削除前の内容を返します。
func (s *SQLiteStore) Delete(ctx context.Context, jobID string) (*jobs.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	record, err := s.get(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID); err != nil {
		return nil, fmt.Errorf("delete job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return record, nil
}

// ListByOwner は作成日時の降順で返します。
func (s *SQLiteStore) ListByOwner(ctx context.Context, owner string, limit int) ([]*jobs.Record, error) {
	if limit <= 0 {
		return []*jobs.Record{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM jobs WHERE owner = ? ORDER BY created_at DESC, job_id DESC LIMIT ?`,
		owner, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*jobs.Record, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		record, err := decodeRecord(body)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// FindBySource は起動時スナップショットの位置が一致するジョブIDを返します。
func (s *SQLiteStore) FindBySource(ctx context.Context, source jobs.Location, limit int) ([]string, error) {
	if source.IsZero() || limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM jobs WHERE source_index = ? ORDER BY created_at DESC LIMIT ?`,
		source.String(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func decodeRecord(body string) (*jobs.Record, error) {
	var record jobs.Record
	if err := json.Unmarshal([]byte(body), &record); err != nil {
		return nil, fmt.Errorf("decode job record: %w", err)
	}
	return &record, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
