package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// SQLiteStore is a SQLite-backed MetadataStore. It keeps three logical
// tables (file_records, repository_stats, system_state) in one database
// file, following the schema/prepared-statement conventions of the
// lexical/vector document store in internal/vectorstore/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the metadata database at
// path. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}

	// Single in-memory database must be shared across the whole pool;
	// a single-writer-per-row engine needs no more than one open file
	// connection either way.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close() // #nosec G104 - best-effort cleanup, init error already captured
		return nil, fmt.Errorf("init metadata schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS file_records (
		file_path         TEXT PRIMARY KEY,
		repository        TEXT NOT NULL,
		last_indexed_ts   INTEGER NOT NULL,
		last_modified_ts  INTEGER NOT NULL,
		content_hash      TEXT,
		file_size         INTEGER NOT NULL,
		index_kind        TEXT NOT NULL,
		created_ts        INTEGER NOT NULL,
		updated_ts        INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_file_records_repository ON file_records(repository);
	CREATE INDEX IF NOT EXISTS idx_file_records_repo_kind ON file_records(repository, index_kind);
	CREATE INDEX IF NOT EXISTS idx_file_records_last_indexed ON file_records(last_indexed_ts);

	CREATE TABLE IF NOT EXISTS repository_stats (
		repository          TEXT NOT NULL,
		index_kind          TEXT NOT NULL,
		total_files_indexed INTEGER NOT NULL DEFAULT 0,
		initial_run_seconds REAL NOT NULL DEFAULT 0,
		initial_run_ts      INTEGER NOT NULL DEFAULT 0,
		last_run_seconds    REAL NOT NULL DEFAULT 0,
		last_run_ts         INTEGER NOT NULL DEFAULT 0,
		total_size_bytes    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (repository, index_kind)
	);

	CREATE TABLE IF NOT EXISTS system_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// IsStale implements Store.
func (s *SQLiteStore) IsStale(ctx context.Context, filePath string, fileMtime time.Time, kind IndexKind) (bool, error) {
	var indexKind string
	var lastIndexedTS int64

	err := s.db.QueryRowContext(ctx,
		`SELECT index_kind, last_indexed_ts FROM file_records WHERE file_path = ?`,
		filePath,
	).Scan(&indexKind, &lastIndexedTS)

	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("query file record: %w", err)
	}

	if !IndexKind(indexKind).Contains(kind) {
		return true, nil
	}

	return fileMtime.Unix() > lastIndexedTS, nil
}

// Upsert implements Store.
func (s *SQLiteStore) Upsert(ctx context.Context, rec FileRecord) error {
	if rec.FilePath == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	var existingKind string
	err := s.db.QueryRowContext(ctx,
		`SELECT index_kind FROM file_records WHERE file_path = ?`, rec.FilePath,
	).Scan(&existingKind)

	switch {
	case err == sql.ErrNoRows:
		now := rec.CreatedTS
		if now == 0 {
			now = time.Now().Unix()
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO file_records
			 (file_path, repository, last_indexed_ts, last_modified_ts, content_hash, file_size, index_kind, created_ts, updated_ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.FilePath, rec.Repository, rec.LastIndexedTS, rec.LastModifiedTS, rec.ContentHash,
			rec.FileSize, string(rec.IndexKind), now, now,
		)
		if err != nil {
			return fmt.Errorf("insert file record: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("query existing file record: %w", err)
	}

	merged := Merge(IndexKind(existingKind), rec.IndexKind)
	_, err = s.db.ExecContext(ctx,
		`UPDATE file_records SET
		   repository = ?, last_indexed_ts = ?, last_modified_ts = ?,
		   content_hash = ?, file_size = ?, index_kind = ?, updated_ts = ?
		 WHERE file_path = ?`,
		rec.Repository, rec.LastIndexedTS, rec.LastModifiedTS, rec.ContentHash,
		rec.FileSize, string(merged), rec.UpdatedTS, rec.FilePath,
	)
	if err != nil {
		return fmt.Errorf("update file record: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, filePath string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM file_records WHERE file_path = ?`, filePath)
	if err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	return nil
}

// DeleteAll implements Store.
func (s *SQLiteStore) DeleteAll(ctx context.Context, repository string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM file_records WHERE repository = ?`, repository)
	if err != nil {
		return fmt.Errorf("delete file records for repository: %w", err)
	}
	return nil
}

// ListIndexed implements Store.
func (s *SQLiteStore) ListIndexed(ctx context.Context, repository string, kind IndexKind) (FileRecordCursor, error) {
	query := `SELECT file_path, repository, last_indexed_ts, last_modified_ts, content_hash, file_size, index_kind, created_ts, updated_ts
	          FROM file_records WHERE repository = ?`
	args := []interface{}{repository}

	if kind != "" {
		if kind == KindBoth {
			query += ` AND index_kind = ?`
			args = append(args, string(KindBoth))
		} else {
			query += ` AND (index_kind = ? OR index_kind = ?)`
			args = append(args, string(kind), string(KindBoth))
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list indexed files: %w", err)
	}
	return &sqlRowsCursor{rows: rows}, nil
}

type sqlRowsCursor struct {
	rows    *sql.Rows
	current FileRecord
	err     error
}

func (c *sqlRowsCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	var kind string
	var hash sql.NullString
	c.err = c.rows.Scan(
		&c.current.FilePath, &c.current.Repository, &c.current.LastIndexedTS,
		&c.current.LastModifiedTS, &hash, &c.current.FileSize, &kind,
		&c.current.CreatedTS, &c.current.UpdatedTS,
	)
	c.current.ContentHash = hash.String
	c.current.IndexKind = IndexKind(kind)
	return c.err == nil
}

func (c *sqlRowsCursor) Record() FileRecord { return c.current }

func (c *sqlRowsCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *sqlRowsCursor) Close() error { return c.rows.Close() }

// RecordRun implements Store.
func (s *SQLiteStore) RecordRun(ctx context.Context, repository string, kind IndexKind, filesIndexed int, durationSeconds float64, totalSizeBytes int64, isInitial bool, now time.Time) error {
	nowUnix := now.Unix()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM repository_stats WHERE repository = ? AND index_kind = ?)`,
		repository, string(kind),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check repository stat existence: %w", err)
	}

	if !exists {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO repository_stats
			 (repository, index_kind, total_files_indexed, initial_run_seconds, initial_run_ts,
			  last_run_seconds, last_run_ts, total_size_bytes)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			repository, string(kind), filesIndexed, durationSeconds, nowUnix,
			durationSeconds, nowUnix, totalSizeBytes,
		)
		if err != nil {
			return fmt.Errorf("insert repository stat: %w", err)
		}
		return nil
	}

	if isInitial {
		_, err = s.db.ExecContext(ctx,
			`UPDATE repository_stats SET
			   total_files_indexed = ?, initial_run_seconds = ?, initial_run_ts = ?,
			   last_run_seconds = ?, last_run_ts = ?, total_size_bytes = ?
			 WHERE repository = ? AND index_kind = ?`,
			filesIndexed, durationSeconds, nowUnix, durationSeconds, nowUnix, totalSizeBytes,
			repository, string(kind),
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE repository_stats SET
			   total_files_indexed = ?, last_run_seconds = ?, last_run_ts = ?, total_size_bytes = ?
			 WHERE repository = ? AND index_kind = ?`,
			filesIndexed, durationSeconds, nowUnix, totalSizeBytes,
			repository, string(kind),
		)
	}
	if err != nil {
		return fmt.Errorf("update repository stat: %w", err)
	}
	return nil
}

// GetStat implements Store.
func (s *SQLiteStore) GetStat(ctx context.Context, repository string, kind IndexKind) (*RepositoryStat, bool, error) {
	var stat RepositoryStat
	stat.Repository = repository
	stat.IndexKind = kind

	err := s.db.QueryRowContext(ctx,
		`SELECT total_files_indexed, initial_run_seconds, initial_run_ts, last_run_seconds, last_run_ts, total_size_bytes
		 FROM repository_stats WHERE repository = ? AND index_kind = ?`,
		repository, string(kind),
	).Scan(&stat.TotalFilesIndexed, &stat.InitialRunSeconds, &stat.InitialRunTS,
		&stat.LastRunSeconds, &stat.LastRunTS, &stat.TotalSizeBytes)

	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query repository stat: %w", err)
	}
	return &stat, true, nil
}

// GetState implements Store.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query system state: %w", err)
	}
	return value, true, nil
}

// PutState implements Store. The write is a single statement against a
// single-row key, so SQLite's own durability guarantees give us the
// "atomic write" contract of §4.1 without extra locking.
func (s *SQLiteStore) PutState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("put system state: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
