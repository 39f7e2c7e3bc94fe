package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"presenter-sync-service/internal/database"
	"presenter-sync-service/internal/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	rev        TEXT NOT NULL DEFAULT '',
	deleted    INTEGER NOT NULL DEFAULT 0,
	body       TEXT,
	updated_at INTEGER NOT NULL,
	remote_seq INTEGER NOT NULL DEFAULT 0,
	local_seq  INTEGER NOT NULL DEFAULT 0,
	dirty      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS documents_pending ON documents (dirty, local_seq);
CREATE TABLE IF NOT EXISTS checkpoints (
	name         TEXT PRIMARY KEY,
	remote_seq   INTEGER NOT NULL,
	completed    INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER,
	updated_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS conflicts (
	id                  TEXT PRIMARY KEY,
	document_id         TEXT NOT NULL,
	local_data          TEXT,
	remote_data         TEXT,
	local_rev           TEXT NOT NULL DEFAULT '',
	remote_rev          TEXT NOT NULL DEFAULT '',
	conflict_type       TEXT NOT NULL,
	detected_at         INTEGER NOT NULL,
	resolved            INTEGER NOT NULL DEFAULT 0,
	resolution_strategy TEXT,
	resolved_at         INTEGER,
	resolved_data       TEXT
);
CREATE TABLE IF NOT EXISTS sync_history (
	id                 TEXT PRIMARY KEY,
	started_at         INTEGER NOT NULL,
	completed_at       INTEGER,
	direction          TEXT NOT NULL,
	endpoint           TEXT NOT NULL,
	docs_pulled        INTEGER NOT NULL DEFAULT 0,
	docs_pushed        INTEGER NOT NULL DEFAULT 0,
	conflicts_detected INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	error_message      TEXT
);`

const documentColumns = `id, rev, deleted, body, updated_at, remote_seq, local_seq, dirty`

var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db  *database.Database
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the on-disk Local Store at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("local store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := database.Open(ctx, "sqlite", dsn, database.Options{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		return nil, err
	}
	if _, err := db.DB.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate local store: %w", err)
	}
	logger.Log.Info("Opened local store", zap.String("path", path))
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	doc, err := s.getDocument(ctx, s.db.DB, id)
	if err != nil {
		return nil, err
	}
	if doc.Deleted {
		return nil, ErrNotFound
	}
	return doc, nil
}

func (s *SQLiteStore) LookupDocument(ctx context.Context, id string) (*Document, error) {
	return s.getDocument(ctx, s.db.DB, id)
}

func (s *SQLiteStore) PutDocument(ctx context.Context, id string, body []byte) (*Document, error) {
	return s.writeLocal(ctx, id, body, false)
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.writeLocal(ctx, id, nil, true)
	return err
}

func (s *SQLiteStore) writeLocal(ctx context.Context, id string, body []byte, deleted bool) (*Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("document id is required")
	}
	var out *Document
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getDocument(ctx, tx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if deleted && (existing == nil || existing.Deleted) {
			return ErrNotFound
		}
		var localSeq int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(local_seq), 0) + 1 FROM documents`).Scan(&localSeq); err != nil {
			return err
		}
		doc := &Document{
			ID:        id,
			Deleted:   deleted,
			Body:      body,
			UpdatedAt: s.now().UTC(),
			LocalSeq:  localSeq,
			Dirty:     true,
		}
		if existing != nil {
			doc.Rev = existing.Rev
			doc.RemoteSeq = existing.RemoteSeq
		}
		if err := upsertDocument(ctx, tx, doc); err != nil {
			return err
		}
		out = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, limit, offset int) ([]*Document, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE deleted = 0 ORDER BY id LIMIT ? OFFSET ?`
	return s.queryDocuments(ctx, query, limit, offset)
}

// ApplyRemoteChanges writes pulled documents in one transaction. A change
// older than the stored copy is ignored. Documents with unpushed local
// edits are left alone and returned in skipped.
func (s *SQLiteStore) ApplyRemoteChanges(ctx context.Context, docs []*Document) ([]string, error) {
	var skipped []string
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		skipped = skipped[:0]
		for _, doc := range docs {
			existing, err := s.getDocument(ctx, tx, doc.ID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if existing != nil {
				if existing.Dirty {
					skipped = append(skipped, doc.ID)
					continue
				}
				if existing.RemoteSeq >= doc.RemoteSeq {
					continue
				}
			}
			next := *doc
			next.Dirty = false
			if existing != nil {
				next.LocalSeq = existing.LocalSeq
			}
			if err := upsertDocument(ctx, tx, &next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return skipped, nil
}

func (s *SQLiteStore) ForceApply(ctx context.Context, doc *Document) error {
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		next := *doc
		next.Dirty = false
		return upsertDocument(ctx, tx, &next)
	})
}

func (s *SQLiteStore) PendingLocalChanges(ctx context.Context, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE dirty = 1 ORDER BY local_seq LIMIT ?`
	return s.queryDocuments(ctx, query, limit)
}

// MarkPushed records the remote revision assigned to a pushed document.
// The dirty flag is only cleared if no newer local edit happened since
// localSeq was read.
func (s *SQLiteStore) MarkPushed(ctx context.Context, id, rev string, remoteSeq, localSeq int64) error {
	query := `UPDATE documents
			  SET rev = ?, remote_seq = ?, dirty = CASE WHEN local_seq = ? THEN 0 ELSE dirty END
			  WHERE id = ?`
	res, err := s.db.DB.ExecContext(ctx, query, rev, remoteSeq, localSeq, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, name string) (*Checkpoint, error) {
	query := `SELECT name, remote_seq, completed, completed_at, updated_at FROM checkpoints WHERE name = ?`
	var (
		cp          Checkpoint
		completed   int
		completedAt sql.NullInt64
		updatedAt   int64
	)
	err := s.db.DB.QueryRowContext(ctx, query, name).Scan(&cp.Name, &cp.RemoteSeq, &completed, &completedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.Completed = completed != 0
	cp.CompletedAt = fromNullNanos(completedAt)
	cp.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &cp, nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	query := `INSERT INTO checkpoints (name, remote_seq, completed, completed_at, updated_at)
			  VALUES (?, ?, ?, ?, ?)
			  ON CONFLICT (name) DO UPDATE SET
			  remote_seq = excluded.remote_seq,
			  completed = excluded.completed,
			  completed_at = excluded.completed_at,
			  updated_at = excluded.updated_at`
	_, err := s.db.DB.ExecContext(ctx, query,
		cp.Name,
		cp.RemoteSeq,
		boolInt(cp.Completed),
		toNullNanos(cp.CompletedAt),
		s.now().UnixNano(),
	)
	return err
}

func (s *SQLiteStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	query := `INSERT INTO conflicts (id, document_id, local_data, remote_data, local_rev, remote_rev, conflict_type, detected_at, resolved)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		conflict.ID,
		conflict.DocumentID,
		nullableText(conflict.LocalData),
		nullableText(conflict.RemoteData),
		conflict.LocalRev,
		conflict.RemoteRev,
		conflict.ConflictType,
		conflict.DetectedAt.UnixNano(),
		boolInt(conflict.Resolved),
	)
	return err
}

const conflictColumns = `id, document_id, local_data, remote_data, local_rev, remote_rev, conflict_type, detected_at, resolved, resolution_strategy, resolved_at, resolved_data`

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE resolved = ? ORDER BY detected_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.DB.QueryContext(ctx, query, boolInt(resolved), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (s *SQLiteStore) ResolveConflict(ctx context.Context, id string, strategy string, resolvedData []byte) error {
	query := `UPDATE conflicts SET resolved = 1, resolution_strategy = ?, resolved_data = ?, resolved_at = ? WHERE id = ?`
	_, err := s.db.DB.ExecContext(ctx, query, strategy, nullableText(resolvedData), s.now().UnixNano(), id)
	return err
}

func (s *SQLiteStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `INSERT INTO sync_history (id, started_at, completed_at, direction, endpoint, docs_pulled, docs_pushed, conflicts_detected, status, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		history.ID,
		history.StartedAt.UnixNano(),
		toNullNanos(history.CompletedAt),
		history.Direction,
		history.Endpoint,
		history.DocsPulled,
		history.DocsPushed,
		history.ConflictsDetected,
		history.Status,
		history.ErrorMessage,
	)
	return err
}

func (s *SQLiteStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `UPDATE sync_history SET completed_at = ?, docs_pulled = ?, docs_pushed = ?, conflicts_detected = ?, status = ?, error_message = ? WHERE id = ?`

	_, err := s.db.DB.ExecContext(ctx, query,
		toNullNanos(history.CompletedAt),
		history.DocsPulled,
		history.DocsPushed,
		history.ConflictsDetected,
		history.Status,
		history.ErrorMessage,
		history.ID,
	)
	return err
}

func (s *SQLiteStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, started_at, completed_at, direction, endpoint, docs_pulled, docs_pushed, conflicts_detected, status, error_message
			  FROM sync_history ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var (
			h           SyncHistory
			startedAt   int64
			completedAt sql.NullInt64
		)
		err := rows.Scan(
			&h.ID,
			&startedAt,
			&completedAt,
			&h.Direction,
			&h.Endpoint,
			&h.DocsPulled,
			&h.DocsPushed,
			&h.ConflictsDetected,
			&h.Status,
			&h.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		h.StartedAt = time.Unix(0, startedAt).UTC()
		h.CompletedAt = fromNullNanos(completedAt)
		history = append(history, &h)
	}
	return history, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) getDocument(ctx context.Context, q queryer, id string) (*Document, error) {
	row := q.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return doc, err
}

func (s *SQLiteStore) queryDocuments(ctx context.Context, query string, args ...any) ([]*Document, error) {
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func upsertDocument(ctx context.Context, tx *sql.Tx, doc *Document) error {
	query := `INSERT INTO documents (` + documentColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT (id) DO UPDATE SET
			  rev = excluded.rev,
			  deleted = excluded.deleted,
			  body = excluded.body,
			  updated_at = excluded.updated_at,
			  remote_seq = excluded.remote_seq,
			  local_seq = excluded.local_seq,
			  dirty = excluded.dirty`
	_, err := tx.ExecContext(ctx, query,
		doc.ID,
		doc.Rev,
		boolInt(doc.Deleted),
		nullableText(doc.Body),
		doc.UpdatedAt.UnixNano(),
		doc.RemoteSeq,
		doc.LocalSeq,
		boolInt(doc.Dirty),
	)
	return err
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc       Document
		deleted   int
		dirty     int
		body      sql.NullString
		updatedAt int64
	)
	err := row.Scan(&doc.ID, &doc.Rev, &deleted, &body, &updatedAt, &doc.RemoteSeq, &doc.LocalSeq, &dirty)
	if err != nil {
		return nil, err
	}
	doc.Deleted = deleted != 0
	doc.Dirty = dirty != 0
	if body.Valid {
		doc.Body = []byte(body.String)
	}
	doc.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &doc, nil
}

func scanConflict(row rowScanner) (*Conflict, error) {
	var (
		c            Conflict
		localData    sql.NullString
		remoteData   sql.NullString
		detectedAt   int64
		resolved     int
		resolvedAt   sql.NullInt64
		resolvedData sql.NullString
	)
	err := row.Scan(
		&c.ID,
		&c.DocumentID,
		&localData,
		&remoteData,
		&c.LocalRev,
		&c.RemoteRev,
		&c.ConflictType,
		&detectedAt,
		&resolved,
		&c.ResolutionStrategy,
		&resolvedAt,
		&resolvedData,
	)
	if err != nil {
		return nil, err
	}
	if localData.Valid {
		c.LocalData = []byte(localData.String)
	}
	if remoteData.Valid {
		c.RemoteData = []byte(remoteData.String)
	}
	if resolvedData.Valid {
		c.ResolvedData = []byte(resolvedData.String)
	}
	c.DetectedAt = time.Unix(0, detectedAt).UTC()
	c.Resolved = resolved != 0
	c.ResolvedAt = fromNullNanos(resolvedAt)
	return &c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableText(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func toNullNanos(t sql.NullTime) sql.NullInt64 {
	if !t.Valid {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Time.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) sql.NullTime {
	if !n.Valid {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Unix(0, n.Int64).UTC(), Valid: true}
}
