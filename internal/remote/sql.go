package remote

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"presenter-sync-service/internal/database"
)

// sqlStore implements Store over a `changes` table. The MySQL and Postgres
// backends differ only in placeholders, DDL and how the new seq is read.
type sqlStore struct {
	db        *database.Database
	dollar    bool
	returning bool
	// afterPut runs inside the insert transaction.
	afterPut func(ctx context.Context, tx *sql.Tx, change Change) error
	now      func() time.Time
}

func (s *sqlStore) migrate(ctx context.Context, statements []string) error {
	for _, stmt := range statements {
		if _, err := s.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate remote store: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Changes(ctx context.Context, since int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT seq, doc_id, rev, deleted, body, updated_at
			  FROM changes WHERE seq > ? ORDER BY seq LIMIT ?`)

	rows, err := s.db.DB.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, *c)
	}
	return changes, rows.Err()
}

func (s *sqlStore) Get(ctx context.Context, id string) (*Change, error) {
	query := s.rebind(`SELECT seq, doc_id, rev, deleted, body, updated_at
			  FROM changes WHERE doc_id = ? ORDER BY seq DESC LIMIT 1`)

	c, err := scanChange(s.db.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *sqlStore) Put(ctx context.Context, change Change) (Change, error) {
	change.ID = strings.TrimSpace(change.ID)
	if change.ID == "" {
		return Change{}, fmt.Errorf("document id is required")
	}
	change.Rev = uuid.NewString()
	if change.UpdatedAt.IsZero() {
		change.UpdatedAt = s.now().UTC()
	}

	var body sql.NullString
	if change.Body != nil {
		body = sql.NullString{String: string(change.Body), Valid: true}
	}
	query := s.rebind(`INSERT INTO changes (doc_id, rev, deleted, body, updated_at) VALUES (?, ?, ?, ?, ?)`)
	args := []any{change.ID, change.Rev, change.Deleted, body, change.UpdatedAt.UnixNano()}

	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		if s.returning {
			if err := tx.QueryRowContext(ctx, query+" RETURNING seq", args...).Scan(&change.Seq); err != nil {
				return err
			}
		} else {
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return err
			}
			seq, err := res.LastInsertId()
			if err != nil {
				return err
			}
			change.Seq = seq
		}
		if s.afterPut != nil {
			return s.afterPut(ctx, tx, change)
		}
		return nil
	})
	if err != nil {
		return Change{}, err
	}
	return change, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) rebind(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (*Change, error) {
	var (
		c         Change
		body      sql.NullString
		updatedAt int64
	)
	if err := row.Scan(&c.Seq, &c.ID, &c.Rev, &c.Deleted, &body, &updatedAt); err != nil {
		return nil, err
	}
	if body.Valid {
		c.Body = []byte(body.String)
	}
	c.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &c, nil
}
