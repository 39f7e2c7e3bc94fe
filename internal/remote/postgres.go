package remote

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"presenter-sync-service/internal/database"
	"presenter-sync-service/internal/logger"
)

const postgresNotifyChannel = "presenter_changes"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS changes (
		seq        BIGSERIAL PRIMARY KEY,
		doc_id     TEXT NOT NULL,
		rev        TEXT NOT NULL,
		deleted    BOOLEAN NOT NULL DEFAULT FALSE,
		body       TEXT,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS changes_doc ON changes (doc_id, seq)`,
}

type PostgresStore struct {
	sqlStore
	dsn string
}

var _ Watcher = (*PostgresStore)(nil)

// OpenPostgres connects to a postgres:// endpoint. Writes publish a
// NOTIFY so live replicas can use Watch instead of polling.
func OpenPostgres(ctx context.Context, endpoint string) (*PostgresStore, error) {
	db, err := database.Open(ctx, "postgres", endpoint, database.Options{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		PingAttempts:    3,
	})
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{
		sqlStore: sqlStore{
			db:        db,
			dollar:    true,
			returning: true,
			now:       time.Now,
			afterPut: func(ctx context.Context, tx *sql.Tx, change Change) error {
				_, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, postgresNotifyChannel, strconv.FormatInt(change.Seq, 10))
				return err
			},
		},
		dsn: endpoint,
	}
	if err := s.migrate(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	listener := pq.NewListener(s.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Log.Warn("Postgres listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err := listener.Listen(postgresNotifyChannel); err != nil {
		_ = listener.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.Notify:
				// A nil notification means the connection was re-established
				// and events may have been missed; signal either way.
				select {
				case out <- struct{}{}:
				default:
				}
			case <-time.After(90 * time.Second):
				go listener.Ping()
			}
		}
	}()
	return out, nil
}
