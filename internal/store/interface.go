package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("document not found")

// Store is the Local Store: the only database the editor reads and writes
// during normal operation. Writes are serialized by the store; there is no
// additional locking above it.
type Store interface {
	// Documents
	GetDocument(ctx context.Context, id string) (*Document, error)
	PutDocument(ctx context.Context, id string, body []byte) (*Document, error)
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, limit, offset int) ([]*Document, error)
	// LookupDocument is GetDocument including tombstones.
	LookupDocument(ctx context.Context, id string) (*Document, error)

	// Replication
	ApplyRemoteChanges(ctx context.Context, docs []*Document) (skipped []string, err error)
	ForceApply(ctx context.Context, doc *Document) error
	PendingLocalChanges(ctx context.Context, limit int) ([]*Document, error)
	MarkPushed(ctx context.Context, id, rev string, remoteSeq, localSeq int64) error
	GetCheckpoint(ctx context.Context, name string) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)
	ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*Conflict, error)
	ResolveConflict(ctx context.Context, id string, strategy string, resolvedData []byte) error

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)

	// General
	Close() error
}
