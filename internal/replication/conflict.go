package replication

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presenter-sync-service/internal/logger"
	"presenter-sync-service/internal/remote"
	"presenter-sync-service/internal/store"
)

type Winner int

const (
	WinnerRemote Winner = iota
	WinnerLocal
)

type ConflictManager struct {
	store    store.Store
	strategy ResolutionStrategy
}

func NewConflictManager(store store.Store, strategy ResolutionStrategy) *ConflictManager {
	if strategy == nil {
		strategy = LastWriteWinsStrategy{}
	}
	return &ConflictManager{
		store:    store,
		strategy: strategy,
	}
}

// DetectConflict reports whether a local edit and the remote head diverged.
// Identical content under different revisions is not a conflict.
func (cm *ConflictManager) DetectConflict(local *store.Document, head *remote.Change) (bool, *store.Conflict) {
	if head == nil || head.Rev == local.Rev {
		return false, nil
	}
	if local.Deleted == head.Deleted && calculateHash(local.Body) == calculateHash(head.Body) {
		return false, nil
	}

	conflict := &store.Conflict{
		ID:           uuid.New().String(),
		DocumentID:   local.ID,
		LocalData:    local.Body,
		RemoteData:   head.Body,
		LocalRev:     local.Rev,
		RemoteRev:    head.Rev,
		ConflictType: "revision_mismatch",
		DetectedAt:   time.Now(),
	}
	if local.Deleted || head.Deleted {
		conflict.ConflictType = "delete_mismatch"
	}
	return true, conflict
}

// Resolve decides which side of a diverged document survives and records
// the conflict with its resolution. It does not write the document.
func (cm *ConflictManager) Resolve(ctx context.Context, local *store.Document, head *remote.Change) (Winner, bool, error) {
	found, conflict := cm.DetectConflict(local, head)
	if !found {
		return WinnerRemote, false, nil
	}
	if err := cm.store.CreateConflict(ctx, conflict); err != nil {
		return WinnerRemote, true, fmt.Errorf("record conflict for %s: %w", local.ID, err)
	}

	winner := cm.strategy.Resolve(local, head)
	resolved := head.Body
	if winner == WinnerLocal {
		resolved = local.Body
	}
	if err := cm.store.ResolveConflict(ctx, conflict.ID, cm.strategy.Name(), resolved); err != nil {
		return winner, true, fmt.Errorf("resolve conflict for %s: %w", local.ID, err)
	}
	logger.Log.Info("Resolved document conflict",
		zap.String("document", local.ID),
		zap.String("strategy", cm.strategy.Name()),
		zap.Bool("localWins", winner == WinnerLocal),
	)
	return winner, true, nil
}

// calculateHash hashes a canonical form of a JSON body, so key order and
// whitespace do not produce false conflicts.
func calculateHash(body json.RawMessage) string {
	canonical := []byte(body)
	var v any
	if len(bytes.TrimSpace(body)) > 0 && json.Unmarshal(body, &v) == nil {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%x", sum)
}

// Strategy interface for resolution
type ResolutionStrategy interface {
	Name() string
	Resolve(local *store.Document, head *remote.Change) Winner
}

// LastWriteWinsStrategy keeps whichever side was written last. Ties go
// to the remote, the shared source of truth.
type LastWriteWinsStrategy struct{}

func (LastWriteWinsStrategy) Name() string {
	return "last_write_wins"
}

func (LastWriteWinsStrategy) Resolve(local *store.Document, head *remote.Change) Winner {
	if local.UpdatedAt.After(head.UpdatedAt) {
		return WinnerLocal
	}
	return WinnerRemote
}

func changeToDocument(c remote.Change) *store.Document {
	return &store.Document{
		ID:        c.ID,
		Rev:       c.Rev,
		Deleted:   c.Deleted,
		Body:      c.Body,
		UpdatedAt: c.UpdatedAt,
		RemoteSeq: c.Seq,
	}
}

func completedAt(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}
