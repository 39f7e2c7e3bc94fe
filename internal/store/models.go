package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Document is one presentation document (slide deck, song, bible
// selection, overlay) as held by the Local Store.
//
// Rev and RemoteSeq describe the last remote revision this copy is based
// on. Dirty marks local edits not yet pushed; LocalSeq orders them.
type Document struct {
	ID        string          `json:"id"`
	Rev       string          `json:"rev,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
	RemoteSeq int64           `json:"remoteSeq"`
	LocalSeq  int64           `json:"localSeq,omitempty"`
	Dirty     bool            `json:"dirty,omitempty"`
}

// Checkpoint is the replication position for one remote database.
type Checkpoint struct {
	Name        string       `json:"name"`
	RemoteSeq   int64        `json:"remoteSeq"`
	Completed   bool         `json:"completed"`
	CompletedAt sql.NullTime `json:"-"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

type Conflict struct {
	ID                 string          `json:"id"`
	DocumentID         string          `json:"documentId"`
	LocalData          json.RawMessage `json:"localData,omitempty"`
	RemoteData         json.RawMessage `json:"remoteData,omitempty"`
	LocalRev           string          `json:"localRev,omitempty"`
	RemoteRev          string          `json:"remoteRev,omitempty"`
	ConflictType       string          `json:"conflictType"`
	DetectedAt         time.Time       `json:"detectedAt"`
	Resolved           bool            `json:"resolved"`
	ResolutionStrategy sql.NullString  `json:"-"`
	ResolvedAt         sql.NullTime    `json:"-"`
	ResolvedData       json.RawMessage `json:"resolvedData,omitempty"`
}

type SyncHistory struct {
	ID                string         `json:"id"`
	StartedAt         time.Time      `json:"startedAt"`
	CompletedAt       sql.NullTime   `json:"-"`
	Direction         string         `json:"direction"`
	Endpoint          string         `json:"endpoint"`
	DocsPulled        int64          `json:"docsPulled"`
	DocsPushed        int64          `json:"docsPushed"`
	ConflictsDetected int            `json:"conflictsDetected"`
	Status            string         `json:"status"`
	ErrorMessage      sql.NullString `json:"-"`
}
