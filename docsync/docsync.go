// Package docsync applies remotely-synchronized document change records to
// local storage. It consumes batches of change records pulled from a remote
// document store, filters out internal/system records, and serially applies
// the survivors to a local vault while tolerating per-record failure.
//
// The pipeline depends on two narrow boundaries: a Storage with five file
// operations, and an EntryStore that hydrates payloads not inlined in the
// change record.
package docsync

import (
	"context"
	"encoding/base64"
	"fmt"
)

// RecordType is the type tag distinguishing user content from internal or
// system records in the remote store.
type RecordType string

const (
	// TypePlain and TypeNewNote carry user note content.
	TypePlain   RecordType = "plain"
	TypeNewNote RecordType = "newnote"

	// TypeLeaf is a content chunk referenced from note records. Chunks are
	// assembled by the replication engine, never written as files.
	TypeLeaf RecordType = "leaf"

	// System markers maintained by the replication engine.
	TypeVersionInfo   RecordType = "versioninfo"
	TypeMilestoneInfo RecordType = "milestoneinfo"
	TypeNodeInfo      RecordType = "nodeinfo"
)

// Identifier prefixes that mark non-user records.
const (
	// ChunkIDPrefix marks content-chunk documents.
	ChunkIDPrefix = "h:"

	// DesignDocPrefix marks design documents owned by the remote store.
	DesignDocPrefix = "_design/"
)

// internalIDPrefixes mark records private to the replication engine.
var internalIDPrefixes = []string{"ix:", "ps:", "_local/"}

// ChangeRecord represents one remotely-produced document mutation awaiting
// local application. Content may be inlined in Data or require a secondary
// lookup through an EntryStore.
type ChangeRecord struct {
	ID      string     `json:"_id"`
	Rev     string     `json:"_rev"`
	Path    string     `json:"path"`
	Type    RecordType `json:"type"`
	Deleted bool       `json:"_deleted,omitempty"`
	Data    string     `json:"data,omitempty"`
	Binary  bool       `json:"binary,omitempty"`
	MTime   int64      `json:"mtime,omitempty"`
}

// InlinePayload decodes the record's inline content, if any. Binary records
// carry base64; text records carry the content verbatim. Returns nil when
// the record has no inline content and hydration through an EntryStore is
// required.
func (r ChangeRecord) InlinePayload() ([]byte, error) {
	if r.Data == "" {
		return nil, nil
	}
	if r.Binary {
		raw, err := base64.StdEncoding.DecodeString(r.Data)
		if err != nil {
			return nil, fmt.Errorf("docsync: decode binary payload for %s: %w", r.ID, err)
		}
		return raw, nil
	}
	return []byte(r.Data), nil
}

// FullEntry is a hydrated document: the record's metadata joined with its
// assembled content from the local entry database.
type FullEntry struct {
	ID      string
	Rev     string
	Path    string
	Data    []byte
	Binary  bool
	Deleted bool
	MTime   int64
}

// Storage is the local file boundary the pipeline writes to. Implementations
// must treat CreateFolder on an existing directory as a no-op.
type Storage interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
	Delete(path string) error
	Exists(path string) (bool, error)
	CreateFolder(path string) error
}

// EntryStore hydrates change-record payloads and remembers which revisions
// have already been applied, so a record the remote re-sends is a no-op.
type EntryStore interface {
	// GetFullEntry returns the hydrated entry for a change record, or nil
	// when the entry is unknown (or deleted and includeDeleted is false).
	// wantData=false skips loading content for existence checks.
	GetFullEntry(ctx context.Context, rec ChangeRecord, includeDeleted, wantData bool) (*FullEntry, error)

	// AppliedRev returns the last revision applied for an ID, or "" when
	// the record was never applied.
	AppliedRev(ctx context.Context, id string) (string, error)

	// MarkApplied records that a revision was applied locally.
	MarkApplied(ctx context.Context, id, rev string) error
}
