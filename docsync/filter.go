package docsync

import "strings"

// DropReason explains why a change record was filtered out before it reached
// the queue. Empty means the record survives.
type DropReason string

const (
	DropChunk        DropReason = "chunk"
	DropDesignDoc    DropReason = "design_doc"
	DropInternalID   DropReason = "internal_id"
	DropSystemMarker DropReason = "system_marker"
	DropUnknownType  DropReason = "unknown_type"
)

// Classify applies the filtering policy in order and returns the reason the
// record is dropped, or "" when it should be applied locally. Only user note
// content survives; content chunks, design documents, internal identifiers,
// and version/milestone/node markers are discarded.
func Classify(rec ChangeRecord) DropReason {
	if strings.HasPrefix(rec.ID, ChunkIDPrefix) {
		return DropChunk
	}
	if strings.HasPrefix(rec.ID, DesignDocPrefix) {
		return DropDesignDoc
	}
	for _, prefix := range internalIDPrefixes {
		if strings.HasPrefix(rec.ID, prefix) {
			return DropInternalID
		}
	}
	switch rec.Type {
	case TypeVersionInfo, TypeMilestoneInfo, TypeNodeInfo, TypeLeaf:
		return DropSystemMarker
	case TypePlain, TypeNewNote:
		return ""
	}
	// Deletion stubs can arrive without a type tag; keep them so local
	// files get removed.
	if rec.Deleted && rec.Type == "" {
		return ""
	}
	return DropUnknownType
}
