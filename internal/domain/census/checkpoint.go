package census

import (
	"time"

	"github.com/google/uuid"
)

// ScanCheckpoint is the aggregate root for one scan generation's progress.
// It is the sole persisted aggregate, one per community, with at most one
// active generation at a time. It is mutated exclusively by chunk runner
// invocations and enables resumption of a scan across many short-lived
// invocations.
type ScanCheckpoint struct {
	// GenerationID identifies the scan generation this checkpoint belongs
	// to. Checkpoint writes carrying a stale generation are rejected by the
	// repository's write guard.
	GenerationID uuid.UUID `json:"generation_id"`

	// Groups maps flair to the member identifiers discovered with it, in
	// discovery order. Duplicates are permitted; entries are only appended
	// within a generation.
	Groups map[string][]string `json:"groups"`

	// Cursor is the opaque token for the next page. Nil means the listing
	// is exhausted.
	Cursor *string `json:"cursor"`

	// GenerationStartedAt is the instant the current generation began. It
	// is stable across all chunks of the generation.
	GenerationStartedAt time.Time `json:"generation_started_at"`

	// Completed is true iff the listing was exhausted without error.
	// Cursor == nil && Completed is the only terminal success state;
	// Cursor != nil implies !Completed.
	Completed bool `json:"completed"`

	// ScannedCount is the number of members merged so far in this
	// generation. It never decreases within a generation.
	ScannedCount int `json:"scanned_count"`

	// LastPageNumber counts pages consumed by this generation. It continues
	// across chunks and never resets mid-generation.
	LastPageNumber int `json:"last_page_number"`

	// ToastShown records whether the one-time completion notification has
	// been surfaced. Not scan-semantic.
	ToastShown bool `json:"toast_shown"`
}

// NewScanCheckpoint creates the empty checkpoint for a brand-new scan
// generation.
func NewScanCheckpoint(generationID uuid.UUID, startedAt time.Time) *ScanCheckpoint {
	return &ScanCheckpoint{
		GenerationID:        generationID,
		Groups:              make(map[string][]string),
		Cursor:              nil,
		GenerationStartedAt: startedAt,
	}
}

// Clone returns a structural deep copy of the checkpoint. Persisted
// snapshots and resumed aggregates must never alias the caller's copy.
func (c *ScanCheckpoint) Clone() *ScanCheckpoint {
	clone := *c
	clone.Groups = CloneGroups(c.Groups)
	if c.Cursor != nil {
		cursor := *c.Cursor
		clone.Cursor = &cursor
	}
	return &clone
}

// Terminal reports whether this checkpoint is in the terminal success state.
func (c *ScanCheckpoint) Terminal() bool { return c.Cursor == nil && c.Completed }

// CloneGroups deep-copies a flair-to-members aggregate. A nil aggregate
// yields an empty one.
func CloneGroups(groups map[string][]string) map[string][]string {
	clone := make(map[string][]string, len(groups))
	for flair, ids := range groups {
		clone[flair] = append([]string(nil), ids...)
	}
	return clone
}
