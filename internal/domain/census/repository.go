package census

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Checkpoint store key schema. All keys are generation-scoped except
// KeyAppVersion, which survives cancellation and generation turnover.
const (
	KeyScanResult     = "scanResult"
	KeyScanPartial    = "scanPartial"
	KeyScanInProgress = "scanInProgress"
	KeyScanFailed     = "scanFailed"
	KeyScanFailedMsg  = "scanFailedMessage"
	KeyScanStartedAt  = "scanStartedAt"
	KeyScanCompleted  = "scanCompletedAt"
	KeyScanHeartbeat  = "scanHeartbeat"
	KeyScanGeneration = "scanGeneration"
	KeyAppVersion     = "appVersion"
)

// GenerationKeys lists every generation-scoped key, in the order they are
// deleted on cancel or version change.
var GenerationKeys = []string{
	KeyScanResult,
	KeyScanPartial,
	KeyScanInProgress,
	KeyScanFailed,
	KeyScanFailedMsg,
	KeyScanStartedAt,
	KeyScanCompleted,
	KeyScanHeartbeat,
	KeyScanGeneration,
}

// KVStore is the low-level key/value persistence a checkpoint store is
// built on. Implementations are scoped to a single community. A missing key
// is reported via the bool return, not an error.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// ScanStateRepository persists scan generation state using the key schema
// above. Mutating checkpoint writes carry the writer's generation identifier
// and may be rejected with ErrStaleGeneration by implementations that guard
// against concurrent generations.
type ScanStateRepository interface {
	// Snapshot reads the classification flags without deserializing the
	// checkpoint aggregates.
	Snapshot(ctx context.Context) (StateSnapshot, error)

	// LoadResult returns the last completed generation's checkpoint, or nil
	// when none exists.
	LoadResult(ctx context.Context) (*ScanCheckpoint, error)

	// LoadPartial returns the in-progress or interrupted generation's
	// checkpoint, or nil when none exists.
	LoadPartial(ctx context.Context) (*ScanCheckpoint, error)

	// SaveResult persists cp as the completed result. SavePartial persists
	// cp as the resumable partial. Both deep-copy before persisting.
	SaveResult(ctx context.Context, cp *ScanCheckpoint) error
	SavePartial(ctx context.Context, cp *ScanCheckpoint) error

	// DeletePartial removes the partial checkpoint, leaving the rest of the
	// generation state intact.
	DeletePartial(ctx context.Context) error

	SetInProgress(ctx context.Context, inProgress bool) error
	SetFailed(ctx context.Context, message string) error
	ClearFailed(ctx context.Context) error

	// StartedAt returns the generation start instant. The bool reports
	// whether one is stored.
	StartedAt(ctx context.Context) (time.Time, bool, error)
	SetStartedAt(ctx context.Context, t time.Time) error
	SetCompletedAt(ctx context.Context, t time.Time) error

	// Heartbeat records a liveness timestamp. Updated after every page.
	Heartbeat(ctx context.Context, t time.Time) error

	// Generation returns the active generation identifier. The bool reports
	// whether one is registered.
	Generation(ctx context.Context) (uuid.UUID, bool, error)
	SetGeneration(ctx context.Context, id uuid.UUID) error

	// DeleteGeneration removes every generation-scoped key. This is the
	// only cancellation primitive.
	DeleteGeneration(ctx context.Context) error

	AppVersion(ctx context.Context) (string, error)
	SetAppVersion(ctx context.Context, version string) error
}
