// Package scanstate persists scan generation state on top of a KVStore
// backend using the census key schema. It adds a generation write guard so
// checkpoint writes from a cancelled or superseded generation are rejected
// instead of silently winning a last-write race.
package scanstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flairscan/flairscan/internal/domain/census"
)

var _ census.ScanStateRepository = (*Repository)(nil)

// Repository implements census.ScanStateRepository over a KVStore.
type Repository struct {
	kv census.KVStore

	// guard enables generation-identifier validation on checkpoint writes.
	// Disabled, the repository behaves like the storage layer underneath:
	// last write wins.
	guard bool
}

// Option configures a Repository.
type Option func(*Repository)

// WithoutGenerationGuard disables stale-generation rejection, restoring
// plain last-write-wins semantics.
func WithoutGenerationGuard() Option {
	return func(r *Repository) { r.guard = false }
}

// NewRepository creates a Repository over the given KVStore. The generation
// guard is enabled by default.
func NewRepository(kv census.KVStore, opts ...Option) *Repository {
	r := &Repository{kv: kv, guard: true}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot reads the classification flags without deserializing the
// checkpoint aggregates.
func (r *Repository) Snapshot(ctx context.Context) (census.StateSnapshot, error) {
	var snap census.StateSnapshot

	_, hasResult, err := r.kv.Get(ctx, census.KeyScanResult)
	if err != nil {
		return snap, fmt.Errorf("failed to read result key: %w", err)
	}
	snap.HasResult = hasResult

	_, hasPartial, err := r.kv.Get(ctx, census.KeyScanPartial)
	if err != nil {
		return snap, fmt.Errorf("failed to read partial key: %w", err)
	}
	snap.HasPartial = hasPartial

	inProgress, err := r.getBool(ctx, census.KeyScanInProgress)
	if err != nil {
		return snap, err
	}
	snap.InProgress = inProgress

	failed, err := r.getBool(ctx, census.KeyScanFailed)
	if err != nil {
		return snap, err
	}
	snap.Failed = failed

	if failed {
		msg, _, err := r.kv.Get(ctx, census.KeyScanFailedMsg)
		if err != nil {
			return snap, fmt.Errorf("failed to read failure message: %w", err)
		}
		snap.FailureMessage = string(msg)
	}

	return snap, nil
}

// LoadResult returns the last completed generation's checkpoint, or nil.
func (r *Repository) LoadResult(ctx context.Context) (*census.ScanCheckpoint, error) {
	return r.loadCheckpoint(ctx, census.KeyScanResult)
}

// LoadPartial returns the in-progress or interrupted generation's
// checkpoint, or nil.
func (r *Repository) LoadPartial(ctx context.Context) (*census.ScanCheckpoint, error) {
	return r.loadCheckpoint(ctx, census.KeyScanPartial)
}

// SaveResult persists cp as the completed result.
func (r *Repository) SaveResult(ctx context.Context, cp *census.ScanCheckpoint) error {
	return r.saveCheckpoint(ctx, census.KeyScanResult, cp)
}

// SavePartial persists cp as the resumable partial.
func (r *Repository) SavePartial(ctx context.Context, cp *census.ScanCheckpoint) error {
	return r.saveCheckpoint(ctx, census.KeyScanPartial, cp)
}

// DeletePartial removes the partial checkpoint only.
func (r *Repository) DeletePartial(ctx context.Context) error {
	if err := r.kv.Delete(ctx, census.KeyScanPartial); err != nil {
		return fmt.Errorf("failed to delete partial checkpoint: %w", err)
	}
	return nil
}

func (r *Repository) SetInProgress(ctx context.Context, inProgress bool) error {
	return r.setBool(ctx, census.KeyScanInProgress, inProgress)
}

func (r *Repository) SetFailed(ctx context.Context, message string) error {
	if err := r.setBool(ctx, census.KeyScanFailed, true); err != nil {
		return err
	}
	if err := r.kv.Set(ctx, census.KeyScanFailedMsg, []byte(message)); err != nil {
		return fmt.Errorf("failed to store failure message: %w", err)
	}
	return nil
}

func (r *Repository) ClearFailed(ctx context.Context) error {
	if err := r.kv.Delete(ctx, census.KeyScanFailed); err != nil {
		return fmt.Errorf("failed to clear failed flag: %w", err)
	}
	if err := r.kv.Delete(ctx, census.KeyScanFailedMsg); err != nil {
		return fmt.Errorf("failed to clear failure message: %w", err)
	}
	return nil
}

// StartedAt returns the generation start instant, if one is stored.
func (r *Repository) StartedAt(ctx context.Context) (time.Time, bool, error) {
	return r.getTime(ctx, census.KeyScanStartedAt)
}

func (r *Repository) SetStartedAt(ctx context.Context, t time.Time) error {
	return r.setTime(ctx, census.KeyScanStartedAt, t)
}

func (r *Repository) SetCompletedAt(ctx context.Context, t time.Time) error {
	return r.setTime(ctx, census.KeyScanCompleted, t)
}

// Heartbeat records a liveness timestamp.
func (r *Repository) Heartbeat(ctx context.Context, t time.Time) error {
	return r.setTime(ctx, census.KeyScanHeartbeat, t)
}

// Generation returns the active generation identifier, if one is registered.
func (r *Repository) Generation(ctx context.Context) (uuid.UUID, bool, error) {
	data, ok, err := r.kv.Get(ctx, census.KeyScanGeneration)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to read generation: %w", err)
	}
	if !ok {
		return uuid.Nil, false, nil
	}

	id, err := uuid.ParseBytes(data)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to parse stored generation: %w", err)
	}
	return id, true, nil
}

func (r *Repository) SetGeneration(ctx context.Context, id uuid.UUID) error {
	if err := r.kv.Set(ctx, census.KeyScanGeneration, []byte(id.String())); err != nil {
		return fmt.Errorf("failed to store generation: %w", err)
	}
	return nil
}

// DeleteGeneration removes every generation-scoped key. The app version key
// survives.
func (r *Repository) DeleteGeneration(ctx context.Context) error {
	for _, key := range census.GenerationKeys {
		if err := r.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", key, err)
		}
	}
	return nil
}

// AppVersion returns the last-seen deployed version, or "" when unset.
func (r *Repository) AppVersion(ctx context.Context) (string, error) {
	data, _, err := r.kv.Get(ctx, census.KeyAppVersion)
	if err != nil {
		return "", fmt.Errorf("failed to read app version: %w", err)
	}
	return string(data), nil
}

func (r *Repository) SetAppVersion(ctx context.Context, version string) error {
	if err := r.kv.Set(ctx, census.KeyAppVersion, []byte(version)); err != nil {
		return fmt.Errorf("failed to store app version: %w", err)
	}
	return nil
}

func (r *Repository) loadCheckpoint(ctx context.Context, key string) (*census.ScanCheckpoint, error) {
	data, ok, err := r.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}

	var cp census.ScanCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", key, err)
	}
	if cp.Groups == nil {
		cp.Groups = make(map[string][]string)
	}
	return &cp, nil
}

func (r *Repository) saveCheckpoint(ctx context.Context, key string, cp *census.ScanCheckpoint) error {
	if r.guard {
		stored, ok, err := r.Generation(ctx)
		if err != nil {
			return err
		}
		if !ok || stored != cp.GenerationID {
			return census.ErrStaleGeneration
		}
	}

	// Structural deep copy before persistence so the stored snapshot never
	// aliases the caller's in-memory aggregate.
	data, err := json.Marshal(cp.Clone())
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint %s: %w", key, err)
	}
	if err := r.kv.Set(ctx, key, data); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", key, err)
	}
	return nil
}

func (r *Repository) getBool(ctx context.Context, key string) (bool, error) {
	data, ok, err := r.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return ok && string(data) == "true", nil
}

func (r *Repository) setBool(ctx context.Context, key string, value bool) error {
	data := "false"
	if value {
		data = "true"
	}
	if err := r.kv.Set(ctx, key, []byte(data)); err != nil {
		return fmt.Errorf("failed to store key %s: %w", key, err)
	}
	return nil
}

func (r *Repository) getTime(ctx context.Context, key string) (time.Time, bool, error) {
	data, ok, err := r.kv.Get(ctx, key)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	if !ok {
		return time.Time{}, false, nil
	}

	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse stored instant %s: %w", key, err)
	}
	return t, true, nil
}

func (r *Repository) setTime(ctx context.Context, key string, t time.Time) error {
	if err := r.kv.Set(ctx, key, []byte(t.UTC().Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("failed to store key %s: %w", key, err)
	}
	return nil
}
