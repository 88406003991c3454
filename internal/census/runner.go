// Package census implements the chunked resumable scan engine: the chunk
// runner that fetches membership pages under a time budget, the quick-scan
// racer that bounds interactive latency, and the service that drives the
// scan state machine across invocations.
package census

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/flairscan/flairscan/internal/domain/census"
	"github.com/flairscan/flairscan/pkg/common/logger"
)

// DefaultPageInterval is the pause between page fetches. It bounds burst
// request rate against the page source and yields the execution thread.
const DefaultPageInterval = 250 * time.Millisecond

// ResumePoint carries the position a chunk continues a generation from.
type ResumePoint struct {
	GenerationID   uuid.UUID
	Cursor         *string
	Groups         map[string][]string
	ScannedCount   int
	LastPageNumber int
}

// ResumeFrom builds the resume point for the generation a partial
// checkpoint belongs to.
func ResumeFrom(cp *domain.ScanCheckpoint) ResumePoint {
	return ResumePoint{
		GenerationID:   cp.GenerationID,
		Cursor:         cp.Cursor,
		Groups:         cp.Groups,
		ScannedCount:   cp.ScannedCount,
		LastPageNumber: cp.LastPageNumber,
	}
}

// FreshStart builds the resume point for a brand-new generation.
func FreshStart(generationID uuid.UUID) ResumePoint {
	return ResumePoint{GenerationID: generationID}
}

// ChunkRunner executes one bounded run of the paging loop. It merges pages
// into the generation's aggregate, persists a heartbeat after every page,
// and produces a new checkpoint when it stops on time exhaustion,
// end-of-listing, or error.
type ChunkRunner struct {
	source domain.PageSource
	repo   domain.ScanStateRepository
	logger *logger.Logger
	metric metrics
	tracer trace.Tracer

	clock        domain.TimeProvider
	timeout      time.Duration
	fraction     float64
	pageInterval time.Duration
}

// RunnerOption configures a ChunkRunner.
type RunnerOption func(*ChunkRunner)

// WithTimeProvider substitutes the wall clock, for tests.
func WithTimeProvider(clock domain.TimeProvider) RunnerOption {
	return func(r *ChunkRunner) { r.clock = clock }
}

// WithScanTimeout sets the per-invocation time limit the budget is derived
// from.
func WithScanTimeout(timeout time.Duration) RunnerOption {
	return func(r *ChunkRunner) { r.timeout = timeout }
}

// WithBudgetFraction sets the fraction of the time limit the paging loop may
// consume.
func WithBudgetFraction(fraction float64) RunnerOption {
	return func(r *ChunkRunner) { r.fraction = fraction }
}

// WithPageInterval sets the pause between page fetches.
func WithPageInterval(interval time.Duration) RunnerOption {
	return func(r *ChunkRunner) { r.pageInterval = interval }
}

// NewChunkRunner creates a ChunkRunner with the provided dependencies.
func NewChunkRunner(
	source domain.PageSource,
	repo domain.ScanStateRepository,
	logger *logger.Logger,
	metric metrics,
	tracer trace.Tracer,
	opts ...RunnerOption,
) *ChunkRunner {
	r := &ChunkRunner{
		source:       source,
		repo:         repo,
		logger:       logger,
		metric:       metric,
		tracer:       tracer,
		clock:        domain.RealTimeProvider{},
		timeout:      DefaultScanTimeout,
		fraction:     DefaultBudgetFraction,
		pageInterval: DefaultPageInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunChunk continues the generation described by rp until the time budget is
// exhausted, the listing ends, or a page fails. The caller's aggregate is
// never mutated. Fetch and shape errors abort the whole generation and are
// the only errors that cross this boundary; storage errors are logged and
// absorbed.
func (r *ChunkRunner) RunChunk(ctx context.Context, rp ResumePoint) (*domain.ScanCheckpoint, error) {
	ctx, span := r.tracer.Start(ctx, "census.run_chunk",
		trace.WithAttributes(
			attribute.String("generation_id", rp.GenerationID.String()),
			attribute.String("cursor", cursorOrNone(rp.Cursor)),
			attribute.Int("start_page_number", rp.LastPageNumber),
		))
	defer span.End()

	start := r.clock.Now()
	defer func() { r.metric.ObserveChunkDuration(r.clock.Now().Sub(start)) }()

	startedAt := r.generationStartedAt(ctx, start)
	r.registerGeneration(ctx, rp.GenerationID)

	groups := domain.CloneGroups(rp.Groups)
	count := rp.ScannedCount
	pageNum := rp.LastPageNumber
	cursor := rp.Cursor
	completed := false

	budget := NewBudget(start, r.timeout, r.fraction, r.clock)

	for {
		page, err := r.fetchPage(ctx, cursor, pageNum+1)
		if err != nil {
			span.RecordError(err)
			return nil, r.failGeneration(ctx, err)
		}

		pageNum++
		r.metric.IncPagesFetched()

		merged := 0
		for _, member := range page.Members {
			if member.Flair == "" {
				continue
			}
			id := member.ID
			if id == "" {
				id = domain.UnknownMemberID
			}
			groups[member.Flair] = append(groups[member.Flair], id)
			count++
			merged++
		}
		r.metric.AddMembersGrouped(merged)

		cursor = page.Next

		if err := r.repo.Heartbeat(ctx, r.clock.Now()); err != nil {
			r.logger.Warn(ctx, "failed to record heartbeat", "error", err)
		}

		// No sleep after the final page of a budget-limited chunk.
		if cursor != nil && !budget.Remaining() {
			r.logger.Info(ctx, "time budget exhausted, checkpointing chunk",
				"generation_id", rp.GenerationID, "last_page_number", pageNum, "scanned_count", count)
			break
		}

		if err := r.throttle(ctx); err != nil {
			// Context cancelled mid-chunk; checkpoint what we have.
			span.RecordError(err)
			break
		}

		if cursor == nil {
			completed = true
			break
		}
	}

	cp := &domain.ScanCheckpoint{
		GenerationID:        rp.GenerationID,
		Groups:              groups,
		Cursor:              cursor,
		GenerationStartedAt: startedAt,
		Completed:           completed,
		ScannedCount:        count,
		LastPageNumber:      pageNum,
	}

	if completed {
		r.persistCompleted(ctx, cp)
	} else {
		r.persistPartial(ctx, cp)
	}

	span.SetAttributes(
		attribute.Bool("completed", completed),
		attribute.Int("scanned_count", count),
		attribute.Int("last_page_number", pageNum),
	)
	return cp, nil
}

// fetchPage retrieves and shape-checks one page of the listing.
func (r *ChunkRunner) fetchPage(ctx context.Context, cursor *string, pageNum int) (*domain.MemberPage, error) {
	ctx, span := r.tracer.Start(ctx, "census.fetch_page",
		trace.WithAttributes(
			attribute.Int("page_number", pageNum),
			attribute.String("cursor", cursorOrNone(cursor)),
		))
	defer span.End()

	page, err := r.source.FetchPage(ctx, cursor)
	if err != nil {
		span.RecordError(err)
		if !domain.IsFatalPageError(err) {
			err = domain.NewTransportError(err)
		}
		return nil, err
	}
	if page == nil || page.Members == nil {
		err := domain.NewMalformedPageError("member list missing or not a sequence")
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("member_count", len(page.Members)))
	return page, nil
}

// failGeneration records a fatal page error against the generation. The
// failure aborts the whole generation, not just this chunk; only an explicit
// operator retry starts over.
func (r *ChunkRunner) failGeneration(ctx context.Context, cause error) error {
	r.metric.IncScanFailures()

	if err := r.repo.SetFailed(ctx, cause.Error()); err != nil {
		r.logger.Error(ctx, "failed to persist failure flags", "error", err)
	}
	if err := r.repo.SetInProgress(ctx, false); err != nil {
		r.logger.Error(ctx, "failed to clear in-progress flag", "error", err)
	}

	r.logger.Error(ctx, "scan generation failed", "error", cause)
	return cause
}

// persistCompleted promotes cp to the result key and clears the rest of the
// in-flight generation state. Storage failures are logged, never raised.
func (r *ChunkRunner) persistCompleted(ctx context.Context, cp *domain.ScanCheckpoint) {
	if err := r.repo.SaveResult(ctx, cp); err != nil {
		if errors.Is(err, domain.ErrStaleGeneration) {
			r.logger.Warn(ctx, "discarding completed chunk from stale generation",
				"generation_id", cp.GenerationID)
			return
		}
		r.logger.Error(ctx, "failed to save scan result", "error", err)
		return
	}

	if err := r.repo.SetCompletedAt(ctx, r.clock.Now()); err != nil {
		r.logger.Warn(ctx, "failed to record completion instant", "error", err)
	}
	if err := r.repo.ClearFailed(ctx); err != nil {
		r.logger.Warn(ctx, "failed to clear failure flags", "error", err)
	}
	if err := r.repo.SetInProgress(ctx, false); err != nil {
		r.logger.Warn(ctx, "failed to clear in-progress flag", "error", err)
	}
	if err := r.repo.DeletePartial(ctx); err != nil {
		r.logger.Warn(ctx, "failed to delete partial checkpoint", "error", err)
	}

	r.logger.Info(ctx, "scan generation completed",
		"generation_id", cp.GenerationID,
		"scanned_count", cp.ScannedCount,
		"pages", cp.LastPageNumber,
		"groups", len(cp.Groups))
}

// persistPartial checkpoints an incomplete chunk for later resumption.
func (r *ChunkRunner) persistPartial(ctx context.Context, cp *domain.ScanCheckpoint) {
	if err := r.repo.SavePartial(ctx, cp); err != nil {
		if errors.Is(err, domain.ErrStaleGeneration) {
			r.logger.Warn(ctx, "discarding partial chunk from stale generation",
				"generation_id", cp.GenerationID)
			return
		}
		r.logger.Error(ctx, "failed to save partial checkpoint", "error", err)
		return
	}
	if err := r.repo.SetInProgress(ctx, true); err != nil {
		r.logger.Warn(ctx, "failed to set in-progress flag", "error", err)
	}
}

// generationStartedAt returns the stored generation start instant, falling
// back to the chunk start for a brand-new generation.
func (r *ChunkRunner) generationStartedAt(ctx context.Context, fallback time.Time) time.Time {
	startedAt, ok, err := r.repo.StartedAt(ctx)
	if err != nil {
		r.logger.Warn(ctx, "failed to read generation start instant", "error", err)
	}
	if ok {
		return startedAt
	}
	if err := r.repo.SetStartedAt(ctx, fallback); err != nil {
		r.logger.Warn(ctx, "failed to record generation start instant", "error", err)
	}
	return fallback
}

// registerGeneration stores the generation identifier if none is registered
// yet, so the repository's write guard recognizes this generation's writes.
func (r *ChunkRunner) registerGeneration(ctx context.Context, id uuid.UUID) {
	_, ok, err := r.repo.Generation(ctx)
	if err != nil {
		r.logger.Warn(ctx, "failed to read generation identifier", "error", err)
	}
	if ok {
		return
	}
	if err := r.repo.SetGeneration(ctx, id); err != nil {
		r.logger.Warn(ctx, "failed to register generation identifier", "error", err)
	}
}

// throttle pauses between pages. It returns the context error when the
// invocation is cancelled mid-pause.
func (r *ChunkRunner) throttle(ctx context.Context) error {
	timer := time.NewTimer(r.pageInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func cursorOrNone(cursor *string) string {
	if cursor == nil {
		return "none"
	}
	return *cursor
}
