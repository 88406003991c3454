package census

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/flairscan/flairscan/internal/domain/census"
)

// DefaultQuickScanDeadline bounds how long an interactive invocation waits
// for the first chunk before answering with a partial checkpoint.
const DefaultQuickScanDeadline = 500 * time.Millisecond

// chunkOutcome carries a finished chunk across the racer's channel.
type chunkOutcome struct {
	cp  *domain.ScanCheckpoint
	err error
}

// QuickScan races one chunk against the interactive deadline. If the chunk
// finishes first its checkpoint is returned, complete or not. If the
// deadline fires first the chunk keeps running detached from the caller's
// context, and the stored partial (or a freshly synthesized empty one) is
// returned so the presenter has something to render immediately.
func (s *Service) QuickScan(ctx context.Context) (*domain.ScanCheckpoint, error) {
	ctx, span := s.tracer.Start(ctx, "census.quick_scan",
		trace.WithAttributes(attribute.String("community_id", s.communityID)))
	defer span.End()

	partial, err := s.repo.LoadPartial(ctx)
	if err != nil {
		s.logger.Error(ctx, "failed to load partial checkpoint", "error", err)
		partial = nil
	}

	var rp ResumePoint
	var startedAt time.Time
	if partial != nil {
		rp = ResumeFrom(partial)
		startedAt = partial.GenerationStartedAt
	} else {
		rp, startedAt = s.startGeneration(ctx)
	}

	// The chunk must outlive this invocation when it loses the race.
	bgCtx := context.WithoutCancel(ctx)
	outcome := make(chan chunkOutcome, 1)
	go func() {
		var cp *domain.ScanCheckpoint
		runErr := s.metric.TrackScan(func() error {
			var err error
			cp, err = s.runner.RunChunk(bgCtx, rp)
			return err
		})
		outcome <- chunkOutcome{cp: cp, err: runErr}
	}()

	deadline := time.NewTimer(s.quickScanDeadline)
	defer deadline.Stop()

	select {
	case out := <-outcome:
		if out.err != nil {
			span.RecordError(out.err)
			return nil, out.err
		}
		span.SetAttributes(attribute.Bool("deadline_hit", false),
			attribute.Bool("completed", out.cp.Completed))
		if !out.cp.Completed {
			// The chunk beat the deadline but ran out of listing budget; the
			// invocation ends here with nothing running anymore.
			if err := s.repo.SetInProgress(ctx, false); err != nil {
				s.logger.Warn(ctx, "failed to clear in-progress flag", "error", err)
			}
		}
		return out.cp, nil

	case <-deadline.C:
		span.SetAttributes(attribute.Bool("deadline_hit", true))
		s.logger.Info(ctx, "quick-scan deadline reached, chunk continues in background",
			"community_id", s.communityID, "generation_id", rp.GenerationID)
		if partial != nil {
			return partial, nil
		}
		return s.synthesizePartial(ctx, rp, startedAt), nil
	}
}

// synthesizePartial persists and returns an empty partial checkpoint so the
// first interactive response of a brand-new generation has state to show.
func (s *Service) synthesizePartial(ctx context.Context, rp ResumePoint, startedAt time.Time) *domain.ScanCheckpoint {
	cp := domain.NewScanCheckpoint(rp.GenerationID, startedAt)
	if err := s.repo.SavePartial(ctx, cp); err != nil {
		s.logger.Warn(ctx, "failed to persist initial partial checkpoint", "error", err)
	}
	if err := s.repo.SetInProgress(ctx, true); err != nil {
		s.logger.Warn(ctx, "failed to set in-progress flag", "error", err)
	}
	return cp
}
