package census

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/flairscan/flairscan/internal/domain/census"
	"github.com/flairscan/flairscan/pkg/common/logger"
)

// Service drives the scan state machine for one community. Each method maps
// to an operator action; classification is read from the checkpoint store on
// every call so that state survives across invocations.
type Service struct {
	communityID string
	version     string

	repo   domain.ScanStateRepository
	runner *ChunkRunner
	logger *logger.Logger
	metric metrics
	tracer trace.Tracer
	clock  domain.TimeProvider

	quickScanDeadline time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithQuickScanDeadline sets the deadline the quick-scan racer gives a chunk
// before answering with a partial checkpoint instead.
func WithQuickScanDeadline(deadline time.Duration) ServiceOption {
	return func(s *Service) { s.quickScanDeadline = deadline }
}

// WithServiceTimeProvider substitutes the wall clock, for tests.
func WithServiceTimeProvider(clock domain.TimeProvider) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// NewService creates a scan Service for the given community. The version is
// compared against the stored appVersion on every entry point; a mismatch
// clears all generation-scoped state so checkpoints from a previous
// deployment are never resumed.
func NewService(
	communityID string,
	version string,
	repo domain.ScanStateRepository,
	runner *ChunkRunner,
	logger *logger.Logger,
	metric metrics,
	tracer trace.Tracer,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		communityID:       communityID,
		version:           version,
		repo:              repo,
		runner:            runner,
		logger:            logger,
		metric:            metric,
		tracer:            tracer,
		clock:             domain.RealTimeProvider{},
		quickScanDeadline: DefaultQuickScanDeadline,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Inspect classifies the current scan state and renders it for the
// presenter. On the first inspection of a completed result it flips the
// one-time toast flag.
func (s *Service) Inspect(ctx context.Context) (ViewModel, error) {
	ctx, span := s.tracer.Start(ctx, "census.inspect",
		trace.WithAttributes(attribute.String("community_id", s.communityID)))
	defer span.End()

	s.ensureVersion(ctx)

	snap, err := s.repo.Snapshot(ctx)
	if err != nil {
		return ViewModel{}, err
	}
	status := domain.Classify(snap)
	span.SetAttributes(attribute.String("status", string(status)))

	cp := s.loadForStatus(ctx, status)
	vm := Render(status, cp, snap.FailureMessage)

	if status == domain.StatusCompleted && cp != nil && !cp.ToastShown {
		vm.ShowToast = true
		cp.ToastShown = true
		if err := s.repo.SaveResult(ctx, cp); err != nil {
			s.logger.Warn(ctx, "failed to persist toast flag", "error", err)
		}
	}

	return vm, nil
}

// Start creates a fresh generation and answers via the quick-scan racer.
func (s *Service) Start(ctx context.Context) (*domain.ScanCheckpoint, error) {
	return s.dispatch(ctx, domain.ActionStart)
}

// Continue resumes an interrupted generation from its stored partial
// checkpoint, synchronously running one more chunk.
func (s *Service) Continue(ctx context.Context) (*domain.ScanCheckpoint, error) {
	return s.dispatch(ctx, domain.ActionContinue)
}

// Refresh starts a brand-new generation over a completed result. The old
// result stays visible until the new generation completes.
func (s *Service) Refresh(ctx context.Context) (*domain.ScanCheckpoint, error) {
	return s.dispatch(ctx, domain.ActionRefresh)
}

// Retry clears the failure flags and starts a fresh generation. Failed
// partials are never resumed.
func (s *Service) Retry(ctx context.Context) (*domain.ScanCheckpoint, error) {
	return s.dispatch(ctx, domain.ActionRetry)
}

// Accept performs whichever continue/retry/refresh/start action the current
// state calls for. This backs the operator's single accept control.
func (s *Service) Accept(ctx context.Context) (*domain.ScanCheckpoint, error) {
	return s.dispatch(ctx, "")
}

// Cancel deletes all generation-scoped state. An in-flight chunk is not
// interrupted, but its writes will be rejected as stale and any subsequent
// invocation sees a clean slate.
func (s *Service) Cancel(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "census.cancel",
		trace.WithAttributes(attribute.String("community_id", s.communityID)))
	defer span.End()

	s.ensureVersion(ctx)

	if err := s.repo.DeleteGeneration(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	s.logger.Info(ctx, "scan cancelled", "community_id", s.communityID)
	return nil
}

// dispatch validates the action against the classified state and runs it.
// An empty action means "accept": run whatever the state allows.
func (s *Service) dispatch(ctx context.Context, action domain.Action) (*domain.ScanCheckpoint, error) {
	ctx, span := s.tracer.Start(ctx, "census.dispatch",
		trace.WithAttributes(
			attribute.String("community_id", s.communityID),
			attribute.String("action", string(action)),
		))
	defer span.End()

	s.ensureVersion(ctx)

	snap, err := s.repo.Snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	status := domain.Classify(snap)
	span.SetAttributes(attribute.String("status", string(status)))

	if action == "" {
		action = acceptActionFor(status)
	}
	if !status.Allows(action) {
		err := domain.NewInvalidActionError(action, status)
		span.RecordError(err)
		return nil, err
	}

	switch action {
	case domain.ActionStart:
		return s.QuickScan(ctx)

	case domain.ActionContinue:
		return s.continueChunk(ctx)

	case domain.ActionRefresh:
		s.resetGeneration(ctx, false)
		return s.QuickScan(ctx)

	case domain.ActionRetry:
		s.resetGeneration(ctx, true)
		return s.QuickScan(ctx)

	default:
		err := domain.NewInvalidActionError(action, status)
		span.RecordError(err)
		return nil, err
	}
}

// acceptActionFor maps a state to the action its accept control performs.
func acceptActionFor(status domain.Status) domain.Action {
	switch status {
	case domain.StatusRunning, domain.StatusPartial:
		return domain.ActionContinue
	case domain.StatusCompleted:
		return domain.ActionRefresh
	case domain.StatusFailed:
		return domain.ActionRetry
	default:
		return domain.ActionStart
	}
}

// continueChunk synchronously runs one more chunk of the stored generation.
func (s *Service) continueChunk(ctx context.Context) (*domain.ScanCheckpoint, error) {
	partial, err := s.repo.LoadPartial(ctx)
	if err != nil {
		s.logger.Error(ctx, "failed to load partial checkpoint", "error", err)
	}

	var rp ResumePoint
	if partial != nil {
		rp = ResumeFrom(partial)
	} else {
		// In-progress flag without a partial checkpoint; nothing to resume,
		// start the generation's paging from the top.
		rp, _ = s.startGeneration(ctx)
	}

	var cp *domain.ScanCheckpoint
	err = s.metric.TrackScan(func() error {
		var runErr error
		cp, runErr = s.runner.RunChunk(ctx, rp)
		return runErr
	})
	if err != nil {
		return nil, err
	}

	if !cp.Completed {
		// The invocation is over and nothing is running anymore; park the
		// generation as an interrupted partial awaiting the next continue.
		if err := s.repo.SetInProgress(ctx, false); err != nil {
			s.logger.Warn(ctx, "failed to clear in-progress flag", "error", err)
		}
	}
	return cp, nil
}

// resetGeneration prepares a brand-new generation. clearFailure also wipes
// the failure flags left by a failed generation.
func (s *Service) resetGeneration(ctx context.Context, clearFailure bool) {
	if clearFailure {
		if err := s.repo.ClearFailed(ctx); err != nil {
			s.logger.Warn(ctx, "failed to clear failure flags", "error", err)
		}
	}
	if err := s.repo.DeletePartial(ctx); err != nil {
		s.logger.Warn(ctx, "failed to delete stale partial checkpoint", "error", err)
	}
}

// startGeneration registers a fresh generation and returns its resume point
// and start instant.
func (s *Service) startGeneration(ctx context.Context) (ResumePoint, time.Time) {
	id := uuid.New()
	now := s.clock.Now()

	if err := s.repo.SetGeneration(ctx, id); err != nil {
		s.logger.Warn(ctx, "failed to register generation identifier", "error", err)
	}
	if err := s.repo.SetStartedAt(ctx, now); err != nil {
		s.logger.Warn(ctx, "failed to record generation start instant", "error", err)
	}

	s.logger.Info(ctx, "starting scan generation",
		"community_id", s.communityID, "generation_id", id)
	return FreshStart(id), now
}

// ensureVersion force-clears generation state persisted by a different
// deployed version before the state is otherwise evaluated.
func (s *Service) ensureVersion(ctx context.Context) {
	stored, err := s.repo.AppVersion(ctx)
	if err != nil {
		s.logger.Warn(ctx, "failed to read stored app version", "error", err)
		return
	}
	if stored == s.version {
		return
	}

	if stored != "" {
		s.logger.Info(ctx, "app version changed, clearing stale scan state",
			"stored_version", stored, "running_version", s.version)
		if err := s.repo.DeleteGeneration(ctx); err != nil {
			s.logger.Error(ctx, "failed to clear stale scan state", "error", err)
		}
	}
	if err := s.repo.SetAppVersion(ctx, s.version); err != nil {
		s.logger.Warn(ctx, "failed to store app version", "error", err)
	}
}

// loadForStatus loads the checkpoint the given state renders from.
func (s *Service) loadForStatus(ctx context.Context, status domain.Status) *domain.ScanCheckpoint {
	var cp *domain.ScanCheckpoint
	var err error

	switch status {
	case domain.StatusCompleted:
		cp, err = s.repo.LoadResult(ctx)
	case domain.StatusRunning, domain.StatusPartial:
		cp, err = s.repo.LoadPartial(ctx)
	default:
		return nil
	}
	if err != nil {
		s.logger.Error(ctx, "failed to load checkpoint", "status", status, "error", err)
		return nil
	}
	return cp
}
