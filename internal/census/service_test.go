package census

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	domain "github.com/flairscan/flairscan/internal/domain/census"
	"github.com/flairscan/flairscan/internal/infra/storage/scanstate"
	"github.com/flairscan/flairscan/internal/infra/storage/scanstate/memory"
)

func newTestService(t *testing.T, source domain.PageSource, repo domain.ScanStateRepository, runnerOpts []RunnerOption, svcOpts ...ServiceOption) *Service {
	t.Helper()
	runner := newTestRunner(t, source, repo, runnerOpts...)
	return NewService(
		"r/gophers",
		"v1",
		repo,
		runner,
		testLogger(),
		noopMetrics{},
		noop.NewTracerProvider().Tracer("test"),
		svcOpts...,
	)
}

func twoPageSource() *fakeSource {
	return &fakeSource{
		pages: map[string]*domain.MemberPage{
			"": {
				Members: []domain.Member{
					{ID: "alice", Flair: "gold"},
					{ID: "bob", Flair: "silver"},
				},
				Next: strPtr("c2"),
			},
			"c2": {
				Members: []domain.Member{{ID: "dave", Flair: "gold"}},
				Next:    nil,
			},
		},
	}
}

func TestInspectNoScan(t *testing.T) {
	ctx := context.Background()
	repo := scanstate.NewRepository(memory.New())
	svc := newTestService(t, twoPageSource(), repo, nil)

	vm, err := svc.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNoScan, vm.Status)
	assert.Empty(t, vm.Groups)
	assert.False(t, vm.ShowToast)

	version, err := repo.AppVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", version)
}

func TestStartCompletesSynchronously(t *testing.T) {
	ctx := context.Background()
	repo := scanstate.NewRepository(memory.New())
	source := twoPageSource()
	svc := newTestService(t, source, repo, nil)

	cp, err := svc.Start(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Completed)
	assert.Equal(t, 3, cp.ScannedCount)

	vm, err := svc.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, vm.Status)
	require.Len(t, vm.Groups, 2)
	assert.Equal(t, "gold", vm.Groups[0].Flair)
	assert.Equal(t, 2, vm.Groups[0].Count)
}

func TestStartDeadlineReturnsSynthesizedPartial(t *testing.T) {
	ctx := context.Background()
	repo := scanstate.NewRepository(memory.New())
	source := twoPageSource()
	source.onFetch = func() { time.Sleep(50 * time.Millisecond) }

	svc := newTestService(t, source, repo, nil, WithQuickScanDeadline(10*time.Millisecond))

	cp, err := svc.Start(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)

	// The deadline answered before the first page landed.
	assert.False(t, cp.Completed)
	assert.Zero(t, cp.ScannedCount)
	assert.NotEqual(t, uuid.Nil, cp.GenerationID)

	snap, err := repo.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, domain.Classify(snap))

	// The losing chunk keeps running detached and finishes the listing.
	require.Eventually(t, func() bool {
		result, err := repo.LoadResult(ctx)
		return err == nil && result != nil && result.Completed
	}, 2*time.Second, 10*time.Millisecond)

	snap, err = repo.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, domain.Classify(snap))
}

func TestStartDeadlineReturnsStoredPartial(t *testing.T) {
	ctx := context.Background()
	repo := scanstate.NewRepository(memory.New())

	gen := uuid.New()
	require.NoError(t, repo.SetGeneration(ctx, gen))
	seeded := domain.NewScanCheckpoint(gen, time.Now().Add(-time.Minute))
	seeded.Cursor = strPtr("c2")
	seeded.Groups["gold"] = []string{"alice"}
	seeded.ScannedCount = 1
	seeded.LastPageNumber = 1
	require.NoError(t, repo.SavePartial(ctx, seeded))
	require.NoError(t, repo.SetInProgress(ctx, true))

	source := twoPageSource()
	source.onFetch = func() { time.Sleep(50 * time.Millisecond) }
	svc := newTestService(t, source, repo, nil, WithQuickScanDeadline(10*time.Millisecond))

	cp, err := svc.QuickScan(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)

	// The stored partial answers; no empty checkpoint is synthesized over it.
	assert.Equal(t, gen, cp.GenerationID)
	assert.Equal(t, 1, cp.ScannedCount)

	require.Eventually(t, func() bool {
		result, err := repo.LoadResult(ctx)
		return err == nil && result != nil
	}, 2*time.Second, 10*time.Millisecond)

	result, err := repo.LoadResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "dave"}, result.Groups["gold"])
	assert.Equal(t, 2, result.LastPageNumber)
}

func TestContinueFromPartialCompletes(t *testing.T) {
	ctx := context.Background()
	repo := scanstate.NewRepository(memory.New())

	gen := uuid.New()
	require.NoError(t, repo.SetGeneration(ctx, gen))
	seeded := domain.NewScanCheckpoint(gen, time.Now().Add(-time.Minute))
	seeded.Cursor = strPtr("c2")
	seeded.Groups["gold"] = []string{"alice"}
	seeded.Groups["silver"] = []string{"bob"}
	seeded.ScannedCount = 2
	seeded.LastPageNumber = 1
	require.NoError(t, repo.SavePartial(ctx, seeded))

	source := twoPageSource()
	svc := newTestService(t, source, repo, nil)

	// An interrupted partial with no live chunk classifies as Partial.
	vm, err := svc.Inspect(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPartial, vm.Status)
	assert.Equal(t, 2, vm.ScannedCount)

	cp, err := svc.Continue(ctx)
	require.NoError(t, err)
	require.True(t, cp.Completed)
	assert.Equal(t, 3, cp.ScannedCount)
	assert.Equal(t, []string{"alice", "dave"}, cp.Groups["gold"])

	// Only the remaining page was fetched.
	assert.Equal(t, 1, source.fetchCalls())
}

func TestContinueIncompleteChunkParksPartial(t *testing.T) {
	ctx := context.Background()
	repo := scanstate.NewRepository(memory.New())
	clock := newMockTimeProvider(time.Now())

	gen := uuid.New()
	require.NoError(t, repo.SetGeneration(ctx, gen))
	seeded := domain.NewScanCheckpoint(gen, clock.Now())
	seeded.Cursor = strPtr("c1")
	seeded.ScannedCount = 1
	seeded.LastPageNumber = 1
	require.NoError(t, repo.SavePartial(ctx, seeded))

	source := &fakeSource{
		pages: map[string]*domain.MemberPage{
			"c1": {Members: []domain.Member{{ID: "m2", Flair: "gold"}}, Next: strPtr("c2")},
			"c2": {Members: []domain.Member{{ID: "m3", Flair: "gold"}}, Next: strPtr("c3")},
			"c3": {Members: []domain.Member{{ID: "m4", Flair: "gold"}}, Next: strPtr("c4")},
		},
	}
	source.onFetch = func() { clock.Advance(20 * time.Second) }

	svc := newTestService(t, source, repo, []RunnerOption{
		WithTimeProvider(clock),
		WithScanTimeout(30 * time.Second),
	})

	cp, err := svc.Continue(ctx)
	require.NoError(t, err)
	require.False(t, cp.Completed)

	// The invocation ended with no chunk running; the generation is parked
	// awaiting the next continue.
	snap, err := repo.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartial, domain.Classify(snap))
}

func TestActionValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		seed func(t *testing.T, repo *scanstate.Repository)
		call func(svc *Service) error
	}{
		{
			name: "continue without a scan",
			seed: func(*testing.T, *scanstate.Repository) {},
			call: func(svc *Service) error { _, err := svc.Continue(ctx); return err },
		},
		{
			name: "refresh without a result",
			seed: func(*testing.T, *scanstate.Repository) {},
			call: func(svc *Service) error { _, err := svc.Refresh(ctx); return err },
		},
		{
			name: "retry without a failure",
			seed: func(*testing.T, *scanstate.Repository) {},
			call: func(svc *Service) error { _, err := svc.Retry(ctx); return err },
		},
		{
			name: "start over a completed result",
			seed: func(t *testing.T, repo *scanstate.Repository) {
				gen := uuid.New()
				require.NoError(t, repo.SetGeneration(ctx, gen))
				cp := domain.NewScanCheckpoint(gen, time.Now())
				cp.Completed = true
				require.NoError(t, repo.SaveResult(ctx, cp))
			},
			call: func(svc *Service) error { _, err := svc.Start(ctx); return err },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := scanstate.NewRepository(memory.New())
			tt.seed(t, repo)
			svc := newTestService(t, twoPageSource(), repo, nil)

			err := tt.call(svc)
			require.Error(t, err)

			var scanErr *domain.ScanError
			require.ErrorAs(t, err, &scanErr)
			assert.Equal(t, domain.ErrKindInvalidAction, scanErr.Kind())
		})
	}
}

func TestRefreshStartsNewGeneration(t *testing.T) {
	ctx := context.Background()
	repo := scanstate.NewRepository(memory.New())

	oldGen := uuid.New()
	require.NoError(t, repo.SetGeneration(ctx, oldGen))
	old := domain.NewScanCheckpoint(oldGen, time.Now().Add(-time.Hour))
	old.Completed = true
	old.Groups["gold"] = []string{"stale"}
	old.ScannedCount = 1
	require.NoError(t, repo.SaveResult(ctx, old))

	source := twoPageSource()
	svc := newTestService(t, source, repo, nil)

	cp, err := svc.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, cp.Completed)
	assert.NotEqual(t, oldGen, cp.GenerationID)

	result, err := repo.LoadResult(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, cp.GenerationID, result.GenerationID)
	assert.Equal(t, []string{"alice", "dave"}, result.Groups["gold"])
}

func TestAcceptRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	repo := scanstate.NewRepository(memory.New())
	require.NoError(t, repo.SetFailed(ctx, "connection reset"))

	svc := newTestService(t, twoPageSource(), repo, nil)

	vm, err := svc.Inspect(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, vm.Status)
	assert.Contains(t, vm.FailureMessage, "connection reset")

	cp, err := svc.Accept(ctx)
	require.NoError(t, err)
	require.True(t, cp.Completed)

	snap, err := repo.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Failed)
	assert.Equal(t, domain.StatusCompleted, domain.Classify(snap))
}

func TestCancelClearsGenerationState(t *testing.T) {
	ctx := context.Background()
	repo := scanstate.NewRepository(memory.New())

	gen := uuid.New()
	require.NoError(t, repo.SetGeneration(ctx, gen))
	cp := domain.NewScanCheckpoint(gen, time.Now())
	cp.Cursor = strPtr("c1")
	require.NoError(t, repo.SavePartial(ctx, cp))
	require.NoError(t, repo.SetInProgress(ctx, true))

	svc := newTestService(t, twoPageSource(), repo, nil)
	require.NoError(t, svc.Cancel(ctx))

	vm, err := svc.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNoScan, vm.Status)

	version, err := repo.AppVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", version)
}

func TestVersionChangeClearsStaleState(t *testing.T) {
	ctx := context.Background()
	repo := scanstate.NewRepository(memory.New())
	require.NoError(t, repo.SetAppVersion(ctx, "v0"))

	gen := uuid.New()
	require.NoError(t, repo.SetGeneration(ctx, gen))
	cp := domain.NewScanCheckpoint(gen, time.Now())
	cp.Completed = true
	require.NoError(t, repo.SaveResult(ctx, cp))

	svc := newTestService(t, twoPageSource(), repo, nil)

	vm, err := svc.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNoScan, vm.Status)

	result, err := repo.LoadResult(ctx)
	require.NoError(t, err)
	assert.Nil(t, result)

	version, err := repo.AppVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", version)
}

func TestInspectShowsCompletionToastOnce(t *testing.T) {
	ctx := context.Background()
	repo := scanstate.NewRepository(memory.New())
	source := twoPageSource()
	svc := newTestService(t, source, repo, nil)

	_, err := svc.Start(ctx)
	require.NoError(t, err)
	fetched := source.fetchCalls()

	vm, err := svc.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, vm.Status)
	assert.True(t, vm.ShowToast)

	vm, err = svc.Inspect(ctx)
	require.NoError(t, err)
	assert.False(t, vm.ShowToast)

	// Inspection never triggers fetching or mutates the result's aggregate.
	assert.Equal(t, fetched, source.fetchCalls())
	result, err := repo.LoadResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ScannedCount)
}
