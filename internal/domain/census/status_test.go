package census

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		snapshot StateSnapshot
		want     Status
	}{
		{
			name:     "nothing persisted",
			snapshot: StateSnapshot{},
			want:     StatusNoScan,
		},
		{
			name:     "in progress",
			snapshot: StateSnapshot{HasPartial: true, InProgress: true},
			want:     StatusRunning,
		},
		{
			name:     "interrupted partial awaiting resume",
			snapshot: StateSnapshot{HasPartial: true},
			want:     StatusPartial,
		},
		{
			name:     "completed result",
			snapshot: StateSnapshot{HasResult: true},
			want:     StatusCompleted,
		},
		{
			name:     "failed dominates in progress",
			snapshot: StateSnapshot{HasPartial: true, InProgress: true, Failed: true},
			want:     StatusFailed,
		},
		{
			name:     "failed dominates completed",
			snapshot: StateSnapshot{HasResult: true, Failed: true},
			want:     StatusFailed,
		},
		{
			name:     "partial dominates stale result during refresh",
			snapshot: StateSnapshot{HasResult: true, HasPartial: true},
			want:     StatusPartial,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.snapshot))
		})
	}
}

func TestStatusAllows(t *testing.T) {
	tests := []struct {
		status  Status
		action  Action
		allowed bool
	}{
		{StatusNoScan, ActionStart, true},
		{StatusNoScan, ActionContinue, false},
		{StatusRunning, ActionContinue, true},
		{StatusRunning, ActionStart, false},
		{StatusPartial, ActionContinue, true},
		{StatusPartial, ActionRefresh, false},
		{StatusCompleted, ActionRefresh, true},
		{StatusCompleted, ActionRetry, false},
		{StatusFailed, ActionRetry, true},
		{StatusFailed, ActionContinue, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.status, tt.action), func(t *testing.T) {
			require.Equal(t, tt.allowed, tt.status.Allows(tt.action))
		})
	}

	// Cancel is legal from every state.
	for status := range allowedActions {
		require.True(t, status.Allows(ActionCancel), "cancel should be allowed from %s", status)
	}
}

func TestScanErrorKinds(t *testing.T) {
	transport := NewTransportError(errors.New("connection reset"))
	malformed := NewMalformedPageError("members field missing")

	require.True(t, IsFatalPageError(transport))
	require.True(t, IsFatalPageError(malformed))
	require.False(t, IsFatalPageError(errors.New("plain")))
	require.False(t, IsFatalPageError(ErrStaleGeneration))

	require.True(t, errors.Is(transport, NewTransportError(errors.New("other")).(*ScanError)))
	require.False(t, errors.Is(transport, malformed))
	require.True(t, errors.Is(ErrStaleGeneration, ErrStaleGeneration))

	require.Contains(t, transport.Error(), "connection reset")
	require.Contains(t, malformed.Error(), "members field missing")
}
