package census

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestNewScanCheckpoint checks that a fresh generation checkpoint has the
// expected zero state.
func TestNewScanCheckpoint(t *testing.T) {
	genID := uuid.New()
	startedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cp := NewScanCheckpoint(genID, startedAt)

	require.Equal(t, genID, cp.GenerationID)
	require.NotNil(t, cp.Groups)
	require.Empty(t, cp.Groups)
	require.Nil(t, cp.Cursor)
	require.Equal(t, startedAt, cp.GenerationStartedAt)
	require.False(t, cp.Completed)
	require.Zero(t, cp.ScannedCount)
	require.Zero(t, cp.LastPageNumber)
	require.False(t, cp.ToastShown)
	require.False(t, cp.Terminal())
}

func TestCloneIsIndependent(t *testing.T) {
	cursor := "page-2"
	cp := &ScanCheckpoint{
		GenerationID:        uuid.New(),
		Groups:              map[string][]string{"gold": {"a", "b"}},
		Cursor:              &cursor,
		GenerationStartedAt: time.Now(),
		ScannedCount:        2,
		LastPageNumber:      1,
	}

	clone := cp.Clone()
	require.Equal(t, cp.Groups, clone.Groups)
	require.Equal(t, *cp.Cursor, *clone.Cursor)

	// Mutating the clone must not touch the original.
	clone.Groups["gold"] = append(clone.Groups["gold"], "c")
	clone.Groups["silver"] = []string{"d"}
	*clone.Cursor = "page-3"

	require.Equal(t, []string{"a", "b"}, cp.Groups["gold"])
	require.NotContains(t, cp.Groups, "silver")
	require.Equal(t, "page-2", *cp.Cursor)
}

func TestTerminal(t *testing.T) {
	cursor := "x"

	tests := []struct {
		name      string
		cursor    *string
		completed bool
		want      bool
	}{
		{"exhausted and completed", nil, true, true},
		{"exhausted but not completed", nil, false, false},
		{"cursor remaining", &cursor, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := &ScanCheckpoint{Cursor: tt.cursor, Completed: tt.completed}
			require.Equal(t, tt.want, cp.Terminal())
		})
	}
}

func TestCloneGroupsNil(t *testing.T) {
	groups := CloneGroups(nil)
	require.NotNil(t, groups)
	require.Empty(t, groups)

	// The copy must be usable as a fresh aggregate.
	groups["gold"] = append(groups["gold"], "a")
	require.Len(t, groups["gold"], 1)
}
