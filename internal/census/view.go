package census

import (
	"fmt"
	"sort"
	"time"

	domain "github.com/flairscan/flairscan/internal/domain/census"
)

// GroupCount is one flair bucket of a rendered scan.
type GroupCount struct {
	Flair   string   `json:"flair"`
	Count   int      `json:"count"`
	Members []string `json:"members"`
}

// ViewModel is the presenter-facing projection of a community's scan state.
type ViewModel struct {
	Status         domain.Status `json:"status"`
	Groups         []GroupCount  `json:"groups"`
	ScannedCount   int           `json:"scanned_count"`
	Pages          int           `json:"pages"`
	StartedAt      time.Time     `json:"started_at"`
	Completed      bool          `json:"completed"`
	FailureMessage string        `json:"failure_message,omitempty"`
	ShowToast      bool          `json:"show_toast,omitempty"`
}

// Render projects a classified state and its checkpoint into a ViewModel.
// Groups are ordered by descending member count, ties broken by flair, so
// the presenter's listing is stable across renders.
func Render(status domain.Status, cp *domain.ScanCheckpoint, failureMessage string) ViewModel {
	vm := ViewModel{
		Status:         status,
		FailureMessage: failureMessage,
	}
	if cp == nil {
		return vm
	}

	vm.ScannedCount = cp.ScannedCount
	vm.Pages = cp.LastPageNumber
	vm.StartedAt = cp.GenerationStartedAt
	vm.Completed = cp.Completed

	vm.Groups = make([]GroupCount, 0, len(cp.Groups))
	for flair, members := range cp.Groups {
		vm.Groups = append(vm.Groups, GroupCount{
			Flair:   flair,
			Count:   len(members),
			Members: append([]string(nil), members...),
		})
	}
	sort.Slice(vm.Groups, func(i, j int) bool {
		if vm.Groups[i].Count != vm.Groups[j].Count {
			return vm.Groups[i].Count > vm.Groups[j].Count
		}
		return vm.Groups[i].Flair < vm.Groups[j].Flair
	})

	return vm
}

// Summary produces the one-line progress text shown next to the state badge.
func (vm ViewModel) Summary() string {
	switch vm.Status {
	case domain.StatusNoScan:
		return "no scan has been run"
	case domain.StatusFailed:
		if vm.FailureMessage != "" {
			return fmt.Sprintf("scan failed: %s", vm.FailureMessage)
		}
		return "scan failed"
	case domain.StatusCompleted:
		return fmt.Sprintf("%d members across %d flairs", vm.ScannedCount, len(vm.Groups))
	default:
		return fmt.Sprintf("%d members scanned so far (%d pages)", vm.ScannedCount, vm.Pages)
	}
}
