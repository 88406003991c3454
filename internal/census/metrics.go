package census

import "time"

// metrics defines the interface for tracking scan-related metrics.
type metrics interface {
	IncPagesFetched()
	AddMembersGrouped(count int)
	IncScanFailures()
	ObserveChunkDuration(duration time.Duration)
	TrackScan(fn func() error) error
}
