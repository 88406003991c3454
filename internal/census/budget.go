package census

import (
	"time"

	domain "github.com/flairscan/flairscan/internal/domain/census"
)

const (
	// DefaultScanTimeout is the per-invocation time limit assumed when the
	// configuration does not provide one.
	DefaultScanTimeout = 30 * time.Second

	// DefaultBudgetFraction stops the paging loop at 90% of the configured
	// limit, reserving headroom for checkpoint writes before the platform
	// terminates the invocation.
	DefaultBudgetFraction = 0.9
)

// Budget tracks how much of an invocation's time limit remains. A chunk
// stops fetching pages once the configured fraction of the limit has been
// consumed.
type Budget struct {
	start    time.Time
	timeout  time.Duration
	fraction float64
	clock    domain.TimeProvider
}

// NewBudget creates a Budget for an invocation that began at start.
// Out-of-range values fall back to the defaults.
func NewBudget(start time.Time, timeout time.Duration, fraction float64, clock domain.TimeProvider) Budget {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultBudgetFraction
	}
	if clock == nil {
		clock = domain.RealTimeProvider{}
	}
	return Budget{start: start, timeout: timeout, fraction: fraction, clock: clock}
}

// Remaining reports whether the budgeted fraction of the time limit has not
// yet elapsed.
func (b Budget) Remaining() bool {
	elapsed := b.clock.Now().Sub(b.start)
	return elapsed < time.Duration(float64(b.timeout)*b.fraction)
}
