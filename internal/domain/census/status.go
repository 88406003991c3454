package census

// Status represents the lifecycle states of a community scan as classified
// from the persisted flags. It is implemented as a value object using a
// string type to ensure type safety and domain invariants.
type Status string

const (
	// StatusNoScan indicates no result, no partial, no in-progress flag and
	// no failure flag exist for the community.
	StatusNoScan Status = "NO_SCAN"

	// StatusRunning indicates a chunk is (or recently was) executing:
	// inProgress is set and the generation has not failed.
	StatusRunning Status = "RUNNING"

	// StatusPartial indicates an interrupted, incomplete generation awaiting
	// explicit resume: a partial checkpoint exists but inProgress is unset.
	StatusPartial Status = "PARTIAL"

	// StatusCompleted indicates a result checkpoint exists with the listing
	// exhausted.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed indicates the generation encountered an unrecoverable
	// fetch or shape error.
	StatusFailed Status = "FAILED"
)

// Action is an operator-driven trigger for a scan state transition.
type Action string

const (
	// ActionStart creates a fresh generation from NoScan.
	ActionStart Action = "start"

	// ActionContinue resumes an interrupted generation from its stored
	// partial checkpoint.
	ActionContinue Action = "continue"

	// ActionRefresh starts a brand-new generation over a completed result.
	ActionRefresh Action = "refresh"

	// ActionRetry clears failure flags and starts a fresh generation.
	ActionRetry Action = "retry"

	// ActionCancel deletes all generation-scoped state.
	ActionCancel Action = "cancel"
)

// StateSnapshot carries the cheaply-readable persisted flags used to
// classify a community's scan state without deserializing the full
// checkpoint aggregate.
type StateSnapshot struct {
	HasResult      bool
	HasPartial     bool
	InProgress     bool
	Failed         bool
	FailureMessage string
}

// Classify maps the persisted flags onto a scan Status. Failure dominates,
// then liveness, then an interrupted partial, then a completed result.
func Classify(s StateSnapshot) Status {
	switch {
	case s.Failed:
		return StatusFailed
	case s.InProgress:
		return StatusRunning
	case s.HasPartial:
		return StatusPartial
	case s.HasResult:
		return StatusCompleted
	default:
		return StatusNoScan
	}
}

// allowedActions defines the operator actions legal in each state. Cancel is
// legal everywhere.
var allowedActions = map[Status][]Action{
	StatusNoScan:    {ActionStart, ActionCancel},
	StatusRunning:   {ActionContinue, ActionCancel},
	StatusPartial:   {ActionContinue, ActionCancel},
	StatusCompleted: {ActionRefresh, ActionCancel},
	StatusFailed:    {ActionRetry, ActionCancel},
}

// Allows reports whether the given operator action is legal in this state.
func (s Status) Allows(action Action) bool {
	for _, allowed := range allowedActions[s] {
		if action == allowed {
			return true
		}
	}
	return false
}
