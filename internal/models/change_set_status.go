package models

// allowedTransitions lists every legal status move. COMPLETED, FAILED and
// SKIPPED have no outgoing edges; a retry is a new change set pointing at the
// original through ParentChangeSetID.
var allowedTransitions = map[ChangeSetStatus]map[ChangeSetStatus]bool{
	ChangeSetStatusQueued: {
		ChangeSetStatusRunning: true,
		ChangeSetStatusSkipped: true,
	},
	ChangeSetStatusRunning: {
		ChangeSetStatusCompleted: true,
		ChangeSetStatusFailed:    true,
		ChangeSetStatusQueued:    true, // stuck-job recovery only
	},
}

// CanTransition reports whether a change set may move from one status to another
func CanTransition(from, to ChangeSetStatus) bool {
	return allowedTransitions[from][to]
}

// IsTerminal reports whether no further transition is possible from status
func (s ChangeSetStatus) IsTerminal() bool {
	return len(allowedTransitions[s]) == 0
}

// Valid reports whether s is a known status
func (s ChangeSetStatus) Valid() bool {
	switch s {
	case ChangeSetStatusQueued, ChangeSetStatusRunning, ChangeSetStatusFailed,
		ChangeSetStatusCompleted, ChangeSetStatusSkipped:
		return true
	}
	return false
}
