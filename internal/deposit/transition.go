package deposit

// CanTransition reports whether a record may move from one status to another.
//
// pending resolves to completed or failed. failed is retried by the sweep and
// may still reach completed. completed is final and nothing returns to
// pending.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusCompleted
	default:
		return false
	}
}

// CheckTransition validates a transition for rec and returns a
// *TransitionError when it is not allowed.
func CheckTransition(rec *Record, to Status) error {
	if rec == nil {
		return ErrRecordNotFound
	}
	if !CanTransition(rec.Status, to) {
		return &TransitionError{ID: rec.ID, From: rec.Status, To: to}
	}
	return nil
}

// Apply performs a compare-and-swap on an in-memory record. It is shared by
// the store implementations that keep records in process memory.
func Apply(rec *Record, expected, next Status) (bool, error) {
	if rec == nil {
		return false, ErrRecordNotFound
	}
	if !CanTransition(expected, next) {
		return false, &TransitionError{ID: rec.ID, From: expected, To: next}
	}
	if rec.Status != expected {
		return false, nil
	}
	rec.Status = next
	return true, nil
}
