package alerts

// NotFoundError indicates the alert id does not exist.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return "alert not found: " + e.ID
}

// InvalidStateError indicates a lifecycle transition was rejected by a guard.
type InvalidStateError struct {
	ID      string
	Current State
	Op      string
}

func (e *InvalidStateError) Error() string {
	return "invalid state for " + e.Op + ": alert " + e.ID + " is " + e.Current.String()
}

// ConflictError indicates a concurrent writer updated the alert first.
type ConflictError struct {
	ID string
}

func (e *ConflictError) Error() string {
	return "concurrent update on alert: " + e.ID
}
