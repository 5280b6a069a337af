package domain

import "fmt"

// StateError reports a user record that does not satisfy the invariants of
// the requested auth state.
type StateError struct {
	UserID string
	State  AuthState
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("user %s in state %s: %s", e.UserID, e.State, e.Reason)
}
