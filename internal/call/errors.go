package call

import (
	"errors"
	"strings"
)

var (
	// ErrNotActive is returned for operations that need an active call.
	ErrNotActive = errors.New("call not active")
	// ErrNoCallID marks a finished session whose provider call id could not
	// be recovered.
	ErrNoCallID = errors.New("no call identifier")
	// ErrInvalidTransition is returned when an intent does not apply to the
	// current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrEmptySolution is returned when a side-channel submission is blank.
	ErrEmptySolution = errors.New("empty solution")
	// ErrClosed is returned once the machine has been closed.
	ErrClosed = errors.New("machine closed")
)

// benignTermination lists substrings the provider uses when a call ends
// normally through its error channel.
var benignTermination = []string{
	"meeting ended due to ejection",
	"meeting has ended",
	"call-end",
	"ejection",
}

// IsExpectedTermination reports whether a transport error message is a
// normal call-ending signal rather than a fault.
func IsExpectedTermination(msg string) bool {
	m := strings.ToLower(msg)
	for _, s := range benignTermination {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}
