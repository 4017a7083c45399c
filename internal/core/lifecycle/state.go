// SPDX-License-Identifier: MPL-2.0

package lifecycle

// State is where a Machine is in its single pass from Created to Stopped
// or Failed. It is stored atomically, hence the fixed width.
type State int32

const (
	StateCreated State = iota
	// StateStarting covers the SSH handshake or the listener setup.
	StateStarting
	// StateRunning means sessions may be opened.
	StateRunning
	StateStopping
	// StateStopped and StateFailed are terminal. A machine never leaves them;
	// callers build a new one to reconnect.
	StateStopped
	StateFailed
)

var stateNames = [...]string{
	StateCreated:  "created",
	StateStarting: "starting",
	StateRunning:  "running",
	StateStopping: "stopping",
	StateStopped:  "stopped",
	StateFailed:   "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}
