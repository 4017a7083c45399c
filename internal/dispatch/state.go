// SPDX-License-Identifier: MPL-2.0

package dispatch

// Invocation states.
const (
	StateIdle State = iota
	StateWorkspaceBuilding
	StateTranslating
	StateRemoteRunning
	StateFallingBack
	StateDone
)

// Execution paths reported in an Outcome.
const (
	PathRemote Path = "remote"
	PathLocal  Path = "local"
	PathNone   Path = "none"
)

// Fallback reasons, used in logs and metrics.
const (
	ReasonConfig         = "config"
	ReasonUnknownProgram = "unknown_program"
	ReasonTranslation    = "translation"
	ReasonWorkspace      = "workspace"
	ReasonTransport      = "transport"
)

type (
	// State is a step of the dispatch state machine.
	State int

	// Path says where the tool finally ran.
	Path string
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWorkspaceBuilding:
		return "workspace_building"
	case StateTranslating:
		return "translating"
	case StateRemoteRunning:
		return "remote_running"
	case StateFallingBack:
		return "falling_back"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// canFallBack reports whether s may be left for StateFallingBack.
func (s State) canFallBack() bool {
	switch s {
	case StateIdle, StateWorkspaceBuilding, StateTranslating, StateRemoteRunning:
		return true
	default:
		return false
	}
}
