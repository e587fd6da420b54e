package controller

// Transport states reported by the zone renderer.
const (
	TransportPlaying        = "PLAYING"
	TransportStopped        = "STOPPED"
	TransportPaused         = "PAUSED_PLAYBACK"
	TransportNoMediaPresent = "NO_MEDIA_PRESENT"
	TransportTransitioning  = "TRANSITIONING"
)

// Signal is the transport state reduced to what the state machine reacts to.
type Signal int

const (
	SignalUnknown Signal = iota
	SignalActive
	SignalInactive
)

// String returns a human-readable name for the signal.
func (s Signal) String() string {
	switch s {
	case SignalActive:
		return "active"
	case SignalInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// SignalFor maps a transport state to a signal. Empty means unreadable.
func SignalFor(transportState string) Signal {
	switch transportState {
	case TransportPlaying:
		return SignalActive
	case TransportStopped, TransportPaused, TransportNoMediaPresent:
		return SignalInactive
	}
	return SignalUnknown
}

// Action is the transition to run on this tick.
type Action int

const (
	ActionNone Action = iota
	ActionActivate
	ActionRestore
)

// String returns a human-readable name for the action.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionActivate:
		return "activate"
	case ActionRestore:
		return "restore"
	default:
		return "unknown"
	}
}

// DetermineAction picks the transition for the current activation flag and signal.
// Idle reacts only to Active, Streaming only to Inactive; Unknown never transitions.
func DetermineAction(streaming bool, sig Signal) Action {
	switch {
	case !streaming && sig == SignalActive:
		return ActionActivate
	case streaming && sig == SignalInactive:
		return ActionRestore
	}
	return ActionNone
}
