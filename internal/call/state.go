package call

import "time"

// State is a session's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	StateConnecting
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// resting reports whether a new Start or incoming offer may begin from s.
func (s State) resting() bool { return s == StateIdle || s == StateEnded }

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// CallSummary is reported once per finished attempt.
type CallSummary struct {
	ConversationID string
	RemoteUserID   string
	Direction      Direction
	Outcome        Outcome
	StartedAt      time.Time
	EndedAt        time.Time
}

// EventKind classifies what a Manager reports to its OnEvent handlers.
type EventKind string

const (
	EventState        EventKind = "state"
	EventRemoteStream EventKind = "remote-stream"
	EventRejected     EventKind = "rejected"
	EventError        EventKind = "error"
)

// Event is a user-visible change on one session. Error and Rejected events
// are what a UI would show as a toast.
type Event struct {
	Kind           EventKind
	ConversationID string
	State          State
	Err            error
}

// StateChange is one observed connection or ICE state transition.
type StateChange struct {
	At    time.Time `json:"at"`
	Kind  string    `json:"kind"` // "connection" | "ice"
	State string    `json:"state"`
}

// SessionStatus is a point-in-time snapshot of a session.
type SessionStatus struct {
	ConversationID string        `json:"conversation_id"`
	State          string        `json:"state"`
	RemoteUserID   string        `json:"remote_user_id,omitempty"`
	RemoteUserName string        `json:"remote_user_name,omitempty"`
	Direction      Direction     `json:"direction,omitempty"`
	AudioMuted     bool          `json:"audio_muted"`
	VideoDisabled  bool          `json:"video_disabled"`
	HasLocal       bool          `json:"has_local_stream"`
	RemoteTracks   int           `json:"remote_tracks"`
	PendingICE     int           `json:"pending_ice"`
	LastChange     *StateChange  `json:"last_change,omitempty"`
	Transitions    []StateChange `json:"transitions,omitempty"`
}
