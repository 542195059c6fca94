package session

import (
	"wagateway/internal/authflow"
	"wagateway/internal/backend"
)

type Status int

const (
	Connecting Status = iota
	AwaitingAuth
	Connected
	Closing
	Terminated
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case AwaitingAuth:
		return "awaiting_auth"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

type AuthMode int

const (
	ScanCode AuthMode = iota
	PairingCode
)

func (m AuthMode) String() string {
	if m == PairingCode {
		return "pairing_code"
	}
	return "scan_code"
}

// State is the part of a session the lifecycle rules read and write.
type State struct {
	Status            Status
	AuthMode          AuthMode
	Auth              authflow.State
	ReconnectAttempts int
	PairingRequested  bool
}

// Effect is a side effect the manager carries out after a transition.
type Effect int

const (
	StoreChallenge    Effect = iota + 1 // render and keep the scan code
	RequestPairing                      // start the phone-format search
	MarkAuthenticated                   // keep the phone number, drop the scan code
	ScheduleReconnect                   // reopen after the reconnect delay
	Remove                              // drop from the registry and close the connection
	EraseCredentials                    // erase credential files after the grace delay
)

func (e Effect) String() string {
	switch e {
	case StoreChallenge:
		return "store_challenge"
	case RequestPairing:
		return "request_pairing"
	case MarkAuthenticated:
		return "mark_authenticated"
	case ScheduleReconnect:
		return "schedule_reconnect"
	case Remove:
		return "remove"
	case EraseCredentials:
		return "erase_credentials"
	}
	return "unknown"
}

// Transition applies one lifecycle event. It is pure: everything it decides
// is expressed through the returned state and effects.
func Transition(s State, e backend.Event, maxRetries int) (State, []Effect) {
	if s.Status == Closing || s.Status == Terminated {
		return s, nil
	}
	switch e.Kind {
	case backend.EventAuthChallenge:
		s.Status = AwaitingAuth
		if s.AuthMode == ScanCode {
			s.Auth = authflow.ChallengeReceived
			return s, []Effect{StoreChallenge}
		}
		if s.PairingRequested {
			return s, nil
		}
		s.PairingRequested = true
		s.Auth = authflow.ChallengeReceived
		return s, []Effect{RequestPairing}

	case backend.EventConnectionOpen:
		s.Status = Connected
		s.Auth = authflow.Authenticated
		s.ReconnectAttempts = 0
		return s, []Effect{MarkAuthenticated}

	case backend.EventConnectionClosed:
		if e.Reason == backend.ReasonLoggedOut {
			s.Status = Terminated
			s.Auth = authflow.Failed
			return s, []Effect{Remove, EraseCredentials}
		}
		s.ReconnectAttempts++
		if s.ReconnectAttempts > maxRetries {
			s.Status = Terminated
			return s, []Effect{Remove}
		}
		s.Status = Connecting
		s.AuthMode = ScanCode
		s.PairingRequested = false
		s.Auth = authflow.Idle
		return s, []Effect{ScheduleReconnect}
	}
	return s, nil
}
