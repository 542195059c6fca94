package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"wagateway/internal/authflow"
	"wagateway/internal/backend"
)

var (
	challenge = backend.Event{Kind: backend.EventAuthChallenge, Challenge: "ref"}
	open      = backend.Event{Kind: backend.EventConnectionOpen, Phone: "353899548661"}
	loggedOut = backend.Event{Kind: backend.EventConnectionClosed, Reason: backend.ReasonLoggedOut}
	dropped   = backend.Event{Kind: backend.EventConnectionClosed, Reason: backend.ReasonConnectionClosed}
)

func TestTransition_ScanChallenge(t *testing.T) {
	next, fx := Transition(State{Status: Connecting}, challenge, 3)

	assert.Equal(t, AwaitingAuth, next.Status)
	assert.Equal(t, authflow.ChallengeReceived, next.Auth)
	assert.Equal(t, []Effect{StoreChallenge}, fx)
}

func TestTransition_PairingRequestedOnlyOnce(t *testing.T) {
	s := State{Status: Connecting, AuthMode: PairingCode}

	s, fx := Transition(s, challenge, 3)
	assert.Equal(t, []Effect{RequestPairing}, fx)
	assert.True(t, s.PairingRequested)
	assert.Equal(t, authflow.ChallengeReceived, s.Auth)

	s, fx = Transition(s, challenge, 3)
	assert.Empty(t, fx)
	assert.Equal(t, AwaitingAuth, s.Status)
}

func TestTransition_OpenResetsAttempts(t *testing.T) {
	next, fx := Transition(State{Status: Connecting, ReconnectAttempts: 2}, open, 3)

	assert.Equal(t, Connected, next.Status)
	assert.Zero(t, next.ReconnectAttempts)
	assert.Equal(t, authflow.Authenticated, next.Auth)
	assert.Equal(t, []Effect{MarkAuthenticated}, fx)
}

func TestTransition_LoggedOutIsTerminal(t *testing.T) {
	next, fx := Transition(State{Status: Connected}, loggedOut, 3)

	assert.Equal(t, Terminated, next.Status)
	assert.Equal(t, []Effect{Remove, EraseCredentials}, fx)
	assert.Zero(t, next.ReconnectAttempts)
}

func TestTransition_ReconnectBudget(t *testing.T) {
	s := State{Status: AwaitingAuth, AuthMode: PairingCode, PairingRequested: true}
	for i := 1; i <= 3; i++ {
		var fx []Effect
		s, fx = Transition(s, dropped, 3)
		assert.Equal(t, i, s.ReconnectAttempts, "one increment per close")
		assert.Equal(t, Connecting, s.Status)
		assert.Equal(t, []Effect{ScheduleReconnect}, fx)
		assert.Equal(t, ScanCode, s.AuthMode)
		assert.False(t, s.PairingRequested)
	}

	s, fx := Transition(s, dropped, 3)
	assert.Equal(t, Terminated, s.Status)
	assert.Equal(t, []Effect{Remove}, fx, "exhausted budget keeps credentials")
}

func TestTransition_EveryNonLogoutReasonIsRetried(t *testing.T) {
	for _, reason := range []int{backend.ReasonTemporaryBan, backend.ReasonTimedOut, backend.ReasonConnectionReplaced, backend.ReasonBadSession, 515} {
		_, fx := Transition(State{Status: Connected}, backend.Event{Kind: backend.EventConnectionClosed, Reason: reason}, 3)
		assert.Equal(t, []Effect{ScheduleReconnect}, fx, "reason %d", reason)
	}
}

func TestTransition_IgnoresEventsOnceClosing(t *testing.T) {
	for _, st := range []Status{Closing, Terminated} {
		in := State{Status: st, ReconnectAttempts: 1}
		for _, e := range []backend.Event{challenge, open, loggedOut, dropped} {
			next, fx := Transition(in, e, 3)
			assert.Equal(t, in, next)
			assert.Empty(t, fx)
		}
	}
}

func TestTransition_CredentialsUpdatedChangesNothing(t *testing.T) {
	in := State{Status: AwaitingAuth, Auth: authflow.ScanPending}
	next, fx := Transition(in, backend.Event{Kind: backend.EventCredentialsUpdated}, 3)
	assert.Equal(t, in, next)
	assert.Empty(t, fx)
}

func TestTransition_ChallengeLeavesIdle(t *testing.T) {
	for _, mode := range []AuthMode{ScanCode, PairingCode} {
		s := State{Status: Connecting, AuthMode: mode}
		assert.Equal(t, authflow.Idle, s.Auth)

		s, _ = Transition(s, challenge, 3)
		assert.Equal(t, authflow.ChallengeReceived, s.Auth, mode.String())

		s, _ = Transition(s, dropped, 3)
		assert.Equal(t, authflow.Idle, s.Auth, mode.String())
	}
}
