// Package backend wraps one live connection to the messaging network per
// tenant and turns the library's callbacks into an ordered event stream.
package backend

import (
	"context"
	"time"
)

type EventKind int

const (
	EventCredentialsUpdated EventKind = iota + 1
	EventAuthChallenge
	EventConnectionOpen
	EventConnectionClosed
)

func (k EventKind) String() string {
	switch k {
	case EventCredentialsUpdated:
		return "credentials_updated"
	case EventAuthChallenge:
		return "auth_challenge"
	case EventConnectionOpen:
		return "open"
	case EventConnectionClosed:
		return "closed"
	}
	return "unknown"
}

// Close reasons reported with EventConnectionClosed. Only ReasonLoggedOut is
// terminal; every other value may be retried.
const (
	ReasonLoggedOut          = 401
	ReasonTemporaryBan       = 402
	ReasonTimedOut           = 408
	ReasonConnectionClosed   = 428
	ReasonConnectionReplaced = 440
	ReasonBadSession         = 500
)

// Event is one lifecycle notification from a connection.
type Event struct {
	Kind      EventKind
	Challenge string // raw scan-code payload, EventAuthChallenge only
	Reason    int    // EventConnectionClosed only
	Phone     string // account number, EventConnectionOpen only
}

// Payload is a message body. MediaURL, when set, points to an animation that
// is sent with Text as caption.
type Payload struct {
	Text     string
	MediaURL string
}

type GroupInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Participants int       `json:"participants"`
	Owner        string    `json:"owner,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Transport is the minimal surface of a connected backend client.
type Transport interface {
	SendText(ctx context.Context, to, text string) error
	SendGIF(ctx context.Context, to, mediaURL, caption string) error
	JoinedGroups(ctx context.Context) ([]GroupInfo, error)
	PairPhone(ctx context.Context, phone string) (string, error)
	Logout(ctx context.Context) error
	Disconnect()
}

// Dialer opens a Transport whose credential material lives in dir. Lifecycle
// events must be delivered through emit, in order; emit never blocks.
type Dialer interface {
	Dial(ctx context.Context, tenantID, dir string, emit func(Event)) (Transport, error)
}
