// Package session owns the tenant registry: one session per tenant, its
// connection, and the reconnect and credential-erase schedule around it.
package session

import (
	"context"
	"time"

	"wagateway/internal/backend"
)

// Session is one tenant's registry entry. Every field is guarded by the
// owning Manager's mutex.
type Session struct {
	ID        string // unique per creation; a superseding session gets a new one
	TenantID  string
	CreatedAt time.Time
	UpdatedAt time.Time

	state        State
	phone        string
	qr           string
	pairingCode  string
	pairingError string
	pairPhone    string // raw number supplied with the pairing request

	conn      *backend.Handle
	reconnect *time.Timer
	stopPair  context.CancelFunc
}

// Snapshot is a point-in-time copy of a Session, safe to share.
type Snapshot struct {
	TenantID          string    `json:"tenantId"`
	SessionID         string    `json:"sessionId"`
	Status            string    `json:"status"`
	AuthMode          string    `json:"authMode"`
	AuthState         string    `json:"authState"`
	Connected         bool      `json:"isConnected"`
	PhoneNumber       string    `json:"phoneNumber,omitempty"`
	QRCode            string    `json:"qrCode,omitempty"`
	HasQRCode         bool      `json:"hasQrCode"`
	PairingCode       string    `json:"pairingCode,omitempty"`
	PairingError      string    `json:"pairingError,omitempty"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		TenantID:          s.TenantID,
		SessionID:         s.ID,
		Status:            s.state.Status.String(),
		AuthMode:          s.state.AuthMode.String(),
		AuthState:         s.state.Auth.String(),
		Connected:         s.state.Status == Connected,
		PhoneNumber:       s.phone,
		QRCode:            s.qr,
		HasQRCode:         s.qr != "",
		PairingCode:       s.pairingCode,
		PairingError:      s.pairingError,
		ReconnectAttempts: s.state.ReconnectAttempts,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func (s *Session) stopTimers() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	if s.stopPair != nil {
		s.stopPair()
		s.stopPair = nil
	}
}
