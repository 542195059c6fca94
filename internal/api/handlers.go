package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"wagateway/internal/backend"
	"wagateway/internal/session"
	"wagateway/pkg/middleware"
)

const (
	msgAlreadyConnected = "Already connected"
	msgNoSession        = "No session found"
)

type healthUser struct {
	TenantID    string `json:"tenantId"`
	Status      string `json:"status"`
	IsConnected bool   `json:"isConnected"`
}

func (a *App) health(w http.ResponseWriter, _ *http.Request) {
	snaps := a.mgr.List()
	users := make([]healthUser, 0, len(snaps))
	for _, s := range snaps {
		users = append(users, healthUser{TenantID: s.TenantID, Status: s.Status, IsConnected: s.Connected})
	}
	writeJSON(w, map[string]any{
		"success":        true,
		"status":         "ok",
		"activeSessions": len(snaps),
		"users":          users,
	}, http.StatusOK)
}

// getQR returns the current scan code, opening a scan-code session first when
// the tenant has none. A connected session is reported and left untouched.
func (a *App) getQR(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFrom(r.Context())
	snap, created, err := a.mgr.GetOrCreate(r.Context(), tenantID)
	if err != nil {
		a.internalError(w, r, "Failed to create session", err)
		return
	}
	if created {
		snap, err = a.mgr.Await(r.Context(), tenantID, snap.SessionID, a.cfg.QRWait, a.cfg.PairingPollInterval,
			func(s session.Snapshot) bool { return s.HasQRCode || s.Connected })
		if err != nil && !errors.Is(err, session.ErrPending) {
			writeJSON(w, failure("Session closed before a QR code was issued"), http.StatusOK)
			return
		}
	}
	switch {
	case snap.Connected:
		writeJSON(w, map[string]any{"success": false, "connected": true, "message": msgAlreadyConnected}, http.StatusOK)
	case snap.HasQRCode:
		writeJSON(w, map[string]any{"success": true, "qrCode": snap.QRCode}, http.StatusOK)
	default:
		writeJSON(w, failure("QR code not ready yet, please retry"), http.StatusOK)
	}
}

type pairingRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

// postPairingCode starts a pairing-code session, superseding any session the
// tenant already has, and polls briefly for the issued code.
func (a *App) postPairingCode(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFrom(r.Context())
	var req pairingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, failure("invalid JSON body"), http.StatusBadRequest)
		return
	}
	phone := strings.TrimSpace(req.PhoneNumber)
	if phone == "" || backend.Digits(phone) == "" {
		writeJSON(w, failure("phoneNumber is required"), http.StatusBadRequest)
		return
	}
	if snap, ok := a.mgr.Get(tenantID); ok && snap.Connected {
		writeJSON(w, map[string]any{"success": false, "connected": true, "message": msgAlreadyConnected}, http.StatusOK)
		return
	}
	created, err := a.mgr.Create(r.Context(), tenantID, session.CreateOptions{Mode: session.PairingCode, Phone: phone})
	if err != nil {
		a.internalError(w, r, "Failed to create session", err)
		return
	}
	snap, err := a.mgr.Await(r.Context(), tenantID, created.SessionID, a.cfg.PairingPollTimeout, a.cfg.PairingPollInterval,
		func(s session.Snapshot) bool { return s.PairingCode != "" || s.PairingError != "" || s.Connected })
	switch {
	case errors.Is(err, session.ErrPending):
		writeJSON(w, failure("Pairing code not ready yet, please retry"), http.StatusOK)
	case errors.Is(err, session.ErrSuperseded):
		writeJSON(w, failure("Session was replaced by a newer request"), http.StatusOK)
	case err != nil:
		writeJSON(w, failure("Session closed before a pairing code was issued"), http.StatusOK)
	case snap.PairingCode != "":
		writeJSON(w, map[string]any{"success": true, "pairingCode": snap.PairingCode}, http.StatusOK)
	case snap.Connected:
		writeJSON(w, map[string]any{"success": false, "connected": true, "message": msgAlreadyConnected}, http.StatusOK)
	default:
		writeJSON(w, failure(snap.PairingError), http.StatusOK)
	}
}

// getStatus is a read-only lookup; it never creates a session.
func (a *App) getStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.mgr.Get(middleware.TenantFrom(r.Context()))
	if !ok {
		writeJSON(w, map[string]any{"success": false, "isConnected": false, "message": msgNoSession}, http.StatusOK)
		return
	}
	writeJSON(w, map[string]any{
		"success":           true,
		"isConnected":       snap.Connected,
		"phoneNumber":       snap.PhoneNumber,
		"hasQrCode":         snap.HasQRCode,
		"hasPairingCode":    snap.PairingCode != "",
		"pairingCode":       snap.PairingCode,
		"pairingError":      snap.PairingError,
		"status":            snap.Status,
		"authMode":          snap.AuthMode,
		"authState":         snap.AuthState,
		"reconnectAttempts": snap.ReconnectAttempts,
	}, http.StatusOK)
}

type sendRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
	GIFURL  string `json:"gifUrl,omitempty"`
}

func (a *App) postSend(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFrom(r.Context())
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, failure("invalid JSON body"), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Phone) == "" || req.Message == "" {
		writeJSON(w, failure("phone and message are required"), http.StatusBadRequest)
		return
	}
	err := a.mgr.Send(r.Context(), tenantID, req.Phone, backend.Payload{Text: req.Message, MediaURL: req.GIFURL})
	if err != nil {
		a.operationError(w, r, "Failed to send message", err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "message": "Message sent"}, http.StatusOK)
}

func (a *App) getGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.mgr.Groups(r.Context(), middleware.TenantFrom(r.Context()))
	if err != nil {
		a.operationError(w, r, "Failed to fetch groups", err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "groups": groups}, http.StatusOK)
}

func (a *App) postLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.mgr.Logout(r.Context(), middleware.TenantFrom(r.Context())); err != nil {
		a.internalError(w, r, "Failed to log out", err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "message": "Logged out successfully"}, http.StatusOK)
}

// operationError maps Manager errors onto the response taxonomy: malformed
// input is a 400, known operational failures are 200 with success false.
func (a *App) operationError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, backend.ErrInvalidDestination):
		writeJSON(w, failure(err.Error()), http.StatusBadRequest)
	case errors.Is(err, session.ErrNoSession):
		writeJSON(w, failure(msgNoSession), http.StatusOK)
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, backend.ErrClosed):
		writeJSON(w, failure("Not connected"), http.StatusOK)
	case errors.Is(err, backend.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		a.log.Warnw(msg, "tenant", middleware.TenantFrom(r.Context()), "err", err)
		writeJSON(w, failure(msg), http.StatusOK)
	default:
		a.internalError(w, r, msg, err)
	}
}

func (a *App) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.log.Errorw(msg,
		"tenant", middleware.TenantFrom(r.Context()),
		"request_id", middleware.RequestIDFrom(r.Context()),
		"err", err,
	)
	writeJSON(w, failure(msg), http.StatusInternalServerError)
}
