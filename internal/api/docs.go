package api

import (
	"wagateway/pkg/middleware"
	"wagateway/pkg/openapi"
)

func okResponse(desc string) map[string]any {
	return map[string]any{"200": map[string]any{"description": desc}}
}

// describe registers every control-API route for /openapi.json.
func (a *App) describe() {
	d := a.docs
	d.Scopes[middleware.ScopeSession] = "Pair, inspect and log out tenant sessions"
	d.Scopes[middleware.ScopeSend] = "Send messages and read session status"

	tenant := openapi.PathParam("tenantID", "Tenant identifier")
	session := []string{middleware.ScopeSession}

	d.Register(openapi.Operation{Method: "GET", Path: "/health", Summary: "Liveness and active sessions", Tags: []string{"ops"},
		Responses: okResponse("Gateway is up")})
	d.Register(openapi.Operation{Method: "GET", Path: "/qr/{tenantID}", Summary: "Fetch the scan code, creating a session if needed",
		Tags: []string{"auth"}, Scopes: session, Parameters: []any{tenant},
		Responses: okResponse("qrCode as a PNG data URL, or a message when not ready or already connected")})
	d.Register(openapi.Operation{Method: "POST", Path: "/pairing-code/{tenantID}", Summary: "Start a pairing-code handshake",
		Tags: []string{"auth"}, Scopes: session, Parameters: []any{tenant},
		RequestBody: openapi.JSONBody([]string{"phoneNumber"}, map[string]any{
			"phoneNumber": map[string]any{"type": "string", "example": "353899548661"},
		}),
		Responses: map[string]any{
			"200": map[string]any{"description": "pairingCode, or a message when not ready"},
			"400": map[string]any{"description": "phoneNumber missing"},
			"429": map[string]any{"description": "Too many pairing requests for this tenant"},
		}})
	d.Register(openapi.Operation{Method: "GET", Path: "/status/{tenantID}", Summary: "Read session status without creating one",
		Tags: []string{"sessions"}, Scopes: []string{middleware.ScopeSession, middleware.ScopeSend}, Parameters: []any{tenant},
		Responses: okResponse("isConnected, phoneNumber, hasQrCode, hasPairingCode, pairingCode, status")})
	d.Register(openapi.Operation{Method: "POST", Path: "/send/{tenantID}", Summary: "Send a text or GIF message",
		Tags: []string{"messages"}, Scopes: []string{middleware.ScopeSend}, Parameters: []any{tenant},
		RequestBody: openapi.JSONBody([]string{"phone", "message"}, map[string]any{
			"phone":   map[string]any{"type": "string", "description": "Phone number, or a group address ending in @g.us"},
			"message": map[string]any{"type": "string"},
			"gifUrl":  map[string]any{"type": "string", "format": "uri"},
		}),
		Responses: map[string]any{
			"200": map[string]any{"description": "Sent, or success false with a reason"},
			"400": map[string]any{"description": "Missing fields or bad destination"},
		}})
	d.Register(openapi.Operation{Method: "GET", Path: "/groups/{tenantID}", Summary: "List groups, newest first",
		Tags: []string{"messages"}, Scopes: session, Parameters: []any{tenant},
		Responses: okResponse("groups[]")})
	d.Register(openapi.Operation{Method: "POST", Path: "/logout/{tenantID}", Summary: "Unlink the device and erase credentials",
		Tags: []string{"sessions"}, Scopes: session, Parameters: []any{tenant},
		Responses: okResponse("Logged out")})
}
