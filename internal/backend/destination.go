package backend

import (
	"fmt"
	"strings"
)

const (
	UserServer  = "s.whatsapp.net"
	GroupServer = "g.us"
)

// NormalizeDestination turns a caller-supplied phone or address into a full
// address. Anything already carrying a server part is kept as is; a bare
// number keeps only its digits and is addressed to an individual.
func NormalizeDestination(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDestination)
	}
	if user, server, ok := strings.Cut(raw, "@"); ok {
		if user == "" || server == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidDestination, raw)
		}
		return raw, nil
	}
	digits := Digits(raw)
	if digits == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidDestination, raw)
	}
	return digits + "@" + UserServer, nil
}

// IsGroup reports whether addr names a group chat.
func IsGroup(addr string) bool {
	return strings.HasSuffix(addr, "@"+GroupServer)
}

// Digits strips every non-digit rune.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
