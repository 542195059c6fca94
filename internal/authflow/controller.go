// Package authflow drives the two first-connection handshakes: rendering
// scan codes and searching phone formats for a pairing code.
package authflow

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"go.uber.org/zap"

	"wagateway/internal/metrics"
)

// PairingFailedMessage is shown to callers once every candidate was refused.
const PairingFailedMessage = "All phone number formats failed. Please verify your number."

var ErrAllCandidatesFailed = errors.New("all phone number formats failed")

// State tracks how far a session got in the handshake. ChallengeReceived
// holds until the scan code is rendered or a pairing code is issued.
type State int

const (
	Idle State = iota
	ChallengeReceived
	ScanPending
	PairingPending
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ChallengeReceived:
		return "challenge_received"
	case ScanPending:
		return "scan_pending"
	case PairingPending:
		return "pairing_pending"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Pairer requests a pairing code for one phone format.
type Pairer interface {
	RequestPairingCode(ctx context.Context, phone string) (string, error)
}

type Controller struct {
	rules          []Rule
	attemptTimeout time.Duration
	qrSize         int
	log            *zap.SugaredLogger
}

func NewController(rules []Rule, attemptTimeout time.Duration, log *zap.SugaredLogger) *Controller {
	return &Controller{rules: rules, attemptTimeout: attemptTimeout, qrSize: 256, log: log}
}

// RenderChallenge encodes a scan-code payload as a PNG data URL.
func (c *Controller) RenderChallenge(payload string) (string, error) {
	code, err := qr.Encode(payload, qr.M, qr.Auto)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	code, err = barcode.Scale(code, c.qrSize, c.qrSize)
	if err != nil {
		return "", fmt.Errorf("scale qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Pair tries every candidate of raw in order and returns the first code the
// backend hands out. Cancelling ctx stops the search.
func (c *Controller) Pair(ctx context.Context, p Pairer, raw string) (string, error) {
	candidates := Candidates(raw, c.rules)
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: empty phone number", ErrAllCandidatesFailed)
	}
	var lastErr error
	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := c.attempt(ctx, p, cand.Phone)
		if err == nil {
			metrics.PairingAttemptsTotal.WithLabelValues(cand.Form, "ok").Inc()
			c.log.Infow("pairing code issued", "format", cand.Form)
			return code, nil
		}
		metrics.PairingAttemptsTotal.WithLabelValues(cand.Form, "error").Inc()
		c.log.Warnw("pairing candidate rejected", "format", cand.Form, "attempt", i+1, "of", len(candidates), "err", err)
		lastErr = err
	}
	return "", fmt.Errorf("%w: %v", ErrAllCandidatesFailed, lastErr)
}

func (c *Controller) attempt(ctx context.Context, p Pairer, phone string) (string, error) {
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}
	return p.RequestPairingCode(ctx, phone)
}
