package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"wagateway/internal/metrics"
)

type OpenParams struct {
	TenantID string
	Dir      string // credential directory
	Log      *zap.SugaredLogger
}

// Handle owns exactly one Transport. Events emitted by the transport are
// queued per handle and handed to the sink in emission order.
type Handle struct {
	tenantID string
	t        Transport
	log      *zap.SugaredLogger
	q        *eventQueue

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
}

// Open dials the backend. Events produced before Start are buffered.
func Open(ctx context.Context, d Dialer, p OpenParams) (*Handle, error) {
	log := p.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := &Handle{tenantID: p.TenantID, log: log, q: newEventQueue()}
	t, err := d.Dial(ctx, p.TenantID, p.Dir, h.q.push)
	if err != nil {
		h.q.stop()
		return nil, opErr("open", err)
	}
	h.t = t
	return h, nil
}

func (h *Handle) TenantID() string { return h.tenantID }

// Start begins event delivery on its own goroutine. Later calls are no-ops.
func (h *Handle) Start(sink func(*Handle, Event)) {
	h.startOnce.Do(func() {
		go h.q.run(func(e Event) { sink(h, e) })
	})
}

// Send delivers payload to dest. A failed media send is retried once as plain
// text; only the outcome of that retry is reported.
func (h *Handle) Send(ctx context.Context, dest string, p Payload) (err error) {
	if h.closed.Load() {
		return opErr("send", ErrClosed)
	}
	defer h.recoverOp("send", &err)

	kind := "text"
	if p.MediaURL != "" {
		mErr := h.t.SendGIF(ctx, dest, p.MediaURL, p.Text)
		if mErr == nil {
			metrics.MessagesTotal.WithLabelValues("media", "ok").Inc()
			return nil
		}
		metrics.MessagesTotal.WithLabelValues("media", "error").Inc()
		h.log.Warnw("media send failed, falling back to text", "to", dest, "group", IsGroup(dest), "err", mErr)
		kind = "media_fallback"
	}
	if err := h.t.SendText(ctx, dest, p.Text); err != nil {
		metrics.MessagesTotal.WithLabelValues(kind, "error").Inc()
		return opErr("send", err)
	}
	metrics.MessagesTotal.WithLabelValues(kind, "ok").Inc()
	return nil
}

// ListGroups returns joined groups, newest first.
func (h *Handle) ListGroups(ctx context.Context) (groups []GroupInfo, err error) {
	if h.closed.Load() {
		return nil, opErr("groups", ErrClosed)
	}
	defer h.recoverOp("groups", &err)

	groups, err = h.t.JoinedGroups(ctx)
	if err != nil {
		return nil, opErr("groups", err)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].CreatedAt.After(groups[j].CreatedAt)
	})
	return groups, nil
}

// RequestPairingCode asks the backend for a numeric code bound to phone.
func (h *Handle) RequestPairingCode(ctx context.Context, phone string) (code string, err error) {
	if h.closed.Load() {
		return "", opErr("pair", ErrClosed)
	}
	defer h.recoverOp("pair", &err)

	code, err = h.t.PairPhone(ctx, phone)
	return code, opErr("pair", err)
}

// Logout unlinks the device on the backend side.
func (h *Handle) Logout(ctx context.Context) (err error) {
	if h.closed.Load() {
		return opErr("logout", ErrClosed)
	}
	defer h.recoverOp("logout", &err)
	return opErr("logout", h.t.Logout(ctx))
}

// Close stops event delivery and disconnects. Safe to call more than once.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.q.stop()
		defer func() {
			if rec := recover(); rec != nil {
				h.log.Errorw("panic during disconnect", "err", rec)
			}
		}()
		h.t.Disconnect()
	})
}

func (h *Handle) Closed() bool { return h.closed.Load() }

func (h *Handle) recoverOp(op string, err *error) {
	if rec := recover(); rec != nil {
		h.log.Errorw("backend panic", "op", op, "err", rec)
		*err = opErr(op, fmt.Errorf("panic: %v", rec))
	}
}
