package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wagateway/internal/audit"
	"wagateway/internal/authflow"
	"wagateway/internal/backend"
	"wagateway/internal/credentials"
	"wagateway/internal/metrics"
	"wagateway/pkg/logger"
)

var (
	ErrNoSession     = errors.New("no session found")
	ErrNotConnected  = errors.New("session not connected")
	ErrSuperseded    = errors.New("session superseded")
	ErrPending       = errors.New("not ready yet")
	ErrPhoneRequired = errors.New("phone number required for pairing")
	ErrShuttingDown  = errors.New("gateway shutting down")
)

type Options struct {
	Dialer backend.Dialer
	Store  *credentials.Store
	Auth   *authflow.Controller
	Log    *zap.SugaredLogger

	MaxRetries     int
	ReconnectDelay time.Duration
	EraseGrace     time.Duration
	DialTimeout    time.Duration

	// Optional
	Locker Locker
	Mirror Mirror
	Audit  audit.Recorder
}

// Manager is the tenant registry. The mutex guards the registry and every
// Session in it; network calls are always made without holding it.
type Manager struct {
	dialer         backend.Dialer
	store          *credentials.Store
	auth           *authflow.Controller
	log            *zap.SugaredLogger
	maxRetries     int
	reconnectDelay time.Duration
	eraseGrace     time.Duration
	dialTimeout    time.Duration
	locker         Locker
	mirror         Mirror
	audit          audit.Recorder

	// mirrorMu orders mirror writes; it is never taken while holding mu.
	mirrorMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*Session
	erasures map[string]*erasure
	closed   bool
}

type erasure struct{ timer *time.Timer }

func NewManager(o Options) *Manager {
	m := &Manager{
		dialer:         o.Dialer,
		store:          o.Store,
		auth:           o.Auth,
		log:            o.Log,
		maxRetries:     o.MaxRetries,
		reconnectDelay: o.ReconnectDelay,
		eraseGrace:     o.EraseGrace,
		dialTimeout:    o.DialTimeout,
		locker:         o.Locker,
		mirror:         o.Mirror,
		audit:          o.Audit,
		sessions:       map[string]*Session{},
		erasures:       map[string]*erasure{},
	}
	if m.log == nil {
		m.log = logger.Nop()
	}
	if m.dialTimeout <= 0 {
		m.dialTimeout = time.Minute
	}
	if m.locker == nil {
		m.locker = NewLocalLocker()
	}
	if m.mirror == nil {
		m.mirror = noopMirror{}
	}
	if m.audit == nil {
		m.audit = audit.Noop{}
	}
	return m
}

// Get returns the tenant's session without creating one.
func (m *Manager) Get(tenantID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tenantID]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// List returns every registered session ordered by tenant id.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) CountByStatus() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, s := range m.sessions {
		out[s.state.Status.String()]++
	}
	return out
}

type CreateOptions struct {
	Mode  AuthMode
	Phone string // required for PairingCode
}

// Create opens a fresh session for tenantID. Any session already registered
// for the tenant is superseded: detached from the registry and closed.
func (m *Manager) Create(ctx context.Context, tenantID string, opts CreateOptions) (Snapshot, error) {
	if !credentials.ValidTenantID(tenantID) {
		return Snapshot{}, fmt.Errorf("%w: %q", credentials.ErrInvalidTenant, tenantID)
	}
	if opts.Mode == PairingCode && opts.Phone == "" {
		return Snapshot{}, ErrPhoneRequired
	}
	unlock, err := m.locker.Lock(ctx, tenantID)
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()
	return m.createHeld(ctx, tenantID, opts)
}

// GetOrCreate returns the tenant's session, creating a scan-code session when
// none is registered. The registry is re-checked under the tenant lock, so
// concurrent callers for one tenant dial once. created reports which happened.
func (m *Manager) GetOrCreate(ctx context.Context, tenantID string) (snap Snapshot, created bool, err error) {
	if snap, ok := m.Get(tenantID); ok {
		return snap, false, nil
	}
	if !credentials.ValidTenantID(tenantID) {
		return Snapshot{}, false, fmt.Errorf("%w: %q", credentials.ErrInvalidTenant, tenantID)
	}
	unlock, err := m.locker.Lock(ctx, tenantID)
	if err != nil {
		return Snapshot{}, false, err
	}
	defer unlock()
	if snap, ok := m.Get(tenantID); ok {
		return snap, false, nil
	}
	snap, err = m.createHeld(ctx, tenantID, CreateOptions{Mode: ScanCode})
	return snap, err == nil, err
}

// createHeld does the work of Create; the caller holds the tenant lock.
func (m *Manager) createHeld(ctx context.Context, tenantID string, opts CreateOptions) (Snapshot, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, ErrShuttingDown
	}
	old := m.detachLocked(tenantID)
	flush := m.takeErasureLocked(tenantID)
	m.mu.Unlock()

	m.retire(old)
	if flush {
		m.eraseNow(tenantID)
	}

	log := m.log.With("tenant", tenantID)
	dir, err := m.store.PathFor(tenantID)
	if err != nil {
		return Snapshot{}, err
	}
	dctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()
	h, err := backend.Open(dctx, m.dialer, backend.OpenParams{TenantID: tenantID, Dir: dir, Log: log})
	if err != nil {
		log.Errorw("open connection failed", "err", err)
		return Snapshot{}, err
	}

	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		CreatedAt: now,
		UpdatedAt: now,
		state:     State{Status: Connecting, AuthMode: opts.Mode},
		pairPhone: opts.Phone,
		conn:      h,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		h.Close()
		return Snapshot{}, ErrShuttingDown
	}
	prev := m.detachLocked(tenantID)
	m.sessions[tenantID] = s
	snap := s.snapshot()
	m.mu.Unlock()

	m.retire(prev)
	h.Start(m.handleEvent)
	log.Infow("session created", "session", s.ID, "mode", opts.Mode.String())
	m.publish(snap, false, "created", 0, "")
	return snap, nil
}

// Await polls the tenant's session until cond holds. It gives up when the
// session disappears or is replaced, or when timeout passes.
func (m *Manager) Await(ctx context.Context, tenantID, sessionID string, timeout, interval time.Duration, cond func(Snapshot) bool) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap, ok := m.Get(tenantID)
		switch {
		case !ok:
			return Snapshot{}, ErrNoSession
		case snap.SessionID != sessionID:
			return snap, ErrSuperseded
		case cond(snap):
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ErrPending
		case <-ticker.C:
		}
	}
}

// Send delivers a message through a connected session.
func (m *Manager) Send(ctx context.Context, tenantID, dest string, p backend.Payload) error {
	to, err := backend.NormalizeDestination(dest)
	if err != nil {
		return err
	}
	h, err := m.connected(tenantID)
	if err != nil {
		return err
	}
	return h.Send(ctx, to, p)
}

// Groups lists the tenant's groups, newest first.
func (m *Manager) Groups(ctx context.Context, tenantID string) ([]backend.GroupInfo, error) {
	h, err := m.connected(tenantID)
	if err != nil {
		return nil, err
	}
	return h.ListGroups(ctx)
}

func (m *Manager) connected(tenantID string) (*backend.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tenantID]
	if !ok {
		return nil, ErrNoSession
	}
	if s.state.Status != Connected {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// Logout unlinks the device, removes the session and schedules the tenant's
// credentials for erasure. Credentials are erased even when no session is
// registered. Backend failures are logged, never returned.
func (m *Manager) Logout(ctx context.Context, tenantID string) error {
	if !credentials.ValidTenantID(tenantID) {
		return fmt.Errorf("%w: %q", credentials.ErrInvalidTenant, tenantID)
	}
	unlock, err := m.locker.Lock(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()
	log := m.log.With("tenant", tenantID)

	m.mu.Lock()
	s := m.sessions[tenantID]
	if s != nil {
		s.state.Status = Closing
		s.UpdatedAt = time.Now()
		s.stopTimers()
	}
	m.mu.Unlock()

	if s != nil && s.conn != nil {
		if err := s.conn.Logout(ctx); err != nil {
			log.Warnw("backend logout failed", "err", err)
		}
	}

	m.mu.Lock()
	var snap Snapshot
	if s != nil {
		if m.sessions[tenantID] == s {
			delete(m.sessions, tenantID)
		}
		s.state.Status = Terminated
		snap = s.snapshot()
	}
	m.scheduleEraseLocked(tenantID)
	m.mu.Unlock()

	if s != nil {
		if s.conn != nil {
			s.conn.Close()
		}
		m.publish(snap, true, "logout", 0, "")
	} else {
		m.publish(Snapshot{TenantID: tenantID, Status: Terminated.String()}, true, "logout", 0, "no session")
	}
	log.Infow("logged out")
	return nil
}

// Restore opens a scan-code session for every tenant with stored credentials
// that is not already registered. It returns how many were opened.
func (m *Manager) Restore(ctx context.Context) int {
	ids, err := m.store.Tenants()
	if err != nil {
		m.log.Warnw("list stored tenants", "err", err)
		return 0
	}
	n := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, ok := m.Get(id); ok {
			continue
		}
		if _, err := m.Create(ctx, id, CreateOptions{Mode: ScanCode}); err != nil {
			m.log.Warnw("restore session failed", "tenant", id, "err", err)
			continue
		}
		n++
	}
	m.log.Infow("sessions restored", "restored", n, "stored", len(ids))
	return n
}

// Shutdown closes every connection without erasing credentials, then runs
// erasures that were still waiting out their grace delay. Later Create calls
// fail with ErrShuttingDown.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for id := range m.sessions {
		sessions = append(sessions, m.detachLocked(id))
	}
	var pending []string
	for id := range m.erasures {
		if m.takeErasureLocked(id) {
			pending = append(pending, id)
		}
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if s.conn != nil {
			s.conn.Close()
		}
		if err := m.mirrorDelete(ctx, s.TenantID); err != nil {
			m.log.Debugw("mirror delete", "tenant", s.TenantID, "err", err)
		}
	}
	for _, id := range pending {
		m.eraseNow(id)
	}
	m.log.Infow("session manager stopped", "closed", len(sessions), "erased", len(pending))
}

// handleEvent is the sink for every Handle. Events from a handle that no
// longer belongs to the registered session are dropped.
func (m *Manager) handleEvent(h *backend.Handle, e backend.Event) {
	metrics.SessionEventsTotal.WithLabelValues(e.Kind.String()).Inc()
	m.mu.Lock()
	s := m.sessions[h.TenantID()]
	if s == nil || s.conn != h {
		m.mu.Unlock()
		m.log.Debugw("stale event dropped", "tenant", h.TenantID(), "event", e.Kind.String())
		return
	}
	f := m.applyLocked(s, e)
	m.mu.Unlock()
	m.follow(f)
}

// followUp carries the work decided under the lock that must run without it.
type followUp struct {
	s         *Session
	conn      *backend.Handle
	event     backend.Event
	snap      Snapshot
	removed   bool
	closeConn *backend.Handle
	challenge string
	pair      bool
	pairCtx   context.Context
	pairStop  context.CancelFunc
	pairPhone string
}

func (m *Manager) applyLocked(s *Session, e backend.Event) followUp {
	next, effects := Transition(s.state, e, m.maxRetries)
	s.state = next
	s.UpdatedAt = time.Now()
	f := followUp{s: s, conn: s.conn, event: e}
	for _, fx := range effects {
		switch fx {
		case StoreChallenge:
			f.challenge = e.Challenge
		case RequestPairing:
			ctx, cancel := context.WithCancel(context.Background())
			s.stopPair = cancel
			f.pair, f.pairCtx, f.pairStop, f.pairPhone = true, ctx, cancel, s.pairPhone
		case MarkAuthenticated:
			if e.Phone != "" {
				s.phone = e.Phone
			}
			s.qr, s.pairingError = "", ""
			if s.stopPair != nil {
				s.stopPair()
				s.stopPair = nil
			}
		case ScheduleReconnect:
			s.stopTimers()
			s.qr, s.pairingCode, s.pairingError = "", "", ""
			f.closeConn = s.conn
			s.reconnect = time.AfterFunc(m.reconnectDelay, func() { m.reconnect(s) })
			metrics.ReconnectsTotal.WithLabelValues("scheduled").Inc()
		case Remove:
			delete(m.sessions, s.TenantID)
			s.stopTimers()
			f.closeConn = s.conn
			f.removed = true
			outcome := "exhausted"
			if e.Reason == backend.ReasonLoggedOut {
				outcome = "logged_out"
			}
			metrics.ReconnectsTotal.WithLabelValues(outcome).Inc()
		case EraseCredentials:
			m.scheduleEraseLocked(s.TenantID)
		}
	}
	f.snap = s.snapshot()
	return f
}

func (m *Manager) follow(f followUp) {
	log := m.log.With("tenant", f.s.TenantID)
	if f.closeConn != nil {
		f.closeConn.Close()
	}
	if f.removed {
		log.Infow("session removed", "reason", f.event.Reason, "attempts", f.snap.ReconnectAttempts)
	}
	if f.challenge != "" {
		m.storeChallenge(f.s, f.conn, f.challenge)
	}
	if f.pair {
		go m.runPairing(f.pairCtx, f.pairStop, f.s, f.conn, f.pairPhone)
	}
	switch f.event.Kind {
	case backend.EventAuthChallenge:
		if err := m.mirrorPut(context.Background(), f.snap); err != nil {
			log.Debugw("mirror put", "err", err)
		}
	default:
		m.publish(f.snap, f.removed, f.event.Kind.String(), f.event.Reason, "")
	}
}

func (m *Manager) storeChallenge(s *Session, h *backend.Handle, payload string) {
	url, err := m.auth.RenderChallenge(payload)
	if err != nil {
		m.log.Warnw("render scan code", "tenant", s.TenantID, "err", err)
		return
	}
	m.mu.Lock()
	if m.sessions[s.TenantID] != s || s.conn != h || s.state.Status != AwaitingAuth {
		m.mu.Unlock()
		return
	}
	s.qr = url
	s.state.Auth = authflow.ScanPending
	s.UpdatedAt = time.Now()
	m.mu.Unlock()
	m.log.Debugw("scan code refreshed", "tenant", s.TenantID)
}

func (m *Manager) runPairing(ctx context.Context, stop context.CancelFunc, s *Session, h *backend.Handle, phone string) {
	defer stop()
	code, err := m.auth.Pair(ctx, h, phone)

	m.mu.Lock()
	if ctx.Err() != nil || m.sessions[s.TenantID] != s || s.conn != h {
		m.mu.Unlock()
		return
	}
	event := "pairing_code"
	if err != nil {
		s.pairingError = authflow.PairingFailedMessage
		s.state.Auth = authflow.Failed
		event = "pairing_failed"
	} else {
		s.pairingCode = code
		s.state.Auth = authflow.PairingPending
	}
	s.stopPair = nil
	s.UpdatedAt = time.Now()
	snap := s.snapshot()
	m.mu.Unlock()

	if err != nil {
		m.log.Warnw("pairing failed", "tenant", s.TenantID, "err", err)
	}
	m.publish(snap, false, event, 0, "")
}

func (m *Manager) reconnect(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()
	log := m.log.With("tenant", s.TenantID)

	unlock, err := m.locker.Lock(ctx, s.TenantID)
	if err != nil {
		log.Warnw("reconnect lock", "err", err)
		m.failReconnect(s)
		return
	}
	defer unlock()

	if !m.isCurrent(s, Connecting) {
		return
	}
	log.Infow("reconnecting", "attempt", m.attempts(s))
	dir, err := m.store.PathFor(s.TenantID)
	var h *backend.Handle
	if err == nil {
		h, err = backend.Open(ctx, m.dialer, backend.OpenParams{TenantID: s.TenantID, Dir: dir, Log: log})
	}
	if err != nil {
		log.Warnw("reconnect failed", "err", err)
		m.failReconnect(s)
		return
	}

	m.mu.Lock()
	if m.sessions[s.TenantID] != s || s.state.Status != Connecting {
		m.mu.Unlock()
		h.Close()
		return
	}
	s.conn = h
	s.reconnect = nil
	s.UpdatedAt = time.Now()
	snap := s.snapshot()
	m.mu.Unlock()

	h.Start(m.handleEvent)
	m.publish(snap, false, "reconnected", 0, "")
}

// failReconnect counts a failed dial as one more lost connection.
func (m *Manager) failReconnect(s *Session) {
	m.mu.Lock()
	if m.sessions[s.TenantID] != s || s.state.Status != Connecting {
		m.mu.Unlock()
		return
	}
	f := m.applyLocked(s, backend.Event{Kind: backend.EventConnectionClosed, Reason: backend.ReasonConnectionClosed})
	m.mu.Unlock()
	m.follow(f)
}

func (m *Manager) isCurrent(s *Session, st Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[s.TenantID] == s && s.state.Status == st
}

func (m *Manager) attempts(s *Session) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.state.ReconnectAttempts
}

// detachLocked removes the tenant's session from the registry and stops its
// timers. The caller closes the connection.
func (m *Manager) detachLocked(tenantID string) *Session {
	s, ok := m.sessions[tenantID]
	if !ok {
		return nil
	}
	delete(m.sessions, tenantID)
	s.stopTimers()
	s.state.Status = Terminated
	s.UpdatedAt = time.Now()
	return s
}

func (m *Manager) retire(s *Session) {
	if s == nil {
		return
	}
	if s.conn != nil {
		s.conn.Close()
	}
	m.log.Infow("session superseded", "tenant", s.TenantID, "session", s.ID)
	m.audit.Record(context.Background(), audit.Entry{TenantID: s.TenantID, SessionID: s.ID, Event: "superseded", Status: Terminated.String()})
}

func (m *Manager) scheduleEraseLocked(tenantID string) {
	if old := m.erasures[tenantID]; old != nil {
		old.timer.Stop()
	}
	e := &erasure{}
	m.erasures[tenantID] = e
	e.timer = time.AfterFunc(m.eraseGrace, func() { m.runErase(tenantID, e) })
}

func (m *Manager) takeErasureLocked(tenantID string) bool {
	e, ok := m.erasures[tenantID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(m.erasures, tenantID)
	return true
}

func (m *Manager) runErase(tenantID string, e *erasure) {
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()
	if unlock, err := m.locker.Lock(ctx, tenantID); err == nil {
		defer unlock()
	} else {
		m.log.Warnw("erase lock", "tenant", tenantID, "err", err)
	}
	m.mu.Lock()
	if m.erasures[tenantID] != e {
		m.mu.Unlock()
		return
	}
	delete(m.erasures, tenantID)
	m.mu.Unlock()
	m.eraseNow(tenantID)
}

func (m *Manager) eraseNow(tenantID string) {
	m.store.Erase(tenantID)
	metrics.CredentialErasuresTotal.Inc()
	m.audit.Record(context.Background(), audit.Entry{TenantID: tenantID, Event: "credentials_erased"})
}

// publish mirrors the snapshot and records an audit entry.
func (m *Manager) publish(snap Snapshot, removed bool, event string, reason int, detail string) {
	ctx := context.Background()
	var err error
	if removed {
		err = m.mirrorDelete(ctx, snap.TenantID)
	} else {
		err = m.mirrorPut(ctx, snap)
	}
	if err != nil {
		m.log.Debugw("mirror update", "tenant", snap.TenantID, "err", err)
	}
	m.audit.Record(ctx, audit.Entry{
		TenantID:  snap.TenantID,
		SessionID: snap.SessionID,
		Event:     event,
		Status:    snap.Status,
		Reason:    reason,
		Detail:    detail,
	})
}

// mirrorPut writes snap only while its session is still the registered one,
// so a late write from a retired session cannot outlive the removal.
func (m *Manager) mirrorPut(ctx context.Context, snap Snapshot) error {
	m.mirrorMu.Lock()
	defer m.mirrorMu.Unlock()
	m.mu.Lock()
	cur := m.sessions[snap.TenantID]
	live := cur != nil && cur.ID == snap.SessionID
	m.mu.Unlock()
	if !live {
		return nil
	}
	return m.mirror.Put(ctx, snap)
}

// mirrorDelete skips tenants that already have a newer session registered.
func (m *Manager) mirrorDelete(ctx context.Context, tenantID string) error {
	m.mirrorMu.Lock()
	defer m.mirrorMu.Unlock()
	m.mu.Lock()
	_, live := m.sessions[tenantID]
	m.mu.Unlock()
	if live {
		return nil
	}
	return m.mirror.Delete(ctx, tenantID)
}
