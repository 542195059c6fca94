// Package fakebackend provides an in-memory backend.Dialer for tests.
package fakebackend

import (
	"context"
	"errors"
	"sync"

	"wagateway/internal/backend"
)

var ErrRejected = errors.New("fake: rejected")

// Sent records one delivered message.
type Sent struct {
	To    string
	Text  string
	Media string
}

// Dialer hands out Transports and remembers every one, per tenant.
type Dialer struct {
	mu      sync.Mutex
	conns   map[string][]*Transport
	DialErr error

	// Defaults copied into every new Transport.
	PairFunc   func(phone string) (string, error)
	SendGIFErr error
	SendErr    error
	Groups     []backend.GroupInfo
	GroupsErr  error
	OnDial     func(t *Transport)
}

func NewDialer() *Dialer {
	return &Dialer{conns: map[string][]*Transport{}}
}

func (d *Dialer) Dial(_ context.Context, tenantID, dir string, emit func(backend.Event)) (backend.Transport, error) {
	d.mu.Lock()
	if d.DialErr != nil {
		err := d.DialErr
		d.mu.Unlock()
		return nil, err
	}
	t := &Transport{
		TenantID:   tenantID,
		Dir:        dir,
		emit:       emit,
		pairFunc:   d.PairFunc,
		sendGIFErr: d.SendGIFErr,
		sendErr:    d.SendErr,
		groups:     append([]backend.GroupInfo(nil), d.Groups...),
		groupsErr:  d.GroupsErr,
	}
	d.conns[tenantID] = append(d.conns[tenantID], t)
	hook := d.OnDial
	d.mu.Unlock()
	if hook != nil {
		hook(t)
	}
	return t, nil
}

// SetDialErr makes later Dial calls fail with err (nil restores success).
func (d *Dialer) SetDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialErr = err
}

// Dials counts connections opened for tenantID.
func (d *Dialer) Dials(tenantID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns[tenantID])
}

// Last returns the most recent Transport for tenantID, or nil.
func (d *Dialer) Last(tenantID string) *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.conns[tenantID]
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

// Transport is a scriptable backend.Transport.
type Transport struct {
	TenantID string
	Dir      string

	emit func(backend.Event)

	mu           sync.Mutex
	pairFunc     func(string) (string, error)
	sendGIFErr   error
	sendErr      error
	groups       []backend.GroupInfo
	groupsErr    error
	sent         []Sent
	pairAttempts []string
	loggedOut    bool
	disconnected bool
}

// Emit injects a lifecycle event as if the network produced it.
func (t *Transport) Emit(e backend.Event) { t.emit(e) }

func (t *Transport) SendText(_ context.Context, to, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, Sent{To: to, Text: text})
	return nil
}

func (t *Transport) SendGIF(_ context.Context, to, mediaURL, caption string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendGIFErr != nil {
		return t.sendGIFErr
	}
	t.sent = append(t.sent, Sent{To: to, Text: caption, Media: mediaURL})
	return nil
}

func (t *Transport) JoinedGroups(context.Context) ([]backend.GroupInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.groupsErr != nil {
		return nil, t.groupsErr
	}
	return append([]backend.GroupInfo(nil), t.groups...), nil
}

func (t *Transport) PairPhone(_ context.Context, phone string) (string, error) {
	t.mu.Lock()
	t.pairAttempts = append(t.pairAttempts, phone)
	fn := t.pairFunc
	t.mu.Unlock()
	if fn == nil {
		return "", ErrRejected
	}
	return fn(phone)
}

func (t *Transport) Logout(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loggedOut = true
	return nil
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected = true
}

func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

func (t *Transport) PairAttempts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.pairAttempts...)
}

func (t *Transport) LoggedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loggedOut
}

func (t *Transport) Disconnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnected
}
