package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wagateway/internal/authflow"
	"wagateway/internal/backend"
	"wagateway/internal/backend/fakebackend"
	"wagateway/internal/credentials"
)

const (
	wait = 2 * time.Second
	tick = 5 * time.Millisecond
)

type testEnv struct {
	m     *Manager
	d     *fakebackend.Dialer
	fs    afero.Fs
	store *credentials.Store
}

func newEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	fs := afero.NewMemMapFs()
	log := zap.NewNop().Sugar()
	store, err := credentials.NewStore(fs, "/auth", log)
	require.NoError(t, err)
	d := fakebackend.NewDialer()
	o := Options{
		Dialer:         d,
		Store:          store,
		Auth:           authflow.NewController(authflow.DefaultRules, time.Second, log),
		Log:            log,
		MaxRetries:     3,
		ReconnectDelay: 10 * time.Millisecond,
		EraseGrace:     20 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&o)
	}
	m := NewManager(o)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return &testEnv{m: m, d: d, fs: fs, store: store}
}

func (e *testEnv) writeCredentials(t *testing.T, tenantID string) {
	t.Helper()
	dir, err := e.store.PathFor(tenantID)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(e.fs, filepath.Join(dir, credentials.DeviceFile), []byte("device"), 0o600))
}

func (e *testEnv) status(tenantID string) string {
	snap, ok := e.m.Get(tenantID)
	if !ok {
		return "absent"
	}
	return snap.Status
}

func (e *testEnv) connect(t *testing.T, tenantID string) {
	t.Helper()
	_, err := e.m.Create(context.Background(), tenantID, CreateOptions{})
	require.NoError(t, err)
	e.d.Last(tenantID).Emit(backend.Event{Kind: backend.EventConnectionOpen, Phone: "353899548661"})
	require.Eventually(t, func() bool { return e.status(tenantID) == "connected" }, wait, tick)
}

func TestGet_UnknownTenantDoesNotCreate(t *testing.T) {
	e := newEnv(t)

	_, ok := e.m.Get("nobody")
	assert.False(t, ok)
	assert.Zero(t, e.m.Count())
	assert.Zero(t, e.d.Dials("nobody"))
}

func TestCreate_RejectsInvalidTenant(t *testing.T) {
	e := newEnv(t)

	_, err := e.m.Create(context.Background(), "../etc", CreateOptions{})
	require.ErrorIs(t, err, credentials.ErrInvalidTenant)
}

func TestCreate_PairingNeedsPhone(t *testing.T) {
	e := newEnv(t)

	_, err := e.m.Create(context.Background(), "u1", CreateOptions{Mode: PairingCode})
	require.ErrorIs(t, err, ErrPhoneRequired)
}

func TestCreate_DialFailureRegistersNothing(t *testing.T) {
	e := newEnv(t)
	e.d.SetDialErr(errors.New("no route"))

	_, err := e.m.Create(context.Background(), "u1", CreateOptions{})
	require.ErrorIs(t, err, backend.ErrTransport)
	assert.Zero(t, e.m.Count())
}

func TestChallenge_StoresRenderedScanCode(t *testing.T) {
	e := newEnv(t)
	snap, err := e.m.Create(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "connecting", snap.Status)

	e.d.Last("u1").Emit(backend.Event{Kind: backend.EventAuthChallenge, Challenge: "2@ref,key"})

	require.Eventually(t, func() bool {
		s, _ := e.m.Get("u1")
		return s.HasQRCode
	}, wait, tick)
	s, _ := e.m.Get("u1")
	assert.Equal(t, "awaiting_auth", s.Status)
	assert.Equal(t, "scan_pending", s.AuthState)
	assert.True(t, strings.HasPrefix(s.QRCode, "data:image/png;base64,"))
}

func TestOpen_MarksConnectedAndClearsScanCode(t *testing.T) {
	e := newEnv(t)
	_, err := e.m.Create(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)
	ft := e.d.Last("u1")
	ft.Emit(backend.Event{Kind: backend.EventAuthChallenge, Challenge: "2@ref"})
	ft.Emit(backend.Event{Kind: backend.EventConnectionOpen, Phone: "353899548661"})

	require.Eventually(t, func() bool { return e.status("u1") == "connected" }, wait, tick)
	// The challenge render may land after open; it must not resurrect the code.
	require.Never(t, func() bool {
		s, _ := e.m.Get("u1")
		return s.HasQRCode
	}, 50*time.Millisecond, tick)
	s, _ := e.m.Get("u1")
	assert.True(t, s.Connected)
	assert.Equal(t, "353899548661", s.PhoneNumber)
	assert.Zero(t, s.ReconnectAttempts)
	assert.Equal(t, map[string]int{"connected": 1}, e.m.CountByStatus())
}

func TestCreate_SupersedesAndIgnoresStaleHandle(t *testing.T) {
	e := newEnv(t)
	first, err := e.m.Create(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)
	oldConn := e.d.Last("u1")

	second, err := e.m.Create(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.True(t, oldConn.Disconnected())
	assert.Equal(t, 1, e.m.Count())

	oldConn.Emit(backend.Event{Kind: backend.EventConnectionOpen, Phone: "1"})
	oldConn.Emit(backend.Event{Kind: backend.EventConnectionClosed, Reason: backend.ReasonLoggedOut})
	require.Never(t, func() bool { return e.status("u1") != "connecting" }, 50*time.Millisecond, tick)
}

func TestGetOrCreate_ConcurrentCallersDialOnce(t *testing.T) {
	e := newEnv(t)
	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		creators int
		ids      = map[string]bool{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, created, err := e.m.GetOrCreate(context.Background(), "u1")
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			ids[snap.SessionID] = true
			if created {
				creators++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, creators)
	assert.Len(t, ids, 1)
	assert.Equal(t, 1, e.d.Dials("u1"))
}

func TestCreate_SupersededReconnectTimerNeverFires(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.ReconnectDelay = 50 * time.Millisecond })
	e.connect(t, "u1")
	e.d.Last("u1").Emit(backend.Event{Kind: backend.EventConnectionClosed, Reason: backend.ReasonConnectionClosed})
	require.Eventually(t, func() bool {
		s, _ := e.m.Get("u1")
		return s.ReconnectAttempts == 1
	}, wait, tick)

	fresh, err := e.m.Create(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, e.d.Dials("u1"))
	s, ok := e.m.Get("u1")
	require.True(t, ok)
	assert.Equal(t, fresh.SessionID, s.SessionID)
	assert.Zero(t, s.ReconnectAttempts)
}

func TestClose_ReconnectsAndCountsOncePerClose(t *testing.T) {
	e := newEnv(t)
	e.connect(t, "u1")
	first := e.d.Last("u1")

	first.Emit(backend.Event{Kind: backend.EventConnectionClosed, Reason: backend.ReasonConnectionClosed})

	require.Eventually(t, func() bool { return e.d.Dials("u1") == 2 }, wait, tick)
	assert.True(t, first.Disconnected())
	s, ok := e.m.Get("u1")
	require.True(t, ok)
	assert.Equal(t, 1, s.ReconnectAttempts)
	assert.Equal(t, "scan_code", s.AuthMode)

	e.d.Last("u1").Emit(backend.Event{Kind: backend.EventConnectionOpen})
	require.Eventually(t, func() bool {
		s, _ := e.m.Get("u1")
		return s.Connected && s.ReconnectAttempts == 0
	}, wait, tick)
}

func TestScenario_UnscannedCodeEventuallyDropsSession(t *testing.T) {
	e := newEnv(t)
	e.writeCredentials(t, "u1")
	_, err := e.m.Create(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)
	e.d.Last("u1").Emit(backend.Event{Kind: backend.EventAuthChallenge, Challenge: "2@ref"})

	for i := 1; i <= 3; i++ {
		e.d.Last("u1").Emit(backend.Event{Kind: backend.EventConnectionClosed, Reason: backend.ReasonTimedOut})
		want := i + 1
		require.Eventually(t, func() bool { return e.d.Dials("u1") == want }, wait, tick, "reconnect %d", i)
		s, ok := e.m.Get("u1")
		require.True(t, ok)
		assert.Equal(t, i, s.ReconnectAttempts)
	}

	e.d.Last("u1").Emit(backend.Event{Kind: backend.EventConnectionClosed, Reason: backend.ReasonTimedOut})

	require.Eventually(t, func() bool { return e.status("u1") == "absent" }, wait, tick)
	assert.Equal(t, 4, e.d.Dials("u1"))
	assert.True(t, e.store.HasCredentials("u1"), "exhausted retries keep credentials")
}

func TestReconnect_DialFailuresExhaustBudget(t *testing.T) {
	e := newEnv(t)
	e.connect(t, "u1")
	e.d.SetDialErr(errors.New("network down"))

	e.d.Last("u1").Emit(backend.Event{Kind: backend.EventConnectionClosed, Reason: backend.ReasonConnectionClosed})

	require.Eventually(t, func() bool { return e.status("u1") == "absent" }, wait, tick)
	assert.Equal(t, 1, e.d.Dials("u1"))
}

func TestLoggedOutClose_RemovesAndErases(t *testing.T) {
	e := newEnv(t)
	e.writeCredentials(t, "u1")
	e.connect(t, "u1")

	e.d.Last("u1").Emit(backend.Event{Kind: backend.EventConnectionClosed, Reason: backend.ReasonLoggedOut})

	require.Eventually(t, func() bool { return e.status("u1") == "absent" }, wait, tick)
	require.Eventually(t, func() bool { return !e.store.HasCredentials("u1") }, wait, tick)
	assert.Equal(t, 1, e.d.Dials("u1"), "logged out is never retried")
}

func TestPairing_DomesticFormFirst(t *testing.T) {
	e := newEnv(t)
	e.d.PairFunc = func(phone string) (string, error) {
		if phone == "899548661" {
			return "K7QX-2M9P", nil
		}
		return "", errors.New("unknown number")
	}
	_, err := e.m.Create(context.Background(), "u2", CreateOptions{Mode: PairingCode, Phone: "353899548661"})
	require.NoError(t, err)
	ft := e.d.Last("u2")

	ft.Emit(backend.Event{Kind: backend.EventAuthChallenge, Challenge: "2@ref"})
	ft.Emit(backend.Event{Kind: backend.EventAuthChallenge, Challenge: "2@ref2"})

	require.Eventually(t, func() bool {
		s, _ := e.m.Get("u2")
		return s.PairingCode == "K7QX-2M9P"
	}, wait, tick)
	require.Never(t, func() bool { return len(ft.PairAttempts()) > 1 }, 50*time.Millisecond, tick)
	assert.Equal(t, []string{"899548661"}, ft.PairAttempts())
	s, _ := e.m.Get("u2")
	assert.False(t, s.HasQRCode, "pairing mode does not render scan codes")
	assert.Equal(t, "pairing_pending", s.AuthState)
}

func TestPairing_ChallengeReceivedUntilCodeIssued(t *testing.T) {
	e := newEnv(t)
	release := make(chan struct{})
	e.d.PairFunc = func(string) (string, error) {
		<-release
		return "K7QX-2M9P", nil
	}
	_, err := e.m.Create(context.Background(), "u2", CreateOptions{Mode: PairingCode, Phone: "353899548661"})
	require.NoError(t, err)
	auth := func() string {
		s, _ := e.m.Get("u2")
		return s.AuthState
	}
	assert.Equal(t, "idle", auth())

	e.d.Last("u2").Emit(backend.Event{Kind: backend.EventAuthChallenge, Challenge: "2@ref"})
	require.Eventually(t, func() bool { return auth() == "challenge_received" }, wait, tick)

	close(release)
	require.Eventually(t, func() bool { return auth() == "pairing_pending" }, wait, tick)
	e.d.Last("u2").Emit(backend.Event{Kind: backend.EventConnectionOpen, Phone: "353899548661"})
	require.Eventually(t, func() bool { return auth() == "authenticated" }, wait, tick)
}

func TestPairing_AllCandidatesFail(t *testing.T) {
	e := newEnv(t)
	e.d.PairFunc = func(string) (string, error) { return "", errors.New("rejected") }
	_, err := e.m.Create(context.Background(), "u2", CreateOptions{Mode: PairingCode, Phone: "+353 89 954 8661"})
	require.NoError(t, err)

	e.d.Last("u2").Emit(backend.Event{Kind: backend.EventAuthChallenge, Challenge: "2@ref"})

	require.Eventually(t, func() bool {
		s, _ := e.m.Get("u2")
		return s.PairingError == authflow.PairingFailedMessage
	}, wait, tick)
	s, _ := e.m.Get("u2")
	assert.Equal(t, "awaiting_auth", s.Status)
	assert.Equal(t, "failed", s.AuthState)
	assert.Len(t, e.d.Last("u2").PairAttempts(), 3)
}

func TestSend(t *testing.T) {
	e := newEnv(t)

	err := e.m.Send(context.Background(), "u1", "353899548661", backend.Payload{Text: "hi"})
	require.ErrorIs(t, err, ErrNoSession)

	_, err = e.m.Create(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)
	err = e.m.Send(context.Background(), "u1", "353899548661", backend.Payload{Text: "hi"})
	require.ErrorIs(t, err, ErrNotConnected)

	e.d.Last("u1").Emit(backend.Event{Kind: backend.EventConnectionOpen})
	require.Eventually(t, func() bool { return e.status("u1") == "connected" }, wait, tick)

	err = e.m.Send(context.Background(), "u1", "", backend.Payload{Text: "hi"})
	require.ErrorIs(t, err, backend.ErrInvalidDestination)

	require.NoError(t, e.m.Send(context.Background(), "u1", "+353 89 954 8661", backend.Payload{Text: "hi"}))
	require.NoError(t, e.m.Send(context.Background(), "u1", "1203630@g.us", backend.Payload{Text: "all"}))
	sent := e.d.Last("u1").Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "353899548661@s.whatsapp.net", sent[0].To)
	assert.Equal(t, "1203630@g.us", sent[1].To)
}

func TestSend_MediaRejectedStillSucceeds(t *testing.T) {
	e := newEnv(t)
	e.d.SendGIFErr = errors.New("unsupported media")
	e.connect(t, "u1")

	err := e.m.Send(context.Background(), "u1", "353899548661", backend.Payload{Text: "happy birthday", MediaURL: "https://gif.test/a.mp4"})
	require.NoError(t, err)
	assert.Equal(t, []fakebackend.Sent{{To: "353899548661@s.whatsapp.net", Text: "happy birthday"}}, e.d.Last("u1").Sent())
}

func TestGroups_NewestFirst(t *testing.T) {
	e := newEnv(t)
	e.d.Groups = []backend.GroupInfo{
		{ID: "a@g.us", CreatedAt: time.Unix(5, 0)},
		{ID: "b@g.us", CreatedAt: time.Unix(1, 0)},
		{ID: "c@g.us", CreatedAt: time.Unix(3, 0)},
	}
	e.connect(t, "u1")

	groups, err := e.m.Groups(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, []int64{5, 3, 1}, []int64{groups[0].CreatedAt.Unix(), groups[1].CreatedAt.Unix(), groups[2].CreatedAt.Unix()})
}

func TestLogout_RemovesThenErasesAfterGrace(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.EraseGrace = 100 * time.Millisecond })
	e.writeCredentials(t, "u1")
	e.connect(t, "u1")
	ft := e.d.Last("u1")

	require.NoError(t, e.m.Logout(context.Background(), "u1"))

	assert.Equal(t, "absent", e.status("u1"))
	assert.True(t, ft.LoggedOut())
	assert.True(t, ft.Disconnected())
	assert.True(t, e.store.HasCredentials("u1"), "erase waits for the grace delay")
	require.Eventually(t, func() bool { return !e.store.HasCredentials("u1") }, wait, tick)
}

func TestLogout_WithoutSessionStillErases(t *testing.T) {
	e := newEnv(t)
	e.writeCredentials(t, "ghost")

	require.NoError(t, e.m.Logout(context.Background(), "ghost"))

	require.Eventually(t, func() bool { return !e.store.HasCredentials("ghost") }, wait, tick)
}

func TestCreate_FlushesPendingErase(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.EraseGrace = time.Hour })
	e.writeCredentials(t, "u1")
	require.NoError(t, e.m.Logout(context.Background(), "u1"))
	require.True(t, e.store.HasCredentials("u1"))

	_, err := e.m.Create(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)

	assert.False(t, e.store.HasCredentials("u1"), "new session must not reuse logged-out credentials")
}

func TestAwait(t *testing.T) {
	e := newEnv(t)
	snap, err := e.m.Create(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)

	_, err = e.m.Await(context.Background(), "u1", snap.SessionID, 30*time.Millisecond, 5*time.Millisecond, func(s Snapshot) bool { return s.Connected })
	require.ErrorIs(t, err, ErrPending)

	go e.d.Last("u1").Emit(backend.Event{Kind: backend.EventConnectionOpen})
	got, err := e.m.Await(context.Background(), "u1", snap.SessionID, wait, 5*time.Millisecond, func(s Snapshot) bool { return s.Connected })
	require.NoError(t, err)
	assert.True(t, got.Connected)

	_, err = e.m.Await(context.Background(), "nobody", "", wait, tick, func(Snapshot) bool { return true })
	require.ErrorIs(t, err, ErrNoSession)

	_, err = e.m.Await(context.Background(), "u1", "other", wait, tick, func(Snapshot) bool { return true })
	require.ErrorIs(t, err, ErrSuperseded)
}

func TestRestore_OpensStoredTenants(t *testing.T) {
	e := newEnv(t)
	e.writeCredentials(t, "a")
	e.writeCredentials(t, "b")
	_, err := e.m.Create(context.Background(), "a", CreateOptions{})
	require.NoError(t, err)

	n := e.m.Restore(context.Background())

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, e.d.Dials("a"))
	assert.Equal(t, 1, e.d.Dials("b"))
	ids := []string{}
	for _, s := range e.m.List() {
		ids = append(ids, s.TenantID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestShutdown_ClosesEverythingAndKeepsCredentials(t *testing.T) {
	e := newEnv(t)
	e.writeCredentials(t, "u1")
	e.connect(t, "u1")

	e.m.Shutdown(context.Background())

	assert.Zero(t, e.m.Count())
	assert.True(t, e.d.Last("u1").Disconnected())
	assert.True(t, e.store.HasCredentials("u1"))
	_, err := e.m.Create(context.Background(), "u2", CreateOptions{})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdown_RunsPendingErasures(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.EraseGrace = time.Hour })
	e.writeCredentials(t, "u1")
	require.NoError(t, e.m.Logout(context.Background(), "u1"))

	e.m.Shutdown(context.Background())

	assert.False(t, e.store.HasCredentials("u1"))
}
