package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wagateway/internal/backend"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestLocalLocker_SerialisesPerTenant(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "u1")
	require.NoError(t, err)

	other, err := l.Lock(context.Background(), "u2")
	require.NoError(t, err, "different tenants never wait on each other")
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "u1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan struct{})
	go func() {
		u, err := l.Lock(context.Background(), "u1")
		if err == nil {
			u()
		}
		close(got)
	}()
	unlock()
	unlock()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestRedisLocker_ExcludesAndReleases(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewRedisLocker(rdb, time.Minute)

	unlock, err := l.Lock(context.Background(), "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "u1")
	require.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	again, err := l.Lock(context.Background(), "u1")
	require.NoError(t, err)
	again()
}

func TestRedisLocker_ExpiredLeaseIsNotStolenBack(t *testing.T) {
	mr, rdb := newRedis(t)
	l := NewRedisLocker(rdb, time.Second)

	first, err := l.Lock(context.Background(), "u1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	second, err := l.Lock(context.Background(), "u1")
	require.NoError(t, err)

	first()
	assert.True(t, mr.Exists("wagw:lock:u1"), "stale holder must not release the new lease")
	second()
	assert.False(t, mr.Exists("wagw:lock:u1"))
}

func TestRedisMirror_PutAndDelete(t *testing.T) {
	mr, rdb := newRedis(t)
	m := NewRedisMirror(rdb)

	err := m.Put(context.Background(), Snapshot{TenantID: "u1", Status: "awaiting_auth", QRCode: "data:image/png;base64,AAAA", HasQRCode: true})
	require.NoError(t, err)

	raw := mr.HGet(MirrorKey, "u1")
	var got Snapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "awaiting_auth", got.Status)
	assert.True(t, got.HasQRCode)
	assert.Empty(t, got.QRCode)

	require.NoError(t, m.Delete(context.Background(), "u1"))
	assert.Empty(t, mr.HGet(MirrorKey, "u1"))
}

func TestManager_MirrorsLifecycleToRedis(t *testing.T) {
	mr, rdb := newRedis(t)
	e := newEnv(t, func(o *Options) {
		o.Locker = NewRedisLocker(rdb, time.Minute)
		o.Mirror = NewRedisMirror(rdb)
	})

	e.connect(t, "u1")
	require.Eventually(t, func() bool {
		var s Snapshot
		return json.Unmarshal([]byte(mr.HGet(MirrorKey, "u1")), &s) == nil && s.Connected
	}, wait, tick)

	e.d.Last("u1").Emit(backend.Event{Kind: backend.EventConnectionClosed, Reason: backend.ReasonLoggedOut})
	require.Eventually(t, func() bool { return mr.HGet(MirrorKey, "u1") == "" }, wait, tick)
}

func TestManager_LateWriteFromRemovedSessionLeavesNoEntry(t *testing.T) {
	mr, rdb := newRedis(t)
	e := newEnv(t, func(o *Options) { o.Mirror = NewRedisMirror(rdb) })

	snap, err := e.m.Create(context.Background(), "u1", CreateOptions{Mode: PairingCode, Phone: "0899548661"})
	require.NoError(t, err)
	require.NotEmpty(t, mr.HGet(MirrorKey, "u1"))
	require.NoError(t, e.m.Logout(context.Background(), "u1"))
	require.Empty(t, mr.HGet(MirrorKey, "u1"))

	// A pairing result computed before the logout publishes afterwards.
	snap.PairingCode = "ABCD1234"
	e.m.publish(snap, false, "pairing_code", 0, "")

	assert.Empty(t, mr.HGet(MirrorKey, "u1"))
}

func TestManager_LateDeleteKeepsNewerSessionEntry(t *testing.T) {
	mr, rdb := newRedis(t)
	e := newEnv(t, func(o *Options) { o.Mirror = NewRedisMirror(rdb) })

	old, err := e.m.Create(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)
	cur, err := e.m.Create(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)
	require.NotEqual(t, old.SessionID, cur.SessionID)

	e.m.publish(old, true, "closed", 428, "")

	var s Snapshot
	require.NoError(t, json.Unmarshal([]byte(mr.HGet(MirrorKey, "u1")), &s))
	assert.Equal(t, cur.SessionID, s.SessionID)
}
