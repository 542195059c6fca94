package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mirror publishes session snapshots outside the process, for operators
// running several gateways.
type Mirror interface {
	Put(ctx context.Context, s Snapshot) error
	Delete(ctx context.Context, tenantID string) error
}

type noopMirror struct{}

func (noopMirror) Put(context.Context, Snapshot) error  { return nil }
func (noopMirror) Delete(context.Context, string) error { return nil }

// MirrorKey is the Redis hash holding one JSON snapshot per tenant.
const MirrorKey = "wagw:sessions"

type RedisMirror struct {
	rdb *redis.Client
	key string
}

func NewRedisMirror(rdb *redis.Client) *RedisMirror {
	return &RedisMirror{rdb: rdb, key: MirrorKey}
}

func (m *RedisMirror) Put(ctx context.Context, s Snapshot) error {
	// QR data URLs are large and short-lived; keep only whether one exists.
	s.QRCode = ""
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return m.rdb.HSet(ctx, m.key, s.TenantID, b).Err()
}

func (m *RedisMirror) Delete(ctx context.Context, tenantID string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return m.rdb.HDel(ctx, m.key, tenantID).Err()
}
