package backend

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"wagateway/internal/credentials"
	"wagateway/pkg/logger"
)

const versionTTL = time.Hour

// WhatsmeowDialer connects tenants through go.mau.fi/whatsmeow with one
// SQLite device store per credential directory.
type WhatsmeowDialer struct {
	Log           *zap.SugaredLogger
	HTTPClient    *http.Client
	MediaMaxBytes int64
	ClientName    string

	mu        sync.Mutex
	versionAt time.Time
}

func NewWhatsmeowDialer(log *zap.SugaredLogger, mediaMaxBytes int64) *WhatsmeowDialer {
	return &WhatsmeowDialer{
		Log:           log,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		MediaMaxBytes: mediaMaxBytes,
		ClientName:    "Chrome (Linux)",
	}
}

// negotiateVersion refreshes the client version the library announces. A
// failed lookup keeps the previous (or built-in) version.
func (d *WhatsmeowDialer) negotiateVersion(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.versionAt) < versionTTL {
		return
	}
	ver, err := whatsmeow.GetLatestVersion(ctx, d.HTTPClient)
	if err != nil {
		d.Log.Warnw("protocol version lookup failed, using built-in", "err", err)
		return
	}
	store.SetWAVersion(*ver)
	d.versionAt = time.Now()
	d.Log.Debugw("protocol version negotiated", "version", ver.String())
}

func (d *WhatsmeowDialer) Dial(ctx context.Context, tenantID, dir string, emit func(Event)) (Transport, error) {
	log := logger.ForTenant(d.Log, tenantID)
	d.negotiateVersion(ctx)

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", filepath.Join(dir, credentials.DeviceFile))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	waLogger := logger.Whatsmeow(log.Desugar().Named("whatsmeow").Sugar())
	container := sqlstore.NewWithDB(db, "sqlite", waLogger.Sub("Store"))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("upgrade device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	cli := whatsmeow.NewClient(device, waLogger.Sub("Client"))
	cli.EnableAutoReconnect = false

	lifetime, cancel := context.WithCancel(context.Background())
	t := &waTransport{cli: cli, db: db, cancel: cancel, d: d, log: log}
	t.setSink(emit)
	cli.AddEventHandler(t.handle)

	if cli.Store.ID == nil {
		qrs, err := cli.GetQRChannel(lifetime)
		if err != nil {
			t.Disconnect()
			return nil, fmt.Errorf("qr channel: %w", err)
		}
		go t.pumpQR(qrs)
	}
	if err := cli.Connect(); err != nil {
		t.Disconnect()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return t, nil
}

type waTransport struct {
	cli       *whatsmeow.Client
	db        *sql.DB
	cancel    context.CancelFunc
	d         *WhatsmeowDialer
	log       *zap.SugaredLogger
	emit      func(Event)
	closeSent atomic.Bool
	stopOnce  sync.Once
}

var _ Transport = (*waTransport)(nil)

// setSink installs emit, letting at most one close through per connection.
func (t *waTransport) setSink(emit func(Event)) {
	t.emit = func(e Event) {
		if e.Kind == EventConnectionClosed && !t.closeSent.CompareAndSwap(false, true) {
			return
		}
		emit(e)
	}
}

func (t *waTransport) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch {
		case item.Event == whatsmeow.QRChannelEventCode:
			t.emit(Event{Kind: EventAuthChallenge, Challenge: item.Code})
		case item.Event == whatsmeow.QRChannelTimeout.Event:
			t.emit(Event{Kind: EventConnectionClosed, Reason: ReasonTimedOut})
		case item.Event == whatsmeow.QRChannelSuccess.Event:
		case item.Error != nil || item.Event == whatsmeow.QRChannelEventError:
			t.log.Warnw("qr pairing error", "event", item.Event, "err", item.Error)
			t.emit(Event{Kind: EventConnectionClosed, Reason: ReasonBadSession})
		default:
			t.log.Warnw("qr pairing rejected", "event", item.Event)
			t.emit(Event{Kind: EventConnectionClosed, Reason: ReasonBadSession})
		}
	}
}

func (t *waTransport) handle(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		phone := ""
		if t.cli.Store.ID != nil {
			phone = t.cli.Store.ID.User
		}
		t.emit(Event{Kind: EventConnectionOpen, Phone: phone})
	case *events.PairSuccess:
		t.emit(Event{Kind: EventCredentialsUpdated})
	case *events.LoggedOut:
		t.emit(Event{Kind: EventConnectionClosed, Reason: ReasonLoggedOut})
	case *events.StreamReplaced:
		t.emit(Event{Kind: EventConnectionClosed, Reason: ReasonConnectionReplaced})
	case *events.TemporaryBan:
		t.emit(Event{Kind: EventConnectionClosed, Reason: ReasonTemporaryBan})
	case *events.ConnectFailure:
		reason := int(v.Reason)
		if v.Reason.IsLoggedOut() {
			reason = ReasonLoggedOut
		}
		t.emit(Event{Kind: EventConnectionClosed, Reason: reason})
	case *events.Disconnected:
		t.emit(Event{Kind: EventConnectionClosed, Reason: ReasonConnectionClosed})
	}
}

func (t *waTransport) jid(to string) (types.JID, error) {
	j, err := types.ParseJID(to)
	if err != nil {
		return types.JID{}, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	return j, nil
}

func (t *waTransport) SendText(ctx context.Context, to, text string) error {
	j, err := t.jid(to)
	if err != nil {
		return err
	}
	_, err = t.cli.SendMessage(ctx, j, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

func (t *waTransport) SendGIF(ctx context.Context, to, mediaURL, caption string) error {
	j, err := t.jid(to)
	if err != nil {
		return err
	}
	data, mime, err := t.fetchMedia(ctx, mediaURL)
	if err != nil {
		return err
	}
	up, err := t.cli.Upload(ctx, data, whatsmeow.MediaVideo)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}
	msg := &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
		Caption:       proto.String(caption),
		GifPlayback:   proto.Bool(true),
		Mimetype:      proto.String(mime),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
	_, err = t.cli.SendMessage(ctx, j, msg)
	return err
}

func (t *waTransport) fetchMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("media request: %w", err)
	}
	resp, err := t.d.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, "", fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}
	limit := t.d.MediaMaxBytes
	if limit <= 0 {
		limit = 16 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("media exceeds %d bytes", limit)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

func (t *waTransport) JoinedGroups(ctx context.Context) ([]GroupInfo, error) {
	// The library call takes no context; honour cancellation before it.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	groups, err := t.cli.GetJoinedGroups()
	if err != nil {
		return nil, err
	}
	out := make([]GroupInfo, 0, len(groups))
	for _, g := range groups {
		info := GroupInfo{
			ID:           g.JID.String(),
			Name:         g.GroupName.Name,
			Participants: len(g.Participants),
			Description:  g.GroupTopic.Topic,
			CreatedAt:    g.GroupCreated,
		}
		if !g.OwnerJID.IsEmpty() {
			info.Owner = g.OwnerJID.String()
		}
		out = append(out, info)
	}
	return out, nil
}

func (t *waTransport) PairPhone(ctx context.Context, phone string) (string, error) {
	return t.cli.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, t.d.ClientName)
}

func (t *waTransport) Logout(ctx context.Context) error {
	return t.cli.Logout(ctx)
}

func (t *waTransport) Disconnect() {
	t.stopOnce.Do(func() {
		t.closeSent.Store(true)
		t.cancel()
		t.cli.Disconnect()
		if err := t.db.Close(); err != nil {
			t.log.Debugw("close device store", "err", err)
		}
	})
}
