package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"relay/internal/domain"
	"relay/internal/observability/metrics"
	"relay/internal/presence"
	"relay/internal/registry"
	"relay/internal/service"
	"relay/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	metrics.MustRegister("relay")
	m.Run()
}

// fakeTransport records deliveries and can be told to fail from the Nth
// call onward.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentPayload
	calls    int
	failFrom int // fail calls numbered >= failFrom (1-based); 0 disables
}

type sentPayload struct {
	connID string
	env    service.Envelope
}

func (f *fakeTransport) Send(_ context.Context, connID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFrom > 0 && f.calls >= f.failFrom {
		return errors.New("transport down")
	}
	var env service.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	f.sent = append(f.sent, sentPayload{connID: connID, env: env})
	return nil
}

func (f *fakeTransport) delivered() []sentPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentPayload, len(f.sent))
	copy(out, f.sent)
	return out
}

type fixture struct {
	st    *store.Store
	reg   *registry.Registry
	tr    *presence.Tracker
	wire  *fakeTransport
	coord *service.Coordinator
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := registry.New(rdb, time.Minute)
	tr := presence.New(rdb, reg, presence.Config{})
	t.Cleanup(tr.Close)

	wire := &fakeTransport{}
	coord := service.New(st, reg, tr, wire, service.Config{DrainBatch: 2})
	return &fixture{st: st, reg: reg, tr: tr, wire: wire, coord: coord}
}

func send(t *testing.T, f *fixture, sender, receiver, body string) store.Message {
	t.Helper()
	msg, err := f.coord.Send(context.Background(), service.SendInput{
		ChatID:     "chat-" + sender + "-" + receiver,
		SenderID:   sender,
		ReceiverID: receiver,
		Body:       body,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return msg
}

func pending(t *testing.T, f *fixture, receiver string) []store.Message {
	t.Helper()
	msgs, err := f.st.Messages().Undelivered(context.Background(), receiver, 0)
	if err != nil {
		t.Fatalf("undelivered: %v", err)
	}
	return msgs
}

func TestSendValidatesInput(t *testing.T) {
	f := setup(t)

	_, err := f.coord.Send(context.Background(), service.SendInput{
		ChatID:   "chat-1",
		SenderID: "alice",
		// receiver and body missing
	})
	if !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestOfflineSendQueuesThenDrainsOnConnect(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	m1 := send(t, f, "alice", "bob", "first")
	m2 := send(t, f, "alice", "bob", "second")

	if got := f.wire.delivered(); len(got) != 0 {
		t.Fatalf("no transport calls expected while offline, got %d", len(got))
	}
	if got := pending(t, f, "bob"); len(got) != 2 {
		t.Fatalf("expected 2 queued messages, got %d", len(got))
	}

	if err := f.coord.UserConnected(ctx, "bob", "c-bob"); err != nil {
		t.Fatalf("user connected: %v", err)
	}

	got := f.wire.delivered()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries on connect, got %d", len(got))
	}
	if got[0].env.ID != m1.ID.String() || got[1].env.ID != m2.ID.String() {
		t.Fatalf("drain must deliver oldest first, got [%s %s]", got[0].env.Body, got[1].env.Body)
	}
	if got[0].connID != "c-bob" {
		t.Fatalf("expected delivery over c-bob, got %s", got[0].connID)
	}
	if left := pending(t, f, "bob"); len(left) != 0 {
		t.Fatalf("backlog must be empty after drain, %d left", len(left))
	}

	snap, err := f.tr.Snapshot(ctx, "bob")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.IsOnline {
		t.Fatal("connect must flip presence online")
	}
}

func TestDrainPagesThroughBacklog(t *testing.T) {
	f := setup(t) // DrainBatch is 2
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		send(t, f, "alice", "bob", "m")
	}

	if err := f.coord.UserConnected(ctx, "bob", "c-bob"); err != nil {
		t.Fatalf("user connected: %v", err)
	}
	if got := f.wire.delivered(); len(got) != 5 {
		t.Fatalf("expected all 5 messages across batches, got %d", len(got))
	}
	if left := pending(t, f, "bob"); len(left) != 0 {
		t.Fatalf("expected empty backlog, %d left", len(left))
	}
}

func TestOnlineSendDeliversImmediately(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if err := f.coord.UserConnected(ctx, "bob", "c-bob"); err != nil {
		t.Fatalf("user connected: %v", err)
	}

	m := send(t, f, "alice", "bob", "hello")

	got := f.wire.delivered()
	if len(got) != 1 || got[0].env.ID != m.ID.String() || got[0].env.Body != "hello" {
		t.Fatalf("expected one immediate delivery of %s, got %+v", m.ID, got)
	}
	if left := pending(t, f, "bob"); len(left) != 0 {
		t.Fatalf("immediate delivery must mark the message, %d pending", len(left))
	}
}

func TestTransportFailureLeavesMessageQueued(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if err := f.coord.UserConnected(ctx, "bob", "c-bob"); err != nil {
		t.Fatalf("user connected: %v", err)
	}
	f.wire.failFrom = 1

	m := send(t, f, "alice", "bob", "hello")

	if left := pending(t, f, "bob"); len(left) != 1 || left[0].ID != m.ID {
		t.Fatalf("failed attempt must leave the message queued, got %+v", left)
	}

	// The transport recovers and bob reconnects; the backlog drains.
	f.wire.failFrom = 0
	if err := f.coord.UserConnected(ctx, "bob", "c-bob-2"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	got := f.wire.delivered()
	if len(got) != 1 || got[0].env.ID != m.ID.String() || got[0].connID != "c-bob-2" {
		t.Fatalf("expected redelivery over new connection, got %+v", got)
	}
	if left := pending(t, f, "bob"); len(left) != 0 {
		t.Fatalf("expected empty backlog after redelivery, %d left", len(left))
	}
}

func TestDrainStopsOnFirstFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	m1 := send(t, f, "alice", "bob", "first")
	m2 := send(t, f, "alice", "bob", "second")
	m3 := send(t, f, "alice", "bob", "third")

	f.wire.failFrom = 2
	if err := f.coord.UserConnected(ctx, "bob", "c-bob"); err != nil {
		t.Fatalf("user connected: %v", err)
	}

	got := f.wire.delivered()
	if len(got) != 1 || got[0].env.ID != m1.ID.String() {
		t.Fatalf("expected only the first message through, got %+v", got)
	}
	left := pending(t, f, "bob")
	if len(left) != 2 || left[0].ID != m2.ID || left[1].ID != m3.ID {
		t.Fatalf("remaining backlog must keep FIFO order, got %+v", left)
	}
}

func TestSendSurfacesStorageUnavailable(t *testing.T) {
	f := setup(t)

	sqlDB, err := f.st.DB.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	_ = sqlDB.Close()

	_, err = f.coord.Send(context.Background(), service.SendInput{
		ChatID:     "chat-1",
		SenderID:   "alice",
		ReceiverID: "bob",
		Body:       "hello",
	})
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestStaleDisconnectKeepsUserOnline(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if err := f.coord.UserConnected(ctx, "bob", "c1"); err != nil {
		t.Fatalf("connect c1: %v", err)
	}
	if err := f.coord.UserConnected(ctx, "bob", "c2"); err != nil {
		t.Fatalf("connect c2: %v", err)
	}

	// The old socket's teardown arrives after the new connect.
	if err := f.coord.UserDisconnected(ctx, "c1"); err != nil {
		t.Fatalf("stale disconnect: %v", err)
	}

	snap, err := f.tr.Snapshot(ctx, "bob")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.IsOnline {
		t.Fatal("stale disconnect must not flip a reconnected user offline")
	}

	// Messages still route over the live connection.
	send(t, f, "alice", "bob", "hello")
	got := f.wire.delivered()
	if len(got) != 1 || got[len(got)-1].connID != "c2" {
		t.Fatalf("expected delivery over c2, got %+v", got)
	}
}

func TestDisconnectFlipsOffline(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if err := f.coord.UserConnected(ctx, "bob", "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := f.coord.UserDisconnected(ctx, "c1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	snap, err := f.tr.Snapshot(ctx, "bob")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.IsOnline {
		t.Fatal("disconnect of the live connection must flip presence offline")
	}

	send(t, f, "alice", "bob", "hello")
	if got := f.wire.delivered(); len(got) != 0 {
		t.Fatalf("offline receiver must not get transport calls, got %d", len(got))
	}
}

func TestRescanDeliversAfterMissedConnect(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The session registered but its connect-triggered drain never ran,
	// e.g. the instance handling the attach died mid-way. No UserConnected
	// here on purpose.
	if _, err := f.reg.Connect(ctx, "bob", "c-bob"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	msg := store.Message{
		ChatID:     "chat-1",
		SenderID:   "alice",
		ReceiverID: "bob",
		Body:       "hello",
		CreatedAt:  time.Now().UTC(),
	}
	if err := f.st.Messages().Create(ctx, &msg); err != nil {
		t.Fatalf("create: %v", err)
	}

	coord := service.New(f.st, f.reg, f.tr, f.wire, service.Config{RescanInterval: 20 * time.Millisecond})
	go func() { _ = coord.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(pending(t, f, "bob")) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("rescan never delivered the queued message")
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := f.wire.delivered()
	if len(got) != 1 || got[0].env.ID != msg.ID.String() || got[0].connID != "c-bob" {
		t.Fatalf("expected one rescan delivery of %s over c-bob, got %+v", msg.ID, got)
	}
}

func TestHeartbeat(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if err := f.coord.UserConnected(ctx, "bob", "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	alive, err := f.coord.Heartbeat(ctx, "bob", "c1")
	if err != nil || !alive {
		t.Fatalf("expected live heartbeat, alive=%v err=%v", alive, err)
	}

	if err := f.coord.UserConnected(ctx, "bob", "c2"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	alive, err = f.coord.Heartbeat(ctx, "bob", "c1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if alive {
		t.Fatal("superseded connection must not heartbeat as alive")
	}
}
