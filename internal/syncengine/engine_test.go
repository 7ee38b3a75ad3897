package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/model"
	"possync/internal/protocol"
	"possync/internal/storage"
	"possync/pkg/utils"
)

// testHub scripts the server side of a session for engine tests.
type testHub struct {
	mu         sync.Mutex
	received   []model.Event
	backlog    []model.Event
	rejectAuth bool
	conns      []protocol.Conn
	appended   chan model.Event
}

func newTestHub() *testHub {
	return &testHub{appended: make(chan model.Event, 64)}
}

func (h *testHub) serve(conn protocol.Conn) {
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()

	for {
		env, err := conn.Recv()
		if err != nil {
			return
		}

		switch env.Type {
		case protocol.TypeHello:
			if h.rejectAuth {
				reply, _ := protocol.NewEnvelope(protocol.TypeError, "", &protocol.ErrorFrame{
					Code: utils.CodeHandshakeRejected, Message: "invalid token", Fatal: true,
				})
				conn.Send(reply)
				conn.Close()
				return
			}
			reply, _ := protocol.NewEnvelope(protocol.TypeHelloAck, "", &protocol.HelloAck{
				LeaderID: "hub-test", ServerTime: time.Now(),
			})
			conn.Send(reply)

		case protocol.TypeCursorRequest:
			var req protocol.CursorRequest
			if err := env.Decode(&req); err != nil {
				continue
			}
			h.mu.Lock()
			var events []model.Event
			for _, ev := range h.backlog {
				if ev.Clock.Lamport >= req.FromLamport {
					events = append(events, ev)
				}
			}
			h.mu.Unlock()
			reply, _ := protocol.NewEnvelope(protocol.TypeEventsBulk, "", &protocol.EventsBulk{
				Events: events, FromLamport: req.FromLamport,
			})
			conn.Send(reply)

		case protocol.TypeEventsAppend:
			var ev model.Event
			if err := env.Decode(&ev); err != nil {
				continue
			}
			h.mu.Lock()
			h.received = append(h.received, ev)
			h.mu.Unlock()
			h.appended <- ev

		case protocol.TypeLockAcquire, protocol.TypeLockRenew, protocol.TypeLockRelease, protocol.TypeLockForceRelease:
			reply, _ := protocol.NewEnvelope(protocol.TypeLockResult, env.ID, &protocol.LockResult{
				OK: true, Code: utils.CodeOK,
			})
			conn.Send(reply)
		}
	}
}

// push sends a frame to the most recent session, as the hub would when
// relaying a peer's event.
func (h *testHub) push(t *testing.T, msgType protocol.MessageType, payload interface{}) {
	t.Helper()
	h.mu.Lock()
	require.NotEmpty(t, h.conns)
	conn := h.conns[len(h.conns)-1]
	h.mu.Unlock()

	env, err := protocol.NewEnvelope(msgType, "", payload)
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))
}

func (h *testHub) receivedEvents() []model.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.Event, len(h.received))
	copy(out, h.received)
	return out
}

// pipeDialer hands the engine one end of an in-memory pipe and serves the
// other end with the test hub. FailFirst dials fail before any succeed.
type pipeDialer struct {
	hub *testHub

	mu        sync.Mutex
	dials     int
	failFirst int
}

func (d *pipeDialer) Dial(ctx context.Context, addr string) (protocol.Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.failFirst > 0
	if fail {
		d.failFirst--
	}
	d.mu.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}
	client, server := protocol.NewPipe()
	go d.hub.serve(server)
	return client, nil
}

func (d *pipeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestEngine(t *testing.T, hub *testHub, cfg Config) (*Engine, *pipeDialer) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dialer := &pipeDialer{hub: hub}
	eng, err := New(Identity{
		DeviceID: "dev-a", TenantID: "t1", StoreID: "s1",
		UserID: "u1", UserName: "Ana", SessionID: "sess-1", Token: "tok",
	}, store, dialer, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng, dialer
}

func createdEvent(aggregateID string) *model.Event {
	payload, _ := json.Marshal(model.OrderCreatedPayload{
		Status: model.OrderStatusPending,
		Items:  []model.OrderItem{{ProductID: "p1", Name: "Espresso", Quantity: 1, Price: 350}},
		Total:  350,
	})
	return &model.Event{
		AggregateType: "order",
		AggregateID:   aggregateID,
		Version:       1,
		Type:          model.EventOrderCreated,
		Payload:       payload,
	}
}

func remoteEvent(aggregateID, deviceID string, version, lamport uint64, status model.OrderStatus) model.Event {
	payload, _ := json.Marshal(model.OrderUpdatedPayload{Status: &status})
	return model.Event{
		EventID:     model.NewEventID(deviceID),
		TenantID:    "t1",
		StoreID:     "s1",
		AggregateID: aggregateID,
		Version:     version,
		Type:        model.EventOrderUpdated,
		At:          time.Now(),
		Actor:       model.Actor{DeviceID: deviceID},
		Clock:       model.ClockStamp{Lamport: lamport, DeviceID: deviceID},
		Payload:     payload,
	}
}

func TestEngine_ConnectAndSend(t *testing.T) {
	hub := newTestHub()
	eng, _ := newTestEngine(t, hub, Config{})

	require.NoError(t, eng.Connect(context.Background(), "test:0"))
	require.Eventually(t, func() bool {
		return eng.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, eng.SendEvent(createdEvent("ORD-1")))

	select {
	case ev := <-hub.appended:
		assert.Equal(t, "ORD-1", ev.AggregateID)
		assert.Equal(t, "dev-a", ev.Clock.DeviceID)
		assert.Equal(t, uint64(1), ev.Clock.Lamport)
		assert.Contains(t, ev.EventID, "dev-a-")
		assert.Equal(t, "Ana", ev.Actor.UserName)
	case <-time.After(time.Second):
		t.Fatal("hub did not receive the event")
	}

	// the event is applied locally as well
	order, ok := eng.Order("ORD-1")
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusPending, order.Status)
	assert.Equal(t, int64(350), order.Total)
}

func TestEngine_OfflineQueueReplayInOrder(t *testing.T) {
	hub := newTestHub()
	eng, _ := newTestEngine(t, hub, Config{})

	for _, id := range []string{"ORD-1", "ORD-2", "ORD-3"} {
		require.NoError(t, eng.SendEvent(createdEvent(id)))
	}
	n, err := eng.QueueLen()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, eng.Connect(context.Background(), "test:0"))

	require.Eventually(t, func() bool {
		return len(hub.receivedEvents()) == 3
	}, time.Second, 5*time.Millisecond)

	got := hub.receivedEvents()
	assert.Equal(t, "ORD-1", got[0].AggregateID)
	assert.Equal(t, "ORD-2", got[1].AggregateID)
	assert.Equal(t, "ORD-3", got[2].AggregateID)
	assert.Less(t, got[0].Clock.Lamport, got[1].Clock.Lamport)
	assert.Less(t, got[1].Clock.Lamport, got[2].Clock.Lamport)

	require.Eventually(t, func() bool {
		n, err := eng.QueueLen()
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_BulkBacklogAppliedIdempotently(t *testing.T) {
	hub := newTestHub()
	created := remoteEvent("ORD-9", "dev-b", 1, 10, model.OrderStatusPending)
	created.Type = model.EventOrderCreated
	created.Payload, _ = json.Marshal(model.OrderCreatedPayload{Status: model.OrderStatusPending, Total: 500})
	updated := remoteEvent("ORD-9", "dev-b", 2, 11, model.OrderStatusParked)
	hub.backlog = []model.Event{updated, created} // out of order on purpose

	eng, _ := newTestEngine(t, hub, Config{})

	var bulkCalls int
	var bulkMu sync.Mutex
	eng.Subscribe(CategoryBulkSync, func(events []model.Event) {
		bulkMu.Lock()
		bulkCalls++
		bulkMu.Unlock()
	})

	require.NoError(t, eng.Connect(context.Background(), "test:0"))
	require.Eventually(t, func() bool {
		o, ok := eng.Order("ORD-9")
		return ok && o.Status == model.OrderStatusParked
	}, time.Second, 5*time.Millisecond)

	order, _ := eng.Order("ORD-9")
	assert.Equal(t, uint64(2), order.Version)
	assert.Equal(t, int64(500), order.Total)

	// the same batch delivered again must change nothing
	hub.push(t, protocol.TypeEventsBulk, &protocol.EventsBulk{Events: hub.backlog})
	time.Sleep(50 * time.Millisecond)

	again, _ := eng.Order("ORD-9")
	assert.Equal(t, order, again)
	bulkMu.Lock()
	assert.Equal(t, 1, bulkCalls)
	bulkMu.Unlock()
}

func TestEngine_ClockWitnessesReceivedEvents(t *testing.T) {
	hub := newTestHub()
	hub.backlog = []model.Event{remoteEvent("ORD-5", "dev-b", 1, 41, model.OrderStatusPending)}
	hub.backlog[0].Type = model.EventOrderCreated
	hub.backlog[0].Payload, _ = json.Marshal(model.OrderCreatedPayload{Status: model.OrderStatusPending})

	eng, _ := newTestEngine(t, hub, Config{})
	require.NoError(t, eng.Connect(context.Background(), "test:0"))

	require.Eventually(t, func() bool {
		return eng.ClockValue() > 41
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(41), eng.Cursor())

	// the next local stamp is ahead of everything seen
	ev := createdEvent("ORD-6")
	require.NoError(t, eng.SendEvent(ev))
	assert.Greater(t, ev.Clock.Lamport, uint64(41))
}

func TestEngine_RelayDedupAndEcho(t *testing.T) {
	hub := newTestHub()
	eng, _ := newTestEngine(t, hub, Config{})

	var mu sync.Mutex
	var delivered []model.Event
	eng.Subscribe(CategoryOrderUpdated, func(events []model.Event) {
		mu.Lock()
		delivered = append(delivered, events...)
		mu.Unlock()
	})

	require.NoError(t, eng.Connect(context.Background(), "test:0"))
	require.Eventually(t, func() bool {
		return eng.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	remote := remoteEvent("ORD-7", "dev-b", 1, 5, model.OrderStatusReady)
	hub.push(t, protocol.TypeEventsRelay, &remote)
	hub.push(t, protocol.TypeEventsRelay, &remote) // retransmit

	echo := remoteEvent("ORD-7", "dev-a", 2, 6, model.OrderStatusCompleted)
	hub.push(t, protocol.TypeEventsRelay, &echo)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	assert.Equal(t, remote.EventID, delivered[0].EventID)
}

func TestEngine_ConcurrentUpdateHigherLamportWins(t *testing.T) {
	hub := newTestHub()
	eng, _ := newTestEngine(t, hub, Config{})

	require.NoError(t, eng.Connect(context.Background(), "test:0"))
	require.Eventually(t, func() bool {
		return eng.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	base := remoteEvent("ORD-8", "dev-b", 1, 3, model.OrderStatusPending)
	base.Type = model.EventOrderCreated
	base.Payload, _ = json.Marshal(model.OrderCreatedPayload{Status: model.OrderStatusPending})
	hub.push(t, protocol.TypeEventsRelay, &base)

	winner := remoteEvent("ORD-8", "dev-c", 2, 12, model.OrderStatusCompleted)
	loser := remoteEvent("ORD-8", "dev-b", 2, 9, model.OrderStatusCancelled)
	hub.push(t, protocol.TypeEventsRelay, &winner)
	hub.push(t, protocol.TypeEventsRelay, &loser) // arrives late, must not revert

	require.Eventually(t, func() bool {
		o, ok := eng.Order("ORD-8")
		return ok && o.Version == 2
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	order, _ := eng.Order("ORD-8")
	assert.Equal(t, model.OrderStatusCompleted, order.Status)
	assert.Equal(t, uint64(12), order.Lamport)
}

func TestEngine_PubSubMultipleSubscribersAndUnsubscribe(t *testing.T) {
	hub := newTestHub()
	eng, _ := newTestEngine(t, hub, Config{})

	var mu sync.Mutex
	countA, countB := 0, 0
	unsubA := eng.Subscribe(CategoryOrderCreated, func([]model.Event) {
		mu.Lock()
		countA++
		mu.Unlock()
	})
	eng.Subscribe(CategoryOrderCreated, func([]model.Event) {
		mu.Lock()
		countB++
		mu.Unlock()
	})

	require.NoError(t, eng.Connect(context.Background(), "test:0"))
	require.Eventually(t, func() bool {
		return eng.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	first := remoteEvent("ORD-20", "dev-b", 1, 7, model.OrderStatusPending)
	first.Type = model.EventOrderCreated
	first.Payload, _ = json.Marshal(model.OrderCreatedPayload{Status: model.OrderStatusPending})
	hub.push(t, protocol.TypeEventsRelay, &first)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return countA == 1 && countB == 1
	}, time.Second, 5*time.Millisecond)

	unsubA()

	second := remoteEvent("ORD-21", "dev-b", 1, 8, model.OrderStatusPending)
	second.Type = model.EventOrderCreated
	second.Payload, _ = json.Marshal(model.OrderCreatedPayload{Status: model.OrderStatusPending})
	hub.push(t, protocol.TypeEventsRelay, &second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return countB == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, countA)
}

func TestEngine_HandshakeRejectedIsFatal(t *testing.T) {
	hub := newTestHub()
	hub.rejectAuth = true
	eng, dialer := newTestEngine(t, hub, Config{
		Policy: ExponentialBackoff{Base: 5 * time.Millisecond, Max: 10 * time.Millisecond},
	})

	err := eng.Connect(context.Background(), "test:0")
	require.Error(t, err)
	appErr, ok := utils.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, utils.CodeHandshakeRejected, appErr.Code)
	assert.Equal(t, StateDisconnected, eng.State())

	// fatal rejection must not trigger reconnect attempts
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestEngine_ReconnectBackoffBoundedAttempts(t *testing.T) {
	hub := newTestHub()
	eng, dialer := newTestEngine(t, hub, Config{
		Policy: ExponentialBackoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond, MaxAttempts: 3},
	})
	dialer.failFirst = 100 // never succeed

	err := eng.Connect(context.Background(), "test:0")
	require.Error(t, err)

	// initial dial plus three scheduled retries, then attempts are exhausted
	require.Eventually(t, func() bool {
		return dialer.dialCount() == 4
	}, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 4, dialer.dialCount())
	assert.Equal(t, StateDisconnected, eng.State())
}

func TestEngine_ReconnectSucceedsAfterFailures(t *testing.T) {
	hub := newTestHub()
	eng, dialer := newTestEngine(t, hub, Config{
		Policy: ExponentialBackoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	})
	dialer.failFirst = 2

	err := eng.Connect(context.Background(), "test:0")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return eng.State() == StateConnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, dialer.dialCount())
}

func TestEngine_LockOverSession(t *testing.T) {
	hub := newTestHub()
	eng, _ := newTestEngine(t, hub, Config{})

	require.NoError(t, eng.Connect(context.Background(), "test:0"))
	require.Eventually(t, func() bool {
		return eng.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	result, err := eng.AcquireLock(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, utils.CodeOK, result.Code)
}

func TestEngine_LockRequiresConnection(t *testing.T) {
	hub := newTestHub()
	eng, _ := newTestEngine(t, hub, Config{})

	_, err := eng.AcquireLock(context.Background(), "ORD-1")
	require.Error(t, err)
	appErr, ok := utils.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, utils.CodeConnectionFailed, appErr.Code)
}

func TestEngine_ClockPersistsAcrossRestart(t *testing.T) {
	hub := newTestHub()
	path := filepath.Join(t.TempDir(), "device.db")

	store, err := storage.Open(path)
	require.NoError(t, err)
	dialer := &pipeDialer{hub: hub}
	id := Identity{DeviceID: "dev-a", TenantID: "t1", StoreID: "s1"}

	eng, err := New(id, store, dialer, Config{})
	require.NoError(t, err)
	require.NoError(t, eng.SendEvent(createdEvent("ORD-1")))
	require.NoError(t, eng.SendEvent(createdEvent("ORD-2")))
	before := eng.ClockValue()
	require.NoError(t, eng.Close())
	require.NoError(t, store.Close())

	store2, err := storage.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })
	eng2, err := New(id, store2, dialer, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { eng2.Close() })

	assert.Equal(t, before, eng2.ClockValue())
	ev := createdEvent("ORD-3")
	require.NoError(t, eng2.SendEvent(ev))
	assert.Equal(t, before+1, ev.Clock.Lamport)
}

func TestEngine_OfflineProducerFetchesFullBacklogAfterRestart(t *testing.T) {
	hub := newTestHub()
	created := remoteEvent("ORD-30", "dev-b", 1, 1, model.OrderStatusPending)
	created.Type = model.EventOrderCreated
	created.Payload, _ = json.Marshal(model.OrderCreatedPayload{Status: model.OrderStatusPending})
	hub.backlog = []model.Event{created}

	path := filepath.Join(t.TempDir(), "device.db")
	store, err := storage.Open(path)
	require.NoError(t, err)
	dialer := &pipeDialer{hub: hub}
	id := Identity{DeviceID: "dev-a", TenantID: "t1", StoreID: "s1"}

	// produce offline until the clock is well past the peer's lamport
	eng, err := New(id, store, dialer, Config{})
	require.NoError(t, err)
	for _, agg := range []string{"ORD-31", "ORD-32", "ORD-33"} {
		require.NoError(t, eng.SendEvent(createdEvent(agg)))
	}
	assert.Equal(t, uint64(3), eng.ClockValue())
	require.NoError(t, eng.Close())
	require.NoError(t, store.Close())

	store2, err := storage.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })
	eng2, err := New(id, store2, dialer, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { eng2.Close() })

	// clock resumed but the cursor is still behind the hub history
	assert.Equal(t, uint64(3), eng2.ClockValue())
	assert.Equal(t, uint64(0), eng2.Cursor())

	require.NoError(t, eng2.Connect(context.Background(), "test:0"))
	require.Eventually(t, func() bool {
		_, ok := eng2.Order("ORD-30")
		return ok
	}, time.Second, 5*time.Millisecond, "peer event below the local clock must still arrive via backlog")
	assert.Equal(t, uint64(1), eng2.Cursor())
}

func TestEngine_CursorPersistsIndependentlyOfClock(t *testing.T) {
	hub := newTestHub()
	hub.backlog = []model.Event{remoteEvent("ORD-40", "dev-b", 1, 41, model.OrderStatusPending)}
	hub.backlog[0].Type = model.EventOrderCreated
	hub.backlog[0].Payload, _ = json.Marshal(model.OrderCreatedPayload{Status: model.OrderStatusPending})

	path := filepath.Join(t.TempDir(), "device.db")
	store, err := storage.Open(path)
	require.NoError(t, err)
	dialer := &pipeDialer{hub: hub}
	id := Identity{DeviceID: "dev-a", TenantID: "t1", StoreID: "s1"}

	eng, err := New(id, store, dialer, Config{})
	require.NoError(t, err)
	require.NoError(t, eng.Connect(context.Background(), "test:0"))
	require.Eventually(t, func() bool {
		return eng.Cursor() == 41
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, eng.Close())
	require.NoError(t, store.Close())

	store2, err := storage.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })
	eng2, err := New(id, store2, dialer, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { eng2.Close() })

	assert.Equal(t, uint64(41), eng2.Cursor())
}

func TestExponentialBackoff_Sequence(t *testing.T) {
	b := ExponentialBackoff{Base: time.Second, Max: 8 * time.Second, MaxAttempts: 6}

	expected := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}
	for i, want := range expected {
		delay, ok := b.Next(i + 1)
		require.True(t, ok)
		assert.Equal(t, want, delay, "attempt %d", i+1)
	}

	_, ok := b.Next(7)
	assert.False(t, ok)
}
