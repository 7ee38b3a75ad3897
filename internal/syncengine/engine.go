// Package syncengine implements the per-device sync client: connection
// lifecycle with handshake and backlog catch-up, durable offline queuing with
// replay on reconnect, exponential-backoff reconnection, event dedup, typed
// pub/sub dispatch, and lock operations over the hub session.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/google/uuid"

	"possync/internal/clock"
	"possync/internal/model"
	"possync/internal/monitor"
	"possync/internal/protocol"
	"possync/internal/resolver"
	"possync/internal/storage"
	"possync/pkg/log"
	"possync/pkg/utils"
)

// ErrEngineClosed returned by operations after Close.
var ErrEngineClosed = errors.New("sync engine closed")

// State connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// Identity the device and user this engine stamps onto produced events,
// supplied by the session/auth provider.
type Identity struct {
	DeviceID  string
	TenantID  string
	StoreID   string
	UserID    string
	UserName  string
	SessionID string
	Token     string
}

// Config engine tuning. Zero values take defaults.
type Config struct {
	// Policy controls reconnect scheduling; defaults to ExponentialBackoff
	// 1s..30s, unbounded attempts.
	Policy ReconnectPolicy
	// RequestTimeout bounds the handshake and lock round-trips.
	RequestTimeout time.Duration
	// DedupTTL how long received event IDs are remembered.
	DedupTTL time.Duration
	// Metrics optional instrumentation.
	Metrics *monitor.Metrics
}

func (c Config) withDefaults() Config {
	out := c
	if out.Policy == nil {
		out.Policy = ExponentialBackoff{Base: time.Second, Max: 30 * time.Second}
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 10 * time.Second
	}
	if out.DedupTTL <= 0 {
		out.DedupTTL = 10 * time.Minute
	}
	return out
}

// Engine the per-device sync client. One engine owns one clock, one durable
// store and at most one live hub session.
type Engine struct {
	id     Identity
	cfg    Config
	clock  *clock.Clock
	store  *storage.Store
	res    *resolver.Resolver
	dialer protocol.Dialer
	dedup  *bigcache.BigCache

	mu             sync.Mutex
	state          State
	conn           protocol.Conn
	addr           string
	cursor         uint64
	attempt        int
	reconnectTimer *time.Timer
	closed         bool

	ordersMu sync.RWMutex
	orders   map[string]*model.Order

	subMu     sync.RWMutex
	subs      map[Category]map[int]Handler
	nextSubID int

	waiterMu sync.Mutex
	waiters  map[string]chan *protocol.LockResult
}

// New creates an engine. The clock resumes from the persisted value so a
// restarted device never reissues old stamps.
func New(id Identity, store *storage.Store, dialer protocol.Dialer, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	dedup, err := bigcache.New(context.Background(), bigcache.DefaultConfig(cfg.DedupTTL))
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeInternalError, "create dedup cache")
	}

	var start uint64
	if raw, ok, err := store.Get(storage.KeyClock); err != nil {
		dedup.Close()
		return nil, utils.WrapError(err, utils.CodeInternalError, "load persisted clock")
	} else if ok {
		start, _ = strconv.ParseUint(string(raw), 10, 64)
	}

	// the cursor tracks the hub's history, not this device's clock; a
	// device that produced events offline restarts with clock > cursor and
	// must still fetch the full peer backlog
	var cursor uint64
	if raw, ok, err := store.Get(storage.KeyCursor); err != nil {
		dedup.Close()
		return nil, utils.WrapError(err, utils.CodeInternalError, "load persisted cursor")
	} else if ok {
		cursor, _ = strconv.ParseUint(string(raw), 10, 64)
	}

	return &Engine{
		id:      id,
		cfg:     cfg,
		clock:   clock.NewAt(start),
		store:   store,
		res:     resolver.New(id.DeviceID),
		dialer:  dialer,
		dedup:   dedup,
		cursor:  cursor,
		orders:  make(map[string]*model.Order),
		subs:    make(map[Category]map[int]Handler),
		waiters: make(map[string]chan *protocol.LockResult),
	}, nil
}

// Connect opens a session to the hub at addr: dial, handshake, backlog
// request, offline-queue flush. A rejected handshake is fatal and is not
// retried; any other failure schedules a reconnect.
func (e *Engine) Connect(ctx context.Context, addr string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.state = StateConnecting
	e.addr = addr
	e.mu.Unlock()

	conn, err := e.dialer.Dial(ctx, addr)
	if err != nil {
		e.failConnect(addr, err)
		return utils.WrapError(err, utils.CodeConnectionFailed, "dial hub")
	}

	ack, err := e.handshake(conn)
	if err != nil {
		conn.Close()
		if appErr, ok := utils.IsAppError(err); ok && appErr.Code == utils.CodeHandshakeRejected {
			e.mu.Lock()
			e.state = StateDisconnected
			e.mu.Unlock()
			log.WithField("device_id", e.id.DeviceID).WithError(err).Error("Handshake rejected")
			return err
		}
		e.failConnect(addr, err)
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		conn.Close()
		return ErrEngineClosed
	}
	if e.conn != nil {
		e.conn.Close()
	}
	e.conn = conn
	e.state = StateSyncing
	e.attempt = 0
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	cursor := e.cursor
	e.mu.Unlock()

	if err := e.store.Put(storage.KeyLastHub, []byte(addr)); err != nil {
		log.WithError(err).Warn("Failed to persist hub address")
	}

	log.WithFields(map[string]interface{}{
		"device_id": e.id.DeviceID,
		"hub":       addr,
		"leader_id": ack.LeaderID,
		"cursor":    cursor,
	}).Info("Connected to hub")

	env, err := protocol.NewEnvelope(protocol.TypeCursorRequest, "", &protocol.CursorRequest{FromLamport: cursor})
	if err == nil {
		err = conn.Send(env)
	}
	if err != nil {
		e.connLost(conn, err)
		return utils.WrapError(err, utils.CodeConnectionFailed, "request backlog")
	}

	go e.readLoop(conn)
	go e.flushQueue(conn)
	return nil
}

// handshake sends hello and waits for hello.ack within the request timeout.
func (e *Engine) handshake(conn protocol.Conn) (*protocol.HelloAck, error) {
	hello := &protocol.Hello{
		DeviceID: e.id.DeviceID,
		TenantID: e.id.TenantID,
		StoreID:  e.id.StoreID,
		Cursor:   e.Cursor(),
		Auth: protocol.Auth{
			SessionID: e.id.SessionID,
			UserID:    e.id.UserID,
			Token:     e.id.Token,
		},
	}
	env, err := protocol.NewEnvelope(protocol.TypeHello, "", hello)
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeSerialization, "encode hello")
	}
	if err := conn.Send(env); err != nil {
		return nil, utils.WrapError(err, utils.CodeConnectionFailed, "send hello")
	}

	type recvResult struct {
		env *protocol.Envelope
		err error
	}
	ch := make(chan recvResult, 1)
	go func() {
		env, err := conn.Recv()
		ch <- recvResult{env, err}
	}()

	select {
	case <-time.After(e.cfg.RequestTimeout):
		return nil, utils.NewError(utils.CodeConnectionFailed, "handshake timed out")
	case r := <-ch:
		if r.err != nil {
			return nil, utils.WrapError(r.err, utils.CodeConnectionFailed, "handshake recv")
		}
		switch r.env.Type {
		case protocol.TypeHelloAck:
			var ack protocol.HelloAck
			if err := r.env.Decode(&ack); err != nil {
				return nil, utils.WrapError(err, utils.CodeSerialization, "decode hello.ack")
			}
			return &ack, nil
		case protocol.TypeError:
			var frame protocol.ErrorFrame
			if err := r.env.Decode(&frame); err != nil {
				return nil, utils.WrapError(err, utils.CodeSerialization, "decode error frame")
			}
			return nil, utils.NewError(frame.Code, frame.Message)
		default:
			return nil, utils.NewError(utils.CodeConnectionFailed, "unexpected handshake reply: "+string(r.env.Type))
		}
	}
}

// SendEvent stamps the event with this device's identity and next clock
// value, applies it locally, and transmits it. While disconnected the event
// goes to the durable offline queue instead.
func (e *Engine) SendEvent(event *model.Event) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.mu.Unlock()

	if event.TenantID == "" {
		event.TenantID = e.id.TenantID
	}
	if event.StoreID == "" {
		event.StoreID = e.id.StoreID
	}
	if event.EventID == "" {
		event.EventID = model.NewEventID(e.id.DeviceID)
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	event.Actor = model.Actor{DeviceID: e.id.DeviceID, UserID: e.id.UserID, UserName: e.id.UserName}
	event.Clock = model.ClockStamp{Lamport: e.clock.Tick(), DeviceID: e.id.DeviceID}
	e.persistClock()

	// a relayed echo of our own event must not re-apply
	e.markSeen(event.EventID)
	e.applyLocal(event)

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	if conn == nil {
		return e.enqueue(event)
	}

	env, err := protocol.NewEnvelope(protocol.TypeEventsAppend, "", event)
	if err != nil {
		return utils.WrapError(err, utils.CodeSerialization, "encode event")
	}
	if err := conn.Send(env); err != nil {
		log.WithError(err).Warn("Send failed, queuing event")
		if qErr := e.enqueue(event); qErr != nil {
			return qErr
		}
		e.connLost(conn, err)
		return nil
	}
	return nil
}

// enqueue appends the event to the durable offline queue.
func (e *Engine) enqueue(event *model.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return utils.WrapError(err, utils.CodeSerialization, "encode queued event")
	}
	if _, err := e.store.Enqueue(model.OfflineQueueItem{
		Type: string(protocol.TypeEventsAppend),
		Data: raw,
	}); err != nil {
		return utils.WrapError(err, utils.CodeInternalError, "enqueue event")
	}
	e.updateQueueDepth()
	return nil
}

// flushQueue transmits the durable queue in enqueue order. A malformed entry
// is isolated and removed so it cannot block later writes; a transmission
// failure stops the flush and leaves the remainder for the next reconnect.
func (e *Engine) flushQueue(conn protocol.Conn) {
	items, err := e.store.PeekAll()
	if err != nil {
		log.WithError(err).Error("Failed to read offline queue")
		return
	}

	flushed := 0
	for _, item := range items {
		var ev model.Event
		if err := json.Unmarshal(item.Item.Data, &ev); err != nil {
			log.WithFields(map[string]interface{}{
				"queue_id": item.ID,
			}).WithError(err).Warn("Isolating malformed offline queue entry")
			if err := e.store.Remove(item.ID); err != nil {
				log.WithError(err).Error("Failed to remove malformed queue entry")
			}
			continue
		}

		env, err := protocol.NewEnvelope(protocol.TypeEventsAppend, "", &ev)
		if err != nil {
			log.WithError(err).Warn("Isolating unencodable offline queue entry")
			e.store.Remove(item.ID)
			continue
		}
		if err := conn.Send(env); err != nil {
			log.WithError(err).Warn("Offline queue flush interrupted")
			return
		}
		if err := e.store.Remove(item.ID); err != nil {
			log.WithError(err).Error("Failed to remove flushed queue entry")
		}
		flushed++
	}

	if flushed > 0 {
		log.WithField("count", flushed).Info("Offline queue flushed")
	}
	e.updateQueueDepth()
}

// readLoop dispatches inbound frames until the connection fails. Malformed
// frames are dropped; the session survives.
func (e *Engine) readLoop(conn protocol.Conn) {
	for {
		env, err := conn.Recv()
		if err != nil {
			var malformed *protocol.MalformedFrameError
			if errors.As(err, &malformed) {
				log.WithError(err).Warn("Dropping malformed frame")
				continue
			}
			e.connLost(conn, err)
			return
		}

		switch env.Type {
		case protocol.TypeEventsRelay:
			var ev model.Event
			if err := env.Decode(&ev); err != nil {
				log.WithError(err).Warn("Dropping undecodable relay frame")
				continue
			}
			e.handleEvent(&ev, true)

		case protocol.TypeEventsBulk:
			var bulk protocol.EventsBulk
			if err := env.Decode(&bulk); err != nil {
				log.WithError(err).Warn("Dropping undecodable bulk frame")
				continue
			}
			e.handleBulk(&bulk)

		case protocol.TypeLockResult:
			var result protocol.LockResult
			if err := env.Decode(&result); err != nil {
				log.WithError(err).Warn("Dropping undecodable lock result")
				continue
			}
			e.deliverLockResult(env.ID, &result)

		case protocol.TypeError:
			var frame protocol.ErrorFrame
			if err := env.Decode(&frame); err != nil {
				log.WithError(err).Warn("Dropping undecodable error frame")
				continue
			}
			log.WithFields(map[string]interface{}{
				"code":  frame.Code,
				"fatal": frame.Fatal,
			}).Error("Hub reported error: " + frame.Message)
			if frame.Fatal {
				conn.Close()
				e.dropConn(conn)
				return
			}

		default:
			log.WithField("type", string(env.Type)).Debug("Ignoring unexpected frame")
		}
	}
}

// handleEvent witnesses the clock, dedups, advances the cursor and applies
// the event; returns whether it changed local state.
func (e *Engine) handleEvent(ev *model.Event, publishSingle bool) bool {
	e.clock.Witness(ev.Clock.Lamport)
	e.persistClock()

	e.mu.Lock()
	if ev.Clock.Lamport > e.cursor {
		e.cursor = ev.Clock.Lamport
		e.persistCursorLocked()
	}
	e.mu.Unlock()

	if e.seen(ev.EventID) {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordDuplicate()
		}
		return false
	}
	e.markSeen(ev.EventID)

	if e.res.IsEcho(ev) {
		return false
	}

	if !e.applyLocal(ev) {
		return false
	}

	if publishSingle {
		if cat, ok := categoryOf(ev.Type); ok {
			e.publish(cat, []model.Event{*ev})
		}
	}
	return true
}

// handleBulk applies a backlog batch in (lamport, deviceID) order and
// publishes the applied events as one bulk-sync batch.
func (e *Engine) handleBulk(bulk *protocol.EventsBulk) {
	e.setStateIfConnected(StateSyncing)

	events := bulk.Events
	model.SortEvents(events)

	applied := make([]model.Event, 0, len(events))
	for i := range events {
		if e.handleEvent(&events[i], true) {
			applied = append(applied, events[i])
		}
	}

	e.setStateIfConnected(StateConnected)

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.ObserveBulkBatch(len(events))
	}
	if len(applied) > 0 {
		e.publish(CategoryBulkSync, applied)
	}
	log.WithFields(map[string]interface{}{
		"received": len(events),
		"applied":  len(applied),
	}).Info("Backlog batch applied")
}

// applyLocal merges the event into the local order cache under the conflict
// resolution rules.
func (e *Engine) applyLocal(ev *model.Event) bool {
	e.ordersMu.Lock()
	defer e.ordersMu.Unlock()

	local := e.orders[ev.AggregateID]
	if !e.res.RemoteWins(local, ev) {
		return false
	}
	if local == nil {
		local = &model.Order{}
		e.orders[ev.AggregateID] = local
	}
	if err := local.ApplyResolved(ev); err != nil {
		log.WithFields(map[string]interface{}{
			"event_id": ev.EventID,
			"type":     ev.Type,
		}).WithError(err).Warn("Failed to apply event")
		return false
	}
	return true
}

// AcquireLock requests the editing lock for an order over the hub session.
func (e *Engine) AcquireLock(ctx context.Context, orderID string) (*protocol.LockResult, error) {
	return e.lockOp(ctx, protocol.TypeLockAcquire, orderID)
}

// RenewLock extends a held lock.
func (e *Engine) RenewLock(ctx context.Context, orderID string) (*protocol.LockResult, error) {
	return e.lockOp(ctx, protocol.TypeLockRenew, orderID)
}

// ReleaseLock releases a held lock; releasing an absent lock succeeds.
func (e *Engine) ReleaseLock(ctx context.Context, orderID string) (*protocol.LockResult, error) {
	return e.lockOp(ctx, protocol.TypeLockRelease, orderID)
}

// ForceReleaseLock removes a lock regardless of owner. Recovery path.
func (e *Engine) ForceReleaseLock(ctx context.Context, orderID string) (*protocol.LockResult, error) {
	return e.lockOp(ctx, protocol.TypeLockForceRelease, orderID)
}

// lockOp sends a lock request and waits for the correlated result. Lock
// conflicts come back inside the result, never as an error; errors are
// transport-level only.
func (e *Engine) lockOp(ctx context.Context, op protocol.MessageType, orderID string) (*protocol.LockResult, error) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return nil, utils.NewError(utils.CodeConnectionFailed, "not connected to hub")
	}

	req := &protocol.LockRequest{
		OrderID:  orderID,
		DeviceID: e.id.DeviceID,
		UserID:   e.id.UserID,
		UserName: e.id.UserName,
		TenantID: e.id.TenantID,
		StoreID:  e.id.StoreID,
	}
	id := uuid.NewString()
	env, err := protocol.NewEnvelope(op, id, req)
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeSerialization, "encode lock request")
	}

	ch := make(chan *protocol.LockResult, 1)
	e.waiterMu.Lock()
	e.waiters[id] = ch
	e.waiterMu.Unlock()
	defer func() {
		e.waiterMu.Lock()
		delete(e.waiters, id)
		e.waiterMu.Unlock()
	}()

	if err := conn.Send(env); err != nil {
		return nil, utils.WrapError(err, utils.CodeConnectionFailed, "send lock request")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.cfg.RequestTimeout):
		return nil, utils.NewError(utils.CodeConnectionFailed, "lock request timed out")
	case result := <-ch:
		return result, nil
	}
}

func (e *Engine) deliverLockResult(id string, result *protocol.LockResult) {
	e.waiterMu.Lock()
	ch := e.waiters[id]
	e.waiterMu.Unlock()
	if ch == nil {
		log.WithField("id", id).Debug("Lock result without waiter")
		return
	}
	select {
	case ch <- result:
	default:
	}
}

// failConnect records a failed connection attempt and schedules the next one.
func (e *Engine) failConnect(addr string, err error) {
	log.WithField("hub", addr).WithError(err).Warn("Connection attempt failed")
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.state = StateDisconnected
	e.scheduleReconnectLocked(addr)
}

// connLost handles a failed live connection: transition to disconnected and
// schedule a reconnect, unless a newer connection already replaced this one.
func (e *Engine) connLost(conn protocol.Conn, err error) {
	conn.Close()

	e.mu.Lock()
	if e.closed || e.conn != conn {
		e.mu.Unlock()
		return
	}
	e.conn = nil
	e.state = StateDisconnected
	addr := e.addr
	e.scheduleReconnectLocked(addr)
	e.mu.Unlock()

	log.WithField("hub", addr).WithError(err).Warn("Connection lost")
}

// dropConn disconnects without scheduling a reconnect. Used for fatal hub
// errors and explicit logout.
func (e *Engine) dropConn(conn protocol.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != conn {
		return
	}
	e.conn = nil
	e.state = StateDisconnected
}

// scheduleReconnectLocked arms the single reconnect timer, replacing any
// pending one. Caller holds e.mu.
func (e *Engine) scheduleReconnectLocked(addr string) {
	e.attempt++
	delay, ok := e.cfg.Policy.Next(e.attempt)
	if !ok {
		log.WithField("attempts", e.attempt-1).Error("Reconnect attempts exhausted")
		return
	}
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordReconnectAttempt()
	}
	log.WithFields(map[string]interface{}{
		"attempt": e.attempt,
		"delay":   delay.String(),
	}).Info("Reconnect scheduled")
	e.reconnectTimer = time.AfterFunc(delay, func() {
		e.Connect(context.Background(), addr)
	})
}

// Disconnect closes the session without scheduling a reconnect. Explicit
// logout path.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	conn := e.conn
	e.conn = nil
	e.state = StateDisconnected
	e.attempt = 0
	e.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Close shuts the engine down. The durable store belongs to the caller and
// is not closed here.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	conn := e.conn
	e.conn = nil
	e.state = StateDisconnected
	e.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return e.dedup.Close()
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cursor returns the highest lamport value seen from the hub.
func (e *Engine) Cursor() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// ClockValue returns the current lamport clock without advancing it.
func (e *Engine) ClockValue() uint64 {
	return e.clock.Current()
}

// Order returns a copy of the locally merged order state.
func (e *Engine) Order(id string) (model.Order, bool) {
	e.ordersMu.RLock()
	defer e.ordersMu.RUnlock()
	o, ok := e.orders[id]
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// QueueLen returns the durable offline queue depth.
func (e *Engine) QueueLen() (int, error) {
	return e.store.QueueLen()
}

func (e *Engine) setStateIfConnected(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.state = s
	}
}

func (e *Engine) seen(eventID string) bool {
	_, err := e.dedup.Get(eventID)
	return err == nil
}

func (e *Engine) markSeen(eventID string) {
	if err := e.dedup.Set(eventID, []byte{1}); err != nil {
		log.WithError(err).Warn("Failed to record event ID in dedup cache")
	}
}

func (e *Engine) persistClock() {
	value := strconv.FormatUint(e.clock.Current(), 10)
	if err := e.store.Put(storage.KeyClock, []byte(value)); err != nil {
		log.WithError(err).Warn("Failed to persist clock")
	}
}

// persistCursorLocked requires e.mu held.
func (e *Engine) persistCursorLocked() {
	value := strconv.FormatUint(e.cursor, 10)
	if err := e.store.Put(storage.KeyCursor, []byte(value)); err != nil {
		log.WithError(err).Warn("Failed to persist cursor")
	}
}

func (e *Engine) updateQueueDepth() {
	if e.cfg.Metrics == nil {
		return
	}
	n, err := e.store.QueueLen()
	if err != nil {
		return
	}
	e.cfg.Metrics.SetOfflineQueueDepth(n)
}
