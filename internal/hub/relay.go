// Package hub implements the relay server: one session per device,
// handshake with optional session-token validation, append + fan-out of
// events within a tenant/store scope, backlog batches, and lock operations
// over the same session. Device locks are released when a session closes.
package hub

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"

	"possync/internal/eventlog"
	"possync/internal/lock"
	"possync/internal/model"
	"possync/internal/monitor"
	"possync/internal/protocol"
	"possync/internal/utils"
	"possync/pkg/log"
	pkgutils "possync/pkg/utils"
)

// Config relay tuning. Zero values take defaults.
type Config struct {
	// LeaderID identifies this hub in hello.ack; defaults to a random ID.
	LeaderID string
	// HandshakeTimeout bounds the wait for the hello frame.
	HandshakeTimeout time.Duration
	// Sessions validates handshake tokens when set; nil accepts every
	// device (trusted LAN mode).
	Sessions *utils.SessionManager
	// Metrics optional instrumentation.
	Metrics *monitor.Metrics
	// Tracer optional span emission around append and lock operations.
	Tracer *monitor.Tracer
}

// session one connected device.
type session struct {
	deviceID string
	tenantID string
	storeID  string
	conn     protocol.Conn
}

func (s *session) scope() eventlog.Scope {
	return eventlog.Scope{TenantID: s.tenantID, StoreID: s.storeID}
}

// Relay the hub server loop. Shared mutable state is the event log and the
// lock table, both mutated only through their atomic store operations; the
// session registry has its own mutex.
type Relay struct {
	events   eventlog.Store
	locks    *lock.Manager
	cfg      Config
	leaderID string

	mu      sync.Mutex
	devices map[string]*session
	seq     map[eventlog.Scope]uint64
}

// NewRelay creates a relay over the given event log and lock manager.
func NewRelay(events eventlog.Store, locks *lock.Manager, cfg Config) *Relay {
	if cfg.LeaderID == "" {
		cfg.LeaderID = "hub-" + uuid.NewString()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Relay{
		events:   events,
		locks:    locks,
		cfg:      cfg,
		leaderID: cfg.LeaderID,
		devices:  make(map[string]*session),
		seq:      make(map[eventlog.Scope]uint64),
	}
}

// LeaderID returns the identifier sent in hello.ack.
func (r *Relay) LeaderID() string {
	return r.leaderID
}

// DeviceCount returns the number of open sessions.
func (r *Relay) DeviceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// SequenceOf returns the relay's view of a scope's event sequence.
func (r *Relay) SequenceOf(scope eventlog.Scope) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq[scope]
}

// Serve accepts TCP connections until the context is cancelled or the
// listener fails.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.WithField("addr", ln.Addr().String()).Info("Relay listening")
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go r.HandleConn(ctx, protocol.NewNetConn(c))
	}
}

// HandleConn serves one device session to completion. Exported so colocated
// or in-memory transports can feed connections directly.
func (r *Relay) HandleConn(ctx context.Context, conn protocol.Conn) {
	defer conn.Close()

	sess, err := r.handshake(conn)
	if err != nil {
		log.WithError(err).Warn("Handshake failed")
		return
	}
	defer r.closeSession(ctx, sess)

	log.WithFields(map[string]interface{}{
		"device_id": sess.deviceID,
		"tenant_id": sess.tenantID,
		"store_id":  sess.storeID,
	}).Info("Device connected")

	for {
		env, err := conn.Recv()
		if err != nil {
			var malformed *protocol.MalformedFrameError
			if errors.As(err, &malformed) {
				log.WithError(err).WithField("device_id", sess.deviceID).Warn("Dropping malformed frame")
				continue
			}
			return
		}

		switch env.Type {
		case protocol.TypeEventsAppend:
			r.handleAppend(ctx, sess, env)
		case protocol.TypeCursorRequest:
			r.handleCursorRequest(ctx, sess, env)
		case protocol.TypeLockAcquire, protocol.TypeLockRenew, protocol.TypeLockRelease, protocol.TypeLockForceRelease:
			r.handleLock(ctx, sess, env)
		default:
			log.WithFields(map[string]interface{}{
				"device_id": sess.deviceID,
				"type":      string(env.Type),
			}).Debug("Ignoring unexpected frame")
		}
	}
}

// handshake validates the hello frame and registers the session. A second
// session for the same device replaces the first.
func (r *Relay) handshake(conn protocol.Conn) (*session, error) {
	env, err := recvWithTimeout(conn, r.cfg.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	if env.Type != protocol.TypeHello {
		r.reject(conn, pkgutils.CodeHandshakeRejected, "expected hello")
		return nil, errors.New("first frame was " + string(env.Type))
	}

	var hello protocol.Hello
	if err := env.Decode(&hello); err != nil {
		r.reject(conn, pkgutils.CodeSerialization, "undecodable hello")
		return nil, err
	}
	if hello.DeviceID == "" || hello.TenantID == "" || hello.StoreID == "" {
		r.reject(conn, pkgutils.CodeHandshakeRejected, "missing device, tenant or store ID")
		return nil, errors.New("incomplete hello")
	}

	if r.cfg.Sessions != nil {
		claims, err := r.cfg.Sessions.Validate(hello.Auth.Token)
		if err != nil || claims.DeviceID != hello.DeviceID {
			r.reject(conn, pkgutils.CodeHandshakeRejected, "invalid session token")
			return nil, errors.New("session token rejected for device " + hello.DeviceID)
		}
	}

	sess := &session{
		deviceID: hello.DeviceID,
		tenantID: hello.TenantID,
		storeID:  hello.StoreID,
		conn:     conn,
	}

	last, err := r.events.LastLamport(context.Background(), sess.scope())
	if err != nil {
		log.WithError(err).Warn("Failed to read last lamport for handshake")
	}

	r.mu.Lock()
	if old, ok := r.devices[sess.deviceID]; ok {
		old.conn.Close()
	}
	r.devices[sess.deviceID] = sess
	r.mu.Unlock()

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.DeviceConnected(1)
	}

	ack := &protocol.HelloAck{
		LeaderID:       r.leaderID,
		ServerTime:     time.Now(),
		SnapshotNeeded: hello.Cursor < last,
	}
	reply, err := protocol.NewEnvelope(protocol.TypeHelloAck, env.ID, ack)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(reply); err != nil {
		return nil, err
	}
	return sess, nil
}

// closeSession unregisters the device and releases every lock it held so a
// crashed terminal cannot permanently block an order.
func (r *Relay) closeSession(ctx context.Context, sess *session) {
	r.mu.Lock()
	if current, ok := r.devices[sess.deviceID]; ok && current == sess {
		delete(r.devices, sess.deviceID)
	} else {
		// replaced by a newer session; its locks are still live
		r.mu.Unlock()
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.DeviceConnected(-1)
		}
		return
	}
	r.mu.Unlock()

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.DeviceConnected(-1)
	}

	released := r.locks.ReleaseDeviceLocks(ctx, sess.deviceID)
	log.WithFields(map[string]interface{}{
		"device_id":      sess.deviceID,
		"locks_released": len(released),
	}).Info("Device disconnected")
}

// handleAppend persists the event and fans it out to every other session in
// the same tenant/store scope. Duplicate IDs are dropped silently; replay
// after reconnect makes them routine.
func (r *Relay) handleAppend(ctx context.Context, sess *session, env *protocol.Envelope) {
	var ev model.Event
	if err := env.Decode(&ev); err != nil {
		log.WithError(err).WithField("device_id", sess.deviceID).Warn("Dropping undecodable event")
		return
	}
	if ev.TenantID == "" {
		ev.TenantID = sess.tenantID
	}
	if ev.StoreID == "" {
		ev.StoreID = sess.storeID
	}

	if r.cfg.Tracer != nil {
		var span oteltrace.Span
		ctx, span = r.cfg.Tracer.StartRelaySpan(ctx, ev.TenantID, ev.StoreID, ev.Type)
		defer span.End()
	}

	start := time.Now()
	if err := r.events.Append(ctx, ev); err != nil {
		if errors.Is(err, eventlog.ErrDuplicateEvent) {
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.RecordDuplicate()
			}
			log.WithField("event_id", ev.EventID).Debug("Duplicate event dropped")
			return
		}
		log.WithError(err).WithField("event_id", ev.EventID).Error("Failed to append event")
		return
	}

	scope := eventlog.ScopeOf(&ev)
	r.mu.Lock()
	r.seq[scope]++
	recipients := make([]*session, 0, len(r.devices))
	for _, peer := range r.devices {
		if peer.deviceID == sess.deviceID {
			continue
		}
		if peer.tenantID != ev.TenantID || peer.storeID != ev.StoreID {
			continue
		}
		recipients = append(recipients, peer)
	}
	r.mu.Unlock()

	relay, err := protocol.NewEnvelope(protocol.TypeEventsRelay, "", &ev)
	if err != nil {
		log.WithError(err).Error("Failed to encode relay frame")
		return
	}
	for _, peer := range recipients {
		if err := peer.conn.Send(relay); err != nil {
			log.WithError(err).WithField("device_id", peer.deviceID).Warn("Relay send failed")
		}
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordAppend(ev.TenantID, ev.StoreID)
		for range recipients {
			r.cfg.Metrics.RecordRelay(ev.TenantID, ev.StoreID)
		}
		r.cfg.Metrics.ObserveRelayDuration(time.Since(start).Seconds())
	}
}

// handleCursorRequest answers with the backlog from the requested lamport
// value on, sorted by (lamport, deviceID). The range is inclusive: lamport
// values repeat across devices, so a peer event sharing the requester's
// cursor value must still be served; the requester's dedup drops re-sends.
func (r *Relay) handleCursorRequest(ctx context.Context, sess *session, env *protocol.Envelope) {
	var req protocol.CursorRequest
	if err := env.Decode(&req); err != nil {
		log.WithError(err).WithField("device_id", sess.deviceID).Warn("Dropping undecodable cursor request")
		return
	}

	events, err := r.events.Range(ctx, sess.scope(), req.FromLamport)
	if err != nil {
		log.WithError(err).WithField("device_id", sess.deviceID).Error("Backlog read failed")
		return
	}

	bulk := &protocol.EventsBulk{Events: events, FromLamport: req.FromLamport}
	if n := len(events); n > 0 {
		bulk.ToLamport = events[n-1].Clock.Lamport
	}
	reply, err := protocol.NewEnvelope(protocol.TypeEventsBulk, env.ID, bulk)
	if err != nil {
		log.WithError(err).Error("Failed to encode bulk frame")
		return
	}
	if err := sess.conn.Send(reply); err != nil {
		log.WithError(err).WithField("device_id", sess.deviceID).Warn("Bulk send failed")
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ObserveBulkBatch(len(events))
	}
	log.WithFields(map[string]interface{}{
		"device_id":    sess.deviceID,
		"from_lamport": req.FromLamport,
		"count":        len(events),
	}).Info("Backlog served")
}

// handleLock runs one lock operation and answers with a correlated
// lock.result. Conflicts travel inside the result, not as protocol errors.
func (r *Relay) handleLock(ctx context.Context, sess *session, env *protocol.Envelope) {
	var req protocol.LockRequest
	if err := env.Decode(&req); err != nil {
		log.WithError(err).WithField("device_id", sess.deviceID).Warn("Dropping undecodable lock request")
		return
	}
	if r.cfg.Tracer != nil {
		var span oteltrace.Span
		ctx, span = r.cfg.Tracer.StartLockSpan(ctx, strings.TrimPrefix(string(env.Type), "lock."), req.OrderID)
		defer span.End()
	}

	lockReq := lock.Request{
		OrderID:  req.OrderID,
		DeviceID: sess.deviceID,
		UserID:   req.UserID,
		UserName: req.UserName,
		TenantID: sess.tenantID,
		StoreID:  sess.storeID,
	}

	var result protocol.LockResult
	switch env.Type {
	case protocol.TypeLockAcquire:
		result = r.lockResult("acquire", func() (*model.OrderLock, error) {
			return r.locks.Acquire(ctx, lockReq)
		})
	case protocol.TypeLockRenew:
		result = r.lockResult("renew", func() (*model.OrderLock, error) {
			return r.locks.Renew(ctx, lockReq)
		})
	case protocol.TypeLockRelease:
		result = r.lockResult("release", func() (*model.OrderLock, error) {
			return nil, r.locks.Release(ctx, lockReq)
		})
	case protocol.TypeLockForceRelease:
		result = r.lockResult("force_release", func() (*model.OrderLock, error) {
			return nil, r.locks.ForceRelease(ctx, sess.tenantID, sess.storeID, req.OrderID)
		})
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.SetActiveLocks(r.locks.ActiveCount(ctx))
	}

	reply, err := protocol.NewEnvelope(protocol.TypeLockResult, env.ID, &result)
	if err != nil {
		log.WithError(err).Error("Failed to encode lock result")
		return
	}
	if err := sess.conn.Send(reply); err != nil {
		log.WithError(err).WithField("device_id", sess.deviceID).Warn("Lock result send failed")
	}
}

// lockResult maps a lock operation outcome onto the wire result codes.
func (r *Relay) lockResult(operation string, op func() (*model.OrderLock, error)) protocol.LockResult {
	held, err := op()
	if err == nil {
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.RecordLockOp(operation, "ok")
		}
		return protocol.LockResult{OK: true, Code: pkgutils.CodeOK, Lock: held}
	}

	result := protocol.LockResult{OK: false, Message: err.Error()}
	var conflict *lock.ConflictError
	switch {
	case errors.As(err, &conflict):
		result.Code = pkgutils.CodeOrderLocked
		result.Lock = &conflict.Holder
	case errors.Is(err, lock.ErrLockNotFound):
		result.Code = pkgutils.CodeLockNotFound
	case errors.Is(err, lock.ErrLockOwnedByAnotherDevice):
		result.Code = pkgutils.CodeLockOwnedByAnotherDevice
	default:
		result.Code = pkgutils.CodeInternalError
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordLockOp(operation, result.Code)
	}
	return result
}

// reject answers a failed handshake with a fatal error frame.
func (r *Relay) reject(conn protocol.Conn, code, message string) {
	frame, err := protocol.NewEnvelope(protocol.TypeError, "", &protocol.ErrorFrame{
		Code: code, Message: message, Fatal: true,
	})
	if err != nil {
		return
	}
	conn.Send(frame)
}

func recvWithTimeout(conn protocol.Conn, d time.Duration) (*protocol.Envelope, error) {
	type result struct {
		env *protocol.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := conn.Recv()
		ch <- result{env, err}
	}()

	select {
	case <-time.After(d):
		return nil, errors.New("timed out waiting for hello")
	case r := <-ch:
		return r.env, r.err
	}
}
