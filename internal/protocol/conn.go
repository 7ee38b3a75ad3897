package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrConnClosed returned once a connection has been closed locally.
var ErrConnClosed = errors.New("connection closed")

// Conn a framed bidirectional connection carrying envelopes.
type Conn interface {
	Send(env *Envelope) error
	Recv() (*Envelope, error)
	Close() error
}

// Dialer opens connections to a hub address. Injected into the sync engine
// so transports can be swapped without touching engine logic.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// maxFrameSize caps a single JSON line; anything larger is a protocol
// violation.
const maxFrameSize = 4 << 20

// netConn JSON-lines framing over a net.Conn.
type netConn struct {
	conn    net.Conn
	reader  *bufio.Scanner
	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

// NewNetConn wraps a stream connection with JSON-lines framing.
func NewNetConn(c net.Conn) Conn {
	sc := bufio.NewScanner(c)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &netConn{
		conn:   c,
		reader: sc,
		closed: make(chan struct{}),
	}
}

// Send writes one envelope as a single JSON line.
func (c *netConn) Send(env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	raw = append(raw, '\n')
	if _, err := c.conn.Write(raw); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Recv blocks until the next line arrives and decodes it.
func (c *netConn) Recv() (*Envelope, error) {
	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return nil, err
		}
		return nil, ErrConnClosed
	}

	var env Envelope
	if err := json.Unmarshal(c.reader.Bytes(), &env); err != nil {
		return nil, &MalformedFrameError{Raw: append([]byte(nil), c.reader.Bytes()...), Err: err}
	}
	return &env, nil
}

// Close closes the underlying connection; safe to call twice.
func (c *netConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// MalformedFrameError a frame that failed to decode. The caller drops the
// frame and keeps the session alive.
type MalformedFrameError struct {
	Raw []byte
	Err error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame (%d bytes): %v", len(e.Raw), e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// NetDialer dials hubs over TCP.
type NetDialer struct {
	Timeout time.Duration
}

// Dial opens a TCP connection to addr. A timed-out attempt closes its
// socket before returning.
func (d *NetDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewNetConn(conn), nil
}

// pipeConn channel-backed in-memory connection used in tests and for
// colocated hub+device processes.
type pipeConn struct {
	in     <-chan *Envelope
	out    chan<- *Envelope
	closed chan struct{}
	peer   *pipeConn
	once   sync.Once
}

// NewPipe returns two connected in-memory conns.
func NewPipe() (Conn, Conn) {
	ab := make(chan *Envelope, 64)
	ba := make(chan *Envelope, 64)
	a := &pipeConn{in: ba, out: ab, closed: make(chan struct{})}
	b := &pipeConn{in: ab, out: ba, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *pipeConn) Send(env *Envelope) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	case <-c.peer.closed:
		return ErrConnClosed
	case c.out <- env:
		return nil
	}
}

func (c *pipeConn) Recv() (*Envelope, error) {
	select {
	case <-c.closed:
		return nil, ErrConnClosed
	case env, ok := <-c.in:
		if !ok {
			return nil, ErrConnClosed
		}
		return env, nil
	case <-c.peer.closed:
		// drain anything already in flight before reporting closure
		select {
		case env := <-c.in:
			return env, nil
		default:
			return nil, ErrConnClosed
		}
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
