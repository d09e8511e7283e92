package session

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jedisocks/tunneld/internal/frame"
	"github.com/jedisocks/tunneld/internal/stats"
)

// fakeConn is an in-memory net.Conn good enough to exercise the
// session state machine without touching real sockets.
type fakeConn struct {
	mu       sync.Mutex
	writes   [][]byte
	closed   bool
	readCh   chan []byte
	readErr  error
	closedCh chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan []byte, 16), closedCh: make(chan struct{})}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	b, ok := <-c.readCh
	if !ok {
		if c.readErr != nil {
			return 0, c.readErr
		}
		return 0, errEOF
	}
	n := copy(p, b)
	return n, nil
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errClosed
	}
	cp := append([]byte(nil), p...)
	c.writes = append(c.writes, cp)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.readCh)
		close(c.closedCh)
	}
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr                { return dummyAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr               { return dummyAddr{} }
func (c *fakeConn) SetDeadline(time.Time) error        { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error     { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error    { return nil }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "tcp" }
func (dummyAddr) String() string  { return "127.0.0.1:0" }

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

const (
	errEOF    = simpleErr("eof")
	errClosed = simpleErr("use of closed connection")
)

// fakeDialer hands back a pre-created fakeConn, or an error.
type fakeDialer struct {
	mu       sync.Mutex
	conn     *fakeConn
	dialErr  error
	lookupIP net.IP
	lookErr  error
	dialed   chan struct{}
}

func newFakeDialer(conn *fakeConn) *fakeDialer {
	return &fakeDialer{conn: conn, dialed: make(chan struct{}, 16)}
}

func (d *fakeDialer) LookupIPv4(ctx context.Context, host string) (net.IP, error) {
	if d.lookErr != nil {
		return nil, d.lookErr
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return d.lookupIP, nil
}

func (d *fakeDialer) Dial(ctx context.Context, ip net.IP, port uint16) (net.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.dialed <- struct{}{}
	return d.conn, nil
}

// fakeEmitter records frames emitted and close notifications.
type fakeEmitter struct {
	mu      sync.Mutex
	frames  []recordedFrame
	closedC chan recordedClose
	emitErr error
}

type recordedFrame struct {
	sid uint32
	cmd frame.Cmd
	body []byte
}

type recordedClose struct {
	sid    uint32
	ctlCmd frame.Cmd
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{closedC: make(chan recordedClose, 4)}
}

func (e *fakeEmitter) Emit(sid uint32, cmd frame.Cmd, body []byte) error {
	if e.emitErr != nil {
		return e.emitErr
	}
	e.mu.Lock()
	e.frames = append(e.frames, recordedFrame{sid, cmd, append([]byte(nil), body...)})
	e.mu.Unlock()
	return nil
}

func (e *fakeEmitter) Closed(sid uint32, ctlCmd frame.Cmd) {
	e.closedC <- recordedClose{sid, ctlCmd}
}

func waitClosed(t *testing.T, em *fakeEmitter) recordedClose {
	t.Helper()
	select {
	case c := <-em.closedC:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Closed notification")
		return recordedClose{}
	}
}

func TestSessionIPv4HappyPath(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)
	em := newFakeEmitter()

	init := frame.InitBody{Atyp: frame.ATYPIPv4, Addr: []byte{127, 0, 0, 1}, Port: 80, Payload: []byte("GE")}
	s := New(1, em, dialer, time.Minute, init)

	select {
	case <-dialer.dialed:
	case <-time.After(time.Second):
		t.Fatal("dial never happened")
	}

	// wait for the INIT payload to reach the upstream socket.
	deadline := time.Now().Add(time.Second)
	for {
		conn.mu.Lock()
		n := len(conn.writes)
		conn.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("INIT payload was never written upstream")
		}
		time.Sleep(time.Millisecond)
	}
	conn.mu.Lock()
	if !bytes.Equal(conn.writes[0], []byte("GE")) {
		t.Fatalf("wrote %q, want GE", conn.writes[0])
	}
	conn.mu.Unlock()

	conn.readCh <- []byte("OK")
	deadline = time.Now().Add(time.Second)
	for {
		em.mu.Lock()
		n := len(em.frames)
		em.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("upstream bytes were never framed back")
		}
		time.Sleep(time.Millisecond)
	}
	em.mu.Lock()
	got := em.frames[0]
	em.mu.Unlock()
	if got.sid != 1 || got.cmd != frame.CmdNormal || string(got.body) != "OK" {
		t.Fatalf("unexpected frame: %+v", got)
	}

	s.RequestClose()
	rc := waitClosed(t, em)
	if rc.ctlCmd != frame.CmdClose {
		t.Fatalf("ctlCmd = %v, want CmdClose", rc.ctlCmd)
	}
	if !s.IsClosed() {
		t.Fatal("session should be closed")
	}
}

func TestSessionUpdatesByteCounters(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)
	em := newFakeEmitter()

	upBefore := atomic.LoadUint64(&stats.DefaultSnmp.BytesUp)
	downBefore := atomic.LoadUint64(&stats.DefaultSnmp.BytesDown)

	init := frame.InitBody{Atyp: frame.ATYPIPv4, Addr: []byte{127, 0, 0, 1}, Port: 80, Payload: []byte("GE")}
	New(2, em, dialer, time.Minute, init)

	deadline := time.Now().Add(time.Second)
	for atomic.LoadUint64(&stats.DefaultSnmp.BytesUp) == upBefore {
		if time.Now().After(deadline) {
			t.Fatal("AddBytesUp was never counted")
		}
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadUint64(&stats.DefaultSnmp.BytesUp) - upBefore; got != 2 {
		t.Fatalf("BytesUp increased by %d, want 2", got)
	}

	conn.readCh <- []byte("OK")
	deadline = time.Now().Add(time.Second)
	for atomic.LoadUint64(&stats.DefaultSnmp.BytesDown) == downBefore {
		if time.Now().After(deadline) {
			t.Fatal("AddBytesDown was never counted")
		}
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadUint64(&stats.DefaultSnmp.BytesDown) - downBefore; got != 2 {
		t.Fatalf("BytesDown increased by %d, want 2", got)
	}
}

func TestSessionCloseDuringResolve(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)
	dialer.mu.Lock()
	dialer.lookupIP = net.IPv4(93, 184, 216, 34)
	dialer.mu.Unlock()
	// block LookupIPv4 until the test signals, to give RequestClose a
	// chance to land while still "resolving".
	block := make(chan struct{})
	blockingDialer := &blockingLookupDialer{inner: dialer, release: block}
	em := newFakeEmitter()

	init := frame.InitBody{Atyp: frame.ATYPDomain, Addr: []byte("foo"), Port: 80}
	s := New(42, em, blockingDialer, time.Minute, init)

	s.RequestClose()
	close(block)

	rc := waitClosed(t, em)
	if rc.ctlCmd != frame.CmdClose {
		t.Fatalf("ctlCmd = %v, want CmdClose", rc.ctlCmd)
	}
	select {
	case <-dialer.dialed:
		t.Fatal("dial must not happen when close raced resolve")
	default:
	}
}

// blockingLookupDialer defers LookupIPv4 until release is closed, so
// tests can land a RequestClose while resolution is still pending.
type blockingLookupDialer struct {
	inner   *fakeDialer
	release chan struct{}
}

func (d *blockingLookupDialer) LookupIPv4(ctx context.Context, host string) (net.IP, error) {
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.inner.LookupIPv4(ctx, host)
}

func (d *blockingLookupDialer) Dial(ctx context.Context, ip net.IP, port uint16) (net.Conn, error) {
	return d.inner.Dial(ctx, ip, port)
}

func TestSessionUnknownAtypRejected(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)
	em := newFakeEmitter()

	init := frame.InitBody{Atyp: 0x99, Addr: nil, Port: 80}
	New(7, em, dialer, time.Minute, init)

	rc := waitClosed(t, em)
	if rc.ctlCmd != frame.CmdNormal {
		t.Fatalf("ctlCmd = %v, want CmdNormal (local cause)", rc.ctlCmd)
	}
}

func TestSessionIPv6Rejected(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)
	em := newFakeEmitter()

	init := frame.InitBody{Atyp: frame.ATYPIPv6, Addr: make([]byte, 16), Port: 80}
	New(9, em, dialer, time.Minute, init)

	rc := waitClosed(t, em)
	if rc.ctlCmd != frame.CmdNormal {
		t.Fatalf("ctlCmd = %v, want CmdNormal", rc.ctlCmd)
	}
	select {
	case <-dialer.dialed:
		t.Fatal("IPv6 session must never dial")
	default:
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)
	em := newFakeEmitter()

	init := frame.InitBody{Atyp: frame.ATYPIPv4, Addr: []byte{10, 0, 0, 1}, Port: 80}
	New(5, em, dialer, 20*time.Millisecond, init)

	rc := waitClosed(t, em)
	if rc.ctlCmd != frame.CmdNormal {
		t.Fatalf("ctlCmd = %v, want CmdNormal", rc.ctlCmd)
	}
}

func TestSessionUpstreamEOFClosesWithNormal(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)
	em := newFakeEmitter()

	init := frame.InitBody{Atyp: frame.ATYPIPv4, Addr: []byte{10, 0, 0, 1}, Port: 80}
	New(3, em, dialer, time.Minute, init)

	select {
	case <-dialer.dialed:
	case <-time.After(time.Second):
		t.Fatal("dial never happened")
	}
	conn.Close() // upstream EOF

	rc := waitClosed(t, em)
	if rc.ctlCmd != frame.CmdNormal {
		t.Fatalf("ctlCmd = %v, want CmdNormal", rc.ctlCmd)
	}
}

func TestSessionEnqueueAfterCloseIsDropped(t *testing.T) {
	conn := newFakeConn()
	dialer := newFakeDialer(conn)
	em := newFakeEmitter()

	init := frame.InitBody{Atyp: frame.ATYPIPv6, Addr: make([]byte, 16), Port: 80}
	s := New(11, em, dialer, time.Minute, init)
	waitClosed(t, em)

	s.EnqueuePayload([]byte("late"))
	// must not panic or write to a nil/closed conn; nothing to assert
	// beyond "doesn't blow up", exercised by the race detector in CI.
}
