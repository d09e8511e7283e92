// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package session implements the per-session upstream state machine:
// lazy DNS resolution, upstream TCP connect, write-queue buffering
// during pre-connect, the idle timer, and the close handshake.
package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jedisocks/tunneld/internal/frame"
	"github.com/jedisocks/tunneld/internal/stats"
)

const readBufSize = 4096

// Emitter delivers frames and lifecycle notifications from a Session
// back to its owning tunnel. Implemented by *tunnel.Tunnel; kept as an
// interface here so this package never imports tunnel (it would be a
// cycle — the tunnel owns the session table).
type Emitter interface {
	// Emit frames body as cmd addressed to sid and queues it on the
	// tunnel's serialized outbound writer. A non-nil error means the
	// tunnel connection itself is gone; the caller must not retry.
	Emit(sid uint32, cmd frame.Cmd, body []byte) error

	// Closed reports that the session has fully released its upstream
	// socket and should be removed from the session table. ctlCmd
	// records which side caused the close, so the tunnel can choose
	// between emitting CLOSE (local/upstream cause) and CLOSE_ACK
	// (peer-initiated).
	Closed(sid uint32, ctlCmd frame.Cmd)
}

// Dialer resolves and opens the upstream TCP connection on behalf of
// a Session. The default is NetDialer; tests substitute a fake.
type Dialer interface {
	// LookupIPv4 resolves host to its first IPv4 address. Only AF_INET
	// is captured, matching the source's 4-byte memcpy on resolve.
	LookupIPv4(ctx context.Context, host string) (net.IP, error)
	// Dial opens a TCP connection to ip:port.
	Dial(ctx context.Context, ip net.IP, port uint16) (net.Conn, error)
}

// NetDialer is the production Dialer, backed by net.Resolver/net.Dialer.
type NetDialer struct {
	Resolver *net.Resolver
	Dialer   net.Dialer
}

// NewNetDialer returns a NetDialer using the package-level default resolver.
func NewNetDialer() *NetDialer {
	return &NetDialer{Resolver: net.DefaultResolver}
}

func (d *NetDialer) resolver() *net.Resolver {
	if d.Resolver != nil {
		return d.Resolver
	}
	return net.DefaultResolver
}

func (d *NetDialer) LookupIPv4(ctx context.Context, host string) (net.IP, error) {
	ips, err := d.resolver().LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", host)
	}
	if len(ips) == 0 {
		return nil, errors.Errorf("no A records for %s", host)
	}
	v4 := ips[0].To4()
	if v4 == nil {
		return nil, errors.Errorf("resolved address for %s is not IPv4", host)
	}
	out := make(net.IP, 4)
	copy(out, v4)
	return out, nil
}

func (d *NetDialer) Dial(ctx context.Context, ip net.IP, port uint16) (net.Conn, error) {
	addr := (&net.TCPAddr{IP: ip, Port: int(port)}).String()
	conn, err := d.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// Session is one upstream TCP session multiplexed inside a tunnel. It
// is created on receipt of an INIT frame and owns exactly one
// upstream socket, one idle timer, and a FIFO of payloads awaiting
// either connect completion or a prior write's completion.
type Session struct {
	id       uint32
	emitter  Emitter
	dialer   Dialer
	idleTTL  time.Duration
	cancel   context.CancelFunc
	closeOne sync.Once

	mu                             sync.Mutex
	resolved                       bool
	connected                      bool
	closed                         bool
	closingRequestedBeforeResolve  bool
	ctlCmd                         frame.Cmd
	conn                           net.Conn
	pending                        [][]byte
	writing                        bool
	idleTimer                      *time.Timer
}

// New creates an upstream session for an INIT frame. The INIT
// payload, if any, is enqueued before New returns, satisfying the
// invariant that every newly-inserted session already holds its INIT
// payload in pending order (spec P1). Resolution/connect proceeds
// asynchronously.
func New(id uint32, emitter Emitter, dialer Dialer, idleTTL time.Duration, init frame.InitBody) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		emitter: emitter,
		dialer:  dialer,
		idleTTL: idleTTL,
		ctlCmd:  frame.CmdNormal,
		cancel:  cancel,
	}
	if len(init.Payload) > 0 {
		s.pending = append(s.pending, append([]byte(nil), init.Payload...))
	}
	s.armIdleTimer()
	go s.connect(ctx, init)
	return s
}

// ID returns the session's id.
func (s *Session) ID() uint32 { return s.id }

// IsClosed reports whether the session has fully released its socket.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) armIdleTimer() {
	if s.idleTTL <= 0 {
		return
	}
	s.mu.Lock()
	s.idleTimer = time.AfterFunc(s.idleTTL, s.onIdleTimeout)
	s.mu.Unlock()
}

func (s *Session) resetIdleTimer() {
	if s.idleTTL <= 0 {
		return
	}
	s.mu.Lock()
	timer := s.idleTimer
	s.mu.Unlock()
	if timer != nil {
		timer.Reset(s.idleTTL)
	}
}

func (s *Session) onIdleTimeout() {
	s.close()
}

// connect drives the CREATED -> RESOLVING? -> CONNECTING -> CONNECTED
// transitions of spec.md §4.3 for one INIT frame.
func (s *Session) connect(ctx context.Context, init frame.InitBody) {
	switch init.Atyp {
	case frame.ATYPIPv6:
		// §9 open question: IPv6 upstreams are rejected outright.
		s.close()
	case frame.ATYPDomain:
		ip, err := s.dialer.LookupIPv4(ctx, string(init.Addr))
		if err != nil {
			s.close()
			return
		}
		s.mu.Lock()
		s.resolved = true
		closeRequested := s.closingRequestedBeforeResolve
		s.mu.Unlock()
		if closeRequested {
			// closing was requested while resolving: skip connect
			// entirely and release without ever owning a socket.
			s.close()
			return
		}
		s.dialAndRun(ctx, ip, init.Port)
	case frame.ATYPIPv4:
		s.mu.Lock()
		s.resolved = true
		s.mu.Unlock()
		s.dialAndRun(ctx, net.IP(init.Addr), init.Port)
	default:
		// Unrecognized atyp: the source leaves this branch as a
		// silent no-op, orphaning the session forever. Treat it as a
		// protocol-level rejection instead so every session reliably
		// reaches CLOSED.
		s.close()
	}
}

func (s *Session) dialAndRun(ctx context.Context, ip net.IP, port uint16) {
	conn, err := s.dialer.Dial(ctx, ip, port)
	if err != nil {
		s.close()
		return
	}

	s.mu.Lock()
	if s.closed || s.ctlCmd == frame.CmdClose {
		// a peer CLOSE raced the connect; don't leak the new socket.
		s.mu.Unlock()
		conn.Close()
		s.close()
		return
	}
	s.conn = conn
	s.connected = true
	startWriter := !s.writing && len(s.pending) > 0
	if startWriter {
		s.writing = true
	}
	s.mu.Unlock()

	go s.readLoop(conn)
	if startWriter {
		go s.drainWrites()
	}
}

// EnqueuePayload appends body (from a NORMAL frame; the INIT frame's
// trailing payload is queued by New) to the pending queue and, if the
// upstream socket is connected, kicks the write pump (spec I2, I3).
func (s *Session) EnqueuePayload(body []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, body)
	start := !s.writing && s.resolved && s.connected
	if start {
		s.writing = true
	}
	s.mu.Unlock()

	if start {
		go s.drainWrites()
	}
}

// drainWrites issues one outstanding upstream write at a time,
// pulling the next queued payload only after the previous write
// completes — the write pipeline is self-clocking (spec §4.3).
func (s *Session) drainWrites() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 || s.closed {
			s.writing = false
			s.mu.Unlock()
			return
		}
		buf := s.pending[0]
		s.pending = s.pending[1:]
		conn := s.conn
		s.mu.Unlock()

		if len(buf) == 0 {
			continue
		}
		if _, err := conn.Write(buf); err != nil {
			s.close()
			return
		}
		stats.DefaultSnmp.AddBytesUp(len(buf))
		s.resetIdleTimer()
	}
}

// readLoop pumps bytes from the upstream socket onto the tunnel as
// NORMAL frames, in read order (spec P4), until EOF or error.
func (s *Session) readLoop(conn net.Conn) {
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			body := append([]byte(nil), buf[:n]...)
			stats.DefaultSnmp.AddBytesDown(n)
			s.resetIdleTimer()
			if emitErr := s.emitter.Emit(s.id, frame.CmdNormal, body); emitErr != nil {
				// The tunnel connection is gone; it is responsible
				// for tearing every session down (spec §7). Don't
				// race it by also closing here.
				return
			}
		}
		if err != nil {
			s.close()
			return
		}
	}
}

// RequestClose handles a peer-originated CLOSE frame for this
// session: it records that the peer initiated the close (so the
// tunnel emits CLOSE_ACK on removal, not CLOSE) and cancels whatever
// stage of resolve/connect/run is in flight.
func (s *Session) RequestClose() {
	s.mu.Lock()
	s.ctlCmd = frame.CmdClose
	s.closingRequestedBeforeResolve = !s.resolved
	connected := s.connected
	s.mu.Unlock()

	s.cancel()
	if connected {
		s.close()
	}
}

// close idempotently tears the session down and notifies the tunnel
// so it can remove the session from its table and emit the
// appropriate close-handshake frame.
func (s *Session) close() {
	s.shutdown(true)
}

// Discard tears the session down without notifying the emitter. Used
// by the tunnel during its own teardown, when the tunnel connection
// itself is already gone and no further frames can be emitted (spec
// §7: tunnel teardown emits no CLOSE frames).
func (s *Session) Discard() {
	s.shutdown(false)
}

func (s *Session) shutdown(notify bool) {
	s.closeOne.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		timer := s.idleTimer
		ctlCmd := s.ctlCmd
		s.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		s.cancel()
		if conn != nil {
			conn.Close()
		}
		if notify {
			s.emitter.Closed(s.id, ctlCmd)
		}
	})
}
