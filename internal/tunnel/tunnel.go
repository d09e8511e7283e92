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

// Package tunnel drives one client tunnel connection: the incremental
// frame reader, the dispatcher that locates or creates the matching
// upstream session, and the serialized outbound writer back to the
// client.
package tunnel

import (
	"bufio"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jedisocks/tunneld/internal/frame"
	"github.com/jedisocks/tunneld/internal/session"
	"github.com/jedisocks/tunneld/internal/stats"
)

// readBufferSize is the bufio.Reader size wrapping the client socket;
// it amortizes the syscall cost of reading many small frame headers.
const readBufferSize = 64 * 1024

// FatalError marks an error that is fatal for the whole tunnel (as
// opposed to a session-local error): a malformed frame or a peer
// protocol violation. Serve returns as soon as one is produced.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(format string, args ...interface{}) error {
	return &FatalError{Err: errors.Errorf(format, args...)}
}

// Options configures a Tunnel.
type Options struct {
	// IdleTimeout is the per-session inactivity timeout. Zero disables
	// idle timeouts entirely.
	IdleTimeout time.Duration
	// Dialer resolves/connects upstream sessions; defaults to
	// session.NewNetDialer() when nil.
	Dialer session.Dialer
	// Quiet suppresses per-session open/close logging.
	Quiet bool
	// OnClose, if set, is invoked once after the tunnel has fully torn
	// down (socket closed, all sessions discarded).
	OnClose func()
}

// Tunnel owns one client socket, its reassembly state, and the
// session table keyed by session id (spec.md §3 "Tunnel entity").
type Tunnel struct {
	conn    net.Conn
	table   *session.Table
	idleTTL time.Duration
	dialer  session.Dialer
	quiet   bool
	onClose func()

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// New wraps an accepted client connection as a Tunnel. Call Serve to
// drive it; Serve blocks until the tunnel terminates.
func New(conn net.Conn, opts Options) *Tunnel {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = session.NewNetDialer()
	}
	return &Tunnel{
		conn:    conn,
		table:   session.NewTable(),
		idleTTL: opts.IdleTimeout,
		dialer:  dialer,
		quiet:   opts.Quiet,
		onClose: opts.OnClose,
	}
}

// SessionCount reports the number of live sessions, for diagnostics.
func (t *Tunnel) SessionCount() int { return t.table.Len() }

// Serve drives the incremental two-stage frame reader described in
// spec.md §4.4 until the client disconnects, a read/write error
// occurs, or a protocol violation is observed — all of which are
// fatal for the tunnel (spec.md §7).
func (t *Tunnel) Serve() {
	defer t.teardown()

	r := bufio.NewReaderSize(t.conn, readBufferSize)
	header := make([]byte, frame.HeaderLen)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return
		}
		sid, cmd, datalen := frame.DecodeHeader(header)

		var body []byte
		if datalen > 0 {
			body = make([]byte, datalen)
			if _, err := io.ReadFull(r, body); err != nil {
				return
			}
		}

		if err := t.dispatch(sid, cmd, body); err != nil {
			if !t.quiet {
				log.Printf("tunnel %v: %v", t.conn.RemoteAddr(), err)
			}
			return
		}
	}
}

// dispatch routes one fully-received frame per the rules in spec.md
// §4.4. A non-nil return value is always tunnel-fatal.
func (t *Tunnel) dispatch(sid uint32, cmd frame.Cmd, body []byte) error {
	switch cmd {
	case frame.CmdNormal:
		if s := t.table.Find(sid); s != nil {
			s.EnqueuePayload(body)
		}
		// unknown session: dropped silently (spec.md §4.4, §7).
		return nil

	case frame.CmdInit:
		if t.table.Find(sid) != nil {
			// Duplicate session id on INIT is a protocol violation;
			// the source asserts, spec.md §7 recommends tunnel-fatal.
			stats.DefaultSnmp.SessionRejected()
			return fatalf("duplicate INIT for session %d", sid)
		}
		init, err := frame.ParseInitBody(body)
		if err != nil {
			stats.DefaultSnmp.SessionRejected()
			return &FatalError{Err: errors.Wrapf(err, "malformed INIT for session %d", sid)}
		}
		s := session.New(sid, t, t.dialer, t.idleTTL, init)
		if err := t.table.Insert(s); err != nil {
			s.Discard()
			stats.DefaultSnmp.SessionRejected()
			return &FatalError{Err: errors.Wrapf(err, "session %d", sid)}
		}
		stats.DefaultSnmp.SessionCreated()
		if !t.quiet {
			log.Printf("session %d: open atyp=%#x addr=%q port=%d", sid, init.Atyp, init.Addr, init.Port)
		}
		return nil

	case frame.CmdClose:
		if s := t.table.Find(sid); s != nil {
			s.RequestClose()
		} else {
			// Tolerated as benign: the session was already removed
			// locally, so the peer is safe to reuse the id.
			if err := t.sendControl(sid, frame.CmdCloseAck); err != nil {
				return err
			}
		}
		return nil

	case frame.CmdCloseAck:
		// Receipt on the server side is not defined by spec.md §4.4;
		// ignore it.
		return nil

	default:
		return fatalf("unrecognized cmd %#x for session %d", byte(cmd), sid)
	}
}

// Emit implements session.Emitter: it frames body as a NORMAL frame
// (or whatever cmd the session specifies) addressed to sid and writes
// it to the client socket.
func (t *Tunnel) Emit(sid uint32, cmd frame.Cmd, body []byte) error {
	return t.writeFrame(sid, cmd, body)
}

// Closed implements session.Emitter: it removes sid from the table
// and emits the close-handshake frame dictated by ctlCmd (spec.md
// §4.3's close handshake table).
func (t *Tunnel) Closed(sid uint32, ctlCmd frame.Cmd) {
	if t.table.Remove(sid) == nil {
		// Already gone — e.g. removed by our own teardown's Drain.
		return
	}
	if !t.quiet {
		log.Printf("session %d: closed", sid)
	}

	ack := frame.CmdClose
	if ctlCmd == frame.CmdClose {
		ack = frame.CmdCloseAck
	}
	_ = t.sendControl(sid, ack)
}

func (t *Tunnel) sendControl(sid uint32, cmd frame.Cmd) error {
	return t.writeFrame(sid, cmd, nil)
}

// writeFrame serializes all outbound writes to the client socket
// (spec.md §4.4's "outbound writer"); multiple sessions may call this
// concurrently, each blocked in turn by writeMu.
func (t *Tunnel) writeFrame(sid uint32, cmd frame.Cmd, body []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	header := frame.EncodeHeader(sid, cmd, uint16(len(body)))
	if _, err := t.conn.Write(header[:]); err != nil {
		t.teardown()
		return errors.Wrap(err, "tunnel write")
	}
	if len(body) > 0 {
		if _, err := t.conn.Write(body); err != nil {
			t.teardown()
			return errors.Wrap(err, "tunnel write")
		}
	}
	return nil
}

// teardown is fatal-for-the-tunnel cleanup: close the client socket
// and discard every session without emitting further frames, since
// the channel to the peer is gone (spec.md §7, invariant I5).
func (t *Tunnel) teardown() {
	t.closeOnce.Do(func() {
		t.conn.Close()
		for _, s := range t.table.Drain() {
			s.Discard()
		}
		if t.onClose != nil {
			t.onClose()
		}
	})
}
