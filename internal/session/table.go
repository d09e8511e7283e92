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

package session

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrDuplicate is returned by Table.Insert when a session id is
// already present. The tunnel treats this as a protocol violation
// (spec-recommended behavior: tunnel-fatal, see DESIGN.md).
var ErrDuplicate = errors.New("duplicate session id")

// Table is the per-tunnel associative container mapping session id to
// owned *Session. One Table belongs to exactly one tunnel; it is safe
// for concurrent use because a tunnel's upstream sessions each run
// their own goroutine but only ever touch the table through it.
type Table struct {
	mu       sync.Mutex
	sessions map[uint32]*Session
}

// NewTable returns an empty session table.
func NewTable() *Table {
	return &Table{sessions: make(map[uint32]*Session)}
}

// Find returns the session for sid, or nil if absent.
func (t *Table) Find(sid uint32) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[sid]
}

// Insert adds s to the table under its own session id. It returns
// ErrDuplicate if an entry for that id already exists.
func (t *Table) Insert(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[s.ID()]; ok {
		return ErrDuplicate
	}
	t.sessions[s.ID()] = s
	return nil
}

// Remove deletes and returns the session for sid, or nil if absent.
func (t *Table) Remove(sid uint32) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sid]
	if !ok {
		return nil
	}
	delete(t.sessions, sid)
	return s
}

// Drain empties the table and returns every session it held, in no
// particular order. Used for tunnel teardown (spec I5).
func (t *Table) Drain() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.sessions = make(map[uint32]*Session)
	return out
}

// Len reports the number of sessions currently held.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
