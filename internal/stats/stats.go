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

// Package stats tracks tunnel and session level counters and,
// optionally, periodically dumps them to a CSV file.
package stats

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Snmp holds the running counters for the whole server. All fields are
// accessed atomically; a zero value is ready to use.
type Snmp struct {
	TunnelsAccepted  uint64
	TunnelsActive    int64
	SessionsCreated  uint64
	SessionsRejected uint64
	BytesUp          uint64
	BytesDown        uint64
}

// DefaultSnmp is the process-wide counter set, following the
// teacher's convention of a single package-level accumulator.
var DefaultSnmp = &Snmp{}

func (s *Snmp) TunnelAccepted() {
	atomic.AddUint64(&s.TunnelsAccepted, 1)
	atomic.AddInt64(&s.TunnelsActive, 1)
}

func (s *Snmp) TunnelClosed() {
	atomic.AddInt64(&s.TunnelsActive, -1)
}

func (s *Snmp) SessionCreated() { atomic.AddUint64(&s.SessionsCreated, 1) }
func (s *Snmp) SessionRejected() { atomic.AddUint64(&s.SessionsRejected, 1) }

func (s *Snmp) AddBytesUp(n int)   { atomic.AddUint64(&s.BytesUp, uint64(n)) }
func (s *Snmp) AddBytesDown(n int) { atomic.AddUint64(&s.BytesDown, uint64(n)) }

// Header names the columns ToSlice emits, in order.
func (s *Snmp) Header() []string {
	return []string{
		"TunnelsAccepted", "TunnelsActive", "SessionsCreated",
		"SessionsRejected", "BytesUp", "BytesDown",
	}
}

// ToSlice snapshots the counters as strings, in Header order.
func (s *Snmp) ToSlice() []string {
	return []string{
		fmt.Sprint(atomic.LoadUint64(&s.TunnelsAccepted)),
		fmt.Sprint(atomic.LoadInt64(&s.TunnelsActive)),
		fmt.Sprint(atomic.LoadUint64(&s.SessionsCreated)),
		fmt.Sprint(atomic.LoadUint64(&s.SessionsRejected)),
		fmt.Sprint(atomic.LoadUint64(&s.BytesUp)),
		fmt.Sprint(atomic.LoadUint64(&s.BytesDown)),
	}
}

// Logger periodically appends a row of DefaultSnmp's counters to path,
// formatting path itself as a time.Format pattern so log files can
// roll by day/hour. It returns once stop is closed. path == "" or
// interval == 0 disables logging entirely, matching the teacher's
// SnmpLogger convention.
func Logger(path string, interval int, stop <-chan struct{}) {
	if path == "" || interval == 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			logdir, logfile := filepath.Split(path)
			f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			if err != nil {
				log.Println(err)
				continue
			}
			w := csv.NewWriter(f)
			if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
				if err := w.Write(append([]string{"Unix"}, DefaultSnmp.Header()...)); err != nil {
					log.Println(err)
				}
			}
			if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, DefaultSnmp.ToSlice()...)); err != nil {
				log.Println(err)
			}
			w.Flush()
			f.Close()
		}
	}
}
