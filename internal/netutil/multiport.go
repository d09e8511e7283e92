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

// Package netutil parses the server's "-listen" address, which may
// name a single port or a port range, and expands it into the set of
// concrete addresses the server binds one listener each to.
package netutil

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// MultiPort is a host plus an inclusive port range. MinPort == MaxPort
// for a plain "host:port" address.
type MultiPort struct {
	Host    string
	MinPort uint64
	MaxPort uint64
}

var listenAddrMatcher = regexp.MustCompile(`(.*):([0-9]{1,5})-?([0-9]{1,5})?`)

// ParseMultiPort parses "host:port" or "host:minport-maxport" into a
// MultiPort, rejecting zero ports, ports above 65535, and ranges with
// minport > maxport.
func ParseMultiPort(addr string) (*MultiPort, error) {
	matches := listenAddrMatcher.FindStringSubmatch(addr)
	if len(matches) < 4 {
		return nil, errors.Errorf("malformed listen address: %v", addr)
	}

	minPort, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, err
	}
	maxPort := minPort
	if matches[3] != "" {
		maxPort, err = strconv.Atoi(matches[3])
		if err != nil {
			return nil, err
		}
	}

	if minPort == 0 || maxPort == 0 || minPort > maxPort || minPort > 65535 || maxPort > 65535 {
		return nil, errors.Errorf("invalid port range in %v: minport=%v maxport=%v", addr, minPort, maxPort)
	}

	return &MultiPort{Host: matches[1], MinPort: uint64(minPort), MaxPort: uint64(maxPort)}, nil
}

// Addrs expands the MultiPort into one "host:port" string per port in
// the range, in ascending order.
func (mp *MultiPort) Addrs() []string {
	addrs := make([]string, 0, mp.MaxPort-mp.MinPort+1)
	for p := mp.MinPort; p <= mp.MaxPort; p++ {
		addrs = append(addrs, fmt.Sprintf("%s:%d", mp.Host, p))
	}
	return addrs
}

// ExpandListenAddrs parses addr and returns the concrete addresses to
// listen on, one per port in its range.
func ExpandListenAddrs(addr string) ([]string, error) {
	mp, err := ParseMultiPort(addr)
	if err != nil {
		return nil, err
	}
	return mp.Addrs(), nil
}
