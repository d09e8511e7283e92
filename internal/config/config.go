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

// Package config holds the server's runtime configuration: the
// listen address, per-session idle timeout, and the ambient
// observability knobs (logging, stats, pprof).
package config

import (
	"encoding/json"
	"os"
)

// Config is the server's runtime configuration. Command-line flags
// populate it first; a "-c" JSON file, if given, is then decoded on
// top, overriding whatever the flags set — matching the teacher's
// two-stage flags-then-JSON precedence.
type Config struct {
	Listen      string `json:"listen"`
	IdleTimeout int    `json:"idle_timeout"` // seconds; 0 disables idle timeouts
	SockBuf     int    `json:"sockbuf"`
	Log         string `json:"log"`
	StatsLog    string `json:"statslog"`
	StatsPeriod int    `json:"statsperiod"` // seconds
	Pprof       bool   `json:"pprof"`
	Quiet       bool   `json:"quiet"`
}

// ParseJSONFile decodes a JSON config file on top of cfg, overriding
// whichever fields are present in the file.
func ParseJSONFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return json.NewDecoder(f).Decode(cfg)
}
