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

// Package frame implements the byte-level codec for the tunnel wire
// protocol: a 7-byte big-endian header followed by a variable-length
// body.
package frame

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Cmd identifies the kind of a frame.
type Cmd uint8

const (
	CmdInit     Cmd = 0x01
	CmdNormal   Cmd = 0x02
	CmdClose    Cmd = 0x04
	CmdCloseAck Cmd = 0x05
)

func (c Cmd) String() string {
	switch c {
	case CmdInit:
		return "INIT"
	case CmdNormal:
		return "NORMAL"
	case CmdClose:
		return "CLOSE"
	case CmdCloseAck:
		return "CLOSE_ACK"
	default:
		return "UNKNOWN"
	}
}

const (
	sessionIDLen = 4
	cmdLen       = 1
	dataLenLen   = 2

	// HeaderLen is the size in bytes of session_id|cmd|datalen.
	HeaderLen = sessionIDLen + cmdLen + dataLenLen
)

// Address type tags carried in an INIT frame's body.
const (
	ATYPIPv4   = 0x01
	ATYPDomain = 0x03
	ATYPIPv6   = 0x04
)

const (
	atypLen    = 1
	addrLenLen = 1
	portLen    = 2
)

// EncodeHeader renders the 7-byte wire header for sid/cmd/datalen.
func EncodeHeader(sid uint32, cmd Cmd, datalen uint16) [HeaderLen]byte {
	var buf [HeaderLen]byte
	binary.BigEndian.PutUint32(buf[0:4], sid)
	buf[4] = byte(cmd)
	binary.BigEndian.PutUint16(buf[5:7], datalen)
	return buf
}

// DecodeHeader parses exactly HeaderLen bytes into sid/cmd/datalen. It
// never fails on valid-length input; the caller is responsible for
// supplying a slice of length HeaderLen.
func DecodeHeader(b []byte) (sid uint32, cmd Cmd, datalen uint16) {
	sid = binary.BigEndian.Uint32(b[0:4])
	cmd = Cmd(b[4])
	datalen = binary.BigEndian.Uint16(b[5:7])
	return
}

// InitBody is the parsed form of an INIT frame's body:
// atyp(1) | addrlen(1) | addr(addrlen) | port(2) | payload(rest).
type InitBody struct {
	Atyp    byte
	Addr    []byte
	Port    uint16
	Payload []byte
}

// ParseInitBody carves an INIT frame body into its fields. body is
// not copied; Addr and Payload alias into it.
func ParseInitBody(body []byte) (InitBody, error) {
	if len(body) < atypLen+addrLenLen {
		return InitBody{}, errors.Errorf("init body too short: %d bytes", len(body))
	}
	atyp := body[0]
	addrlen := int(body[1])
	off := atypLen + addrLenLen
	if len(body) < off+addrlen+portLen {
		return InitBody{}, errors.Errorf("init body truncated: addrlen=%d, have %d bytes", addrlen, len(body))
	}
	addr := body[off : off+addrlen]
	off += addrlen
	port := binary.BigEndian.Uint16(body[off : off+portLen])
	off += portLen
	return InitBody{
		Atyp:    atyp,
		Addr:    addr,
		Port:    port,
		Payload: body[off:],
	}, nil
}

// EncodeInitBody is the inverse of ParseInitBody, used only by tests
// and fixtures that need to construct wire bytes.
func EncodeInitBody(b InitBody) []byte {
	out := make([]byte, atypLen+addrLenLen+len(b.Addr)+portLen+len(b.Payload))
	out[0] = b.Atyp
	out[1] = byte(len(b.Addr))
	off := atypLen + addrLenLen
	copy(out[off:], b.Addr)
	off += len(b.Addr)
	binary.BigEndian.PutUint16(out[off:off+portLen], b.Port)
	off += portLen
	copy(out[off:], b.Payload)
	return out
}
