// Package tftp implements a TFTP server and client.
//
// https://datatracker.ietf.org/doc/html/rfc1350
// https://datatracker.ietf.org/doc/html/rfc2347
// https://datatracker.ietf.org/doc/html/rfc2348
// https://datatracker.ietf.org/doc/html/rfc2349
// https://datatracker.ietf.org/doc/html/rfc7440
package tftp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type ErrorCode uint16

const (
	ERR_UNDEFINED        ErrorCode = 0
	ERR_NOT_FOUND        ErrorCode = 1
	ERR_ACCESS_VIOLATION ErrorCode = 2
	ERR_DISK_FULL        ErrorCode = 3
	ERR_ILLEGAL_OP       ErrorCode = 4
	ERR_UNKNOWN_TID      ErrorCode = 5
	ERR_ALREADY_EXISTS   ErrorCode = 6
	ERR_NO_SUCH_USER     ErrorCode = 7
	ERR_BAD_OPTIONS      ErrorCode = 8
)

type OpCode uint16

const (
	OPCODE_RRQ   OpCode = 1
	OPCODE_WRQ   OpCode = 2
	OPCODE_DATA  OpCode = 3
	OPCODE_ACK   OpCode = 4
	OPCODE_ERROR OpCode = 5
	OPCODE_OACK  OpCode = 6
)

func (o OpCode) String() string {
	switch o {
	case OPCODE_RRQ:
		return "RRQ"
	case OPCODE_WRQ:
		return "WRQ"
	case OPCODE_DATA:
		return "DATA"
	case OPCODE_ACK:
		return "ACK"
	case OPCODE_ERROR:
		return "ERROR"
	case OPCODE_OACK:
		return "OACK"
	}
	return fmt.Sprintf("opcode(%d)", uint16(o))
}

// Transfer mode strings from RFC 1350. Mode names are compared
// case-insensitively on the wire.
const (
	MODE_NETASCII = "netascii"
	MODE_OCTET    = "octet"
	MODE_MAIL     = "mail"
)

var (
	ErrShortPacket   = errors.New("packet shorter than 4 bytes")
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrMalformed     = errors.New("malformed packet")
)

// Packet is a single decoded TFTP frame.
type Packet interface {
	Op() OpCode
	encode(buf *bytes.Buffer)
}

// Option is one name/value pair from a RRQ, WRQ or OACK. Order is
// preserved so that re-encoding a decoded frame is byte-identical.
type Option struct {
	Name  string
	Value string
}

// Request is a RRQ or WRQ.
type Request struct {
	Opcode   OpCode
	Filename string
	Mode     string
	Options  []Option
}

func (p *Request) Op() OpCode { return p.Opcode }

// NormalizedMode lowercases the transfer mode for comparison.
func (p *Request) NormalizedMode() string { return strings.ToLower(p.Mode) }

func (p *Request) encode(buf *bytes.Buffer) {
	writeString(buf, p.Filename)
	writeString(buf, p.Mode)
	writeOptions(buf, p.Options)
}

// Data is a DATA frame. The final frame of a transfer carries a payload
// strictly shorter than the negotiated block size, possibly empty.
type Data struct {
	Block   uint16
	Payload []byte
}

func (p *Data) Op() OpCode { return OPCODE_DATA }

func (p *Data) encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.BigEndian, p.Block)
	buf.Write(p.Payload)
}

// Ack is an ACK frame.
type Ack struct {
	Block uint16
}

func (p *Ack) Op() OpCode { return OPCODE_ACK }

func (p *Ack) encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.BigEndian, p.Block)
}

// Error is an ERROR frame. It doubles as a Go error so that collaborators
// like the stream resolver can hand back exactly the frame to put on the
// wire.
type Error struct {
	Code    ErrorCode
	Message string
}

func (p *Error) Op() OpCode { return OPCODE_ERROR }

func (p *Error) Error() string {
	return fmt.Sprintf("tftp error %d: %s", uint16(p.Code), p.Message)
}

func (p *Error) encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.BigEndian, uint16(p.Code))
	writeString(buf, p.Message)
}

// OptionAck is an OACK frame listing the options the server accepted.
type OptionAck struct {
	Options []Option
}

func (p *OptionAck) Op() OpCode { return OPCODE_OACK }

func (p *OptionAck) encode(buf *bytes.Buffer) {
	writeOptions(buf, p.Options)
}

// Encode serializes a packet into wire format.
func Encode(p Packet) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(p.Op()))
	p.encode(&buf)
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

func writeOptions(buf *bytes.Buffer, options []Option) {
	for _, o := range options {
		writeString(buf, o.Name)
		writeString(buf, o.Value)
	}
}

// Decode parses a datagram into a packet. Frames shorter than 4 bytes and
// frames with an opcode outside 1..6 are rejected outright; the remaining
// payload is validated per opcode.
func Decode(b []byte) (Packet, error) {
	if len(b) < 4 {
		return nil, ErrShortPacket
	}

	opcode := OpCode(binary.BigEndian.Uint16(b[0:2]))
	switch opcode {
	case OPCODE_RRQ, OPCODE_WRQ:
		filename, rest, err := readString(b[2:])
		if err != nil {
			return nil, errors.Wrap(err, "filename")
		}
		mode, rest, err := readString(rest)
		if err != nil {
			return nil, errors.Wrap(err, "mode")
		}
		options, err := readOptions(rest)
		if err != nil {
			return nil, err
		}
		return &Request{Opcode: opcode, Filename: filename, Mode: mode, Options: options}, nil
	case OPCODE_DATA:
		payload := make([]byte, len(b)-4)
		copy(payload, b[4:])
		return &Data{Block: binary.BigEndian.Uint16(b[2:4]), Payload: payload}, nil
	case OPCODE_ACK:
		if len(b) != 4 {
			return nil, errors.Wrap(ErrMalformed, "ack must be exactly 4 bytes")
		}
		return &Ack{Block: binary.BigEndian.Uint16(b[2:4])}, nil
	case OPCODE_ERROR:
		msg := b[4:]
		// A missing trailing NUL is tolerated.
		if i := bytes.IndexByte(msg, 0); i != -1 {
			msg = msg[:i]
		}
		return &Error{Code: ErrorCode(binary.BigEndian.Uint16(b[2:4])), Message: string(msg)}, nil
	case OPCODE_OACK:
		options, err := readOptions(b[2:])
		if err != nil {
			return nil, err
		}
		return &OptionAck{Options: options}, nil
	}

	return nil, errors.Wrapf(ErrUnknownOpcode, "%d", uint16(opcode))
}

// readString consumes one NUL-terminated string.
func readString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		return "", nil, errors.Wrap(ErrMalformed, "missing string terminator")
	}
	return string(b[:i]), b[i+1:], nil
}

func readOptions(b []byte) ([]Option, error) {
	var options []Option
	for len(b) > 0 {
		name, rest, err := readString(b)
		if err != nil {
			return nil, errors.Wrap(err, "option name")
		}
		value, rest, err := readString(rest)
		if err != nil {
			return nil, errors.Wrapf(err, "option %q value", name)
		}
		options = append(options, Option{Name: name, Value: value})
		b = rest
	}
	return options, nil
}
