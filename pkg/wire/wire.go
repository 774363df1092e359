// Package wire implements the 24-byte command/response header codec (C9)
// shared by every opcode: a fixed header followed by a key payload and a
// value payload, encoded little-endian exactly as the wire protocol
// describes it so that a client and server built from different language
// runtimes still agree byte-for-byte.
//
// © 2025 arena-cache authors. MIT License.
package wire

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed size, in bytes, of both the command and response
// headers.
const HeaderSize = 24

// Opcode identifies the operation a Command requests.
type Opcode uint8

// Opcodes defined by the wire protocol. Unknown opcodes are rejected by
// the dispatcher with StatusError, never here.
const (
	OpPing             Opcode = 0x00
	OpSet              Opcode = 0x02
	OpGet              Opcode = 0x03
	OpDel              Opcode = 0x04
	OpCas              Opcode = 0x05
	OpSubscribe        Opcode = 0x10
	OpUnsubscribe      Opcode = 0x11
	OpPublish          Opcode = 0x12
	OpFetch            Opcode = 0x13
	OpAuth             Opcode = 0x14
	OpQuery            Opcode = 0x20
	OpInsertDoc        Opcode = 0x21
	OpUpdateDoc        Opcode = 0x22
	OpDeleteDoc        Opcode = 0x23
	OpCreateCollection Opcode = 0x30
	OpCreateIndex      Opcode = 0x31
	OpInfo             Opcode = 0x7F
)

// Protocol versions accepted in the header's version byte.
const (
	VersionLegacy  uint8 = 0x01
	VersionCurrent uint8 = 0x02
)

// Status is the response header's status byte.
type Status uint8

// Status codes carried in a Response header.
const (
	StatusOK              Status = 0x00
	StatusNotFound        Status = 0x01
	StatusVersionMismatch Status = 0x02
	StatusUnauthorized    Status = 0x03
	StatusBadRequest      Status = 0x04
	StatusRingFull        Status = 0x05
	StatusTimeout         Status = 0x06
	StatusError           Status = 0xFF
)

// ErrShortFrame is returned when a buffer is too small to hold a header or
// the payload lengths it declares.
var ErrShortFrame = errors.New("wire: short frame")

// Header is the 24-byte command/response header layout.
type Header struct {
	Opcode   uint8
	Flags    uint8
	Version  uint8
	Reserved uint8
	Seq      uint32
	KeyLen   uint32
	ValueLen uint32
	Extra    uint64
}

// Encode writes h into buf[:HeaderSize]. buf must be at least HeaderSize long.
func (h Header) Encode(buf []byte) {
	buf[0] = h.Opcode
	buf[1] = h.Flags
	buf[2] = h.Version
	buf[3] = h.Reserved
	binary.LittleEndian.PutUint32(buf[4:8], h.Seq)
	binary.LittleEndian.PutUint32(buf[8:12], h.KeyLen)
	binary.LittleEndian.PutUint32(buf[12:16], h.ValueLen)
	binary.LittleEndian.PutUint64(buf[16:24], h.Extra)
}

// DecodeHeader reads a Header from buf, which must be at least HeaderSize long.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortFrame
	}
	return Header{
		Opcode:   buf[0],
		Flags:    buf[1],
		Version:  buf[2],
		Reserved: buf[3],
		Seq:      binary.LittleEndian.Uint32(buf[4:8]),
		KeyLen:   binary.LittleEndian.Uint32(buf[8:12]),
		ValueLen: binary.LittleEndian.Uint32(buf[12:16]),
		Extra:    binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

// Command is a fully decoded request: header plus its key/value payload.
type Command struct {
	Header Header
	Key    []byte
	Value  []byte
}

// Encode serializes a Command as header ‖ key ‖ value.
func (c Command) Encode() []byte {
	h := c.Header
	h.KeyLen = uint32(len(c.Key))
	h.ValueLen = uint32(len(c.Value))
	buf := make([]byte, HeaderSize+len(c.Key)+len(c.Value))
	h.Encode(buf)
	copy(buf[HeaderSize:], c.Key)
	copy(buf[HeaderSize+len(c.Key):], c.Value)
	return buf
}

// DecodeCommand parses a full frame (header ‖ key ‖ value) from buf.
func DecodeCommand(buf []byte) (Command, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Command{}, err
	}
	want := HeaderSize + int(h.KeyLen) + int(h.ValueLen)
	if len(buf) < want {
		return Command{}, ErrShortFrame
	}
	key := append([]byte(nil), buf[HeaderSize:HeaderSize+int(h.KeyLen)]...)
	value := append([]byte(nil), buf[HeaderSize+int(h.KeyLen):want]...)
	return Command{Header: h, Key: key, Value: value}, nil
}

// Response mirrors Command, with the header's first byte reinterpreted as
// a Status and Extra carrying e.g. the new CAS version on StatusOK.
type Response struct {
	Status Status
	Flags  uint8
	Seq    uint32
	Extra  uint64
	Value  []byte
}

// Encode serializes a Response as header ‖ value (Response carries no key).
func (r Response) Encode() []byte {
	h := Header{
		Opcode:   uint8(r.Status),
		Flags:    r.Flags,
		Version:  VersionCurrent,
		Seq:      r.Seq,
		ValueLen: uint32(len(r.Value)),
		Extra:    r.Extra,
	}
	buf := make([]byte, HeaderSize+len(r.Value))
	h.Encode(buf)
	copy(buf[HeaderSize:], r.Value)
	return buf
}

// DecodeResponse parses a full response frame from buf.
func DecodeResponse(buf []byte) (Response, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Response{}, err
	}
	want := HeaderSize + int(h.ValueLen)
	if len(buf) < want {
		return Response{}, ErrShortFrame
	}
	value := append([]byte(nil), buf[HeaderSize:want]...)
	return Response{
		Status: Status(h.Opcode),
		Flags:  h.Flags,
		Seq:    h.Seq,
		Extra:  h.Extra,
		Value:  value,
	}, nil
}
