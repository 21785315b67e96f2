// Package protocol implements the AC Infinity BLE wire format: command frame
// assembly, response parsing, advertisement decoding and model-data decoding.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a frame or payload fails length or
// structural checks.
var ErrMalformed = errors.New("protocol: malformed payload")

const (
	// SyncByte starts every GATT frame.
	SyncByte = 0xA5

	// HeaderLen is sync, reserved, length(2), sequence(2), header CRC(2).
	HeaderLen = 8
	crcLen    = 2
)

// Command kinds carried in the second command byte.
const (
	KindReadModel byte = 1
	KindWrite     byte = 3
)

// Frame is a parsed GATT frame.
type Frame struct {
	Sequence uint16
	Kind     byte
	Fields   []byte // TLV fields following the command bytes
}

// wrap builds a complete frame around the given fields.
//
//	A5 00 | len(2) | seq(2) | crc16(header)(2) | 00 kind | fields... | crc16(body)(2)
func wrap(kind byte, fields []byte, seq uint16) []byte {
	body := make([]byte, 0, 2+len(fields))
	body = append(body, 0x00, kind)
	body = append(body, fields...)

	buf := make([]byte, HeaderLen, HeaderLen+len(body)+crcLen)
	buf[0] = SyncByte
	buf[1] = 0x00
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(body)))
	binary.BigEndian.PutUint16(buf[4:6], seq)
	binary.BigEndian.PutUint16(buf[6:8], crc16(buf[:6]))

	buf = append(buf, body...)
	return binary.BigEndian.AppendUint16(buf, crc16(body))
}

// ParseFrame validates the header and body of a frame read from the notify
// characteristic.
func ParseFrame(b []byte) (Frame, error) {
	seq, err := parseHeader(b)
	if err != nil {
		return Frame{}, err
	}
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if n < 2 || len(b) < HeaderLen+n+crcLen {
		return Frame{}, fmt.Errorf("%w: body length %d exceeds frame (%d bytes)", ErrMalformed, n, len(b))
	}
	body := b[HeaderLen : HeaderLen+n]
	want := binary.BigEndian.Uint16(b[HeaderLen+n:])
	if got := crc16(body); got != want {
		return Frame{}, fmt.Errorf("%w: body crc 0x%04x, want 0x%04x", ErrMalformed, got, want)
	}
	return Frame{Sequence: seq, Kind: body[1], Fields: body[2:]}, nil
}

func parseHeader(b []byte) (uint16, error) {
	if len(b) < HeaderLen {
		return 0, fmt.Errorf("%w: frame too short (%d bytes)", ErrMalformed, len(b))
	}
	if b[0] != SyncByte {
		return 0, fmt.Errorf("%w: bad sync byte 0x%02x", ErrMalformed, b[0])
	}
	if got, want := crc16(b[:6]), binary.BigEndian.Uint16(b[6:8]); got != want {
		return 0, fmt.Errorf("%w: header crc 0x%04x, want 0x%04x", ErrMalformed, got, want)
	}
	return binary.BigEndian.Uint16(b[4:6]), nil
}

// MatchSequence returns a predicate reporting whether a response frame
// carries the given sequence number. Frames with a broken header never match.
func MatchSequence(seq uint16) func([]byte) bool {
	return func(b []byte) bool {
		got, err := parseHeader(b)
		return err == nil && got == seq
	}
}

// HexString renders a frame for debug logs (a5-00-00-05-...).
func HexString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s := hex.EncodeToString(b)
	out := make([]byte, 0, len(s)+len(b)-1)
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			out = append(out, '-')
		}
		out = append(out, s[i], s[i+1])
	}
	return string(out)
}

// crc16 is CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF).
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
