package protocol

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/blukai/explora/internal/byteorder"
	"github.com/blukai/explora/internal/zigzag"
)

// Encode serializes p. It is deterministic and never fails for the variants
// defined in this package.
func Encode(p Packet) []byte {
	e := encoder{buf: make([]byte, 0, 64)}
	e.uint8(uint8(p.Tag()))
	p.encode(&e)
	return e.buf
}

// Decode parses one packet of either direction. Inputs longer than limit are
// rejected before any parsing takes place. Decode never panics: every
// problem with the input comes back as a *DecodeError.
func Decode(data []byte, limit int) (Packet, error) {
	if len(data) > limit {
		return nil, &DecodeError{Kind: TooLarge, Size: len(data), Limit: limit}
	}

	d := decoder{buf: data}
	b, err := d.uint8("tag")
	if err != nil {
		return nil, err
	}

	var p Packet
	switch tag := Tag(b); tag {
	// client
	case TagCHello:
		p, err = decodeClientHello(&d)
	case TagCPing:
		p, err = decodeClientPing(&d)
	// server
	case TagSHello:
		p, err = decodeServerHello(&d)
	case TagSPong:
		p, err = decodeServerPong(&d)
	default:
		return nil, malformed("unknown %s", tag)
	}
	if err != nil {
		return nil, err
	}

	if n := d.remaining(); n > 0 {
		return nil, malformed("%d trailing bytes after %s", n, p.Tag())
	}

	return p, nil
}

// DecodeClientPacket is Decode for the server side. A well-formed server
// packet yields a *ProtocolError.
func DecodeClientPacket(data []byte, limit int) (ClientPacket, error) {
	p, err := Decode(data, limit)
	if err != nil {
		return nil, err
	}
	if p.Tag().fromServer() {
		return nil, unexpected(p.Tag(), "client packet")
	}
	return p.(ClientPacket), nil
}

// DecodeServerPacket is Decode for the client side. A well-formed client
// packet yields a *ProtocolError.
func DecodeServerPacket(data []byte, limit int) (ServerPacket, error) {
	p, err := Decode(data, limit)
	if err != nil {
		return nil, err
	}
	if !p.Tag().fromServer() {
		return nil, unexpected(p.Tag(), "server packet")
	}
	return p.(ServerPacket), nil
}

func decodeClientHello(d *decoder) (Packet, error) {
	username, err := d.string("username")
	if err != nil {
		return nil, err
	}
	return ClientHello{Username: username}, nil
}

func decodeClientPing(d *decoder) (Packet, error) {
	nonce, err := d.uint64("nonce")
	if err != nil {
		return nil, err
	}
	return ClientPing{Nonce: nonce}, nil
}

func decodeServerHello(d *decoder) (Packet, error) {
	id, err := d.uint32("session_id")
	if err != nil {
		return nil, err
	}
	config, err := decodeGameConfig(d)
	if err != nil {
		return nil, err
	}
	return ServerHello{SessionID: SessionID(id), Config: config}, nil
}

func decodeServerPong(d *decoder) (Packet, error) {
	nonce, err := d.uint64("nonce")
	if err != nil {
		return nil, err
	}
	return ServerPong{Nonce: nonce}, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) uint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) uint16(v uint16) {
	e.buf = byteorder.AppendHtons(e.buf, v)
}

func (e *encoder) uint32(v uint32) {
	e.buf = byteorder.AppendHtonl(e.buf, v)
}

func (e *encoder) uint64(v uint64) {
	e.buf = byteorder.AppendHtonll(e.buf, v)
}

func (e *encoder) int32(v int32) {
	e.uint32(zigzag.Encode32(v))
}

// string is written as a uvarint byte length followed by the utf-8 bytes.
func (e *encoder) string(s string) {
	e.buf = binary.AppendUvarint(e.buf, uint64(len(s)))
	e.buf = append(e.buf, s...)
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.pos
}

func (d *decoder) truncated(field string) error {
	return malformed("truncated %s at offset %d", field, d.pos)
}

func (d *decoder) uint8(field string) (uint8, error) {
	if d.remaining() < 1 {
		return 0, d.truncated(field)
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *decoder) uint16(field string) (uint16, error) {
	v, ok := byteorder.Ntohs(d.buf[d.pos:])
	if !ok {
		return 0, d.truncated(field)
	}
	d.pos += 2
	return v, nil
}

func (d *decoder) uint32(field string) (uint32, error) {
	v, ok := byteorder.Ntohl(d.buf[d.pos:])
	if !ok {
		return 0, d.truncated(field)
	}
	d.pos += 4
	return v, nil
}

func (d *decoder) uint64(field string) (uint64, error) {
	v, ok := byteorder.Ntohll(d.buf[d.pos:])
	if !ok {
		return 0, d.truncated(field)
	}
	d.pos += 8
	return v, nil
}

func (d *decoder) int32(field string) (int32, error) {
	v, err := d.uint32(field)
	if err != nil {
		return 0, err
	}
	return zigzag.Decode32(v), nil
}

func (d *decoder) string(field string) (string, error) {
	length, n := binary.Uvarint(d.buf[d.pos:])
	switch {
	case n == 0:
		return "", d.truncated(field + " length")
	case n < 0:
		return "", malformed("%s length overflows", field)
	}
	// NOTE: only the shortest encoding of a length is accepted, so that
	// every packet has exactly one byte representation.
	if n != uvarintLen(length) {
		return "", malformed("non-canonical %s length", field)
	}
	d.pos += n

	if length > uint64(d.remaining()) {
		return "", malformed("%s length %d exceeds remaining %d bytes", field, length, d.remaining())
	}
	raw := d.buf[d.pos : d.pos+int(length)]
	if !utf8.Valid(raw) {
		return "", malformed("%s is not valid utf-8", field)
	}
	d.pos += int(length)

	return string(raw), nil
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
