package protocol_test

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/blukai/explora/internal/protocol"
	"github.com/matryer/is"
)

func allVariants() []protocol.Packet {
	return []protocol.Packet{
		protocol.ClientHello{Username: "Alice"},
		protocol.ClientHello{Username: ""},
		protocol.ClientHello{Username: "ユーザー名"},
		protocol.ClientHello{Username: strings.Repeat("x", 300)},
		protocol.ClientPing{Nonce: 0},
		protocol.ClientPing{Nonce: math.MaxUint64},
		protocol.ServerHello{SessionID: 1, Config: protocol.DefaultGameConfig()},
		protocol.ServerHello{
			SessionID: math.MaxUint32,
			Config: protocol.GameConfig{
				WorldSeed:      math.MinInt32,
				ChunkSize:      math.MaxUint8,
				RenderDistance: math.MaxUint16,
				TickRate:       1,
				MaxPlayers:     math.MaxUint32,
			},
		},
		protocol.ServerPong{Nonce: 42},
	}
}

func TestRoundTrip(t *testing.T) {
	is := is.New(t)

	for _, original := range allVariants() {
		encoded := protocol.Encode(original)

		for _, limit := range []int{len(encoded), len(encoded) + 1, protocol.ClientPacketLimit} {
			decoded, err := protocol.Decode(encoded, limit)
			is.NoErr(err)
			is.Equal(decoded, original)
		}
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	is := is.New(t)

	for _, p := range allVariants() {
		is.Equal(protocol.Encode(p), protocol.Encode(p))
	}
}

func TestEncodeLayout(t *testing.T) {
	is := is.New(t)

	is.Equal(
		protocol.Encode(protocol.ClientHello{Username: "Alice"}),
		[]byte{0x01, 5, 'A', 'l', 'i', 'c', 'e'},
	)
	is.Equal(
		protocol.Encode(protocol.ServerPong{Nonce: 0x0102}),
		[]byte{0x82, 0, 0, 0, 0, 0, 0, 0x01, 0x02},
	)

	hello := protocol.Encode(protocol.ServerHello{
		SessionID: 1,
		Config:    protocol.GameConfig{WorldSeed: -1, ChunkSize: 16, RenderDistance: 2, TickRate: 3, MaxPlayers: 4},
	})
	is.Equal(hello, []byte{
		0x81,
		0, 0, 0, 1, // session id
		0, 0, 0, 1, // zigzag(-1)
		16,
		0, 2,
		0, 3,
		0, 0, 0, 4,
	})
}

func TestDecodeTooLarge(t *testing.T) {
	is := is.New(t)

	encoded := protocol.Encode(protocol.ClientHello{Username: "Alice"})
	_, err := protocol.Decode(encoded, len(encoded)-1)
	is.True(errors.Is(err, protocol.ErrTooLarge))

	var decodeErr *protocol.DecodeError
	is.True(errors.As(err, &decodeErr))
	is.Equal(decodeErr.Size, len(encoded))
	is.Equal(decodeErr.Limit, len(encoded)-1)

	// garbage is rejected for its size before its shape is looked at
	_, err = protocol.Decode(bytes.Repeat([]byte{0xff}, 2048), protocol.ServerPacketLimit)
	is.True(errors.Is(err, protocol.ErrTooLarge))

	// a username that only fits the server's limit
	big := protocol.Encode(protocol.ClientHello{Username: strings.Repeat("a", 4096)})
	_, err = protocol.Decode(big, protocol.ServerPacketLimit)
	is.True(errors.Is(err, protocol.ErrTooLarge))
	_, err = protocol.Decode(big, protocol.ClientPacketLimit)
	is.NoErr(err)
}

func TestDecodeMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown tag", []byte{0x7f}},
		{"unknown server tag", []byte{0xff, 0x00}},
		{"hello without length", []byte{0x01}},
		{"hello length past end", []byte{0x01, 10, 'a', 'b'}},
		{"hello invalid utf-8", []byte{0x01, 2, 0xc3, 0x28}},
		{"hello non-canonical length", []byte{0x01, 0x81, 0x00, 'a'}},
		{"hello length overflow", []byte{0x01, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}},
		{"hello trailing bytes", []byte{0x01, 1, 'a', 0x00}},
		{"ping truncated", []byte{0x02, 0, 0, 0}},
		{"server hello truncated id", []byte{0x81, 0, 0}},
		{"server hello truncated config", []byte{0x81, 0, 0, 0, 1, 0, 0, 0, 0, 16}},
		{"pong trailing bytes", []byte{0x82, 0, 0, 0, 0, 0, 0, 0, 1, 9}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)

			p, err := protocol.Decode(tc.data, protocol.ClientPacketLimit)
			is.True(p == nil)
			is.True(errors.Is(err, protocol.ErrMalformed))
			is.True(!errors.Is(err, protocol.ErrTooLarge))
		})
	}
}

func TestDecodeDirection(t *testing.T) {
	is := is.New(t)

	serverHello := protocol.Encode(protocol.ServerHello{SessionID: 3, Config: protocol.DefaultGameConfig()})
	_, err := protocol.DecodeClientPacket(serverHello, protocol.ClientPacketLimit)
	is.True(errors.Is(err, protocol.ErrUnexpectedVariant))

	var protoErr *protocol.ProtocolError
	is.True(errors.As(err, &protoErr))
	is.Equal(protoErr.Got, protocol.TagSHello)

	clientHello := protocol.Encode(protocol.ClientHello{Username: "Bob"})
	_, err = protocol.DecodeServerPacket(clientHello, protocol.ServerPacketLimit)
	is.True(errors.Is(err, protocol.ErrUnexpectedVariant))

	cp, err := protocol.DecodeClientPacket(clientHello, protocol.ClientPacketLimit)
	is.NoErr(err)
	is.Equal(cp, protocol.ClientHello{Username: "Bob"})

	sp, err := protocol.DecodeServerPacket(serverHello, protocol.ServerPacketLimit)
	is.NoErr(err)
	is.Equal(sp.(protocol.ServerHello).SessionID, protocol.SessionID(3))

	// decode errors win over direction checks
	_, err = protocol.DecodeClientPacket([]byte{0x81}, protocol.ClientPacketLimit)
	is.True(errors.Is(err, protocol.ErrMalformed))
}

func TestGameConfigFingerprint(t *testing.T) {
	is := is.New(t)

	a := protocol.DefaultGameConfig()
	b := protocol.DefaultGameConfig()
	is.Equal(a.Fingerprint(), b.Fingerprint())

	b.WorldSeed = 1337
	is.True(a.Fingerprint() != b.Fingerprint())
}

func TestTagString(t *testing.T) {
	is := is.New(t)

	is.Equal(protocol.TagCHello.String(), "client hello")
	is.Equal(protocol.TagSPong.String(), "server pong")
	is.Equal(protocol.Tag(0x33).String(), "tag(0x33)")
}
