package protocol

import (
	"fmt"
)

// Every packet is sent as the whole contents of one unidirectional stream:
// the stream's close marks the end of the packet, there is no length prefix.
// The first byte is the variant tag; the high bit is set for packets that
// travel from the server to the client.

const (
	// ClientPacketLimit bounds packets read by the server. It is generous to
	// leave room for long usernames while still rejecting abuse.
	ClientPacketLimit = 64 << 10 // 64 KiB
	// ServerPacketLimit bounds packets read by the client.
	ServerPacketLimit = 1 << 10 // 1 KiB
)

type Tag uint8

const (
	// NOTE: C stands for client, S stands for server
	TagCHello Tag = 0x01
	TagCPing  Tag = 0x02

	TagSHello Tag = 0x81
	TagSPong  Tag = 0x82
)

const serverTagBit = 0x80

func (t Tag) String() string {
	switch t {
	case TagCHello:
		return "client hello"
	case TagCPing:
		return "client ping"
	case TagSHello:
		return "server hello"
	case TagSPong:
		return "server pong"
	default:
		return fmt.Sprintf("tag(0x%02x)", uint8(t))
	}
}

func (t Tag) fromServer() bool {
	return t&serverTagBit != 0
}

// SessionID is assigned by the server to every client that completes the
// handshake. Ids start at 1 and are never reused within a server process.
type SessionID uint32

// Packet is a closed union: only the variants declared in this package
// implement it.
type Packet interface {
	Tag() Tag
	encode(e *encoder)
}

// ClientPacket is a packet sent by the client to the server.
type ClientPacket interface {
	Packet
	clientPacket()
}

// ServerPacket is a packet sent by the server to the client.
type ServerPacket interface {
	Packet
	serverPacket()
}

var (
	_ ClientPacket = ClientHello{}
	_ ClientPacket = ClientPing{}
	_ ServerPacket = ServerHello{}
	_ ServerPacket = ServerPong{}
)

// ClientHello opens the handshake.
type ClientHello struct {
	Username string
}

func (ClientHello) Tag() Tag      { return TagCHello }
func (ClientHello) clientPacket() {}

func (p ClientHello) encode(e *encoder) {
	e.string(p.Username)
}

// ClientPing asks the server to echo Nonce back in a ServerPong.
type ClientPing struct {
	Nonce uint64
}

func (ClientPing) Tag() Tag      { return TagCPing }
func (ClientPing) clientPacket() {}

func (p ClientPing) encode(e *encoder) {
	e.uint64(p.Nonce)
}

// ServerHello completes the handshake.
type ServerHello struct {
	SessionID SessionID
	Config    GameConfig
}

func (ServerHello) Tag() Tag      { return TagSHello }
func (ServerHello) serverPacket() {}

func (p ServerHello) encode(e *encoder) {
	e.uint32(uint32(p.SessionID))
	p.Config.encode(e)
}

type ServerPong struct {
	Nonce uint64
}

func (ServerPong) Tag() Tag      { return TagSPong }
func (ServerPong) serverPacket() {}

func (p ServerPong) encode(e *encoder) {
	e.uint64(p.Nonce)
}
