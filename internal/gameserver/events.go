package gameserver

import (
	"context"
	"errors"

	"github.com/blukai/explora/internal/protocol"
	"github.com/blukai/explora/internal/transport"
	"github.com/google/uuid"
)

// EventBusCapacity is how many events may wait for the actor before
// publishers start to block.
const EventBusCapacity = 128

var errActorStopped = errors.New("gameserver: actor stopped")

// Event is consumed only by the actor.
type Event interface {
	Type() string
}

// PlayerJoined is published by a handshake task once the client hello was
// decoded. ConnID identifies the connection until the actor replies with its
// session id, or with zero when it cannot take another player.
type PlayerJoined struct {
	ConnID   uuid.UUID
	Conn     *transport.Conn
	Username string

	reply chan<- protocol.SessionID
}

func (PlayerJoined) Type() string { return "player_joined" }

// PlayerLeft is published by a session's reader once its connection is gone.
type PlayerLeft struct {
	SessionID protocol.SessionID
	Err       error
}

func (PlayerLeft) Type() string { return "player_left" }

// PacketReceived carries a packet that arrived after the handshake.
type PacketReceived struct {
	SessionID protocol.SessionID
	Packet    protocol.ClientPacket
}

func (PacketReceived) Type() string { return "packet_received" }

// publish blocks while the bus is full. Once ctx is done nothing is
// published, even if the bus has room.
func (s *Server) publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.actorDone:
		return errActorStopped
	}
}
