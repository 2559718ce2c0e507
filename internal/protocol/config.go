package protocol

import (
	"github.com/cespare/xxhash/v2"
)

// GameConfig is shared by the server with every client in its hello. The
// session layer does not interpret it.
type GameConfig struct {
	WorldSeed      int32
	ChunkSize      uint8
	RenderDistance uint16
	TickRate       uint16
	MaxPlayers     uint32
}

func DefaultGameConfig() GameConfig {
	return GameConfig{
		WorldSeed:      0,
		ChunkSize:      32,
		RenderDistance: 8,
		TickRate:       20,
		MaxPlayers:     64,
	}
}

// Fingerprint is a hash of the encoded config. Both sides log it so that a
// mismatch between what the server sent and what a client uses is visible.
func (c GameConfig) Fingerprint() uint64 {
	e := encoder{}
	c.encode(&e)
	return xxhash.Sum64(e.buf)
}

func (c GameConfig) encode(e *encoder) {
	e.int32(c.WorldSeed)
	e.uint8(c.ChunkSize)
	e.uint16(c.RenderDistance)
	e.uint16(c.TickRate)
	e.uint32(c.MaxPlayers)
}

func decodeGameConfig(d *decoder) (GameConfig, error) {
	var (
		c   GameConfig
		err error
	)
	if c.WorldSeed, err = d.int32("config.world_seed"); err != nil {
		return c, err
	}
	if c.ChunkSize, err = d.uint8("config.chunk_size"); err != nil {
		return c, err
	}
	if c.RenderDistance, err = d.uint16("config.render_distance"); err != nil {
		return c, err
	}
	if c.TickRate, err = d.uint16("config.tick_rate"); err != nil {
		return c, err
	}
	if c.MaxPlayers, err = d.uint32("config.max_players"); err != nil {
		return c, err
	}
	return c, nil
}
