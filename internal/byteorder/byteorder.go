package byteorder

import (
	"encoding/binary"
)

// https://linux.die.net/man/3/ntohs

// decrypt names:
// h  = host
// n  = network
// s  = short     = 16 bit
// l  = long      = 32 bit
// ll = long long = 64 bit

// NOTE: Append* helpers grow dst so that encoders can build a packet in a
// single buffer. Ntoh* helpers report ok=false on short input instead of
// panicking; their input usually comes straight from a peer.

func AppendHtons(dst []byte, val uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, val)
}

func AppendHtonl(dst []byte, val uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, val)
}

func AppendHtonll(dst []byte, val uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, val)
}

func Ntohs(buf []byte) (uint16, bool) {
	if len(buf) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(buf), true
}

func Ntohl(buf []byte) (uint32, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(buf), true
}

func Ntohll(buf []byte) (uint64, bool) {
	if len(buf) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(buf), true
}
