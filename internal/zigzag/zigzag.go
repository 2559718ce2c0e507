// Package zigzag maps signed integers onto unsigned ones so that values with
// a small magnitude stay small on the wire:
//
//	      int32 ->     uint32
//	-------------------------
//	          0 ->          0
//	         -1 ->          1
//	          1 ->          2
//	         -2 ->          3
//	 2147483647 -> 4294967294
//	-2147483648 -> 4294967295
package zigzag

func Encode32(n int32) uint32 {
	return uint32((n << 1) ^ (n >> 31))
}

func Decode32(n uint32) int32 {
	return int32(n>>1) ^ -int32(n&1)
}
