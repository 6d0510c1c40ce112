package walog

import "encoding/binary"

// header is the in-memory and on-disk shape of the log's block 0: a count
// followed by the absolute block numbers the log currently shadows, packed
// little-endian so recovery can read a fixed-size block regardless of how
// many entries are logged.
type header struct {
	n     int
	block []uint32 // len == cap == maxLogged
}

func newHeader(maxLogged int) header {
	return header{block: make([]uint32, maxLogged)}
}

// encodedSize is how many bytes this header occupies on disk: one int32
// for n, one int32 per slot (used or not), so recovery can always read a
// fixed-size block 0 regardless of how many blocks are currently logged.
func (h *header) encodedSize() int {
	return 4 + 4*len(h.block)
}

func (h *header) encodeInto(dst []byte) {
	if len(dst) < h.encodedSize() {
		panic("walog: destination block too small for log header")
	}

	binary.LittleEndian.PutUint32(dst[0:4], uint32(h.n))
	for i, b := range h.block {
		binary.LittleEndian.PutUint32(dst[4+4*i:8+4*i], b)
	}
}

func (h *header) decodeFrom(src []byte) {
	if len(src) < h.encodedSize() {
		panic("walog: source block too small for log header")
	}

	h.n = int(binary.LittleEndian.Uint32(src[0:4]))
	for i := range h.block {
		h.block[i] = binary.LittleEndian.Uint32(src[4+4*i : 8+4*i])
	}
}
