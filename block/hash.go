package block

import (
	"encoding/binary"
	"hash"
	"io"

	digest "github.com/opencontainers/go-digest"
)

// Info describes a single block: its content hash and payload length.
type Info struct {
	Hash string // hex-encoded content digest
	Size int    // payload length in bytes
}

// HashBlocks returns the aggregate hash of an ordered block list.
//
// Each block contributes its hash (length-prefixed) followed by its size, so
// the result changes when blocks are reordered or resized.
func HashBlocks(blocks []Info) string {
	d := digest.SHA256.Digester()
	for _, b := range blocks {
		writeBlock(d.Hash(), b)
	}
	return d.Digest().Encoded()
}

// hash writes never fail, so errors are dropped.
func writeBlock(h hash.Hash, b Info) {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(len(b.Hash))) //nolint:gosec // hashes are short hex strings
	_, _ = h.Write(buf[:4])
	_, _ = io.WriteString(h, b.Hash)
	binary.BigEndian.PutUint64(buf[:], uint64(b.Size)) //nolint:gosec // sizes validated >= 0
	_, _ = h.Write(buf[:])
}
