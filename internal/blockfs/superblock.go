package blockfs

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/bamsammich/fsmigrate/internal/flash"
)

const (
	formatVersion = 1

	// superblockSize is the encoded size of a superblock before padding:
	// magic(4) version(4) block size(4) block count(4) seq(8)
	// payload len(4) payload sum(8) header sum(8).
	superblockSize = 44
)

var magic = [4]byte{'T', 'K', 'F', 'S'}

type superblock struct {
	version    uint32
	blockSize  uint32
	blockCount uint32
	seq        uint64
	payloadLen uint32
	payloadSum uint64
}

// slot returns the superblock and data slot this sequence number lives in.
func (sb superblock) slot() uint32 { return uint32(sb.seq % 2) }

func (sb superblock) marshal(unit int) []byte {
	buf := bytes.Repeat([]byte{flash.Erased}, int(flash.AlignUp(superblockSize, unit)))
	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], sb.version)
	binary.LittleEndian.PutUint32(buf[8:12], sb.blockSize)
	binary.LittleEndian.PutUint32(buf[12:16], sb.blockCount)
	binary.LittleEndian.PutUint64(buf[16:24], sb.seq)
	binary.LittleEndian.PutUint32(buf[24:28], sb.payloadLen)
	binary.LittleEndian.PutUint64(buf[28:36], sb.payloadSum)
	binary.LittleEndian.PutUint64(buf[36:44], xxhash.Sum64(buf[:36]))
	return buf
}

// unmarshalSuperblock decodes buf, reporting false for erased or torn blocks.
func unmarshalSuperblock(buf []byte) (superblock, bool) {
	if len(buf) < superblockSize || !bytes.Equal(buf[0:4], magic[:]) {
		return superblock{}, false
	}
	if binary.LittleEndian.Uint64(buf[36:44]) != xxhash.Sum64(buf[:36]) {
		return superblock{}, false
	}
	return superblock{
		version:    binary.LittleEndian.Uint32(buf[4:8]),
		blockSize:  binary.LittleEndian.Uint32(buf[8:12]),
		blockCount: binary.LittleEndian.Uint32(buf[12:16]),
		seq:        binary.LittleEndian.Uint64(buf[16:24]),
		payloadLen: binary.LittleEndian.Uint32(buf[24:28]),
		payloadSum: binary.LittleEndian.Uint64(buf[28:36]),
	}, true
}

func (sb superblock) matches(l Layout) bool {
	return sb.version == formatVersion && sb.blockSize == l.BlockSize && sb.blockCount == l.BlockCount
}
