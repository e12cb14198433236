package blockfs

import (
	"fmt"

	"github.com/bamsammich/fsmigrate/internal/flash"
)

const (
	// MaxPath is the longest absolute path the filesystem accepts.
	MaxPath = 255

	// MaxDepth is the deepest directory nesting the filesystem accepts.
	MaxDepth = 16

	// reservedBlocks holds the two alternating superblocks.
	reservedBlocks = 2
)

// Layout describes how the filesystem maps onto a flash device. Two builds
// with different layouts cannot mount each other's images.
type Layout struct {
	Name       string `toml:"name"`
	BlockSize  uint32 `toml:"block_size"`
	BlockCount uint32 `toml:"block_count"`
}

func (l Layout) String() string {
	return fmt.Sprintf("%s(%dx%d)", l.Name, l.BlockCount, l.BlockSize)
}

// Size returns the number of device bytes the layout occupies.
func (l Layout) Size() int64 {
	return int64(l.BlockSize) * int64(l.BlockCount)
}

// slotBlocks is the number of blocks in each of the two data slots.
func (l Layout) slotBlocks() uint32 {
	return (l.BlockCount - reservedBlocks) / 2
}

// SlotCapacity is the largest encoded image that fits in one data slot.
func (l Layout) SlotCapacity() int64 {
	return int64(l.slotBlocks()) * int64(l.BlockSize)
}

func (l Layout) slotOffset(slot uint32) int64 {
	return int64(reservedBlocks+slot*l.slotBlocks()) * int64(l.BlockSize)
}

func (l Layout) superblockOffset(slot uint32) int64 {
	return int64(slot) * int64(l.BlockSize)
}

// Validate checks the layout against the device it will live on.
func (l Layout) Validate(st flash.Storage) error {
	switch {
	case l.BlockSize == 0 || l.BlockCount < reservedBlocks+2:
		return fmt.Errorf("layout %s: need a block size and at least %d blocks", l, reservedBlocks+2)
	case int64(l.BlockSize)%int64(st.BlockSize()) != 0:
		return fmt.Errorf("layout %s: block size must be a multiple of the device erase size %d", l, st.BlockSize())
	case l.Size() > st.Size():
		return fmt.Errorf("layout %s: needs %d bytes, device has %d", l, l.Size(), st.Size())
	case int(l.BlockSize) < superblockSize:
		return fmt.Errorf("layout %s: block size below superblock size %d", l, superblockSize)
	}
	return nil
}
