package firmware

import (
	"encoding/binary"
	"fmt"
)

// Image is a validated raw firmware binary.
// It can only be obtained from Validate, Load or LoadReader and is never
// mutated afterwards.
type Image struct {
	data   []byte
	layout Layout
	suffix *Suffix

	// Size is the image length in bytes
	Size int

	// VectorTableOffset is the image offset of the vector table
	VectorTableOffset uint32

	// InitialSP is vector table entry 0 (initial stack pointer)
	InitialSP uint32

	// ResetVector is vector table entry 1 (reset handler address, thumb bit included)
	ResetVector uint32

	// ResetVectorValid is true once the reset vector passed the range checks
	ResetVectorValid bool

	// MagicKeyFound is true once the magic key was located
	MagicKeyFound bool

	// MagicKeyOffset is the image offset of the first magic key occurrence
	MagicKeyOffset int
}

// Bytes returns a copy of the image contents.
func (img *Image) Bytes() []byte {
	out := make([]byte, len(img.data))
	copy(out, img.data)
	return out
}

// Slice returns the image bytes in [off, off+n) without copying.
// Callers must not modify the returned slice.
func (img *Image) Slice(off, n int) []byte {
	return img.data[off : off+n : off+n]
}

// Layout returns the layout the image was validated against.
func (img *Image) Layout() Layout {
	return img.layout
}

// Suffix returns the DFU suffix stripped while loading, or nil.
func (img *Image) Suffix() *Suffix {
	return img.suffix
}

// ResetHandlerOffset is the image offset the reset vector points at.
func (img *Image) ResetHandlerOffset() uint32 {
	return (img.ResetVector &^ 1) - img.layout.FlashOrigin
}

func (img *Image) String() string {
	return fmt.Sprintf("%d bytes, reset=0x%08X, sp=0x%08X, magic@0x%X",
		img.Size, img.ResetVector, img.InitialSP, img.MagicKeyOffset)
}

// Layout describes the target memory map and the image conventions of one
// device family. These are device constants taken from the bootloader and
// linker script, so they are configuration rather than literals.
type Layout struct {
	// FlashOrigin is the address the image is linked and flashed at
	FlashOrigin uint32

	// FlashSize is the application flash capacity (maximum image size)
	FlashSize uint32

	// RAMOrigin and RAMSize bound the initial stack pointer (RAMSize 0 disables the check)
	RAMOrigin uint32
	RAMSize   uint32

	// VectorTableOffset is where the vector table starts in the image
	VectorTableOffset uint32

	// WriteAlign is the minimum write granularity (0 or 1 disables the check)
	WriteAlign int

	// RequireThumb requires the reset vector's low bit to be set (Cortex-M)
	RequireThumb bool

	// MagicKey is the byte pattern identifying images built for this bootloader
	MagicKey []byte

	// MagicOffset is where the magic key is expected (or where the search starts)
	MagicOffset int

	// MagicWindow bounds the search: 0 = exactly at MagicOffset,
	// >0 = within [MagicOffset, MagicOffset+MagicWindow), <0 = to end of image
	MagicWindow int
}

// Constants of the bikesafe bootloader (STM32, 16 KiB bootloader at 0x08000000).
const (
	DefaultFlashOrigin = 0x0800_4000
	DefaultFlashSize   = 48 * 1024
	DefaultRAMOrigin   = 0x2000_0000 + 0x10
	DefaultRAMSize     = 20*1024 - 0x10

	// KeyStayInBoot is the magic word the application shares with the bootloader
	KeyStayInBoot = 0xB0D4_2B89
)

// vectorWordSize is the width of one vector table entry (32-bit ARM).
const vectorWordSize = 4

// minVectorEntries is the number of entries the validator reads (SP + reset).
const minVectorEntries = 2

// DefaultLayout returns the layout of the bikesafe device family.
func DefaultLayout() Layout {
	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, KeyStayInBoot)

	return Layout{
		FlashOrigin:  DefaultFlashOrigin,
		FlashSize:    DefaultFlashSize,
		RAMOrigin:    DefaultRAMOrigin,
		RAMSize:      DefaultRAMSize,
		RequireThumb: true,
		MagicKey:     key,
		MagicOffset:  0,
		MagicWindow:  -1,
	}
}

// MinSize is the smallest image that holds the vector table entries the
// validator reads.
func (l Layout) MinSize() int {
	return int(l.VectorTableOffset) + minVectorEntries*vectorWordSize
}

// Check reports layout values that cannot describe a real device.
func (l Layout) Check() error {
	if l.FlashSize == 0 {
		return fmt.Errorf("layout: flash size must be positive")
	}
	if uint64(l.FlashOrigin)+uint64(l.FlashSize) > 1<<32 {
		return fmt.Errorf("layout: flash region 0x%08X+0x%X overflows the address space", l.FlashOrigin, l.FlashSize)
	}
	if uint64(l.RAMOrigin)+uint64(l.RAMSize) > 1<<32 {
		return fmt.Errorf("layout: RAM region 0x%08X+0x%X overflows the address space", l.RAMOrigin, l.RAMSize)
	}
	if l.WriteAlign < 0 {
		return fmt.Errorf("layout: write alignment must not be negative")
	}
	if len(l.MagicKey) == 0 {
		return fmt.Errorf("layout: magic key must not be empty")
	}
	if l.MagicOffset < 0 {
		return fmt.Errorf("layout: magic offset must not be negative")
	}
	return nil
}
