package firmware

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Validate checks a raw image against layout and returns the accepted Image.
//
// Checks run in order and stop at the first failure:
//  1. size: non-empty, holds the vector table, fits in flash, write aligned
//  2. vector table: stack pointer in RAM, reset vector in flash, thumb bit, inside the image
//  3. magic key present at the configured offset or window
//
// None of the checks can be disabled. The device bootloader trusts the host,
// so this is the only guard against flashing a foreign image.
//
// Example:
//
//	img, err := firmware.Validate(raw, firmware.DefaultLayout())
//	if errors.Is(err, firmware.ErrMagicKeyMissing) {
//	    log.Fatal("not a bikesafe image")
//	}
func Validate(raw []byte, layout Layout) (*Image, error) {
	if err := layout.Check(); err != nil {
		return nil, err
	}

	img := &Image{
		layout:            layout,
		Size:              len(raw),
		VectorTableOffset: layout.VectorTableOffset,
		MagicKeyOffset:    -1,
	}

	if err := checkSize(raw, layout); err != nil {
		return nil, err
	}
	if err := checkVectorTable(raw, layout, img); err != nil {
		return nil, err
	}
	if err := checkMagicKey(raw, layout, img); err != nil {
		return nil, err
	}

	img.data = make([]byte, len(raw))
	copy(img.data, raw)

	return img, nil
}

// Load reads and validates the image at path.
//
// Example:
//
//	img, err := firmware.Load("bikesafe.bin", firmware.DefaultLayout())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Reset vector: 0x%08X\n", img.ResetVector)
func Load(path string, layout Layout) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open firmware file")
	}
	defer func() { _ = f.Close() }()

	return LoadReader(f, layout)
}

// LoadReader reads and validates an image from any io.Reader.
// A trailing DFU suffix with a matching CRC is stripped before validation
// and kept in Image.Suffix.
func LoadReader(r io.Reader, layout Layout) (*Image, error) {
	limit := int64(layout.FlashSize) + SuffixLength + 1
	raw, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, errors.Wrap(err, "read firmware")
	}

	payload, suffix, err := ParseSuffix(raw)
	if err != nil {
		return nil, err
	}

	img, err := Validate(payload, layout)
	if err != nil {
		return nil, err
	}
	img.suffix = suffix

	return img, nil
}

func checkSize(raw []byte, layout Layout) error {
	n := len(raw)
	switch {
	case n == 0:
		return invalid(SizeInvalid, "image is empty")
	case n < layout.MinSize():
		return invalid(SizeInvalid, "image is %d bytes, too small for the vector table (%d bytes)", n, layout.MinSize())
	case uint64(n) > uint64(layout.FlashSize):
		return invalid(SizeInvalid, "image too large: %d > %d bytes", n, layout.FlashSize)
	case layout.WriteAlign > 1 && n%layout.WriteAlign != 0:
		return invalid(SizeInvalid, "image size %d is not a multiple of the %d-byte write granularity", n, layout.WriteAlign)
	}
	return nil
}

func checkVectorTable(raw []byte, layout Layout, img *Image) error {
	base := layout.VectorTableOffset
	sp := binary.LittleEndian.Uint32(raw[base : base+vectorWordSize])
	reset := binary.LittleEndian.Uint32(raw[base+vectorWordSize : base+2*vectorWordSize])

	img.InitialSP = sp
	img.ResetVector = reset

	if layout.RAMSize > 0 {
		ramEnd := layout.RAMOrigin + layout.RAMSize
		if sp < layout.RAMOrigin || sp > ramEnd {
			return invalid(VectorTableInvalid, "initial SP 0x%08X, expected between 0x%08X and 0x%08X",
				sp, layout.RAMOrigin, ramEnd)
		}
	}

	flashEnd := uint64(layout.FlashOrigin) + uint64(layout.FlashSize)
	if reset < layout.FlashOrigin || uint64(reset) >= flashEnd {
		return invalid(VectorTableInvalid, "reset vector 0x%08X, expected between 0x%08X and 0x%08X",
			reset, layout.FlashOrigin, flashEnd)
	}

	if layout.RequireThumb && reset&1 == 0 {
		return invalid(VectorTableInvalid, "reset vector 0x%08X does not have the thumb bit set", reset)
	}

	offset := (reset &^ 1) - layout.FlashOrigin
	if uint64(offset) >= uint64(len(raw)) {
		return invalid(VectorTableInvalid, "reset vector 0x%08X points past end of image (offset 0x%X, length 0x%X)",
			reset, offset, len(raw))
	}

	img.ResetVectorValid = true
	return nil
}

func checkMagicKey(raw []byte, layout Layout, img *Image) error {
	key := layout.MagicKey
	start := layout.MagicOffset

	end := len(raw)
	switch {
	case layout.MagicWindow == 0:
		end = start + len(key)
	case layout.MagicWindow > 0:
		end = start + layout.MagicWindow + len(key) - 1
	}
	if end > len(raw) {
		end = len(raw)
	}

	if start < end {
		if i := bytes.Index(raw[start:end], key); i >= 0 {
			img.MagicKeyFound = true
			img.MagicKeyOffset = start + i
			return nil
		}
	}

	if layout.MagicWindow == 0 {
		return invalid(MagicKeyMissing, "magic key %X not found at offset 0x%X", key, start)
	}
	return invalid(MagicKeyMissing, "magic key %X not found in [0x%X, 0x%X)", key, start, end)
}
