package firmware

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// SuffixLength is the size of a DFU 1.1 file suffix.
const SuffixLength = 16

// BCDDFU is bcdDFU written into suffixes (DfuSe flavoured 1.1a).
const BCDDFU = 0x011A

var suffixSignature = [3]byte{'U', 'F', 'D'}

// Suffix is the DFU file suffix appended by packaging tools.
//
// Layout (little-endian, last 16 bytes of the file):
//
//	[bcdDevice(2)][idProduct(2)][idVendor(2)][bcdDFU(2)]["UFD"(3)][bLength(1)][dwCRC(4)]
type Suffix struct {
	Device  uint16
	Product uint16
	Vendor  uint16
	DFU     uint16
	CRC     uint32
}

// Matches reports whether the suffix targets vid:pid. 0xFFFF acts as a wildcard.
func (s *Suffix) Matches(vid, pid uint16) bool {
	return (s.Vendor == 0xFFFF || s.Vendor == vid) && (s.Product == 0xFFFF || s.Product == pid)
}

// dfuCRC is the DFU file CRC: CRC-32 without the final inversion.
func dfuCRC(data []byte) uint32 {
	return ^crc32.ChecksumIEEE(data)
}

// AppendSuffix appends a DFU suffix covering data and returns the result.
func AppendSuffix(data []byte, vid, pid uint16) []byte {
	out := make([]byte, 0, len(data)+SuffixLength)
	out = append(out, data...)

	var tail [SuffixLength - 4]byte
	binary.LittleEndian.PutUint16(tail[0:2], 0) // bcdDevice
	binary.LittleEndian.PutUint16(tail[2:4], pid)
	binary.LittleEndian.PutUint16(tail[4:6], vid)
	binary.LittleEndian.PutUint16(tail[6:8], BCDDFU)
	copy(tail[8:11], suffixSignature[:])
	tail[11] = SuffixLength
	out = append(out, tail[:]...)

	crc := make([]byte, 4)
	binary.LittleEndian.PutUint32(crc, dfuCRC(out))
	return append(out, crc...)
}

// ParseSuffix splits data into payload and DFU suffix.
// Data without a suffix signature is returned unchanged with a nil suffix.
// A present suffix whose CRC does not match is an error.
func ParseSuffix(data []byte) ([]byte, *Suffix, error) {
	if len(data) < SuffixLength {
		return data, nil, nil
	}

	tail := data[len(data)-SuffixLength:]
	if tail[8] != suffixSignature[0] || tail[9] != suffixSignature[1] || tail[10] != suffixSignature[2] {
		return data, nil, nil
	}

	length := int(tail[11])
	if length < SuffixLength || length > len(data) {
		return nil, nil, fmt.Errorf("dfu suffix: invalid length %d", length)
	}

	s := &Suffix{
		Device:  binary.LittleEndian.Uint16(tail[0:2]),
		Product: binary.LittleEndian.Uint16(tail[2:4]),
		Vendor:  binary.LittleEndian.Uint16(tail[4:6]),
		DFU:     binary.LittleEndian.Uint16(tail[6:8]),
		CRC:     binary.LittleEndian.Uint32(tail[12:16]),
	}

	if got := dfuCRC(data[:len(data)-4]); got != s.CRC {
		return nil, nil, fmt.Errorf("dfu suffix: CRC mismatch: got 0x%08X, expected 0x%08X", got, s.CRC)
	}

	return data[:len(data)-length], s, nil
}
