package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// ParseStatus parses a DFU_GETSTATUS response.
//
// Data format (StatusSize bytes):
//
//	[bStatus][bwPollTimeout(3, little-endian)][bState][iString]
func ParseStatus(data []byte) (Status, error) {
	if len(data) != StatusSize {
		return Status{}, fmt.Errorf("invalid data length for GETSTATUS response: got %d bytes, expected %d", len(data), StatusSize)
	}

	pollMillis := uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16

	st := Status{
		Code:        StatusCode(data[0]),
		PollTimeout: time.Duration(pollMillis) * time.Millisecond,
		State:       State(data[4]),
		StringIndex: data[5],
	}
	if !st.State.Valid() {
		return Status{}, fmt.Errorf("invalid state in GETSTATUS response: %d", data[4])
	}

	return st, nil
}

// EncodeStatus is the inverse of ParseStatus. Poll timeouts beyond the 24-bit
// field are clamped.
func EncodeStatus(st Status) []byte {
	ms := st.PollTimeout / time.Millisecond
	if ms < 0 {
		ms = 0
	}
	if ms > 0xFFFFFF {
		ms = 0xFFFFFF
	}
	return []byte{
		byte(st.Code),
		byte(ms), byte(ms >> 8), byte(ms >> 16),
		byte(st.State),
		st.StringIndex,
	}
}

// ParseState parses a DFU_GETSTATE response.
func ParseState(data []byte) (State, error) {
	if len(data) != 1 {
		return 0, fmt.Errorf("invalid data length for GETSTATE response: got %d bytes, expected 1", len(data))
	}
	s := State(data[0])
	if !s.Valid() {
		return 0, fmt.Errorf("invalid state in GETSTATE response: %d", data[0])
	}
	return s, nil
}

// ParseFunctionalDescriptor parses a DFU functional descriptor.
//
// Data format (FunctionalDescriptorSize bytes, DFU 1.0 devices may omit bcdDFUVersion):
//
//	[bLength][bDescriptorType=0x21][bmAttributes][wDetachTimeOut(2)][wTransferSize(2)][bcdDFUVersion(2)]
func ParseFunctionalDescriptor(data []byte) (*FunctionalDescriptor, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("functional descriptor too short: got %d bytes, minimum is 7", len(data))
	}
	if data[1] != FunctionalDescriptorType {
		return nil, fmt.Errorf("invalid descriptor type: got 0x%02X, expected 0x%02X", data[1], FunctionalDescriptorType)
	}
	if int(data[0]) > len(data) {
		return nil, fmt.Errorf("functional descriptor truncated: bLength %d, have %d bytes", data[0], len(data))
	}

	desc := &FunctionalDescriptor{
		Attributes:    data[2],
		DetachTimeout: time.Duration(binary.LittleEndian.Uint16(data[3:5])) * time.Millisecond,
		TransferSize:  binary.LittleEndian.Uint16(data[5:7]),
		DFUVersion:    0x0100,
	}
	if data[0] >= FunctionalDescriptorSize && len(data) >= FunctionalDescriptorSize {
		desc.DFUVersion = binary.LittleEndian.Uint16(data[7:9])
	}

	return desc, nil
}

// FindFunctionalDescriptor walks a full configuration descriptor (as returned by
// GET_DESCRIPTOR(CONFIGURATION)) and returns the DFU functional descriptor that
// follows the interface descriptor with bInterfaceNumber == iface.
func FindFunctionalDescriptor(config []byte, iface uint8) (*FunctionalDescriptor, error) {
	const (
		descInterface = 0x04
	)

	inIface := false
	for off := 0; off+2 <= len(config); {
		length := int(config[off])
		if length < 2 || off+length > len(config) {
			return nil, fmt.Errorf("malformed configuration descriptor at offset %d", off)
		}
		desc := config[off : off+length]

		switch desc[1] {
		case descInterface:
			// bInterfaceNumber, bInterfaceClass=0xFE, bInterfaceSubClass=0x01
			inIface = length >= 7 && desc[2] == iface && desc[5] == 0xFE && desc[6] == 0x01
		case FunctionalDescriptorType:
			if inIface {
				return ParseFunctionalDescriptor(desc)
			}
		}
		off += length
	}

	return nil, fmt.Errorf("no DFU functional descriptor for interface %d", iface)
}
