package firmware

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// DfuSe container constants.
const (
	dfuSePrefix      = "DfuSe"
	dfuSeVersion     = 0x01
	targetPrefix     = "Target"
	targetNameLength = 255
)

// Element is one contiguous region to flash at Address.
type Element struct {
	Address uint32
	Data    []byte
}

// Target is a DfuSe target (alternate setting) with a padded name.
type Target struct {
	Name             string
	AlternateSetting uint8
	Elements         []Element
}

// DfuSeFile is a .dfu container in ST's DfuSe format.
type DfuSeFile struct {
	VendorID  uint16
	ProductID uint16
	Targets   []Target
}

// NewDfuSeFile wraps a single image flashed at address into a one-target file.
func NewDfuSeFile(vid, pid uint16, address uint32, data []byte) *DfuSeFile {
	return &DfuSeFile{
		VendorID:  vid,
		ProductID: pid,
		Targets: []Target{{
			Name:     "Flash",
			Elements: []Element{{Address: address, Data: data}},
		}},
	}
}

// MarshalBinary encodes the file:
//
//	prefix:  "DfuSe" bVersion(1) DFUImageSize(4) bTargets(1)
//	target:  "Target" bAlternateSetting(1) bTargetNamed(4) szTargetName(255) dwTargetSize(4) dwNbElements(4)
//	element: dwElementAddress(4) dwElementSize(4) data
//	suffix:  see Suffix
func (f *DfuSeFile) MarshalBinary() ([]byte, error) {
	if len(f.Targets) > 0xFF {
		return nil, fmt.Errorf("dfuse: too many targets: %d", len(f.Targets))
	}

	var body bytes.Buffer
	for _, t := range f.Targets {
		if len(t.Name) > targetNameLength {
			return nil, fmt.Errorf("dfuse: target name %q longer than %d bytes", t.Name, targetNameLength)
		}

		var elements bytes.Buffer
		for _, e := range t.Elements {
			_ = binary.Write(&elements, binary.LittleEndian, e.Address)
			_ = binary.Write(&elements, binary.LittleEndian, uint32(len(e.Data)))
			elements.Write(e.Data)
		}

		name := make([]byte, targetNameLength)
		copy(name, t.Name)

		body.WriteString(targetPrefix)
		body.WriteByte(t.AlternateSetting)
		_ = binary.Write(&body, binary.LittleEndian, uint32(1)) // named
		body.Write(name)
		_ = binary.Write(&body, binary.LittleEndian, uint32(elements.Len()))
		_ = binary.Write(&body, binary.LittleEndian, uint32(len(t.Elements)))
		body.Write(elements.Bytes())
	}

	var out bytes.Buffer
	out.WriteString(dfuSePrefix)
	out.WriteByte(dfuSeVersion)
	// DFUImageSize covers bTargets plus the target sections.
	_ = binary.Write(&out, binary.LittleEndian, uint32(1+body.Len()))
	out.WriteByte(byte(len(f.Targets)))
	out.Write(body.Bytes())

	return AppendSuffix(out.Bytes(), f.VendorID, f.ProductID), nil
}

// WriteFile encodes the container to path.
func (f *DfuSeFile) WriteFile(path string) error {
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
