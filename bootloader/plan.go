package bootloader

import (
	"fmt"

	"github.com/bikesafe/go-dfu/firmware"
	"github.com/bikesafe/go-dfu/protocol"
)

// Chunk is one DNLOAD block.
type Chunk struct {
	// Index is the 1-based position in the plan
	Index int

	// Block is the wValue block number (wraps at 0xFFFF)
	Block uint16

	// Offset is the image offset of Data
	Offset int

	Data []byte
}

// Plan is the ordered list of DNLOAD blocks for one image.
// The data chunks cover the image exactly and are followed by a zero-length
// Manifest block.
type Plan struct {
	Chunks       []Chunk
	Manifest     Chunk
	TransferSize int
	TotalBytes   int
}

// BuildPlan splits a validated image into transferSize chunks.
//
// Example:
//
//	plan, _ := bootloader.BuildPlan(img, 1024)
//	fmt.Printf("%d chunks + manifest\n", len(plan.Chunks))
func BuildPlan(img *firmware.Image, transferSize int) (*Plan, error) {
	if img == nil {
		return nil, fmt.Errorf("firmware image cannot be nil")
	}
	if transferSize <= 0 || transferSize > protocol.MaxTransferSize {
		return nil, fmt.Errorf("transfer size %d out of range 1..%d", transferSize, protocol.MaxTransferSize)
	}

	n := (img.Size + transferSize - 1) / transferSize
	plan := &Plan{
		Chunks:       make([]Chunk, 0, n),
		TransferSize: transferSize,
		TotalBytes:   img.Size,
	}

	for i := 0; i < n; i++ {
		off := i * transferSize
		size := transferSize
		if off+size > img.Size {
			size = img.Size - off
		}
		plan.Chunks = append(plan.Chunks, Chunk{
			Index:  i + 1,
			Block:  uint16(i),
			Offset: off,
			Data:   img.Slice(off, size),
		})
	}

	plan.Manifest = Chunk{
		Index:  n + 1,
		Block:  uint16(n),
		Offset: img.Size,
	}

	return plan, nil
}
