package bootloader

import "time"

// Progress reports one acknowledged chunk.
// ChunkIndex is strictly increasing and BytesSent never decreases; the last
// event of a successful download has BytesSent == TotalBytes.
type Progress struct {
	// ChunkIndex is the acknowledged chunk (1-based)
	ChunkIndex int

	// TotalChunks is the number of data chunks in the plan
	TotalChunks int

	// BytesSent is the number of image bytes the device has acknowledged
	BytesSent int

	// TotalBytes is the image size
	TotalBytes int

	// Percentage is the completion percentage (0.0 to 100.0)
	Percentage float64

	// ElapsedTime is the time elapsed since the operation started
	ElapsedTime time.Duration
}

// ProgressCallback is called after every acknowledged chunk.
// Implementations should return quickly to avoid stalling the transfer.
//
// Example:
//
//	prog := bootloader.New(handle,
//	    bootloader.WithProgressCallback(func(p bootloader.Progress) {
//	        fmt.Printf("%.1f%% - chunk %d/%d\n",
//	            p.Percentage, p.ChunkIndex, p.TotalChunks)
//	    }),
//	)
type ProgressCallback func(Progress)

// Event is one element of the stream returned by Start: either a progress
// report or the terminal result.
type Event struct {
	Progress *Progress
	Result   *Result
}

func newProgress(c Chunk, total, bytesSent, totalBytes int, elapsed time.Duration) Progress {
	pct := 100.0
	if totalBytes > 0 {
		pct = float64(bytesSent) / float64(totalBytes) * 100
	}
	return Progress{
		ChunkIndex:  c.Index,
		TotalChunks: total,
		BytesSent:   bytesSent,
		TotalBytes:  totalBytes,
		Percentage:  pct,
		ElapsedTime: elapsed,
	}
}
