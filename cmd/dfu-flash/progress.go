package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bikesafe/go-dfu/bootloader"
)

// progressBar renders transfer progress on a single terminal line.
type progressBar struct {
	out   io.Writer
	width int
	drawn bool
}

func newProgressBar(out io.Writer, width int) *progressBar {
	return &progressBar{out: out, width: width}
}

func (pb *progressBar) render(percentage float64) string {
	filled := int(float64(pb.width) * percentage / 100.0)
	if filled > pb.width {
		filled = pb.width
	}
	if filled < 0 {
		filled = 0
	}

	bar := strings.Repeat("█", filled) + strings.Repeat("░", pb.width-filled)
	return fmt.Sprintf("[%s] %5.1f%%", bar, percentage)
}

func (pb *progressBar) update(p bootloader.Progress) {
	var eta time.Duration
	if p.Percentage > 0 {
		total := time.Duration(float64(p.ElapsedTime) * 100.0 / p.Percentage)
		eta = total - p.ElapsedTime
	}

	fmt.Fprintf(pb.out, "\r\033[K%s | chunk %d/%d | %d/%d bytes | elapsed %s | ETA %s",
		pb.render(p.Percentage),
		p.ChunkIndex,
		p.TotalChunks,
		p.BytesSent,
		p.TotalBytes,
		p.ElapsedTime.Round(time.Millisecond),
		eta.Round(time.Second),
	)
	pb.drawn = true
}

func (pb *progressBar) finish() {
	if pb.drawn {
		fmt.Fprintln(pb.out)
	}
}
