package bootloader

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/bikesafe/go-dfu/firmware"
	"github.com/bikesafe/go-dfu/protocol"
)

// DefaultTransferSize is used when neither an option nor the device's
// functional descriptor provides wTransferSize.
const DefaultTransferSize = 1024

// Config holds the programmer configuration.
type Config struct {
	// ProgressCallback is called once per acknowledged chunk (optional)
	ProgressCallback ProgressCallback

	// Logger receives structured logs; defaults to a no-op logger
	Logger zerolog.Logger

	// Layout is used by Program to validate raw images
	Layout firmware.Layout

	// TransferSize overrides the device's wTransferSize (0 = ask the device)
	TransferSize int

	// Retries is the number of times a chunk is re-sent after a transient I/O failure
	Retries int

	// MaxChunkWait bounds how long a single chunk (send plus status polling) may take
	MaxChunkWait time.Duration

	// Reset sends DFU_DETACH and resets the device after manifestation
	Reset bool

	// DetachTimeout is the wValue of DFU_DETACH (0 = use the functional descriptor)
	DetachTimeout time.Duration
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		Logger:       zerolog.Nop(),
		Layout:       firmware.DefaultLayout(),
		Retries:      3,
		MaxChunkWait: 10 * time.Second,
	}
}

// Option is a functional option for configuring the Programmer.
type Option func(*Config)

// WithProgressCallback sets a callback function to track flashing progress.
//
// Example:
//
//	prog := bootloader.New(handle,
//	    bootloader.WithProgressCallback(func(p bootloader.Progress) {
//	        fmt.Printf("%.1f%% complete\n", p.Percentage)
//	    }),
//	)
func WithProgressCallback(callback ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = callback
	}
}

// WithLogger sets the zerolog logger used for the programmer operations.
//
// Example:
//
//	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
//	prog := bootloader.New(handle, bootloader.WithLogger(logger))
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithLayout sets the device layout Program validates images against.
func WithLayout(layout firmware.Layout) Option {
	return func(c *Config) {
		c.Layout = layout
	}
}

// WithTransferSize overrides the chunk size reported by the device.
// Sizes outside 1..65535 are ignored.
//
// Example:
//
//	prog := bootloader.New(handle, bootloader.WithTransferSize(2048))
func WithTransferSize(size int) Option {
	return func(c *Config) {
		if size > 0 && size <= protocol.MaxTransferSize {
			c.TransferSize = size
		}
	}
}

// WithRetries sets the number of re-sends allowed per chunk after a transient failure.
//
// Example:
//
//	prog := bootloader.New(handle, bootloader.WithRetries(5))
func WithRetries(retries int) Option {
	return func(c *Config) {
		if retries >= 0 {
			c.Retries = retries
		}
	}
}

// WithMaxChunkWait bounds the time spent on one chunk, polling included.
func WithMaxChunkWait(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.MaxChunkWait = d
		}
	}
}

// WithReset detaches and resets the device after a successful download so it
// boots the new firmware.
func WithReset(reset bool) Option {
	return func(c *Config) {
		c.Reset = reset
	}
}

// WithDetachTimeout sets the DFU_DETACH timeout.
func WithDetachTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.DetachTimeout = d
		}
	}
}
