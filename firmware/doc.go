// Package firmware validates raw firmware images before they are flashed.
//
// # Image Format
//
// A firmware image is the raw binary the linker produced for the application
// slot, starting with the Cortex-M vector table:
//
//	offset 0x00: initial stack pointer (must point into RAM)
//	offset 0x04: reset handler address (must point into the image, thumb bit set)
//	...
//	somewhere:   magic key 0xB0D42B89 (little-endian), shared with the bootloader
//
// The memory map and key are described by a Layout. DefaultLayout returns the
// bikesafe constants:
//
//	flash: 0x08004000, 48 KiB
//	RAM:   0x20000010, 20 KiB - 0x10
//
// # Usage
//
// Validate raw bytes:
//
//	img, err := firmware.Validate(raw, firmware.DefaultLayout())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Reset vector: 0x%08X\n", img.ResetVector)
//
// Load from disk (a trailing DFU suffix is verified and stripped):
//
//	img, err := firmware.Load("bikesafe.bin", firmware.DefaultLayout())
//
// # Error Handling
//
// Rejections are *ValidationError values matching one of three sentinels:
//   - ErrSizeInvalid: empty, too small, too large or misaligned
//   - ErrVectorTableInvalid: stack pointer or reset vector out of range
//   - ErrMagicKeyMissing: the image was not built for this bootloader
//
// # Packaging
//
// DfuSeFile writes ST DfuSe containers (.dfu) with a DFU suffix and CRC.
package firmware
