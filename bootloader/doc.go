// Package bootloader flashes validated firmware images to USB DFU devices.
//
// # Overview
//
// This package orchestrates the complete download sequence:
//   - Bringing the device to dfuIDLE (clearing stale errors, aborting stale transfers)
//   - Splitting the image into wTransferSize chunks
//   - Sending each chunk and polling DFU_GETSTATUS until it is acknowledged
//   - Re-sending a chunk after transient I/O failures
//   - Sending the zero-length block and waiting for manifestation
//   - Detaching and resetting the device
//
// The protocol decisions are made by protocol.Step; this package performs the I/O.
//
// # Basic Usage
//
//	// User provides the control channel (usbdfu.Device, dfutest.Device, ...)
//	dev, err := usbdfu.Open(usbdfu.Options{Vendor: 0x1209, Product: 0x2444})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	img, err := firmware.Load("bikesafe.bin", firmware.DefaultLayout())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	prog := bootloader.New(bootloader.NewHandle(dev, dev.Interface()))
//	res := prog.Flash(context.Background(), img)
//	if !res.OK() {
//	    log.Fatal(res.Err)
//	}
//
// # Progress Tracking
//
// Either register a callback:
//
//	prog := bootloader.New(handle,
//	    bootloader.WithProgressCallback(func(p bootloader.Progress) {
//	        fmt.Printf("%.1f%% - chunk %d/%d\n", p.Percentage, p.ChunkIndex, p.TotalChunks)
//	    }),
//	)
//
// or consume the event stream of Start, which ends with exactly one Result:
//
//	for ev := range prog.Start(ctx, img) {
//	    if ev.Result != nil {
//	        fmt.Println(ev.Result)
//	    }
//	}
//
// # Configuration Options
//
//	prog := bootloader.New(handle,
//	    bootloader.WithLogger(logger),           // zerolog.Logger
//	    bootloader.WithTransferSize(2048),       // override wTransferSize
//	    bootloader.WithRetries(5),               // re-sends per chunk
//	    bootloader.WithMaxChunkWait(30*time.Second),
//	    bootloader.WithReset(true),              // DETACH + USB reset afterwards
//	)
//
// # Ownership
//
// A Handle is the ownership token for one device. Only one operation may hold
// it at a time; a concurrent Flash on the same handle returns ErrHandleBusy.
// Programmers on different handles run independently.
//
// # Error Handling
//
// Every operation ends in a Result whose Outcome classifies Err:
//   - ValidationRejected: firmware.ValidationError, nothing was sent
//   - DeviceFailure: protocol.DeviceError reported through GETSTATUS (cleared with CLRSTATUS, never retried), or the device vanished
//   - ProtocolFailure: ProtocolError (DeviceUnresponsive, TransferDesync, RetryLimitExceeded)
//   - Cancelled: the context was cancelled; the transfer was aborted with DFU_ABORT
//
// A device that drops off the bus after the manifest block is treated as a
// success, since many bootloaders reboot into the new firmware on their own.
package bootloader
