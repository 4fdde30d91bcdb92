// Package protocol implements the wire level of the USB DFU 1.1 download path.
//
// This package provides request builders, response parsers and the pure
// state transition function that drives a DFU device from dfuIDLE through
// download and manifestation.
//
// # Protocol Overview
//
// All DFU traffic uses class control transfers on the DFU interface:
//
//	DNLOAD:    OUT 0x21, bRequest=1, wValue=block, wIndex=iface, data=block bytes
//	GETSTATUS: IN  0xA1, bRequest=3, wIndex=iface, wLength=6
//	CLRSTATUS: OUT 0x21, bRequest=4
//	ABORT:     OUT 0x21, bRequest=6
//	DETACH:    OUT 0x21, bRequest=0, wValue=timeout ms
//
// A download is a sequence of DNLOAD blocks, each followed by GETSTATUS polls
// until the device reports dfuDNLOAD-IDLE, then a zero-length DNLOAD that
// starts manifestation.
//
// # State Machine
//
// Step is a pure function from (state, event) to (state, action):
//
//	state := protocol.DfuIdle
//	state, act := protocol.Step(state, protocol.Download(block))
//	// act.Kind == protocol.ActSendDownload: issue DNLOAD, then GETSTATUS
//	state, act = protocol.Step(state, protocol.StatusPolled(st))
//	// act.Kind == protocol.ActPollStatus: sleep act.Delay and poll again
//
// The caller owns all I/O, which keeps the machine testable without hardware.
//
// # Error Handling
//
// A status with bState == dfuERROR yields ActClearStatus carrying a *DeviceError:
//
//	var de *protocol.DeviceError
//	if errors.As(err, &de) {
//	    fmt.Println(de.Code) // "memory erase function failed"
//	}
//
// # Reference
//
// Universal Serial Bus Device Class Specification for Device Firmware Upgrade, Version 1.1.
package protocol
