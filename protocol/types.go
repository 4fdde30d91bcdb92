package protocol

import (
	"fmt"
	"time"
)

// State is a DFU device state (bState).
type State uint8

var stateNames = [...]string{
	AppIdle:              "appIDLE",
	AppDetach:            "appDETACH",
	DfuIdle:              "dfuIDLE",
	DfuDnloadSync:        "dfuDNLOAD-SYNC",
	DfuDnbusy:            "dfuDNBUSY",
	DfuDnloadIdle:        "dfuDNLOAD-IDLE",
	DfuManifestSync:      "dfuMANIFEST-SYNC",
	DfuManifest:          "dfuMANIFEST",
	DfuManifestWaitReset: "dfuMANIFEST-WAIT-RESET",
	DfuUploadIdle:        "dfuUPLOAD-IDLE",
	DfuError:             "dfuERROR",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Valid reports whether s is one of the states defined by DFU 1.1.
func (s State) Valid() bool {
	return s <= DfuError
}

// StatusCode is a DFU status code (bStatus).
type StatusCode uint8

var statusNames = [...]string{
	StatusOK:         "no error",
	ErrTarget:        "file is not targeted for use by this device",
	ErrFile:          "file fails a vendor-specific verification test",
	ErrWrite:         "device is unable to write memory",
	ErrErase:         "memory erase function failed",
	ErrCheckErased:   "memory erase check failed",
	ErrProg:          "program memory function failed",
	ErrVerify:        "programmed memory failed verification",
	ErrAddress:       "address is out of range",
	ErrNotDone:       "received DFU_DNLOAD with wLength = 0 but device does not think it has all of the data yet",
	ErrFirmware:      "device's firmware is corrupt",
	ErrVendor:        "vendor-specific error",
	ErrUSBReset:      "device detected unexpected USB reset signaling",
	ErrPowerOnReset:  "device detected unexpected power on reset",
	ErrUnknown:       "something went wrong, but the device does not know what",
	ErrStalledPacket: "device stalled an unexpected request",
}

func (c StatusCode) String() string {
	if c <= maxKnownStatusCode {
		return statusNames[c]
	}
	return fmt.Sprintf("unknown status code 0x%02X", uint8(c))
}

// Status is the device status returned by GETSTATUS.
// It is re-read on every poll cycle.
type Status struct {
	// Code is the result of the most recent request
	Code StatusCode

	// PollTimeout is the minimum time the host must wait before the next GETSTATUS
	PollTimeout time.Duration

	// State is the state the device enters right after sending this response
	State State

	// StringIndex is the index of a status description string descriptor
	StringIndex uint8
}

// FunctionalDescriptor is the DFU functional descriptor of the DFU interface.
type FunctionalDescriptor struct {
	// Attributes is bmAttributes (Attr* bits)
	Attributes uint8

	// DetachTimeout is the time the device waits for a USB reset after DETACH
	DetachTimeout time.Duration

	// TransferSize is the maximum number of bytes per control write
	TransferSize uint16

	// DFUVersion is bcdDFUVersion (0x0110 for DFU 1.1)
	DFUVersion uint16
}

// CanDownload reports whether the device accepts DNLOAD.
func (d FunctionalDescriptor) CanDownload() bool { return d.Attributes&AttrCanDnload != 0 }

// CanUpload reports whether the device accepts UPLOAD.
func (d FunctionalDescriptor) CanUpload() bool { return d.Attributes&AttrCanUpload != 0 }

// ManifestationTolerant reports whether the device stays responsive on the
// bus after manifestation.
func (d FunctionalDescriptor) ManifestationTolerant() bool {
	return d.Attributes&AttrManifestationTolerant != 0
}

// WillDetach reports whether the device detaches on its own after DETACH,
// without waiting for a host-issued USB reset.
func (d FunctionalDescriptor) WillDetach() bool { return d.Attributes&AttrWillDetach != 0 }
