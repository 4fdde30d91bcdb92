package protocol

// Version is the USB DFU class specification revision implemented by this package.
const Version = "1.1"

// Class request codes per USB DFU 1.1 section 3 (table 3.2).
const (
	// ReqDetach asks a run-time device to enter DFU mode, or a DFU mode
	// device to leave it on the next USB reset
	ReqDetach = 0x00

	// ReqDnload transfers one block of firmware from host to device
	ReqDnload = 0x01

	// ReqUpload transfers one block of firmware from device to host (unused)
	ReqUpload = 0x02

	// ReqGetStatus reads the 6-byte device status
	ReqGetStatus = 0x03

	// ReqClrStatus clears the dfuERROR state
	ReqClrStatus = 0x04

	// ReqGetState reads the current state without side effects
	ReqGetState = 0x05

	// ReqAbort returns the device to dfuIDLE
	ReqAbort = 0x06
)

// bmRequestType values for class requests addressed to an interface.
const (
	// RequestTypeOut is host-to-device | class | interface
	RequestTypeOut = 0x21

	// RequestTypeIn is device-to-host | class | interface
	RequestTypeIn = 0xA1
)

// Status codes (bStatus) per USB DFU 1.1 section 6.1.2.
const (
	StatusOK         StatusCode = 0x00
	ErrTarget        StatusCode = 0x01
	ErrFile          StatusCode = 0x02
	ErrWrite         StatusCode = 0x03
	ErrErase         StatusCode = 0x04
	ErrCheckErased   StatusCode = 0x05
	ErrProg          StatusCode = 0x06
	ErrVerify        StatusCode = 0x07
	ErrAddress       StatusCode = 0x08
	ErrNotDone       StatusCode = 0x09
	ErrFirmware      StatusCode = 0x0A
	ErrVendor        StatusCode = 0x0B
	ErrUSBReset      StatusCode = 0x0C
	ErrPowerOnReset  StatusCode = 0x0D
	ErrUnknown       StatusCode = 0x0E
	ErrStalledPacket StatusCode = 0x0F
)

const maxKnownStatusCode = ErrStalledPacket

// Device states (bState) per USB DFU 1.1 section 6.1.2.
const (
	AppIdle              State = 0
	AppDetach            State = 1
	DfuIdle              State = 2
	DfuDnloadSync        State = 3
	DfuDnbusy            State = 4
	DfuDnloadIdle        State = 5
	DfuManifestSync      State = 6
	DfuManifest          State = 7
	DfuManifestWaitReset State = 8
	DfuUploadIdle        State = 9
	DfuError             State = 10
)

// Payload sizes.
const (
	// StatusSize is the length of the GETSTATUS response
	StatusSize = 6

	// FunctionalDescriptorType is bDescriptorType of the DFU functional descriptor
	FunctionalDescriptorType = 0x21

	// FunctionalDescriptorSize is bLength of a DFU 1.1 functional descriptor
	FunctionalDescriptorSize = 9

	// MaxTransferSize is the largest wLength a control transfer can carry
	MaxTransferSize = 0xFFFF
)

// Functional descriptor bmAttributes bits.
const (
	AttrCanDnload             = 1 << 0
	AttrCanUpload             = 1 << 1
	AttrManifestationTolerant = 1 << 2
	AttrWillDetach            = 1 << 3
)
