package protocol

import (
	"fmt"
)

// Request is one DFU class control request addressed to the DFU interface.
//
// Setup packet layout:
//
//	[bmRequestType][bRequest][wValue_L][wValue_H][wIndex_L][wIndex_H][wLength_L][wLength_H]
//
// For host-to-device requests Data carries the payload and wLength is len(Data).
// For device-to-host requests Length is the number of bytes to read.
type Request struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Data        []byte
	Length      int
}

// In reports whether the request reads data from the device.
func (r Request) In() bool {
	return r.RequestType&0x80 != 0
}

func (r Request) String() string {
	name := requestName(r.Request)
	if r.In() {
		return fmt.Sprintf("%s(value=%d, index=%d, length=%d)", name, r.Value, r.Index, r.Length)
	}
	return fmt.Sprintf("%s(value=%d, index=%d, length=%d)", name, r.Value, r.Index, len(r.Data))
}

// BuildDownloadRequest constructs a DFU_DNLOAD request for one block.
// An empty data slice signals end of transfer (the manifest block).
//
// wValue carries the block number, which wraps at 0xFFFF.
func BuildDownloadRequest(block uint16, iface uint16, data []byte) (Request, error) {
	if len(data) > MaxTransferSize {
		return Request{}, fmt.Errorf("block length %d exceeds maximum %d bytes", len(data), MaxTransferSize)
	}
	return Request{
		RequestType: RequestTypeOut,
		Request:     ReqDnload,
		Value:       block,
		Index:       iface,
		Data:        data,
	}, nil
}

// BuildGetStatusRequest constructs a DFU_GETSTATUS request.
func BuildGetStatusRequest(iface uint16) Request {
	return Request{
		RequestType: RequestTypeIn,
		Request:     ReqGetStatus,
		Index:       iface,
		Length:      StatusSize,
	}
}

// BuildGetStateRequest constructs a DFU_GETSTATE request.
func BuildGetStateRequest(iface uint16) Request {
	return Request{
		RequestType: RequestTypeIn,
		Request:     ReqGetState,
		Index:       iface,
		Length:      1,
	}
}

// BuildClearStatusRequest constructs a DFU_CLRSTATUS request.
func BuildClearStatusRequest(iface uint16) Request {
	return Request{
		RequestType: RequestTypeOut,
		Request:     ReqClrStatus,
		Index:       iface,
	}
}

// BuildAbortRequest constructs a DFU_ABORT request.
func BuildAbortRequest(iface uint16) Request {
	return Request{
		RequestType: RequestTypeOut,
		Request:     ReqAbort,
		Index:       iface,
	}
}

// BuildDetachRequest constructs a DFU_DETACH request.
// wValue is the detach timeout in milliseconds, capped at 0xFFFF.
func BuildDetachRequest(iface uint16, timeoutMillis int) Request {
	if timeoutMillis < 0 {
		timeoutMillis = 0
	}
	if timeoutMillis > 0xFFFF {
		timeoutMillis = 0xFFFF
	}
	return Request{
		RequestType: RequestTypeOut,
		Request:     ReqDetach,
		Value:       uint16(timeoutMillis),
		Index:       iface,
	}
}

func requestName(req uint8) string {
	switch req {
	case ReqDetach:
		return "DFU_DETACH"
	case ReqDnload:
		return "DFU_DNLOAD"
	case ReqUpload:
		return "DFU_UPLOAD"
	case ReqGetStatus:
		return "DFU_GETSTATUS"
	case ReqClrStatus:
		return "DFU_CLRSTATUS"
	case ReqGetState:
		return "DFU_GETSTATE"
	case ReqAbort:
		return "DFU_ABORT"
	default:
		return fmt.Sprintf("request(0x%02X)", req)
	}
}
