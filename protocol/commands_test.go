package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestBuildDownloadRequest(t *testing.T) {
	tests := []struct {
		name    string
		block   uint16
		data    []byte
		wantErr bool
		errMsg  string
	}{
		{
			name:  "data block",
			block: 3,
			data:  []byte{0x01, 0x02, 0x03, 0x04},
		},
		{
			name:  "manifest block",
			block: 7,
			data:  nil,
		},
		{
			name:  "block number wraps",
			block: 0xFFFF,
			data:  []byte{0xAA},
		},
		{
			name:    "too large",
			block:   0,
			data:    make([]byte, MaxTransferSize+1),
			wantErr: true,
			errMsg:  "exceeds maximum",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := BuildDownloadRequest(tt.block, 2, tt.data)

			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.errMsg)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error = %v, want substring %q", err, tt.errMsg)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if req.RequestType != RequestTypeOut {
				t.Errorf("RequestType = 0x%02X, want 0x%02X", req.RequestType, RequestTypeOut)
			}
			if req.Request != ReqDnload {
				t.Errorf("Request = %d, want %d", req.Request, ReqDnload)
			}
			if req.Value != tt.block {
				t.Errorf("Value = %d, want %d", req.Value, tt.block)
			}
			if req.Index != 2 {
				t.Errorf("Index = %d, want 2", req.Index)
			}
			if !bytes.Equal(req.Data, tt.data) {
				t.Errorf("Data = %X, want %X", req.Data, tt.data)
			}
			if req.In() {
				t.Error("download request must be host-to-device")
			}
		})
	}
}

func TestBuildStatusRequests(t *testing.T) {
	tests := []struct {
		name       string
		req        Request
		wantType   uint8
		wantReq    uint8
		wantLength int
	}{
		{"get status", BuildGetStatusRequest(1), RequestTypeIn, ReqGetStatus, StatusSize},
		{"get state", BuildGetStateRequest(1), RequestTypeIn, ReqGetState, 1},
		{"clear status", BuildClearStatusRequest(1), RequestTypeOut, ReqClrStatus, 0},
		{"abort", BuildAbortRequest(1), RequestTypeOut, ReqAbort, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.req.RequestType != tt.wantType {
				t.Errorf("RequestType = 0x%02X, want 0x%02X", tt.req.RequestType, tt.wantType)
			}
			if tt.req.Request != tt.wantReq {
				t.Errorf("Request = %d, want %d", tt.req.Request, tt.wantReq)
			}
			if tt.req.Length != tt.wantLength {
				t.Errorf("Length = %d, want %d", tt.req.Length, tt.wantLength)
			}
			if tt.req.Index != 1 {
				t.Errorf("Index = %d, want 1", tt.req.Index)
			}
		})
	}
}

func TestBuildDetachRequest(t *testing.T) {
	tests := []struct {
		timeout int
		want    uint16
	}{
		{1000, 1000},
		{-5, 0},
		{0x1FFFF, 0xFFFF},
	}

	for _, tt := range tests {
		req := BuildDetachRequest(0, tt.timeout)
		if req.Request != ReqDetach {
			t.Errorf("Request = %d, want %d", req.Request, ReqDetach)
		}
		if req.Value != tt.want {
			t.Errorf("timeout %d: Value = %d, want %d", tt.timeout, req.Value, tt.want)
		}
	}
}

func TestRequestString(t *testing.T) {
	req, _ := BuildDownloadRequest(4, 0, []byte{1, 2, 3})
	if got := req.String(); !strings.Contains(got, "DFU_DNLOAD") || !strings.Contains(got, "length=3") {
		t.Errorf("String() = %q", got)
	}
	if got := BuildGetStatusRequest(0).String(); !strings.Contains(got, "DFU_GETSTATUS") {
		t.Errorf("String() = %q", got)
	}
}
