package usbdfu

import (
	"testing"

	"github.com/google/gousb"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bikesafe/go-dfu/bootloader"
	"github.com/bikesafe/go-dfu/protocol"
)

// Device must satisfy every capability the programmer looks for.
var (
	_ bootloader.Device           = (*Device)(nil)
	_ bootloader.DescriptorReader = (*Device)(nil)
	_ bootloader.Resetter         = (*Device)(nil)
)

func TestParseVIDPID(t *testing.T) {
	tests := []struct {
		input   string
		wantVID uint16
		wantPID uint16
		wantErr bool
	}{
		{input: "1209:2444", wantVID: 0x1209, wantPID: 0x2444},
		{input: "0x0483:0xdf11", wantVID: 0x0483, wantPID: 0xDF11},
		{input: "0483:DF11", wantVID: 0x0483, wantPID: 0xDF11},
		{input: "1:2", wantVID: 0x0001, wantPID: 0x0002},
		{input: "12092444", wantErr: true},
		{input: "12345:0001", wantErr: true},
		{input: "zz:0001", wantErr: true},
		{input: ":0001", wantErr: true},
		{input: "0x:0001", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			vid, pid, err := ParseVIDPID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVID, vid)
			assert.Equal(t, tt.wantPID, pid)
		})
	}
}

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil))
	assert.ErrorIs(t, mapErr(gousb.ErrorNoDevice), protocol.ErrDeviceGone)

	other := errors.New("pipe")
	assert.Equal(t, other, mapErr(other))
	assert.NotErrorIs(t, mapErr(gousb.ErrorPipe), protocol.ErrDeviceGone)
}
