package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSP       = 0x2000_1000
	testReset    = DefaultFlashOrigin + 0x41
	testKeyAt    = 0x20
	testImageLen = 256
)

// buildImage returns a known-good image for DefaultLayout.
func buildImage(size int) []byte {
	img := make([]byte, size)
	for i := 8; i < size; i++ {
		img[i] = byte(i)
	}
	binary.LittleEndian.PutUint32(img[0:4], testSP)
	binary.LittleEndian.PutUint32(img[4:8], testReset)
	binary.LittleEndian.PutUint32(img[testKeyAt:testKeyAt+4], KeyStayInBoot)
	return img
}

func TestValidateAcceptsKnownGoodImage(t *testing.T) {
	raw := buildImage(testImageLen)

	img, err := Validate(raw, DefaultLayout())
	require.NoError(t, err)

	assert.Equal(t, testImageLen, img.Size)
	assert.Equal(t, uint32(0), img.VectorTableOffset)
	assert.Equal(t, uint32(testSP), img.InitialSP)
	assert.Equal(t, uint32(testReset), img.ResetVector)
	assert.True(t, img.ResetVectorValid)
	assert.True(t, img.MagicKeyFound)
	assert.Equal(t, testKeyAt, img.MagicKeyOffset)
	assert.Equal(t, uint32(0x40), img.ResetHandlerOffset())
	assert.Equal(t, raw, img.Bytes())
}

func TestValidateCopiesInput(t *testing.T) {
	raw := buildImage(testImageLen)
	img, err := Validate(raw, DefaultLayout())
	require.NoError(t, err)

	raw[100] ^= 0xFF
	assert.NotEqual(t, raw, img.Bytes())

	out := img.Bytes()
	out[0] = 0xAA
	assert.Equal(t, byte(testSP&0xFF), img.Bytes()[0])
}

func TestValidateSize(t *testing.T) {
	layout := DefaultLayout()

	tests := []struct {
		name   string
		raw    []byte
		layout func(*Layout)
		errMsg string
	}{
		{name: "nil", raw: nil, errMsg: "empty"},
		{name: "empty", raw: []byte{}, errMsg: "empty"},
		{name: "shorter than vector table", raw: make([]byte, 7), errMsg: "too small"},
		{name: "one byte over flash", raw: buildImage(DefaultFlashSize + 1), errMsg: "too large"},
		{
			name:   "misaligned",
			raw:    buildImage(testImageLen + 2),
			layout: func(l *Layout) { l.WriteAlign = 8 },
			errMsg: "write granularity",
		},
		{
			name:   "vector table offset pushes minimum",
			raw:    buildImage(0x200),
			layout: func(l *Layout) { l.VectorTableOffset = 0x200 },
			errMsg: "too small",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := layout
			if tt.layout != nil {
				tt.layout(&l)
			}
			_, err := Validate(tt.raw, l)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSizeInvalid), "err = %v", err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

// Every length outside [MinSize, FlashSize] is a size error, whatever the content.
func TestValidateSizeBounds(t *testing.T) {
	layout := DefaultLayout()
	layout.FlashSize = 64

	for n := 0; n < layout.MinSize(); n++ {
		_, err := Validate(bytes.Repeat([]byte{0xFF}, n), layout)
		if !errors.Is(err, ErrSizeInvalid) {
			t.Fatalf("len %d: err = %v, want SizeInvalid", n, err)
		}
	}
	for n := 65; n < 200; n += 7 {
		_, err := Validate(buildImage(n), layout)
		if !errors.Is(err, ErrSizeInvalid) {
			t.Fatalf("len %d: err = %v, want SizeInvalid", n, err)
		}
	}
}

func TestValidateAlignedImage(t *testing.T) {
	layout := DefaultLayout()
	layout.WriteAlign = 8
	_, err := Validate(buildImage(testImageLen), layout)
	assert.NoError(t, err)
}

func TestValidateVectorTable(t *testing.T) {
	tests := []struct {
		name   string
		sp     uint32
		reset  uint32
		errMsg string
	}{
		{"sp below RAM", 0x2000_0000, testReset, "initial SP"},
		{"sp above RAM", DefaultRAMOrigin + DefaultRAMSize + 4, testReset, "initial SP"},
		{"sp in flash", DefaultFlashOrigin, testReset, "initial SP"},
		{"reset in bootloader", testSP, 0x0800_0101, "reset vector"},
		{"reset past flash", testSP, DefaultFlashOrigin + DefaultFlashSize + 1, "reset vector"},
		{"reset zero", testSP, 0, "reset vector"},
		{"reset erased flash", testSP, 0xFFFF_FFFF, "reset vector"},
		{"reset without thumb bit", testSP, DefaultFlashOrigin + 0x40, "thumb bit"},
		{"reset past end of image", testSP, DefaultFlashOrigin + 0x1001, "past end of image"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := buildImage(testImageLen)
			binary.LittleEndian.PutUint32(raw[0:4], tt.sp)
			binary.LittleEndian.PutUint32(raw[4:8], tt.reset)

			_, err := Validate(raw, DefaultLayout())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrVectorTableInvalid), "err = %v", err)
			assert.Contains(t, err.Error(), tt.errMsg)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, VectorTableInvalid, ve.Kind)
		})
	}
}

// Reset vectors anywhere outside the code range are rejected.
func TestValidateResetVectorOutsideCodeRange(t *testing.T) {
	layout := DefaultLayout()
	end := uint32(DefaultFlashOrigin + DefaultFlashSize)

	for _, reset := range []uint32{1, 0x0800_0001, DefaultFlashOrigin - 1, end | 1, end + 0x1001, 0x2000_0001, 0xE000_0001} {
		raw := buildImage(testImageLen)
		binary.LittleEndian.PutUint32(raw[4:8], reset)
		_, err := Validate(raw, layout)
		if !errors.Is(err, ErrVectorTableInvalid) {
			t.Errorf("reset 0x%08X: err = %v, want VectorTableInvalid", reset, err)
		}
	}
}

func TestValidateSkipsRAMCheckWhenUnset(t *testing.T) {
	layout := DefaultLayout()
	layout.RAMSize = 0
	raw := buildImage(testImageLen)
	binary.LittleEndian.PutUint32(raw[0:4], 0xDEAD_BEEF)

	_, err := Validate(raw, layout)
	assert.NoError(t, err)
}

func TestValidateVectorTableOffset(t *testing.T) {
	layout := DefaultLayout()
	layout.VectorTableOffset = 0x10

	raw := buildImage(testImageLen)
	binary.LittleEndian.PutUint32(raw[0x10:0x14], testSP)
	binary.LittleEndian.PutUint32(raw[0x14:0x18], testReset)

	img, err := Validate(raw, layout)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x10), img.VectorTableOffset)
	assert.Equal(t, uint32(testReset), img.ResetVector)
}

func TestValidateMagicKey(t *testing.T) {
	tests := []struct {
		name       string
		keyAt      int
		offset     int
		window     int
		wantOK     bool
		wantOffset int
	}{
		{name: "anywhere, found", keyAt: 0x80, offset: 0, window: -1, wantOK: true, wantOffset: 0x80},
		{name: "exact offset, found", keyAt: 0x40, offset: 0x40, window: 0, wantOK: true, wantOffset: 0x40},
		{name: "exact offset, elsewhere", keyAt: 0x44, offset: 0x40, window: 0},
		{name: "window, found at last slot", keyAt: 0x4F, offset: 0x40, window: 0x10, wantOK: true, wantOffset: 0x4F},
		{name: "window, just outside", keyAt: 0x50, offset: 0x40, window: 0x10},
		{name: "window starts past key", keyAt: 0x30, offset: 0x40, window: -1},
		{name: "offset past end", keyAt: 0x30, offset: testImageLen + 4, window: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := buildImage(testImageLen)
			// remove the default key, then place it where the case wants it
			copy(raw[testKeyAt:testKeyAt+4], []byte{0, 0, 0, 0})
			binary.LittleEndian.PutUint32(raw[tt.keyAt:tt.keyAt+4], KeyStayInBoot)

			layout := DefaultLayout()
			layout.MagicOffset = tt.offset
			layout.MagicWindow = tt.window

			img, err := Validate(raw, layout)
			if !tt.wantOK {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMagicKeyMissing), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.True(t, img.MagicKeyFound)
			assert.Equal(t, tt.wantOffset, img.MagicKeyOffset)
		})
	}
}

func TestValidateMissingMagicKey(t *testing.T) {
	raw := buildImage(testImageLen)
	copy(raw[testKeyAt:testKeyAt+4], []byte{0, 0, 0, 0})

	_, err := Validate(raw, DefaultLayout())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMagicKeyMissing))
	assert.False(t, errors.Is(err, ErrSizeInvalid))
	assert.Contains(t, err.Error(), "892BD4B0")
}

// Size is checked before the vector table, and the vector table before the key.
func TestValidateOrder(t *testing.T) {
	layout := DefaultLayout()
	layout.FlashSize = 128

	raw := buildImage(testImageLen) // too large, bad reset vector and no key
	binary.LittleEndian.PutUint32(raw[4:8], 0)
	copy(raw[testKeyAt:testKeyAt+4], []byte{0, 0, 0, 0})

	_, err := Validate(raw, layout)
	assert.True(t, errors.Is(err, ErrSizeInvalid), "err = %v", err)

	_, err = Validate(raw[:64], layout)
	assert.True(t, errors.Is(err, ErrVectorTableInvalid), "err = %v", err)
}

func TestValidateRejectsBadLayout(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Layout)
	}{
		{"zero flash", func(l *Layout) { l.FlashSize = 0 }},
		{"flash overflow", func(l *Layout) { l.FlashOrigin = 0xFFFF_0000; l.FlashSize = 0x20000 }},
		{"no magic key", func(l *Layout) { l.MagicKey = nil }},
		{"negative alignment", func(l *Layout) { l.WriteAlign = -1 }},
		{"negative magic offset", func(l *Layout) { l.MagicOffset = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := DefaultLayout()
			tt.mutate(&l)
			_, err := Validate(buildImage(testImageLen), l)
			require.Error(t, err)
			assert.True(t, strings.HasPrefix(err.Error(), "layout:"), "err = %v", err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	raw := buildImage(testImageLen)

	plain := filepath.Join(dir, "app.bin")
	require.NoError(t, os.WriteFile(plain, raw, 0o644))

	img, err := Load(plain, DefaultLayout())
	require.NoError(t, err)
	assert.Equal(t, testImageLen, img.Size)
	assert.Nil(t, img.Suffix())

	withSuffix := filepath.Join(dir, "app.dfu")
	require.NoError(t, os.WriteFile(withSuffix, AppendSuffix(raw, 0x1209, 0x2444), 0o644))

	img, err = Load(withSuffix, DefaultLayout())
	require.NoError(t, err)
	assert.Equal(t, raw, img.Bytes())
	require.NotNil(t, img.Suffix())
	assert.True(t, img.Suffix().Matches(0x1209, 0x2444))

	_, err = Load(filepath.Join(dir, "missing.bin"), DefaultLayout())
	assert.ErrorContains(t, err, "open firmware file")
}

func TestLoadReaderRejectsOversizedStream(t *testing.T) {
	layout := DefaultLayout()
	layout.FlashSize = 1024

	_, err := LoadReader(bytes.NewReader(buildImage(4096)), layout)
	assert.True(t, errors.Is(err, ErrSizeInvalid), "err = %v", err)
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Kind: MagicKeyMissing, Reason: "not here"}
	assert.Equal(t, "invalid firmware: magic key missing: not here", err.Error())
	assert.False(t, errors.Is(err, ErrVectorTableInvalid))
}
