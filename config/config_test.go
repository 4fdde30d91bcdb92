package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bikesafe/go-dfu/bootloader"
	"github.com/bikesafe/go-dfu/firmware"
)

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultDevice, p.Device)
	assert.Equal(t, "1209:2444", p.Device)
	assert.Equal(t, 3, p.Retries)
	assert.Equal(t, 10*time.Second, p.MaxChunkWait)
	assert.False(t, p.Reset)
	assert.Equal(t, firmware.DefaultLayout(), p.FirmwareLayout())
}

func TestLoadProfile(t *testing.T) {
	path := writeProfile(t, `
device: "0x1209:0x2444"
interface: 1
alt: 2
reset: true
retries: 5
transfer_size: 2048
max_chunk_wait: 15s
layout:
  flash_origin: 0x08008000
  flash_size: 0x8000
  write_align: 4
`)

	p, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0x1209:0x2444", p.Device)
	assert.Equal(t, 1, p.Interface)
	assert.Equal(t, 2, p.AltSetting)
	assert.True(t, p.Reset)
	assert.Equal(t, 5, p.Retries)
	assert.Equal(t, 2048, p.TransferSize)
	assert.Equal(t, 15*time.Second, p.MaxChunkWait)

	layout := p.FirmwareLayout()
	assert.Equal(t, uint32(0x08008000), layout.FlashOrigin)
	assert.Equal(t, uint32(0x8000), layout.FlashSize)
	assert.Equal(t, 4, layout.WriteAlign)
	// untouched keys keep their defaults
	assert.Equal(t, firmware.DefaultLayout().MagicKey, layout.MagicKey)
	assert.Equal(t, uint32(firmware.DefaultRAMOrigin), layout.RAMOrigin)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeProfile(t, "retries: 5\n")
	t.Setenv("DFUFLASH_RETRIES", "7")
	t.Setenv("DFUFLASH_DEVICE", "0483:df11")
	t.Setenv("DFUFLASH_LAYOUT_FLASH_SIZE", "65536")

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, p.Retries)
	assert.Equal(t, "0483:df11", p.Device)
	assert.Equal(t, uint32(65536), p.Layout.FlashSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"negative retries", "retries: -1\n"},
		{"interface out of range", "interface: 300\n"},
		{"transfer size too large", "transfer_size: 70000\n"},
		{"zero chunk wait", "max_chunk_wait: 0s\n"},
		{"empty flash", "layout:\n  flash_size: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeProfile(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestProfileOptions(t *testing.T) {
	p, err := Load(writeProfile(t, "retries: 1\ntransfer_size: 256\nreset: true\n"))
	require.NoError(t, err)

	var cfg bootloader.Config
	for _, opt := range p.Options(zerolog.Nop()) {
		opt(&cfg)
	}
	assert.Equal(t, 1, cfg.Retries)
	assert.Equal(t, 256, cfg.TransferSize)
	assert.True(t, cfg.Reset)
	assert.Equal(t, 10*time.Second, cfg.MaxChunkWait)
}

func TestFindDotEnv(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	path, err := findDotEnv(nested)
	require.NoError(t, err)
	assert.Empty(t, path)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a", ".env"), []byte("DFUFLASH_RETRIES=9\n"), 0o600))
	path, err = findDotEnv(nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", ".env"), path)
}

func TestLoadDotEnvSkippedUnderTest(t *testing.T) {
	require.NoError(t, LoadDotEnv())
	assert.Empty(t, DotEnvPath())
}
