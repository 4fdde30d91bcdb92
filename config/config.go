// Package config loads dfu-flash profiles.
//
// A profile is an optional YAML file overlaid by DFUFLASH_* environment
// variables. A .env file found from the working directory upwards is loaded
// into the environment first.
//
// Example profile:
//
//	device: "1209:2444"
//	interface: 0
//	reset: true
//	retries: 5
//	max_chunk_wait: 15s
//	layout:
//	  flash_origin: 0x08004000
//	  flash_size: 0xC000
package config

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/bikesafe/go-dfu/bootloader"
	"github.com/bikesafe/go-dfu/firmware"
)

// EnvPrefix prefixes every environment override (DFUFLASH_DEVICE, DFUFLASH_LAYOUT_FLASH_SIZE, ...).
const EnvPrefix = "DFUFLASH"

// DefaultDevice is the VID:PID of the bikesafe bootloader.
const DefaultDevice = "1209:2444"

// Profile holds everything needed to flash one device family.
type Profile struct {
	Device         string        `mapstructure:"device" yaml:"device"`
	Interface      int           `mapstructure:"interface" yaml:"interface"`
	AltSetting     int           `mapstructure:"alt" yaml:"alt"`
	Reset          bool          `mapstructure:"reset" yaml:"reset"`
	Retries        int           `mapstructure:"retries" yaml:"retries"`
	TransferSize   int           `mapstructure:"transfer_size" yaml:"transfer_size"`
	MaxChunkWait   time.Duration `mapstructure:"max_chunk_wait" yaml:"max_chunk_wait"`
	ControlTimeout time.Duration `mapstructure:"control_timeout" yaml:"control_timeout"`
	Layout         Layout        `mapstructure:"layout" yaml:"layout"`
}

// Layout is the serialisable form of firmware.Layout.
type Layout struct {
	FlashOrigin       uint32 `mapstructure:"flash_origin" yaml:"flash_origin"`
	FlashSize         uint32 `mapstructure:"flash_size" yaml:"flash_size"`
	RAMOrigin         uint32 `mapstructure:"ram_origin" yaml:"ram_origin"`
	RAMSize           uint32 `mapstructure:"ram_size" yaml:"ram_size"`
	VectorTableOffset uint32 `mapstructure:"vector_table_offset" yaml:"vector_table_offset"`
	WriteAlign        int    `mapstructure:"write_align" yaml:"write_align"`
	RequireThumb      bool   `mapstructure:"require_thumb" yaml:"require_thumb"`
	MagicKey          uint32 `mapstructure:"magic_key" yaml:"magic_key"`
	MagicOffset       int    `mapstructure:"magic_offset" yaml:"magic_offset"`
	MagicWindow       int    `mapstructure:"magic_window" yaml:"magic_window"`
}

func setDefaults(v *viper.Viper) {
	def := firmware.DefaultLayout()

	v.SetDefault("device", DefaultDevice)
	v.SetDefault("interface", 0)
	v.SetDefault("alt", 0)
	v.SetDefault("reset", false)
	v.SetDefault("retries", 3)
	v.SetDefault("transfer_size", 0)
	v.SetDefault("max_chunk_wait", 10*time.Second)
	v.SetDefault("control_timeout", 5*time.Second)

	v.SetDefault("layout.flash_origin", def.FlashOrigin)
	v.SetDefault("layout.flash_size", def.FlashSize)
	v.SetDefault("layout.ram_origin", def.RAMOrigin)
	v.SetDefault("layout.ram_size", def.RAMSize)
	v.SetDefault("layout.vector_table_offset", def.VectorTableOffset)
	v.SetDefault("layout.write_align", def.WriteAlign)
	v.SetDefault("layout.require_thumb", def.RequireThumb)
	v.SetDefault("layout.magic_key", firmware.KeyStayInBoot)
	v.SetDefault("layout.magic_offset", def.MagicOffset)
	v.SetDefault("layout.magic_window", def.MagicWindow)
}

// Load reads the profile at path (may be empty) and applies environment
// overrides. Without a file the defaults describe the bikesafe device family.
func Load(path string) (*Profile, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read profile %s", path)
		}
	}

	var p Profile
	if err := v.Unmarshal(&p); err != nil {
		return nil, errors.Wrap(err, "decode profile")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate reports values the programmer would reject or silently ignore.
func (p *Profile) Validate() error {
	if p.Interface < 0 || p.Interface > 255 {
		return fmt.Errorf("config: interface %d out of range", p.Interface)
	}
	if p.AltSetting < 0 || p.AltSetting > 255 {
		return fmt.Errorf("config: alt setting %d out of range", p.AltSetting)
	}
	if p.Retries < 0 {
		return fmt.Errorf("config: retries must not be negative")
	}
	if p.TransferSize < 0 || p.TransferSize > 0xFFFF {
		return fmt.Errorf("config: transfer size %d out of range", p.TransferSize)
	}
	if p.MaxChunkWait <= 0 {
		return fmt.Errorf("config: max chunk wait must be positive")
	}
	return errors.Wrap(p.FirmwareLayout().Check(), "config")
}

// FirmwareLayout converts the profile layout for the validator.
func (p *Profile) FirmwareLayout() firmware.Layout {
	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, p.Layout.MagicKey)

	return firmware.Layout{
		FlashOrigin:       p.Layout.FlashOrigin,
		FlashSize:         p.Layout.FlashSize,
		RAMOrigin:         p.Layout.RAMOrigin,
		RAMSize:           p.Layout.RAMSize,
		VectorTableOffset: p.Layout.VectorTableOffset,
		WriteAlign:        p.Layout.WriteAlign,
		RequireThumb:      p.Layout.RequireThumb,
		MagicKey:          key,
		MagicOffset:       p.Layout.MagicOffset,
		MagicWindow:       p.Layout.MagicWindow,
	}
}

// Options returns the programmer options the profile describes.
func (p *Profile) Options(logger zerolog.Logger) []bootloader.Option {
	opts := []bootloader.Option{
		bootloader.WithLogger(logger),
		bootloader.WithLayout(p.FirmwareLayout()),
		bootloader.WithRetries(p.Retries),
		bootloader.WithMaxChunkWait(p.MaxChunkWait),
		bootloader.WithReset(p.Reset),
	}
	if p.TransferSize > 0 {
		opts = append(opts, bootloader.WithTransferSize(p.TransferSize))
	}
	return opts
}
