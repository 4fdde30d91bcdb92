package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bikesafe/go-dfu/firmware"
)

type imageReport struct {
	Path               string        `yaml:"path"`
	Size               int           `yaml:"size"`
	InitialSP          string        `yaml:"initial_sp"`
	ResetVector        string        `yaml:"reset_vector"`
	ResetHandlerOffset string        `yaml:"reset_handler_offset"`
	MagicKeyOffset     string        `yaml:"magic_key_offset"`
	Suffix             *suffixReport `yaml:"suffix,omitempty"`
}

type suffixReport struct {
	Vendor  string `yaml:"vendor"`
	Product string `yaml:"product"`
	Device  string `yaml:"device"`
	CRC     string `yaml:"crc"`
}

func newImageReport(path string, img *firmware.Image) *imageReport {
	r := &imageReport{
		Path:               path,
		Size:               img.Size,
		InitialSP:          fmt.Sprintf("0x%08X", img.InitialSP),
		ResetVector:        fmt.Sprintf("0x%08X", img.ResetVector),
		ResetHandlerOffset: fmt.Sprintf("0x%X", img.ResetHandlerOffset()),
		MagicKeyOffset:     fmt.Sprintf("0x%X", img.MagicKeyOffset),
	}
	if s := img.Suffix(); s != nil {
		r.Suffix = &suffixReport{
			Vendor:  fmt.Sprintf("%04x", s.Vendor),
			Product: fmt.Sprintf("%04x", s.Product),
			Device:  fmt.Sprintf("%04x", s.Device),
			CRC:     fmt.Sprintf("0x%08X", s.CRC),
		}
	}
	return r
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	var flagPath string

	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Check that a firmware image fits the device layout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flagPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("a firmware path is required")
			}
			if ext := strings.ToLower(filepath.Ext(path)); ext != ".bin" && ext != ".dfu" {
				log.Warn().Str("path", path).Msg("unexpected firmware file extension")
			}

			img, err := firmware.Load(path, root.profile.FirmwareLayout())
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "invalid firmware file: %v\n", err)
				return imageError(err)
			}
			return writeYAML(cmd.OutOrStdout(), newImageReport(path, img))
		},
	}

	cmd.Flags().StringVarP(&flagPath, "path", "p", "", "Path to the raw firmware .bin")
	return cmd
}
