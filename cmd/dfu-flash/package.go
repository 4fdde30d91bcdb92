package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bikesafe/go-dfu/firmware"
	"github.com/bikesafe/go-dfu/usbdfu"
)

func parseAddress(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, errors.Wrap(err, "could not parse address")
	}
	return uint32(n), nil
}

// dfuOutputPath defaults to the input with a .dfu extension and forces that
// extension on explicit outputs.
func dfuOutputPath(input, output string) string {
	if output == "" {
		output = input
	}
	if filepath.Ext(output) == ".dfu" {
		return output
	}
	if output != input && filepath.Ext(output) != "" {
		log.Info().Str("output", output).Msg("changing the output file to have .dfu extension")
	}
	return strings.TrimSuffix(output, filepath.Ext(output)) + ".dfu"
}

func newPackageCmd(root *rootOptions) *cobra.Command {
	var (
		flagFile    string
		flagOutput  string
		flagDevice  string
		flagAddress string
	)

	cmd := &cobra.Command{
		Use:   "package",
		Short: "Wrap a raw firmware image into a DfuSe .dfu file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagFile == "" {
				return fmt.Errorf("--file is required")
			}
			device := flagDevice
			if device == "" {
				device = root.profile.Device
			}
			vid, pid, err := usbdfu.ParseVIDPID(device)
			if err != nil {
				return err
			}
			address := root.profile.Layout.FlashOrigin
			if cmd.Flags().Changed("address") {
				if address, err = parseAddress(flagAddress); err != nil {
					return err
				}
			}

			data, err := os.ReadFile(flagFile)
			if err != nil {
				return errors.Wrap(err, "cannot read bin file")
			}
			if _, err := firmware.Validate(data, root.profile.FirmwareLayout()); err != nil {
				log.Warn().Err(err).Msg("packaging an image that does not pass validation")
			}

			out := dfuOutputPath(flagFile, flagOutput)
			if err := firmware.NewDfuSeFile(vid, pid, address, data).WriteFile(out); err != nil {
				return err
			}
			log.Info().
				Str("output", out).
				Str("device", fmt.Sprintf("%04x:%04x", vid, pid)).
				Str("address", fmt.Sprintf("0x%08X", address)).
				Int("size", len(data)).
				Msg("dfu file written")
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&flagFile, "file", "f", "", "Path to the firmware bin file")
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "Output file name (defaults to the input with a .dfu extension)")
	cmd.Flags().StringVarP(&flagDevice, "device", "d", "", "Vendor/Product ID of the DFU device, e.g. 1209:2444")
	cmd.Flags().StringVarP(&flagAddress, "address", "a", "08004000", "Target flash address in hex")
	return cmd
}
