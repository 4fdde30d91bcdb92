package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bikesafe/go-dfu/bootloader"
	"github.com/bikesafe/go-dfu/config"
	"github.com/bikesafe/go-dfu/firmware"
	"github.com/bikesafe/go-dfu/usbdfu"
)

// dfuDevice is an opened DFU interface the CLI can flash and close.
type dfuDevice interface {
	bootloader.Device
	Interface() uint16
	Close() error
}

var openDevice = func(opts usbdfu.Options) (dfuDevice, error) {
	dev, err := usbdfu.Open(opts)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// deviceFlags are the selection flags shared by flash and info.
type deviceFlags struct {
	device string
	intf   int
	alt    int
}

func (f *deviceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.device, "device", "d", "", "Vendor/Product ID of the DFU device, e.g. 1209:2444")
	cmd.Flags().IntVarP(&f.intf, "intf", "i", 0, "DFU interface number")
	cmd.Flags().IntVar(&f.alt, "alt", 0, "DFU alternate setting")
}

// apply overlays explicitly set flags on the profile.
func (f *deviceFlags) apply(cmd *cobra.Command, p *config.Profile) {
	if cmd.Flags().Changed("device") {
		p.Device = f.device
	}
	if cmd.Flags().Changed("intf") {
		p.Interface = f.intf
	}
	if cmd.Flags().Changed("alt") {
		p.AltSetting = f.alt
	}
}

func openFromProfile(p *config.Profile) (dfuDevice, error) {
	if strings.TrimSpace(p.Device) == "" {
		return nil, fmt.Errorf("--device or $%s_DEVICE is required", config.EnvPrefix)
	}
	vid, pid, err := usbdfu.ParseVIDPID(p.Device)
	if err != nil {
		return nil, err
	}
	dev, err := openDevice(usbdfu.Options{
		Vendor:         vid,
		Product:        pid,
		Interface:      p.Interface,
		AltSetting:     p.AltSetting,
		ControlTimeout: p.ControlTimeout,
	})
	if err != nil {
		return nil, &exitError{code: exitDevice, err: err}
	}
	return dev, nil
}

func newFlashCmd(root *rootOptions) *cobra.Command {
	var (
		sel       deviceFlags
		flagPath  string
		flagReset bool
	)

	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Download a firmware image to a device in DFU mode",
		Long:  "Validates the image against the device layout, downloads it chunk by chunk and optionally detaches and resets the device afterwards.",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile := *root.profile
			sel.apply(cmd, &profile)
			if cmd.Flags().Changed("reset") {
				profile.Reset = flagReset
			}
			if flagPath == "" {
				return fmt.Errorf("--path is required")
			}

			img, err := firmware.Load(flagPath, profile.FirmwareLayout())
			if err != nil {
				return imageError(err)
			}
			log.Info().Str("path", flagPath).Stringer("image", img).Msg("firmware validated")

			dev, err := openFromProfile(&profile)
			if err != nil {
				return err
			}
			defer func() {
				if err := dev.Close(); err != nil {
					log.Warn().Err(err).Msg("close device")
				}
			}()

			if sfx := img.Suffix(); sfx != nil {
				vid, pid, _ := usbdfu.ParseVIDPID(profile.Device)
				if !sfx.Matches(vid, pid) {
					log.Warn().
						Str("suffix", fmt.Sprintf("%04x:%04x", sfx.Vendor, sfx.Product)).
						Str("device", profile.Device).
						Msg("image suffix targets a different device")
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			handle := bootloader.NewHandle(dev, dev.Interface())
			prog := bootloader.New(handle, profile.Options(log.Logger)...)
			bar := newProgressBar(cmd.ErrOrStderr(), 40)

			var (
				res *bootloader.Result
				g   errgroup.Group
			)
			events := prog.Start(ctx, img)
			g.Go(func() error {
				for ev := range events {
					switch {
					case ev.Progress != nil:
						bar.update(*ev.Progress)
					case ev.Result != nil:
						res = ev.Result
					}
				}
				if res == nil {
					return errors.New("flash ended without a result")
				}
				if errors.Is(res.Err, context.Canceled) && ctx.Err() != nil {
					log.Warn().Msg("interrupted, transfer aborted")
				}
				return nil
			})
			err = g.Wait()
			bar.finish()
			if err != nil {
				return &exitError{code: exitProtocol, err: err}
			}

			fmt.Fprintln(cmd.OutOrStdout(), res)
			if !res.OK() {
				return &exitError{code: outcomeCode(res.Outcome), err: res.Err}
			}
			return nil
		},
	}

	sel.register(cmd)
	cmd.Flags().StringVarP(&flagPath, "path", "p", "", "Path to the raw firmware .bin (a DFU suffix is stripped)")
	cmd.Flags().BoolVarP(&flagReset, "reset", "r", false, "Detach and reset the device after a successful download")
	return cmd
}
