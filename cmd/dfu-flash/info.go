package main

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bikesafe/go-dfu/bootloader"
	"github.com/bikesafe/go-dfu/protocol"
)

type infoReport struct {
	Device     string            `yaml:"device"`
	Interface  uint16            `yaml:"interface"`
	State      string            `yaml:"state"`
	Status     string            `yaml:"status"`
	Functional *functionalReport `yaml:"functional,omitempty"`
}

type functionalReport struct {
	CanDownload           bool   `yaml:"can_download"`
	CanUpload             bool   `yaml:"can_upload"`
	ManifestationTolerant bool   `yaml:"manifestation_tolerant"`
	WillDetach            bool   `yaml:"will_detach"`
	DetachTimeout         string `yaml:"detach_timeout"`
	TransferSize          uint16 `yaml:"transfer_size"`
	DFUVersion            string `yaml:"dfu_version"`
}

func describe(ctx context.Context, name string, dev dfuDevice) (*infoReport, error) {
	req := protocol.BuildGetStatusRequest(dev.Interface())
	data, err := dev.ControlIn(ctx, req.Request, req.Value, req.Index, req.Length)
	if err != nil {
		return nil, errors.Wrap(err, req.String())
	}
	st, err := protocol.ParseStatus(data)
	if err != nil {
		return nil, err
	}

	report := &infoReport{
		Device:    name,
		Interface: dev.Interface(),
		State:     st.State.String(),
		Status:    st.Code.String(),
	}

	if dr, ok := dev.(bootloader.DescriptorReader); ok {
		desc, err := dr.FunctionalDescriptor(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "read functional descriptor")
		}
		report.Functional = &functionalReport{
			CanDownload:           desc.CanDownload(),
			CanUpload:             desc.CanUpload(),
			ManifestationTolerant: desc.ManifestationTolerant(),
			WillDetach:            desc.WillDetach(),
			DetachTimeout:         desc.DetachTimeout.String(),
			TransferSize:          desc.TransferSize,
			DFUVersion:            fmt.Sprintf("%x.%02x", desc.DFUVersion>>8, desc.DFUVersion&0xFF),
		}
	}
	return report, nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func newInfoCmd(root *rootOptions) *cobra.Command {
	var sel deviceFlags

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print the DFU state and functional descriptor of a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile := *root.profile
			sel.apply(cmd, &profile)

			dev, err := openFromProfile(&profile)
			if err != nil {
				return err
			}
			defer dev.Close()

			report, err := describe(cmd.Context(), profile.Device, dev)
			if err != nil {
				return withOutcome(err)
			}
			return writeYAML(cmd.OutOrStdout(), report)
		},
	}

	sel.register(cmd)
	return cmd
}
