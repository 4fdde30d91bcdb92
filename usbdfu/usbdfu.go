// Package usbdfu is the USB control channel to a DFU device, backed by libusb
// through github.com/google/gousb.
//
// Example:
//
//	dev, err := usbdfu.Open(usbdfu.Options{Vendor: 0x1209, Product: 0x2444})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	prog := bootloader.New(bootloader.NewHandle(dev, dev.Interface()))
package usbdfu

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"

	"github.com/bikesafe/go-dfu/protocol"
)

const (
	rTypeClassOut = gousb.ControlOut | gousb.ControlClass | gousb.ControlInterface
	rTypeClassIn  = gousb.ControlIn | gousb.ControlClass | gousb.ControlInterface
	rTypeStdIn    = gousb.ControlIn | gousb.ControlStandard | gousb.ControlDevice

	reqGetDescriptor = 0x06
	descTypeConfig   = 0x02
	configHeaderSize = 9
)

// Options selects the device and interface to open.
type Options struct {
	Vendor     uint16
	Product    uint16
	Interface  int
	AltSetting int

	// ControlTimeout bounds every control transfer (0 = 5s)
	ControlTimeout time.Duration
}

// Device is an open DFU interface.
type Device struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	iface uint16
	alt   int
}

// Open finds the device by VID:PID and claims its DFU interface.
func Open(opts Options) (d *Device, err error) {
	ctx := gousb.NewContext()
	defer func() {
		if err != nil {
			_ = ctx.Close()
		}
	}()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(opts.Vendor), gousb.ID(opts.Product))
	if err != nil {
		return nil, errors.Wrapf(err, "open %04x:%04x", opts.Vendor, opts.Product)
	}
	if dev == nil {
		return nil, fmt.Errorf("no device %04x:%04x found", opts.Vendor, opts.Product)
	}
	defer func() {
		if err != nil {
			_ = dev.Close()
		}
	}()

	timeout := opts.ControlTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dev.ControlTimeout = timeout

	if err := dev.SetAutoDetach(true); err != nil {
		return nil, errors.Wrap(err, "enable kernel driver auto detach")
	}

	num, err := dev.ActiveConfigNum()
	if err != nil {
		return nil, errors.Wrap(err, "read active configuration")
	}
	cfg, err := dev.Config(num)
	if err != nil {
		return nil, errors.Wrapf(err, "select configuration %d", num)
	}
	intf, err := cfg.Interface(opts.Interface, opts.AltSetting)
	if err != nil {
		_ = cfg.Close()
		return nil, errors.Wrapf(err, "claim interface %d alt %d", opts.Interface, opts.AltSetting)
	}

	return &Device{
		ctx:   ctx,
		dev:   dev,
		cfg:   cfg,
		intf:  intf,
		iface: uint16(opts.Interface),
		alt:   opts.AltSetting,
	}, nil
}

// Close releases the interface and the device.
func (d *Device) Close() error {
	d.intf.Close()
	_ = d.cfg.Close()
	_ = d.dev.Close()
	return d.ctx.Close()
}

// Interface returns the DFU interface number.
func (d *Device) Interface() uint16 {
	return d.iface
}

// AltSetting returns the claimed alternate setting.
func (d *Device) AltSetting() int {
	return d.alt
}

// String describes the device as bus:address vid:pid.
func (d *Device) String() string {
	desc := d.dev.Desc
	return fmt.Sprintf("%d:%d %s:%s", desc.Bus, desc.Address, desc.Vendor, desc.Product)
}

// ControlOut sends a host-to-device class request.
func (d *Device) ControlOut(ctx context.Context, request uint8, value, index uint16, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := d.dev.Control(rTypeClassOut, request, value, index, data)
	return n, mapErr(err)
}

// ControlIn reads a device-to-host class request.
func (d *Device) ControlIn(ctx context.Context, request uint8, value, index uint16, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := d.dev.Control(rTypeClassIn, request, value, index, buf)
	if err != nil {
		return nil, mapErr(err)
	}
	return buf[:n], nil
}

// FunctionalDescriptor reads the active configuration descriptor and returns
// the DFU functional descriptor of the claimed interface.
func (d *Device) FunctionalDescriptor(ctx context.Context) (*protocol.FunctionalDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := d.configDescriptor()
	if err != nil {
		return nil, err
	}
	return protocol.FindFunctionalDescriptor(raw, uint8(d.iface))
}

// configDescriptor fetches the full descriptor of the active configuration.
func (d *Device) configDescriptor() ([]byte, error) {
	active, err := d.dev.ActiveConfigNum()
	if err != nil {
		return nil, mapErr(err)
	}

	for idx := 0; idx < len(d.dev.Desc.Configs); idx++ {
		head := make([]byte, configHeaderSize)
		if _, err := d.dev.Control(rTypeStdIn, reqGetDescriptor, descTypeConfig<<8|uint16(idx), 0, head); err != nil {
			return nil, errors.Wrap(mapErr(err), "GET_DESCRIPTOR(configuration)")
		}
		if int(head[5]) != active {
			continue
		}

		total := int(head[2]) | int(head[3])<<8
		full := make([]byte, total)
		n, err := d.dev.Control(rTypeStdIn, reqGetDescriptor, descTypeConfig<<8|uint16(idx), 0, full)
		if err != nil {
			return nil, errors.Wrap(mapErr(err), "GET_DESCRIPTOR(configuration)")
		}
		return full[:n], nil
	}

	return nil, fmt.Errorf("active configuration %d not found", active)
}

// Reset issues a USB port reset.
func (d *Device) Reset() error {
	return mapErr(d.dev.Reset())
}

// mapErr reports a vanished device as protocol.ErrDeviceGone.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gousb.ErrorNoDevice) {
		return errors.Wrap(protocol.ErrDeviceGone, err.Error())
	}
	return err
}

// ParseVIDPID parses "vid:pid" with 4 hex digits each and optional 0x prefixes.
//
// Example:
//
//	vid, pid, err := usbdfu.ParseVIDPID("0x1209:2444")
func ParseVIDPID(s string) (vid, pid uint16, err error) {
	v, p, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("could not parse VID/PID %q (missing ':')", s)
	}
	if vid, err = parseID(v); err != nil {
		return 0, 0, errors.Wrap(err, "could not parse VID")
	}
	if pid, err = parseID(p); err != nil {
		return 0, 0, errors.Wrap(err, "could not parse PID")
	}
	return vid, pid, nil
}

func parseID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s) == 0 || len(s) > 4 {
		return 0, fmt.Errorf("%q is not a 16-bit hex id", s)
	}
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}
