package bootloader

import (
	"context"
	"sync/atomic"

	"github.com/bikesafe/go-dfu/protocol"
)

// Device is the USB control channel to a device in DFU mode.
// Requests are class requests addressed to the DFU interface; the
// implementation picks bmRequestType from the direction.
//
// ControlOut returns the number of bytes the device accepted. Implementations
// report a vanished device as protocol.ErrDeviceGone.
type Device interface {
	ControlOut(ctx context.Context, request uint8, value, index uint16, data []byte) (int, error)
	ControlIn(ctx context.Context, request uint8, value, index uint16, length int) ([]byte, error)
}

// DescriptorReader is implemented by devices that can report their DFU
// functional descriptor.
type DescriptorReader interface {
	FunctionalDescriptor(ctx context.Context) (*protocol.FunctionalDescriptor, error)
}

// Resetter is implemented by devices that can issue a USB bus reset.
type Resetter interface {
	Reset() error
}

// Handle is the ownership token for one device. A handle serves at most one
// operation at a time; a second concurrent operation fails with ErrHandleBusy.
// Independent handles can be used concurrently.
type Handle struct {
	dev   Device
	iface uint16
	busy  atomic.Bool
}

// NewHandle wraps a device whose DFU interface number is iface.
//
// Example:
//
//	dev, _ := usbdfu.Open(usbdfu.Options{Vendor: 0x1209, Product: 0x2444})
//	defer dev.Close()
//	handle := bootloader.NewHandle(dev, dev.Interface())
func NewHandle(dev Device, iface uint16) *Handle {
	if dev == nil {
		panic("device cannot be nil")
	}
	return &Handle{dev: dev, iface: iface}
}

// Device returns the wrapped control channel.
func (h *Handle) Device() Device {
	return h.dev
}

// Interface returns the DFU interface number used as wIndex.
func (h *Handle) Interface() uint16 {
	return h.iface
}

// Busy reports whether an operation currently holds the handle.
func (h *Handle) Busy() bool {
	return h.busy.Load()
}

func (h *Handle) acquire() error {
	if !h.busy.CompareAndSwap(false, true) {
		return ErrHandleBusy
	}
	return nil
}

func (h *Handle) release() {
	h.busy.Store(false)
}
