// Package dfutest provides a simulated DFU 1.1 device for tests and demos.
//
// The device implements the control channel expected by package bootloader
// (ControlOut, ControlIn, FunctionalDescriptor, Reset) and follows the DFU
// download state diagram, including dfuDNBUSY polling, manifestation and
// dfuERROR. Faults can be injected per block:
//
//	dev := dfutest.New(dfutest.Config{TransferSize: 64})
//	dev.ErrorOnBlock(2, protocol.ErrProg)   // chunk 3 fails to program
//	dev.FailDownload(1, 1)                 // first DNLOAD of block 1 is lost
//
// Every request is recorded and can be inspected with Requests.
package dfutest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bikesafe/go-dfu/protocol"
)

var (
	// ErrInjected is returned for requests failed by FailDownload and FailStatus.
	ErrInjected = errors.New("dfutest: injected transfer failure")

	// ErrStall is returned for requests the device does not accept in its current state.
	ErrStall = errors.New("dfutest: request stalled")
)

// Config describes the simulated device.
type Config struct {
	// TransferSize is reported in the functional descriptor (0 = 1024)
	TransferSize uint16

	// PollTimeout is bwPollTimeout reported while busy
	PollTimeout time.Duration

	// BusyPolls is the number of dfuDNBUSY reports per block
	BusyPolls int

	// ManifestPolls is the number of dfuMANIFEST reports before manifestation ends
	ManifestPolls int

	// ManifestationTolerant makes the device return to dfuIDLE after
	// manifestation instead of waiting for a reset
	ManifestationTolerant bool

	// WillDetach sets bitWillDetach in the functional descriptor
	WillDetach bool
}

// Record is one control request as seen by the device.
type Record struct {
	Request uint8
	Value   uint16
	Index   uint16
	Data    []byte
	Err     error
}

func (r Record) String() string {
	s := protocol.Request{Request: r.Request, Value: r.Value, Index: r.Index, Data: r.Data}.String()
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", s, r.Err)
	}
	return s
}

// Device is a simulated DFU device. It is safe for concurrent use.
type Device struct {
	mu sync.Mutex

	cfg    Config
	state  protocol.State
	status protocol.StatusCode

	busy         int
	pendingBlock uint16
	pending      []byte
	blocks       map[uint16][]byte

	errorOn        map[uint16]protocol.StatusCode
	failDownload   map[uint16]int
	stallDownload  map[uint16]int
	failStatus     int
	dropOnManifest bool
	gone           bool
	resets         int

	log []Record
}

// New creates a simulated device in dfuIDLE.
func New(cfg Config) *Device {
	if cfg.TransferSize == 0 {
		cfg.TransferSize = 1024
	}
	return &Device{
		cfg:          cfg,
		state:        protocol.DfuIdle,
		blocks:       make(map[uint16][]byte),
		errorOn:      make(map[uint16]protocol.StatusCode),
		failDownload:  make(map[uint16]int),
		stallDownload: make(map[uint16]int),
	}
}

// SetState forces the device into state with status code.
func (d *Device) SetState(state protocol.State, code protocol.StatusCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
	d.status = code
}

// ErrorOnBlock makes the device enter dfuERROR with code when block is programmed.
func (d *Device) ErrorOnBlock(block uint16, code protocol.StatusCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errorOn[block] = code
}

// FailDownload makes the next times DNLOAD requests for block fail before
// they reach the device.
func (d *Device) FailDownload(block uint16, times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failDownload[block] = times
}

// StallDownload makes the device stall the next times DNLOAD requests for
// block, entering dfuERROR with errSTALLEDPKT.
func (d *Device) StallDownload(block uint16, times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stallDownload[block] = times
}

// FailStatus makes the next times GETSTATUS requests fail.
func (d *Device) FailStatus(times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failStatus = times
}

// DisconnectAfterManifest makes the device leave the bus as soon as it
// receives the manifest block, like bootloaders that reboot on their own.
func (d *Device) DisconnectAfterManifest() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropOnManifest = true
}

// Disconnect makes the device leave the bus; every later request fails with
// protocol.ErrDeviceGone.
func (d *Device) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gone = true
}

// ControlOut handles DNLOAD, CLRSTATUS, ABORT and DETACH.
func (d *Device) ControlOut(ctx context.Context, request uint8, value, index uint16, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := Record{Request: request, Value: value, Index: index, Data: append([]byte(nil), data...)}
	n, err := d.controlOut(ctx, request, value, data)
	rec.Err = err
	d.log = append(d.log, rec)
	return n, err
}

func (d *Device) controlOut(ctx context.Context, request uint8, value uint16, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if d.gone {
		return 0, protocol.ErrDeviceGone
	}

	switch request {
	case protocol.ReqDnload:
		if n := d.failDownload[value]; n > 0 {
			d.failDownload[value] = n - 1
			return 0, ErrInjected
		}
		if n := d.stallDownload[value]; n > 0 {
			d.stallDownload[value] = n - 1
			return 0, d.stall()
		}
		return d.dnload(value, data)

	case protocol.ReqClrStatus:
		if d.state != protocol.DfuError {
			return 0, d.stall()
		}
		d.state = protocol.DfuIdle
		d.status = protocol.StatusOK
		return 0, nil

	case protocol.ReqAbort:
		switch d.state {
		case protocol.DfuIdle, protocol.DfuDnloadSync, protocol.DfuDnloadIdle,
			protocol.DfuManifestSync, protocol.DfuUploadIdle:
			d.state = protocol.DfuIdle
			d.pending = nil
			return 0, nil
		}
		return 0, d.stall()

	case protocol.ReqDetach:
		if d.state == protocol.DfuError {
			return 0, d.stall()
		}
		d.state = protocol.AppDetach
		return 0, nil
	}

	return 0, d.stall()
}

func (d *Device) dnload(block uint16, data []byte) (int, error) {
	switch d.state {
	case protocol.DfuIdle:
		if len(data) == 0 {
			return 0, d.stall()
		}
	case protocol.DfuDnloadIdle:
		if len(data) == 0 {
			if d.dropOnManifest {
				d.gone = true
				return 0, protocol.ErrDeviceGone
			}
			d.state = protocol.DfuManifestSync
			d.busy = d.cfg.ManifestPolls
			return 0, nil
		}
	default:
		return 0, d.stall()
	}

	if len(data) > int(d.cfg.TransferSize) {
		return 0, d.stall()
	}

	d.state = protocol.DfuDnloadSync
	d.pendingBlock = block
	d.pending = append([]byte(nil), data...)
	d.busy = d.cfg.BusyPolls
	return len(data), nil
}

// stall puts the device in dfuERROR with errSTALLEDPKT.
func (d *Device) stall() error {
	d.state = protocol.DfuError
	d.status = protocol.ErrStalledPacket
	return ErrStall
}

// ControlIn handles GETSTATUS and GETSTATE.
func (d *Device) ControlIn(ctx context.Context, request uint8, value, index uint16, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := d.controlIn(ctx, request)
	d.log = append(d.log, Record{Request: request, Value: value, Index: index, Err: err})
	if err != nil {
		return nil, err
	}
	if len(data) > length {
		data = data[:length]
	}
	return data, nil
}

func (d *Device) controlIn(ctx context.Context, request uint8) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.gone {
		return nil, protocol.ErrDeviceGone
	}

	switch request {
	case protocol.ReqGetStatus:
		if d.failStatus > 0 {
			d.failStatus--
			return nil, ErrInjected
		}
		d.advance()
		return protocol.EncodeStatus(protocol.Status{
			Code:        d.status,
			PollTimeout: d.pollTimeout(),
			State:       d.state,
		}), nil

	case protocol.ReqGetState:
		return []byte{byte(d.state)}, nil
	}

	d.stall()
	return nil, ErrStall
}

func (d *Device) pollTimeout() time.Duration {
	switch d.state {
	case protocol.DfuDnbusy, protocol.DfuManifest:
		return d.cfg.PollTimeout
	}
	return 0
}

// advance moves the device along on a GETSTATUS, as the DFU state diagram does.
func (d *Device) advance() {
	switch d.state {
	case protocol.DfuDnloadSync, protocol.DfuDnbusy:
		if code, ok := d.errorOn[d.pendingBlock]; ok {
			d.state = protocol.DfuError
			d.status = code
			d.pending = nil
			return
		}
		if d.busy > 0 {
			d.busy--
			d.state = protocol.DfuDnbusy
			return
		}
		d.blocks[d.pendingBlock] = d.pending
		d.pending = nil
		d.state = protocol.DfuDnloadIdle

	case protocol.DfuManifestSync, protocol.DfuManifest:
		if d.busy > 0 {
			d.busy--
			d.state = protocol.DfuManifest
			return
		}
		if d.cfg.ManifestationTolerant {
			d.state = protocol.DfuIdle
		} else {
			d.state = protocol.DfuManifestWaitReset
		}
	}
}

// FunctionalDescriptor returns the descriptor built from Config.
func (d *Device) FunctionalDescriptor(ctx context.Context) (*protocol.FunctionalDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	attrs := uint8(protocol.AttrCanDnload)
	if d.cfg.ManifestationTolerant {
		attrs |= protocol.AttrManifestationTolerant
	}
	if d.cfg.WillDetach {
		attrs |= protocol.AttrWillDetach
	}
	return &protocol.FunctionalDescriptor{
		Attributes:    attrs,
		DetachTimeout: time.Second,
		TransferSize:  d.cfg.TransferSize,
		DFUVersion:    0x0110,
	}, nil
}

// Reset simulates a USB bus reset: the device boots the application.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return protocol.ErrDeviceGone
	}
	d.resets++
	d.state = protocol.AppIdle
	d.status = protocol.StatusOK
	return nil
}

// State returns the current device state.
func (d *Device) State() protocol.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Resets returns the number of USB resets received.
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Requests returns a copy of the request log.
func (d *Device) Requests() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, len(d.log))
	copy(out, d.log)
	return out
}

// Count returns how many requests of the given kind were received.
func (d *Device) Count(request uint8) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.log {
		if r.Request == request {
			n++
		}
	}
	return n
}

// Downloads returns the DNLOAD requests in order, failed ones included.
func (d *Device) Downloads() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Record
	for _, r := range d.log {
		if r.Request == protocol.ReqDnload {
			out = append(out, r)
		}
	}
	return out
}

// Received returns the committed blocks concatenated in block order.
// A re-sent block replaces the earlier copy.
func (d *Device) Received() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	nums := make([]int, 0, len(d.blocks))
	for b := range d.blocks {
		nums = append(nums, int(b))
	}
	sort.Ints(nums)

	var out []byte
	for _, b := range nums {
		out = append(out, d.blocks[uint16(b)]...)
	}
	return out
}
