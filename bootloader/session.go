package bootloader

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/bikesafe/go-dfu/protocol"
)

// cleanupTimeout bounds CLRSTATUS and ABORT sent after the caller's context
// is already done.
const cleanupTimeout = 2 * time.Second

// session drives protocol.Step against one device for one operation.
// It owns the host view of the device state; all I/O happens here.
type session struct {
	dev   Device
	iface uint16
	cfg   *Config
	log   zerolog.Logger
	sleep func(context.Context, time.Duration) error

	desc        *protocol.FunctionalDescriptor
	state       protocol.State
	retries     int
	manifesting bool
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *session) getStatus(ctx context.Context) (protocol.Status, error) {
	req := protocol.BuildGetStatusRequest(s.iface)
	data, err := s.dev.ControlIn(ctx, req.Request, req.Value, req.Index, req.Length)
	if err != nil {
		return protocol.Status{}, errors.Wrap(err, "DFU_GETSTATUS")
	}

	st, err := protocol.ParseStatus(data)
	if err != nil {
		return protocol.Status{}, err
	}

	s.log.Trace().
		Stringer("state", st.State).
		Stringer("status", st.Code).
		Dur("poll_timeout", st.PollTimeout).
		Msg("status")
	return st, nil
}

func (s *session) send(ctx context.Context, req protocol.Request) error {
	n, err := s.dev.ControlOut(ctx, req.Request, req.Value, req.Index, req.Data)
	if err != nil {
		return errors.Wrap(err, req.String())
	}
	if n != len(req.Data) {
		return errors.Errorf("%s: short write: %d of %d bytes", req, n, len(req.Data))
	}
	return nil
}

func (s *session) clearStatus(ctx context.Context) error {
	s.log.Debug().Msg("DFU_CLRSTATUS")
	if err := s.send(ctx, protocol.BuildClearStatusRequest(s.iface)); err != nil {
		return err
	}
	s.state = protocol.DfuIdle
	return nil
}

// abort returns the device to dfuIDLE, clearing an error first if needed.
func (s *session) abort(ctx context.Context) error {
	next, act := protocol.Step(s.state, protocol.AbortRequested())
	switch act.Kind {
	case protocol.ActClearStatus:
		return s.clearStatus(ctx)
	case protocol.ActAbort:
		s.log.Debug().Stringer("state", s.state).Msg("DFU_ABORT")
		if err := s.send(ctx, protocol.BuildAbortRequest(s.iface)); err != nil {
			return err
		}
		s.state = next
		return nil
	}
	return act.Err
}

// cleanupContext outlives a cancelled parent so CLRSTATUS and ABORT still reach the device.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

// unresponsive classifies a failed exchange outside the data phase.
func unresponsive(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, protocol.ErrDeviceGone) {
		return err
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return &ProtocolError{Kind: DeviceUnresponsive, Err: err}
}

// prepare brings the device to dfuIDLE: a stale dfuERROR is cleared and an
// interrupted transfer is aborted.
func (s *session) prepare(ctx context.Context) error {
	st, err := s.getStatus(ctx)
	if err != nil {
		return unresponsive(ctx, err)
	}
	s.state = st.State
	s.log.Debug().Stringer("state", st.State).Stringer("status", st.Code).Msg("initial device state")

	switch {
	case st.State == protocol.DfuIdle && st.Code == protocol.StatusOK:
		return nil
	case st.State == protocol.AppIdle || st.State == protocol.AppDetach:
		return &ProtocolError{Kind: TransferDesync, Err: &protocol.DesyncError{
			From: st.State, Reported: st.State, Reason: "device is not in DFU mode",
		}}
	case st.State == protocol.DfuError || st.Code != protocol.StatusOK:
		s.log.Warn().Stringer("status", st.Code).Msg("clearing stale device error")
		s.state = protocol.DfuError
		if err := s.clearStatus(ctx); err != nil {
			return unresponsive(ctx, err)
		}
	default:
		if err := s.abort(ctx); err != nil {
			return unresponsive(ctx, err)
		}
	}

	st, err = s.getStatus(ctx)
	if err != nil {
		return unresponsive(ctx, err)
	}
	if st.State != protocol.DfuIdle {
		return &ProtocolError{Kind: TransferDesync, Err: &protocol.DesyncError{
			From: protocol.DfuIdle, Reported: st.State, Reason: "device did not return to dfuIDLE",
		}}
	}
	s.state = protocol.DfuIdle
	return nil
}

// waitErr maps a failure inside a bounded wait: cancellation wins, then the
// chunk deadline, then the I/O error itself.
func (s *session) waitErr(ctx, waitCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitCtx.Err() != nil {
		return &ProtocolError{
			Kind: DeviceUnresponsive,
			Err:  errors.Errorf("no answer within %s", s.cfg.MaxChunkWait),
		}
	}
	return err
}

// download sends one block and polls until the device acknowledges it.
// An empty block is the manifest block and returns once manifestation is done.
func (s *session) download(ctx context.Context, block uint16, data []byte) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxChunkWait)
	defer cancel()

	next, act := protocol.Step(s.state, protocol.Download(data))
	for {
		switch act.Kind {
		case protocol.ActSendDownload:
			req, err := protocol.BuildDownloadRequest(block, s.iface, act.Data)
			if err != nil {
				return err
			}
			if len(act.Data) == 0 {
				s.manifesting = true
			}
			if err := s.send(waitCtx, req); err != nil {
				return s.waitErr(ctx, waitCtx, err)
			}
			s.state = next

		case protocol.ActPollStatus:
			s.state = next
			if err := s.sleep(waitCtx, act.Delay); err != nil {
				return s.waitErr(ctx, waitCtx, err)
			}

		case protocol.ActChunkAccepted, protocol.ActManifested:
			s.state = next
			return nil

		case protocol.ActClearStatus:
			s.state = next
			return s.deviceFailed(ctx, block, act.Err)

		default:
			err := act.Err
			if err == nil {
				err = &protocol.DesyncError{From: s.state, Reported: next, Reason: "unexpected " + act.Kind.String()}
			}
			return &ProtocolError{Kind: TransferDesync, Err: err}
		}

		st, err := s.getStatus(waitCtx)
		if err != nil {
			return s.waitErr(ctx, waitCtx, err)
		}
		next, act = protocol.Step(s.state, protocol.StatusPolled(st))
	}
}

// deviceFailed clears a device-reported error and returns it. The CLRSTATUS
// is sent even when ctx is already done.
func (s *session) deviceFailed(ctx context.Context, block uint16, cause error) error {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	if err := s.clearStatus(cctx); err != nil {
		s.log.Error().Err(err).Msg("clear status failed")
	}

	var de *protocol.DeviceError
	if !errors.As(cause, &de) {
		return &ProtocolError{Kind: TransferDesync, Err: &protocol.DesyncError{
			From: protocol.DfuError, Reported: protocol.DfuError, Reason: "device entered dfuERROR",
		}}
	}

	out := *de
	if s.manifesting {
		out.Operation = "manifest"
	} else {
		out.Operation = fmt.Sprintf("download block %d", block)
	}
	return &out
}

// transient reports whether err is a channel failure worth re-sending the chunk for.
func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var pe *ProtocolError
	var de *protocol.DeviceError
	switch {
	case errors.Is(err, protocol.ErrDeviceGone),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &pe),
		errors.As(err, &de):
		return false
	}
	return true
}

// settle polls the device until it can take a block again after a transient
// failure. A stalled data block is cleared and re-sent from dfuIDLE; any
// other device error is not retried. manifested reports that the manifest
// block already got through and the device has finished with it.
func (s *session) settle(ctx context.Context) (manifested bool, err error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxChunkWait)
	defer cancel()

	for {
		st, err := s.getStatus(waitCtx)
		if err != nil {
			return false, s.waitErr(ctx, waitCtx, err)
		}

		if st.State == protocol.DfuError || st.Code != protocol.StatusOK {
			s.state = protocol.DfuError
			cctx, ccancel := cleanupContext(ctx)
			err := s.clearStatus(cctx)
			ccancel()
			if err != nil {
				s.log.Error().Err(err).Msg("clear status failed")
				if st.Code == protocol.ErrStalledPacket && !s.manifesting {
					return false, err
				}
			} else if st.Code == protocol.ErrStalledPacket && !s.manifesting {
				s.log.Warn().Stringer("state", st.State).Msg("device stalled the block, resending from dfuIDLE")
				return false, nil
			}
			return false, &protocol.DeviceError{Operation: "resync", Code: st.Code, State: st.State}
		}

		if s.manifesting && (st.State == protocol.DfuIdle || st.State == protocol.DfuManifestWaitReset) {
			s.state = st.State
			return true, nil
		}

		switch st.State {
		case protocol.DfuIdle, protocol.DfuDnloadIdle:
			s.state = st.State
			return false, nil
		case protocol.DfuDnbusy, protocol.DfuDnloadSync, protocol.DfuManifestSync, protocol.DfuManifest:
			s.state = st.State
			if err := s.sleep(waitCtx, st.PollTimeout); err != nil {
				return false, s.waitErr(ctx, waitCtx, err)
			}
		default:
			return false, &ProtocolError{Kind: TransferDesync, Err: &protocol.DesyncError{
				From: s.state, Reported: st.State, Reason: "cannot resume download",
			}}
		}
	}
}

// sendChunk downloads c, re-sending it from the start after transient
// failures until the retry budget is spent.
func (s *session) sendChunk(ctx context.Context, c Chunk) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 0 {
			s.retries++
			s.log.Warn().Err(lastErr).Int("chunk", c.Index).Int("attempt", attempt+1).Msg("retrying chunk")
			done, err := s.settle(ctx)
			if err != nil {
				if !transient(ctx, err) {
					return withChunk(err, c.Index)
				}
				lastErr = err
				continue
			}
			if done {
				s.log.Info().Stringer("state", s.state).Msg("manifestation finished while resyncing")
				return nil
			}
		}

		err := s.download(ctx, c.Block, c.Data)
		if err == nil {
			return nil
		}
		if !transient(ctx, err) {
			return withChunk(err, c.Index)
		}
		lastErr = err
	}

	return &ProtocolError{
		Kind:     RetryLimitExceeded,
		Chunk:    c.Index,
		Attempts: s.cfg.Retries + 1,
		Err:      lastErr,
	}
}

func withChunk(err error, index int) error {
	var pe *ProtocolError
	if errors.As(err, &pe) && pe.Chunk == 0 {
		pe.Chunk = index
	}
	return err
}

// detachAndReset asks the device to leave DFU mode. DFU_DETACH is only sent
// when the device advertises bitWillDetach; the bus reset follows when the
// channel supports it. A device that drops off the bus meanwhile has done
// what was asked.
func (s *session) detachAndReset(ctx context.Context) error {
	if s.desc != nil && s.desc.WillDetach() {
		next, act := protocol.Step(s.state, protocol.DetachRequested())
		if act.Kind == protocol.ActClearStatus {
			if err := s.clearStatus(ctx); err != nil {
				return err
			}
			next, act = protocol.Step(s.state, protocol.DetachRequested())
		}
		if act.Kind != protocol.ActDetach {
			return act.Err
		}

		timeout := s.cfg.DetachTimeout
		if timeout == 0 {
			timeout = s.desc.DetachTimeout
		}
		s.log.Info().Dur("timeout", timeout).Msg("detaching device")
		err := s.send(ctx, protocol.BuildDetachRequest(s.iface, int(timeout/time.Millisecond)))
		if err != nil && !errors.Is(err, protocol.ErrDeviceGone) {
			return err
		}
		s.state = next
	} else {
		s.log.Info().Msg("device does not support detach")
	}

	r, ok := s.dev.(Resetter)
	if !ok {
		s.log.Warn().Msg("channel cannot reset the device")
		return nil
	}
	s.log.Info().Msg("resetting device")
	if err := r.Reset(); err != nil && !errors.Is(err, protocol.ErrDeviceGone) {
		return errors.Wrap(err, "usb reset")
	}
	s.state = protocol.AppIdle
	return nil
}
