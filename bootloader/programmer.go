package bootloader

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/bikesafe/go-dfu/firmware"
	"github.com/bikesafe/go-dfu/protocol"
)

// Programmer orchestrates firmware downloads to a DFU device.
// It handles device resynchronisation, chunking, status polling, retries,
// manifestation and the optional reset, and reports progress as it goes.
//
// A Programmer may be shared between goroutines; the Handle it wraps allows
// only one operation at a time.
type Programmer struct {
	handle *Handle
	config Config

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// New creates a new Programmer for handle with the given options.
//
// Example:
//
//	handle := bootloader.NewHandle(dev, dev.Interface())
//	prog := bootloader.New(handle,
//	    bootloader.WithProgressCallback(progressFunc),
//	    bootloader.WithReset(true),
//	)
func New(handle *Handle, opts ...Option) *Programmer {
	if handle == nil {
		panic("handle cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Programmer{
		handle: handle,
		config: cfg,
		sleep:  sleepContext,
		now:    time.Now,
	}
}

// Program validates raw against the configured layout and flashes it.
// A rejected image yields ValidationRejected without any device I/O.
//
// Example:
//
//	raw, _ := os.ReadFile("bikesafe.bin")
//	res := prog.Program(ctx, raw)
//	if !res.OK() {
//	    log.Fatal(res.Err)
//	}
func (p *Programmer) Program(ctx context.Context, raw []byte) *Result {
	img, err := firmware.Validate(raw, p.config.Layout)
	if err != nil {
		return &Result{
			Outcome:     ValidationRejected,
			Err:         err,
			OperationID: uuid.NewString(),
		}
	}
	return p.Flash(ctx, img)
}

// Flash performs the complete download sequence:
//  1. Acquire the handle
//  2. Bring the device to dfuIDLE (clear a stale error, abort a stale transfer)
//  3. Pick the transfer size (option, functional descriptor, default)
//  4. Download every chunk, polling until each is acknowledged
//  5. Send the zero-length block and wait for manifestation
//  6. Detach and reset the device if configured
//
// The operation can be cancelled via context; a cancelled transfer is
// aborted on the device.
func (p *Programmer) Flash(ctx context.Context, img *firmware.Image) *Result {
	return p.run(ctx, img, nil)
}

// Start runs Flash on its own goroutine and streams its events. Every
// acknowledged chunk produces a Progress event; the single Result comes last
// and the channel is closed after it.
//
// Example:
//
//	for ev := range prog.Start(ctx, img) {
//	    if ev.Progress != nil {
//	        bar.Update(*ev.Progress)
//	        continue
//	    }
//	    fmt.Println(ev.Result)
//	}
func (p *Programmer) Start(ctx context.Context, img *firmware.Image) <-chan Event {
	events := make(chan Event, 16)

	go func() {
		defer close(events)
		// A chunk the device acknowledged is reported whenever there is room,
		// cancelled or not; only a full channel gives way to ctx.
		emit := func(pr Progress) {
			ev := Event{Progress: &pr}
			select {
			case events <- ev:
				return
			default:
			}
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}
		res := p.run(ctx, img, emit)
		events <- Event{Result: res}
	}()

	return events
}

func (p *Programmer) run(ctx context.Context, img *firmware.Image, emit func(Progress)) *Result {
	start := p.now()
	res := &Result{OperationID: uuid.NewString()}
	log := p.config.Logger.With().Str("op", res.OperationID).Logger()

	var s *session
	finish := func(err error) *Result {
		if s != nil {
			res.Retries = s.retries
			res.FinalState = s.state
		}
		res.Err = err
		res.Outcome = OutcomeOf(err)
		res.Elapsed = p.now().Sub(start)
		if err != nil {
			log.Error().Err(err).Stringer("outcome", res.Outcome).Int("chunks_sent", res.ChunksSent).Msg("flash failed")
		} else {
			log.Info().
				Int("bytes", res.BytesSent).
				Int("chunks", res.ChunksSent).
				Int("retries", res.Retries).
				Dur("elapsed", res.Elapsed).
				Msg("flash complete")
		}
		return res
	}

	if img == nil {
		return finish(&firmware.ValidationError{Kind: firmware.SizeInvalid, Reason: "no image"})
	}

	if err := p.handle.acquire(); err != nil {
		return finish(err)
	}
	defer p.handle.release()

	s = &session{
		dev:   p.handle.dev,
		iface: p.handle.iface,
		cfg:   &p.config,
		log:   log,
		sleep: p.sleep,
	}

	log.Info().Int("size", img.Size).Uint16("interface", s.iface).Msg("starting download")

	if err := s.prepare(ctx); err != nil {
		return finish(p.cancelled(ctx, s, err))
	}

	transferSize := p.transferSize(ctx, s)
	plan, err := BuildPlan(img, transferSize)
	if err != nil {
		return finish(err)
	}
	res.TotalChunks = len(plan.Chunks)
	log.Debug().Int("transfer_size", transferSize).Int("chunks", len(plan.Chunks)).Msg("transfer plan")

	for _, c := range plan.Chunks {
		if err := ctx.Err(); err != nil {
			return finish(p.cancelled(ctx, s, err))
		}

		if err := s.sendChunk(ctx, c); err != nil {
			return finish(p.cancelled(ctx, s, err))
		}

		res.ChunksSent = c.Index
		res.BytesSent = c.Offset + len(c.Data)
		log.Debug().Int("chunk", c.Index).Uint16("block", c.Block).Int("bytes_sent", res.BytesSent).Msg("chunk accepted")

		pr := newProgress(c, len(plan.Chunks), res.BytesSent, plan.TotalBytes, p.now().Sub(start))
		if p.config.ProgressCallback != nil {
			p.config.ProgressCallback(pr)
		}
		if emit != nil {
			emit(pr)
		}
	}

	if err := ctx.Err(); err != nil {
		return finish(p.cancelled(ctx, s, err))
	}

	log.Debug().Msg("manifesting")
	if err := s.sendChunk(ctx, plan.Manifest); err != nil {
		if s.manifesting && errors.Is(err, protocol.ErrDeviceGone) {
			log.Info().Msg("device reset itself after download")
			s.state = protocol.AppIdle
			return finish(nil)
		}
		return finish(p.cancelled(ctx, s, err))
	}

	if p.config.Reset {
		if err := s.detachAndReset(ctx); err != nil {
			return finish(err)
		}
	}

	return finish(nil)
}

// cancelled aborts the transfer on the device when err stems from ctx.
func (p *Programmer) cancelled(ctx context.Context, s *session, err error) error {
	if ctx.Err() == nil || !errors.Is(err, ctx.Err()) {
		return err
	}

	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	if aerr := s.abort(cctx); aerr != nil {
		s.log.Warn().Err(aerr).Msg("abort after cancellation failed")
	}
	return errors.Wrap(err, "flash cancelled")
}

// transferSize picks the chunk size: option, then the device's functional
// descriptor, then DefaultTransferSize.
func (p *Programmer) transferSize(ctx context.Context, s *session) int {
	if r, ok := s.dev.(DescriptorReader); ok {
		desc, err := r.FunctionalDescriptor(ctx)
		if err != nil {
			s.log.Debug().Err(err).Msg("functional descriptor unavailable")
		} else {
			s.desc = desc
			if !desc.CanDownload() {
				s.log.Warn().Msg("device does not advertise bitCanDnload")
			}
		}
	}

	switch {
	case p.config.TransferSize > 0:
		return p.config.TransferSize
	case s.desc != nil && s.desc.TransferSize > 0:
		return int(s.desc.TransferSize)
	}
	return DefaultTransferSize
}
