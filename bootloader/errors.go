package bootloader

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/bikesafe/go-dfu/firmware"
	"github.com/bikesafe/go-dfu/protocol"
)

// ErrHandleBusy is returned when a handle is already serving another operation.
var ErrHandleBusy = errors.New("device handle is busy with another operation")

// ProtocolErrorKind classifies host side protocol failures.
type ProtocolErrorKind int

const (
	// DeviceUnresponsive means the device did not finish a chunk within MaxChunkWait
	DeviceUnresponsive ProtocolErrorKind = iota + 1

	// TransferDesync means the device reported a state the transfer cannot continue from
	TransferDesync

	// RetryLimitExceeded means a chunk kept failing with transient I/O errors
	RetryLimitExceeded
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case DeviceUnresponsive:
		return "device unresponsive"
	case TransferDesync:
		return "transfer desynchronized"
	case RetryLimitExceeded:
		return "retry limit exceeded"
	default:
		return fmt.Sprintf("protocol error %d", int(k))
	}
}

// ProtocolError indicates that the transfer could not be completed even though
// the device never reported an error itself.
type ProtocolError struct {
	Kind ProtocolErrorKind

	// Chunk is the 1-based chunk being sent (0 outside the data phase)
	Chunk int

	// Attempts is the number of times the chunk was sent
	Attempts int

	Err error
}

func (e *ProtocolError) Error() string {
	msg := e.Kind.String()
	if e.Chunk > 0 {
		msg = fmt.Sprintf("%s at chunk %d", msg, e.Chunk)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg + "; verify the device state before retrying"
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Outcome is the terminal classification of a flash operation.
type Outcome int

const (
	Success Outcome = iota
	ValidationRejected
	ProtocolFailure
	DeviceFailure
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case ValidationRejected:
		return "validation rejected"
	case ProtocolFailure:
		return "protocol failure"
	case DeviceFailure:
		return "device failure"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// OutcomeOf maps an error returned by this package to its Outcome.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return Success
	}

	var ve *firmware.ValidationError
	var pe *protocol.DeviceError
	var perr *ProtocolError
	switch {
	case errors.As(err, &ve):
		return ValidationRejected
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.As(err, &pe), errors.Is(err, protocol.ErrDeviceGone), errors.Is(err, ErrHandleBusy):
		return DeviceFailure
	case errors.As(err, &perr):
		return ProtocolFailure
	case errors.Is(err, context.DeadlineExceeded):
		return Cancelled
	}
	return ProtocolFailure
}

// Result is the terminal report of a flash operation.
type Result struct {
	Outcome Outcome
	Err     error

	// OperationID identifies the operation in logs
	OperationID string

	// BytesSent is the number of image bytes acknowledged by the device
	BytesSent int

	// ChunksSent is the number of acknowledged data chunks
	ChunksSent int

	// TotalChunks is the number of data chunks in the plan (0 if no plan was built)
	TotalChunks int

	// Retries is the number of chunk re-sends after transient failures
	Retries int

	// FinalState is the last DFU state observed on the device
	FinalState protocol.State

	Elapsed time.Duration
}

// OK reports whether the operation succeeded.
func (r *Result) OK() bool {
	return r.Outcome == Success
}

func (r *Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Outcome, r.Err)
	}
	return fmt.Sprintf("%s: %d bytes in %d chunks (%d retries, %s)",
		r.Outcome, r.BytesSent, r.ChunksSent, r.Retries, r.Elapsed.Round(time.Millisecond))
}
