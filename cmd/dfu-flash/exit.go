package main

import (
	"github.com/pkg/errors"

	"github.com/bikesafe/go-dfu/bootloader"
)

// Process exit codes.
const (
	exitOK         = 0
	exitUsage      = 1
	exitValidation = 2
	exitProtocol   = 3
	exitDevice     = 4
	exitCancelled  = 130
)

// exitError carries the process exit code for err.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func withOutcome(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: outcomeCode(bootloader.OutcomeOf(err)), err: err}
}

// imageError keeps file errors on the usage exit code and maps rejected
// images to exitValidation.
func imageError(err error) error {
	if bootloader.OutcomeOf(err) == bootloader.ValidationRejected {
		return withOutcome(err)
	}
	return err
}

func outcomeCode(o bootloader.Outcome) int {
	switch o {
	case bootloader.Success:
		return exitOK
	case bootloader.ValidationRejected:
		return exitValidation
	case bootloader.ProtocolFailure:
		return exitProtocol
	case bootloader.DeviceFailure:
		return exitDevice
	case bootloader.Cancelled:
		return exitCancelled
	default:
		return exitUsage
	}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUsage
}
