// Package protocol defines the command protocol spoken with a dispenser
// peripheral and the error taxonomy shared by the transport, link, and client
// layers.
package protocol

import (
	"errors"
	"fmt"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the Error was triggered by a command that might have been
	// executed. For example, if the client times out waiting for the peripheral's reply
	// notification, the motor may still have dispensed.
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient condition and the
	// operation can be retried as-is.
	Temporary() bool
}

var (
	// ErrNotConnected indicates no peripheral connection exists.
	ErrNotConnected = NewError("not connected to a dispenser", false, false)
	// ErrNotReady indicates a connection exists but the command characteristic has not been
	// resolved and subscribed yet.
	ErrNotReady = NewError("connection is not ready for commands", false, false)
	// ErrConnectFailed indicates the radio rejected a connection attempt.
	ErrConnectFailed = NewError("failed to connect to dispenser", false, true)
	// ErrCharacteristicNotFound indicates the connected device does not expose the expected
	// command characteristic. Usually means the device is not a dispenser.
	ErrCharacteristicNotFound = NewError("dispenser command characteristic not found", false, false)
	// ErrCommandTimeout indicates no reply notification arrived before the attempt deadline.
	ErrCommandTimeout = NewError("timed out waiting for dispenser reply", true, true)
	// ErrCommandInFlight indicates another command is already awaiting its reply.
	ErrCommandInFlight = NewError("another command is already in flight", false, false)
	// ErrMaxRetriesExceeded indicates automatic reconnection gave up after the configured number
	// of scan cycles. Manual intervention is required to reconnect.
	ErrMaxRetriesExceeded = NewError("gave up reconnecting to dispenser", false, false)
)

// CommandError is the concrete Error implementation used throughout the
// module.
type CommandError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

func NewError(message string, mayHaveSucceeded bool, temporary bool) error {
	return &CommandError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

// WrapCommandFailure categorizes a transport write failure as a retriable
// command error.
func WrapCommandFailure(err error) error {
	return &CommandError{
		Err:               fmt.Errorf("command failed: %w", err),
		PossibleSuccess:   false,
		PossibleTemporary: true,
	}
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

func (e *CommandError) Temporary() bool {
	return e.PossibleTemporary
}

// MayHaveSucceeded returns true if err indicates the peripheral may have
// executed the command even though the client did not observe a reply.
func MayHaveSucceeded(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) {
		return commErr.MayHaveSucceeded()
	}
	return false
}

// Temporary returns true if err indicates a possibly transient failure.
func Temporary(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) {
		return commErr.Temporary()
	}
	return false
}

// ShouldRetry returns true if the client should retry the attempt that
// triggered err.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var e Error
	if errors.As(err, &e) {
		return e.Temporary()
	}
	return false
}
