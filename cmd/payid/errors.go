package main

import (
	"errors"
	"fmt"

	"github.com/srg/payid/internal/device"
	"github.com/srg/payid/internal/session"
)

// Command-level errors
var (
	// ErrNoDevices means discovery ended without an acceptable terminal.
	ErrNoDevices = errors.New("no payment terminals found")
)

// FormatUserError turns an error chain into a message suitable for the
// terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var notFound *device.NotFoundError
	var failure *session.LinkFailure

	switch {
	case errors.Is(err, ErrNoDevices):
		return "no payment terminals found nearby; move closer and scan again"
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and try again"
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("operation not supported: %v", err)
	case errors.As(err, &failure):
		if errors.Is(failure.Err, device.ErrTimeout) {
			return fmt.Sprintf("terminal stopped responding during %s", failure.Status)
		}
		if errors.As(failure.Err, &notFound) {
			return fmt.Sprintf("terminal does not expose the expected sensors: %v", notFound)
		}
		if device.IsConnectionState(failure.Err, device.NotConnected) {
			return fmt.Sprintf("terminal disconnected during %s", failure.Status)
		}
		return fmt.Sprintf("%s failed during %s: %v", failure.Op, failure.Status, failure.Err)
	case errors.As(err, &notFound):
		return notFound.Error()
	default:
		return err.Error()
	}
}
