package goble

import (
	"fmt"
	"strings"

	"github.com/srg/payid/internal/device"
)

// errorPatterns maps go-ble and platform error text to device sentinels.
// Patterns are matched case-insensitively, first match wins.
var errorPatterns = []struct {
	pattern  string
	sentinel error
}{
	{"central manager has invalid state", device.ErrBluetoothOff},
	{"bluetooth is turned off", device.ErrBluetoothOff},
	{"device already connected", device.ErrAlreadyConnected},
	{"device not connected", device.ErrNotConnected},
	{"disconnected", device.ErrNotConnected},
}

// NormalizeError wraps err with the matching device sentinel so callers can
// use errors.Is. The go-ble message is kept for context. Unknown errors are
// returned unchanged.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		if strings.Contains(msg, p.pattern) {
			return fmt.Errorf("%w: %v", p.sentinel, err)
		}
	}
	return err
}
