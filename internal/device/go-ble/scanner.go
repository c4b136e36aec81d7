package goble

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/payid/internal/device"
)

// Scanner wraps ble.Device to implement the device.Scanner interface
type Scanner struct {
	dev    ble.Device
	logger *logrus.Logger
}

// NewScanner creates a device.Scanner on the platform BLE adapter.
func NewScanner(logger *logrus.Logger) (*Scanner, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	return &Scanner{dev: dev, logger: logger}, nil
}

// Scan reports every advertisement, duplicates included, so RSSI stays fresh.
// It blocks until ctx is done.
func (s *Scanner) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	s.logger.Debug("Scanning for advertisements")
	err := s.dev.Scan(ctx, true, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	})
	if err != nil {
		return NormalizeError(err)
	}
	return nil
}

var _ device.Scanner = (*Scanner)(nil)
