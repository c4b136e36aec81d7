package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/payid/internal/device"
	"github.com/srg/payid/internal/groutine"
)

const (
	// DefaultScanWindow is how long a scan runs before it stops by itself.
	DefaultScanWindow = 5 * time.Second

	// DefaultEventBuffer is the number of device events kept for a slow reader.
	DefaultEventBuffer = 100
)

// ErrScanInProgress is returned by Start while a scan is still running.
var ErrScanInProgress = errors.New("scan already in progress")

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

func (t DeviceEventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

type DeviceEvent struct {
	Type   DeviceEventType
	Device device.Device
}

// DiscovererOptions configures scanning behavior
type DiscovererOptions struct {
	// ScanWindow bounds each scan; zero or less scans until Stop.
	ScanWindow  time.Duration
	EventBuffer int
}

// DefaultDiscovererOptions returns default scanning options
func DefaultDiscovererOptions() DiscovererOptions {
	return DiscovererOptions{
		ScanWindow:  DefaultScanWindow,
		EventBuffer: DefaultEventBuffer,
	}
}

// Discoverer runs timed scans and feeds every advertisement through a Filter.
// The filter's device set is the authoritative result; Events is a best-effort
// feed for displays and may drop the oldest events.
type Discoverer struct {
	scanner device.Scanner
	filter  *Filter
	opts    DiscovererOptions
	events  *RingChannel[DeviceEvent]
	logger  *logrus.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewDiscoverer creates a discoverer scanning with scanner into filter.
func NewDiscoverer(scanner device.Scanner, filter *Filter, opts DiscovererOptions, logger *logrus.Logger) (*Discoverer, error) {
	if scanner == nil {
		return nil, fmt.Errorf("scanner is required")
	}
	if filter == nil {
		return nil, fmt.Errorf("filter is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}

	return &Discoverer{
		scanner: scanner,
		filter:  filter,
		opts:    opts,
		events:  NewRingChannel[DeviceEvent](opts.EventBuffer),
		logger:  logger,
	}, nil
}

// Start clears the device set and begins a scan that stops after the scan
// window, on Stop, or when ctx is done.
func (d *Discoverer) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running() {
		return ErrScanInProgress
	}

	d.filter.Clear()

	var scanCtx context.Context
	var cancel context.CancelFunc
	if d.opts.ScanWindow > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, d.opts.ScanWindow)
	} else {
		scanCtx, cancel = context.WithCancel(ctx)
	}
	done := make(chan struct{})
	d.cancel, d.done, d.err = cancel, done, nil

	d.logger.WithField("duration", d.opts.ScanWindow).Info("Starting BLE scan...")

	groutine.Go(scanCtx, "discovery-scan", func(ctx context.Context) {
		defer close(done)
		defer cancel()

		err := d.scanner.Scan(ctx, d.handleAdvertisement)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			err = nil
		}

		d.mu.Lock()
		d.err = err
		d.mu.Unlock()

		if err != nil {
			d.logger.WithError(err).Error("BLE scan failed")
			return
		}
		d.logger.WithField("device_count", d.filter.Len()).Info("BLE scan completed")
	})
	return nil
}

// Stop ends the current scan, if any. It does not wait; use Wait for that.
// Safe to call at any time and more than once.
func (d *Discoverer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

// Wait blocks until the current scan has ended and returns its error.
// Cancellation and the end of the scan window are not errors.
func (d *Discoverer) Wait() error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	if done == nil {
		return nil
	}
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Scanning reports whether a scan is running.
func (d *Discoverer) Scanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running()
}

func (d *Discoverer) running() bool {
	if d.done == nil {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

// Events returns a read-only channel of device events
func (d *Discoverer) Events() <-chan DeviceEvent {
	return d.events.C()
}

// Filter returns the filter holding the discovered devices.
func (d *Discoverer) Filter() *Filter {
	return d.filter
}

// Devices returns a snapshot of discovered devices in order of first sighting.
func (d *Discoverer) Devices() []device.Device {
	return d.filter.Devices()
}

func (d *Discoverer) handleAdvertisement(adv device.Advertisement) {
	dev, accepted, isNew := d.filter.observe(adv.Addr(), adv.LocalName(), adv.RSSI())
	if !accepted {
		return
	}

	event := DeviceEvent{Type: EventUpdated, Device: dev}
	if isNew {
		event.Type = EventNew
	}
	if d.events.ForceSend(event) {
		d.logger.WithField("address", dev.Address).Debug("Device event reader is lagging, oldest event dropped")
	}
}
