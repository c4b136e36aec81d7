// Package central is the consumer-facing entry point: it discovers payment
// terminals, opens one session to the selected device, and delivers the
// session's events through a single ordered stream.
package central

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/payid/internal/bridge"
	"github.com/srg/payid/internal/device"
	"github.com/srg/payid/internal/discovery"
	"github.com/srg/payid/internal/sensor"
	"github.com/srg/payid/internal/session"
)

// Options wires a Central to its link layer and policies.
type Options struct {
	Scanner   device.Scanner
	Connector device.Connector
	Logger    *logrus.Logger

	Filter    discovery.FilterOptions
	Discovery discovery.DiscovererOptions

	Table            *sensor.Table
	Decoder          sensor.Decoder
	OperationTimeout time.Duration
	ConnectTimeout   time.Duration
	BridgeCapacity   uint32
}

// Central coordinates discovery and at most one live session.
type Central struct {
	discoverer *discovery.Discoverer
	connector  device.Connector
	bridge     *bridge.Bridge
	opts       Options
	logger     *logrus.Logger

	mu      sync.Mutex
	session *session.Session
	closed  bool
}

// New creates a central and starts its event bridge.
func New(opts Options) (*Central, error) {
	if opts.Scanner == nil {
		return nil, fmt.Errorf("scanner is required")
	}
	if opts.Connector == nil {
		return nil, fmt.Errorf("connector is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.BridgeCapacity == 0 {
		opts.BridgeCapacity = bridge.DefaultCapacity
	}

	filter := discovery.NewFilter(opts.Filter, opts.Logger)
	d, err := discovery.NewDiscoverer(opts.Scanner, filter, opts.Discovery, opts.Logger)
	if err != nil {
		return nil, err
	}

	b, err := bridge.New(opts.BridgeCapacity, opts.Logger)
	if err != nil {
		return nil, err
	}
	if err := b.Start(); err != nil {
		return nil, err
	}

	return &Central{
		discoverer: d,
		connector:  opts.Connector,
		bridge:     b,
		opts:       opts,
		logger:     opts.Logger,
	}, nil
}

// StartDiscovery restarts scanning with an empty device set.
func (c *Central) StartDiscovery(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.discoverer.Stop()
	if err := c.discoverer.Wait(); err != nil {
		c.logger.WithError(err).Warn("Previous scan ended with error")
	}
	return c.discoverer.Start(ctx)
}

// StopDiscovery stops scanning. Safe at any time.
func (c *Central) StopDiscovery() {
	c.discoverer.Stop()
}

// WaitDiscovery blocks until the current scan ends and returns its error.
func (c *Central) WaitDiscovery() error {
	return c.discoverer.Wait()
}

// Scanning reports whether a scan is running.
func (c *Central) Scanning() bool {
	return c.discoverer.Scanning()
}

// Devices returns the discovered devices in order of first sighting.
func (c *Central) Devices() []device.Device {
	return c.discoverer.Devices()
}

// DeviceEvents is a best-effort feed of discovery changes.
func (c *Central) DeviceEvents() <-chan discovery.DeviceEvent {
	return c.discoverer.Events()
}

// SelectDevice stops discovery, ends any current session, clears the device
// set and opens a new session to dev. Progress and values arrive on Events.
func (c *Central) SelectDevice(ctx context.Context, dev device.Device) (*session.Session, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	c.discoverer.Stop()
	if err := c.discoverer.Wait(); err != nil {
		c.logger.WithError(err).Warn("Scan ended with error")
	}
	if err := c.TeardownSession(); err != nil {
		return nil, err
	}
	c.discoverer.Filter().Clear()

	sess, err := session.New(dev.Address, session.Options{
		Table:            c.opts.Table,
		Emitter:          c.bridge,
		Logger:           c.logger,
		OperationTimeout: c.opts.OperationTimeout,
		ConnectTimeout:   c.opts.ConnectTimeout,
		Decoder:          c.opts.Decoder,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"address": dev.Address,
		"device":  dev.DisplayName(),
		"rssi":    dev.RSSI,
	}).Info("Device selected")

	if err := sess.Open(ctx, c.connector); err != nil {
		return sess, err
	}
	return sess, nil
}

// TeardownSession closes the current session, if any. Its Cleared event is
// emitted before this returns.
func (c *Central) TeardownSession() error {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.Close()
}

// Session returns the current session, or nil.
func (c *Central) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Events returns the ordered stream of session events. It is closed by Close.
func (c *Central) Events() <-chan bridge.Event {
	return c.bridge.Events()
}

// BridgeMetrics returns the event bridge counters.
func (c *Central) BridgeMetrics() bridge.Metrics {
	return c.bridge.Metrics()
}

// Close stops discovery, tears the session down and closes the event stream.
func (c *Central) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.discoverer.Stop()
	if err := c.discoverer.Wait(); err != nil {
		c.logger.WithError(err).Debug("Scan ended with error")
	}
	err := c.TeardownSession()
	c.bridge.Close()
	return err
}

func (c *Central) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("central is closed")
	}
	return nil
}

// SelectStrongest returns the device with the highest RSSI. Ties go to the
// device seen first.
func SelectStrongest(devs []device.Device) (device.Device, bool) {
	if len(devs) == 0 {
		return device.Device{}, false
	}
	best := devs[0]
	for _, d := range devs[1:] {
		if d.RSSI > best.RSSI {
			best = d
		}
	}
	return best, true
}
