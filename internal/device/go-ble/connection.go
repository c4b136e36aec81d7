package goble

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/payid/internal/device"
	"github.com/srg/payid/internal/groutine"
)

// DefaultConnectTimeout bounds a dial when the connector has no timeout set.
const DefaultConnectTimeout = 30 * time.Second

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// gattClient is the part of ble.Client a link uses.
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	WriteDescriptor(d *ble.Descriptor, value []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

type dialFunc func(ctx context.Context, address string) (gattClient, error)

func dialPlatform(ctx context.Context, address string) (gattClient, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Connector opens links through go-ble. Each go-ble call blocks, so every
// request runs on its own named goroutine and reports back through the
// LinkHandler.
type Connector struct {
	ConnectTimeout time.Duration

	logger *logrus.Logger
	dial   dialFunc
}

// NewConnector creates a connector on the platform BLE adapter.
func NewConnector(connectTimeout time.Duration, logger *logrus.Logger) *Connector {
	if logger == nil {
		logger = logrus.New()
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &Connector{
		ConnectTimeout: connectTimeout,
		logger:         logger,
		dial:           dialPlatform,
	}
}

// Connect starts dialing address and returns immediately. LinkConnected
// carries the outcome; cancelling ctx aborts the dial.
func (c *Connector) Connect(ctx context.Context, address string, handler device.LinkHandler) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		c.logger.Error("Connection attempt with empty address")
		return nil, fmt.Errorf("device address is empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("link handler is required")
	}

	l := newLink(address, handler, c.logger)

	c.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": c.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	groutine.GoSafe(ctx, "ble-connect", c.logger, func(ctx context.Context) {
		dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
		defer cancel()

		client, err := c.dial(dialCtx, address)
		if err != nil {
			err = NormalizeError(err)
			c.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Error("Failed to dial BLE device")
			l.emit(device.LinkEvent{Kind: device.LinkConnected, Err: fmt.Errorf("failed to connect to device with address %q: %w", address, err)})
			return
		}

		if !l.attach(client) {
			// Disconnect was requested while dialing.
			if err := client.CancelConnection(); err != nil {
				c.logger.WithError(err).Warn("Failed to cancel connection dialed after disconnect")
			}
			return
		}

		c.logger.WithField("address", address).Info("BLE device connected successfully")
		l.emit(device.LinkEvent{Kind: device.LinkConnected})
	})

	return l, nil
}

var _ device.Connector = (*Connector)(nil)

// link is a device.Link over a go-ble client.
type link struct {
	address string
	handler device.LinkHandler
	logger  *logrus.Logger

	// ops serializes GATT requests on the client.
	ops sync.Mutex

	mu         sync.Mutex
	client     gattClient
	profile    *ble.Profile
	armed      map[string]bool
	subscribed map[string]*ble.Characteristic
	closed     bool
	stop       chan struct{}
}

func newLink(address string, handler device.LinkHandler, logger *logrus.Logger) *link {
	return &link{
		address:    address,
		handler:    handler,
		logger:     logger,
		armed:      make(map[string]bool),
		subscribed: make(map[string]*ble.Characteristic),
		stop:       make(chan struct{}),
	}
}

// attach stores the dialed client and starts watching for its disconnect.
// It reports false when the link was closed meanwhile.
func (l *link) attach(client gattClient) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.client = client

	// Monitor go-ble client Disconnected() channel
	groutine.Go(context.Background(), "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-client.Disconnected():
			l.logger.WithField("address", l.address).Warn("BLE stack reported disconnection")
			l.emit(device.LinkEvent{Kind: device.LinkDisconnected, Err: device.ErrNotConnected})
		case <-l.stop:
		}
	})
	return true
}

// emit delivers ev unless the link was disconnected by its owner.
func (l *link) emit(ev device.LinkEvent) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		l.logger.WithField("event", ev.Kind.String()).Debug("Dropping link event after disconnect")
		return
	}
	l.handler(ev)
}

func (l *link) connectedClient() (gattClient, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.client == nil {
		return nil, device.ErrNotConnected
	}
	return l.client, nil
}

// run executes a blocking GATT request off the caller's goroutine.
func (l *link) run(name string, fn func(client gattClient) device.LinkEvent) error {
	client, err := l.connectedClient()
	if err != nil {
		return err
	}

	groutine.GoSafe(context.Background(), name, l.logger, func(ctx context.Context) {
		l.ops.Lock()
		ev := fn(client)
		l.ops.Unlock()
		ev.Err = NormalizeError(ev.Err)
		if ev.Err != nil {
			l.logger.WithFields(logrus.Fields{
				"address":        l.address,
				"event":          ev.Kind.String(),
				"characteristic": ev.Characteristic,
				"error":          ev.Err,
			}).Warn("BLE request failed")
		}
		l.emit(ev)
	})
	return nil
}

func (l *link) DiscoverServices() error {
	return l.run("ble-discover", func(client gattClient) device.LinkEvent {
		profile, err := client.DiscoverProfile(true)
		if err == nil {
			l.mu.Lock()
			l.profile = profile
			l.mu.Unlock()
			l.logger.WithFields(logrus.Fields{
				"address":  l.address,
				"services": len(profile.Services),
			}).Debug("Profile discovered successfully")
		}
		return device.LinkEvent{Kind: device.ServicesDiscovered, Err: err}
	})
}

func (l *link) WriteCharacteristic(service, characteristic string, data []byte) error {
	char, err := l.characteristic(service, characteristic)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	return l.run("ble-write", func(client gattClient) device.LinkEvent {
		err := client.WriteCharacteristic(char, payload, false)
		return device.LinkEvent{
			Kind:           device.CharacteristicWritten,
			Service:        device.NormalizeUUID(service),
			Characteristic: device.NormalizeUUID(characteristic),
			Err:            err,
		}
	})
}

func (l *link) ReadCharacteristic(service, characteristic string) error {
	char, err := l.characteristic(service, characteristic)
	if err != nil {
		return err
	}
	return l.run("ble-read", func(client gattClient) device.LinkEvent {
		value, err := client.ReadCharacteristic(char)
		return device.LinkEvent{
			Kind:           device.CharacteristicRead,
			Service:        device.NormalizeUUID(service),
			Characteristic: device.NormalizeUUID(characteristic),
			Value:          value,
			Err:            err,
		}
	})
}

func (l *link) SetNotification(service, characteristic string, enabled bool) error {
	char, err := l.characteristic(service, characteristic)
	if err != nil {
		return err
	}
	if enabled && char.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %s does not support notifications: %w", characteristic, device.ErrUnsupported)
	}

	key := device.NormalizeUUID(characteristic)
	l.mu.Lock()
	l.armed[key] = enabled
	l.mu.Unlock()
	return nil
}

func (l *link) WriteDescriptor(service, characteristic, descriptor string, data []byte) error {
	char, err := l.characteristic(service, characteristic)
	if err != nil {
		return err
	}
	ev := device.LinkEvent{
		Kind:           device.DescriptorWritten,
		Service:        device.NormalizeUUID(service),
		Characteristic: device.NormalizeUUID(characteristic),
		Descriptor:     device.NormalizeUUID(descriptor),
	}

	// go-ble owns the CCCD: it is written through Subscribe and Unsubscribe so
	// the notification handler gets registered with it.
	if ev.Descriptor == device.CCCDUUID {
		payload := append([]byte(nil), data...)
		return l.run("ble-subscribe", func(client gattClient) device.LinkEvent {
			ev.Err = l.writeCCCD(client, char, ev.Service, ev.Characteristic, payload)
			return ev
		})
	}

	desc := findDescriptor(char, descriptor)
	if desc == nil {
		return &device.NotFoundError{Resource: "descriptor", UUIDs: []string{service, characteristic, descriptor}}
	}
	payload := append([]byte(nil), data...)
	return l.run("ble-write-descriptor", func(client gattClient) device.LinkEvent {
		ev.Err = client.WriteDescriptor(desc, payload)
		return ev
	})
}

func (l *link) writeCCCD(client gattClient, char *ble.Characteristic, service, characteristic string, value []byte) error {
	switch {
	case bytes.Equal(value, device.NotificationEnableValue), bytes.Equal(value, device.IndicationEnableValue):
		indicate := bytes.Equal(value, device.IndicationEnableValue)
		err := client.Subscribe(char, indicate, func(data []byte) {
			l.onNotification(service, characteristic, data)
		})
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.subscribed[characteristic] = char
		l.mu.Unlock()
		l.logger.WithFields(logrus.Fields{
			"serviceUUID": service,
			"charUUID":    characteristic,
			"indicate":    indicate,
		}).Info("Successfully subscribed to characteristic notifications")
		return nil
	case bytes.Equal(value, device.DisableValue):
		l.mu.Lock()
		delete(l.subscribed, characteristic)
		l.mu.Unlock()
		return tryUnsubscribe(client, char)
	default:
		return fmt.Errorf("unsupported CCCD value %x: %w", value, device.ErrUnsupported)
	}
}

func (l *link) onNotification(service, characteristic string, data []byte) {
	l.mu.Lock()
	armed := l.armed[characteristic]
	l.mu.Unlock()
	if !armed {
		return
	}
	l.emit(device.LinkEvent{
		Kind:           device.CharacteristicChanged,
		Service:        service,
		Characteristic: characteristic,
		Value:          append([]byte(nil), data...),
	})
}

// Disconnect releases the link. Events of in-flight requests are dropped.
func (l *link) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	l.closed = true
	close(l.stop)
	client := l.client
	subscribed := l.subscribed
	l.subscribed = make(map[string]*ble.Characteristic)
	l.mu.Unlock()

	if client == nil {
		return nil
	}

	l.logger.WithField("address", l.address).Info("Disconnecting BLE device...")
	groutine.GoSafe(context.Background(), "ble-disconnect", l.logger, func(ctx context.Context) {
		l.ops.Lock()
		defer l.ops.Unlock()

		for uuid, char := range subscribed {
			if err := tryUnsubscribe(client, char); err != nil {
				l.logger.WithFields(logrus.Fields{
					"charUUID": uuid,
					"error":    err,
				}).Warn("Failed to unsubscribe during disconnect")
			}
		}
		if err := client.CancelConnection(); err != nil {
			l.logger.WithField("error", NormalizeError(err)).Warn("BLE device disconnected with errors")
			return
		}
		l.logger.WithField("address", l.address).Info("BLE device disconnected successfully")
	})
	return nil
}

// characteristic looks a characteristic up in the discovered profile.
func (l *link) characteristic(service, characteristic string) (*ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.client == nil {
		return nil, device.ErrNotConnected
	}
	if l.profile == nil {
		return nil, fmt.Errorf("services of %s not discovered yet", l.address)
	}

	for _, svc := range l.profile.Services {
		if !device.SameUUID(svc.UUID.String(), service) {
			continue
		}
		for _, char := range svc.Characteristics {
			if device.SameUUID(char.UUID.String(), characteristic) {
				return char, nil
			}
		}
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
}

func findDescriptor(char *ble.Characteristic, uuid string) *ble.Descriptor {
	for _, d := range char.Descriptors {
		if device.SameUUID(d.UUID.String(), uuid) {
			return d
		}
	}
	return nil
}

// tryUnsubscribe drops both notify and indicate registrations. It fails only
// if both fail.
func tryUnsubscribe(client gattClient, char *ble.Characteristic) error {
	err1 := NormalizeError(client.Unsubscribe(char, false)) // notify
	err2 := NormalizeError(client.Unsubscribe(char, true))  // indicate
	if err1 != nil && err2 != nil {
		return fmt.Errorf("notify=%v, indicate=%v", err1, err2)
	}
	return nil
}

var _ device.Link = (*link)(nil)
