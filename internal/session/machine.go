package session

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/payid/internal/bridge"
	"github.com/srg/payid/internal/device"
	"github.com/srg/payid/internal/sensor"
)

// Progress messages reported while a session sets up its sensors.
const (
	ProgressDiscovering = "discovering services"
	ProgressEnabling    = "enabling sensors"
)

// Metrics counts what a session observed. All fields are read atomically.
type Metrics struct {
	Readings         int64
	Notifications    int64
	DecodeErrors     int64
	LinkFailures     int64
	IgnoredCallbacks int64
}

type counters struct {
	readings         atomic.Int64
	notifications    atomic.Int64
	decodeErrors     atomic.Int64
	linkFailures     atomic.Int64
	ignoredCallbacks atomic.Int64
}

func (c *counters) snapshot() Metrics {
	return Metrics{
		Readings:         c.readings.Load(),
		Notifications:    c.notifications.Load(),
		DecodeErrors:     c.decodeErrors.Load(),
		LinkFailures:     c.linkFailures.Load(),
		IgnoredCallbacks: c.ignoredCallbacks.Load(),
	}
}

// machine holds the transition logic. It is driven from exactly one goroutine
// and never locks.
type machine struct {
	table   sensor.Table
	emitter bridge.Emitter
	decode  sensor.Decoder
	logger  *logrus.Entry
	now     func() time.Time
	stats   *counters

	phase Phase
	index int
	link  device.Link

	// connected holds a LinkConnected that arrived before Connect returned the link.
	connected *device.LinkEvent

	armed   map[string]bool
	cleared bool
	failure *LinkFailure
}

func newMachine(table sensor.Table, emitter bridge.Emitter, decode sensor.Decoder, logger *logrus.Entry, stats *counters) *machine {
	return &machine{
		table:   table,
		emitter: emitter,
		decode:  decode,
		logger:  logger,
		now:     time.Now,
		stats:   stats,
		phase:   Idle,
		armed:   make(map[string]bool),
	}
}

func (m *machine) status() Status {
	return Status{Phase: m.phase, Index: m.index}
}

func (m *machine) setPhase(p Phase, index int) {
	prev := m.status()
	m.phase, m.index = p, index
	m.logger.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   m.status().String(),
	}).Debug("Session phase changed")
}

// start moves an idle session to LinkConnecting.
func (m *machine) start() {
	if m.phase != Idle {
		return
	}
	m.setPhase(LinkConnecting, 0)
}

// attach hands the machine the link returned by Connect.
func (m *machine) attach(link device.Link) {
	if m.phase.Terminal() {
		// Torn down while Connect was in flight.
		if err := link.Disconnect(); err != nil {
			m.logger.WithError(err).Warn("Failed to release link of a closed session")
		}
		return
	}
	m.link = link
	if m.connected != nil {
		ev := *m.connected
		m.connected = nil
		m.handle(ev)
	}
}

func (m *machine) handle(ev device.LinkEvent) {
	if m.phase.Terminal() {
		m.stats.ignoredCallbacks.Add(1)
		m.logger.WithField("event", ev.Kind.String()).Debug("Ignoring link callback after disconnect")
		return
	}

	switch ev.Kind {
	case device.CharacteristicChanged:
		m.onNotification(ev)
		return
	case device.LinkDisconnected:
		err := ev.Err
		if err == nil {
			err = device.ErrNotConnected
		}
		m.fail("link", err)
		return
	}

	if !ev.Ok() {
		m.fail(ev.Kind.String(), ev.Err)
		return
	}

	switch ev.Kind {
	case device.LinkConnected:
		m.onConnected(ev)
	case device.ServicesDiscovered:
		m.onServicesDiscovered(ev)
	case device.CharacteristicWritten:
		m.onWritten(ev)
	case device.CharacteristicRead:
		m.onRead(ev)
	case device.DescriptorWritten:
		m.onDescriptorWritten(ev)
	default:
		m.unexpected(ev)
	}
}

func (m *machine) onConnected(ev device.LinkEvent) {
	if m.phase != LinkConnecting {
		m.unexpected(ev)
		return
	}
	if m.link == nil {
		m.connected = &ev
		return
	}

	m.logger.Info("Link established, discovering services")
	m.setPhase(DiscoveringServices, 0)
	m.emitter.Emit(bridge.NewProgress(ProgressDiscovering))
	if err := m.link.DiscoverServices(); err != nil {
		m.fail("discover services", err)
	}
}

func (m *machine) onServicesDiscovered(ev device.LinkEvent) {
	if m.phase != DiscoveringServices {
		m.unexpected(ev)
		return
	}

	m.logger.WithField("sensors", m.table.Count()).Info("Services discovered, enabling sensors")
	m.emitter.Emit(bridge.NewProgress(ProgressEnabling))
	m.enable(0)
}

// enable issues the enable write for sensor i, or finishes when i == N.
func (m *machine) enable(i int) {
	d, ok := m.table.At(i)
	if !ok {
		m.setPhase(AllEnabled, m.table.Count())
		m.emitter.Emit(bridge.NewDismissProgress())
		m.logger.WithField("sensors", m.table.Count()).Info("All sensors enabled")
		return
	}

	m.setPhase(EnablingSensor, i)
	if err := m.link.WriteCharacteristic(d.Service, d.Characteristic, d.EnablePayload); err != nil {
		m.fail("write characteristic", err)
	}
}

func (m *machine) onWritten(ev device.LinkEvent) {
	d, ok := m.expect(ev, EnablingSensor)
	if !ok {
		return
	}

	m.setPhase(ReadingSensor, m.index)
	if err := m.link.ReadCharacteristic(d.Service, d.Characteristic); err != nil {
		m.fail("read characteristic", err)
	}
}

func (m *machine) onRead(ev device.LinkEvent) {
	d, ok := m.expect(ev, ReadingSensor)
	if !ok {
		return
	}

	if m.deliver(d.Characteristic, ev.Value) {
		m.stats.readings.Add(1)
	}

	// Subscription is armed once per sensor, after its first value is in hand.
	m.setPhase(SubscribingSensor, m.index)
	if err := m.link.SetNotification(d.Service, d.Characteristic, true); err != nil {
		m.fail("set notification", err)
		return
	}
	m.armed[d.Characteristic] = true
	if err := m.link.WriteDescriptor(d.Service, d.Characteristic, d.Notify, device.NotificationEnableValue); err != nil {
		m.fail("write descriptor", err)
	}
}

func (m *machine) onDescriptorWritten(ev device.LinkEvent) {
	d, ok := m.expect(ev, SubscribingSensor)
	if !ok {
		return
	}
	if ev.Descriptor != "" && !device.SameUUID(ev.Descriptor, d.Notify) {
		m.unexpected(ev)
		return
	}

	m.logger.WithFields(logrus.Fields{
		"sensor":         m.index,
		"characteristic": d.Characteristic,
	}).Debug("Sensor subscribed")
	m.enable(m.index + 1)
}

func (m *machine) onNotification(ev device.LinkEvent) {
	c := device.NormalizeUUID(ev.Characteristic)
	if !m.armed[c] {
		m.unexpected(ev)
		return
	}
	m.stats.notifications.Add(1)
	m.deliver(c, ev.Value)
}

// deliver decodes a value and emits it. A payload that cannot be decoded is
// reported and dropped; the session carries on.
func (m *machine) deliver(characteristic string, raw []byte) bool {
	v, err := m.decode(raw)
	if err != nil {
		m.stats.decodeErrors.Add(1)
		m.logger.WithFields(logrus.Fields{
			"characteristic": characteristic,
			"error":          err,
		}).Warn("Dropping undecodable reading")
		return false
	}

	m.emitter.Emit(bridge.NewValueUpdate(sensor.Reading{
		Characteristic: characteristic,
		Value:          v,
		Time:           m.now(),
	}))
	return true
}

// expect checks that a completion belongs to the operation the current phase
// awaits and returns the sensor it concerns.
func (m *machine) expect(ev device.LinkEvent, phase Phase) (sensor.Descriptor, bool) {
	if m.phase != phase {
		m.unexpected(ev)
		return sensor.Descriptor{}, false
	}
	d, ok := m.table.At(m.index)
	if !ok || (ev.Characteristic != "" && !device.SameUUID(ev.Characteristic, d.Characteristic)) {
		m.unexpected(ev)
		return sensor.Descriptor{}, false
	}
	return d, true
}

func (m *machine) unexpected(ev device.LinkEvent) {
	m.stats.ignoredCallbacks.Add(1)
	m.logger.WithFields(logrus.Fields{
		"event":          ev.Kind.String(),
		"characteristic": ev.Characteristic,
		"phase":          m.status().String(),
	}).Warn("Ignoring unexpected link callback")
}

// timeout fails the operation the current phase awaits.
func (m *machine) timeout(after time.Duration) {
	if !m.phase.awaiting() {
		return
	}
	m.logger.WithField("after", after).Warn("Link operation timed out")
	m.fail("await "+m.status().String(), device.ErrTimeout)
}

// fail records a link failure and disconnects. Retrying is the caller's call.
func (m *machine) fail(op string, err error) {
	if m.phase.Terminal() {
		return
	}
	m.stats.linkFailures.Add(1)
	m.failure = &LinkFailure{Status: m.status(), Op: op, Err: err}
	m.logger.WithFields(logrus.Fields{
		"phase": m.status().String(),
		"op":    op,
		"error": err,
	}).Error("Link failure, disconnecting")
	m.disconnect()
}

// teardown ends the session on the consumer's request.
func (m *machine) teardown() {
	if m.phase.Terminal() {
		return
	}
	m.logger.WithField("phase", m.status().String()).Info("Tearing down session")
	m.disconnect()
}

func (m *machine) disconnect() {
	m.setPhase(Disconnected, m.index)
	m.connected = nil
	if m.link != nil {
		if err := m.link.Disconnect(); err != nil {
			m.logger.WithError(err).Warn("Failed to disconnect link")
		}
		m.link = nil
	}
	if !m.cleared {
		m.cleared = true
		m.emitter.Emit(bridge.NewCleared())
	}
}
