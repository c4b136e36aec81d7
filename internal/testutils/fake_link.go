package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/payid/internal/device"
)

// Operations recorded by FakeLink.
const (
	OpDiscover        = "discover"
	OpWrite           = "write"
	OpRead            = "read"
	OpSetNotification = "set_notification"
	OpWriteDescriptor = "write_descriptor"
	OpDisconnect      = "disconnect"
)

// LinkCall is one request made on a FakeLink.
type LinkCall struct {
	Op             string
	Service        string
	Characteristic string
	Descriptor     string
	Data           []byte
	Enabled        bool
}

func (c LinkCall) String() string {
	switch c.Op {
	case OpDiscover, OpDisconnect:
		return c.Op
	case OpSetNotification:
		return fmt.Sprintf("%s(%s, %t)", c.Op, c.Characteristic, c.Enabled)
	case OpWriteDescriptor:
		return fmt.Sprintf("%s(%s/%s, %x)", c.Op, c.Characteristic, c.Descriptor, c.Data)
	case OpWrite:
		return fmt.Sprintf("%s(%s, %x)", c.Op, c.Characteristic, c.Data)
	default:
		return fmt.Sprintf("%s(%s)", c.Op, c.Characteristic)
	}
}

// FakeLink is a scriptable device.Link. By default every request completes
// successfully on its own goroutine; Stall, Fail and Reject change that per
// operation.
type FakeLink struct {
	mu      sync.Mutex
	handler device.LinkHandler
	calls   []LinkCall

	// Values holds the payload returned by reads, keyed by characteristic.
	Values map[string][]byte
	// Stall suppresses the completion of an operation.
	Stall map[string]bool
	// Fail completes an operation with the given error status.
	Fail map[string]error
	// Reject makes the request itself return the error.
	Reject map[string]error
}

// NewFakeLink creates a link that completes everything successfully.
func NewFakeLink() *FakeLink {
	return &FakeLink{
		Values: make(map[string][]byte),
		Stall:  make(map[string]bool),
		Fail:   make(map[string]error),
		Reject: make(map[string]error),
	}
}

// Bind sets the handler that receives completions.
func (l *FakeLink) Bind(handler device.LinkHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

// Calls returns the requests made so far, in order.
func (l *FakeLink) Calls() []LinkCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LinkCall(nil), l.calls...)
}

// CallStrings returns Calls rendered with LinkCall.String.
func (l *FakeLink) CallStrings() []string {
	calls := l.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Count returns how many requests of op were made.
func (l *FakeLink) Count(op string) int {
	n := 0
	for _, c := range l.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Emit delivers ev to the handler synchronously.
func (l *FakeLink) Emit(ev device.LinkEvent) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Notify delivers a change notification for characteristic.
func (l *FakeLink) Notify(service, characteristic string, value []byte) {
	l.Emit(device.LinkEvent{
		Kind:           device.CharacteristicChanged,
		Service:        service,
		Characteristic: characteristic,
		Value:          value,
	})
}

// Drop reports the link as lost.
func (l *FakeLink) Drop(err error) {
	l.Emit(device.LinkEvent{Kind: device.LinkDisconnected, Err: err})
}

func (l *FakeLink) DiscoverServices() error {
	return l.request(LinkCall{Op: OpDiscover}, device.LinkEvent{Kind: device.ServicesDiscovered})
}

func (l *FakeLink) WriteCharacteristic(service, characteristic string, data []byte) error {
	return l.request(
		LinkCall{Op: OpWrite, Service: service, Characteristic: characteristic, Data: append([]byte(nil), data...)},
		device.LinkEvent{Kind: device.CharacteristicWritten, Service: service, Characteristic: characteristic},
	)
}

func (l *FakeLink) ReadCharacteristic(service, characteristic string) error {
	l.mu.Lock()
	value := l.Values[characteristic]
	l.mu.Unlock()
	return l.request(
		LinkCall{Op: OpRead, Service: service, Characteristic: characteristic},
		device.LinkEvent{Kind: device.CharacteristicRead, Service: service, Characteristic: characteristic, Value: value},
	)
}

func (l *FakeLink) SetNotification(service, characteristic string, enabled bool) error {
	call := LinkCall{Op: OpSetNotification, Service: service, Characteristic: characteristic, Enabled: enabled}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
	return l.Reject[OpSetNotification]
}

func (l *FakeLink) WriteDescriptor(service, characteristic, descriptor string, data []byte) error {
	return l.request(
		LinkCall{Op: OpWriteDescriptor, Service: service, Characteristic: characteristic, Descriptor: descriptor, Data: append([]byte(nil), data...)},
		device.LinkEvent{Kind: device.DescriptorWritten, Service: service, Characteristic: characteristic, Descriptor: descriptor},
	)
}

func (l *FakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, LinkCall{Op: OpDisconnect})
	return l.Reject[OpDisconnect]
}

func (l *FakeLink) request(call LinkCall, completion device.LinkEvent) error {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	if err := l.Reject[call.Op]; err != nil {
		l.mu.Unlock()
		return err
	}
	stall := l.Stall[call.Op]
	completion.Err = l.Fail[call.Op]
	h := l.handler
	l.mu.Unlock()

	if !stall && h != nil {
		go h(completion)
	}
	return nil
}

var _ device.Link = (*FakeLink)(nil)

// FakeConnector hands out a FakeLink.
type FakeConnector struct {
	Link *FakeLink
	// Err is returned by Connect.
	Err error
	// ConnectErr completes the connect attempt with a failure status.
	ConnectErr error
	// Stall never reports the connect outcome.
	Stall bool
	// Sync reports LinkConnected before Connect returns.
	Sync bool

	mu        sync.Mutex
	addresses []string
}

// NewFakeConnector creates a connector around a fresh FakeLink.
func NewFakeConnector() *FakeConnector {
	return &FakeConnector{Link: NewFakeLink()}
}

func (c *FakeConnector) Connect(ctx context.Context, address string, handler device.LinkHandler) (device.Link, error) {
	c.mu.Lock()
	c.addresses = append(c.addresses, address)
	c.mu.Unlock()

	if c.Err != nil {
		return nil, c.Err
	}
	c.Link.Bind(handler)
	if !c.Stall {
		ev := device.LinkEvent{Kind: device.LinkConnected, Err: c.ConnectErr}
		if c.ConnectErr != nil {
			ev.Kind = device.LinkDisconnected
		}
		if c.Sync {
			handler(ev)
		} else {
			go handler(ev)
		}
	}
	return c.Link, nil
}

// Addresses returns the addresses passed to Connect.
func (c *FakeConnector) Addresses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.addresses...)
}

var _ device.Connector = (*FakeConnector)(nil)
