package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a GATT resource is not found on the connected peripheral
type NotFoundError struct {
	Resource string   // "service", "characteristic", "descriptor"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	parentResource := "service"
	if e.Resource == "descriptor" {
		parentResource = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parentResource, e.UUIDs[len(e.UUIDs)-2])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return strings.ReplaceAll(string(e.State), "_", " ")
	}
	return fmt.Sprintf("%s: %s", strings.ReplaceAll(string(e.State), "_", " "), e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff, Msg: "bluetooth is turned off"}
)

// Operation errors
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Device describes a peripheral accepted by discovery. It does not own a link.
type Device struct {
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	RSSI      int       `json:"rssi"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// DisplayName returns the advertised name, or a placeholder for unnamed devices.
func (d Device) DisplayName() string {
	if d.Name == "" {
		return "Unknown device"
	}
	return d.Name
}

// Advertisement is the subset of a scan record the central consumes.
type Advertisement interface {
	LocalName() string
	RSSI() int
	Addr() string
	Services() []string
	Connectable() bool
}

// Scanner represents a BLE adapter capable of scanning for advertisements.
// Scan blocks until ctx is done or the scan fails.
type Scanner interface {
	Scan(ctx context.Context, handler func(Advertisement)) error
}

// LinkEventKind identifies which link-layer callback a LinkEvent carries
type LinkEventKind int

const (
	LinkConnected LinkEventKind = iota
	LinkDisconnected
	ServicesDiscovered
	CharacteristicWritten
	CharacteristicRead
	DescriptorWritten
	CharacteristicChanged
)

func (k LinkEventKind) String() string {
	switch k {
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case ServicesDiscovered:
		return "services_discovered"
	case CharacteristicWritten:
		return "characteristic_written"
	case CharacteristicRead:
		return "characteristic_read"
	case DescriptorWritten:
		return "descriptor_written"
	case CharacteristicChanged:
		return "characteristic_changed"
	default:
		return fmt.Sprintf("link_event(%d)", int(k))
	}
}

// LinkEvent is a completion or notification reported by the link layer.
// A nil Err means the operation succeeded.
type LinkEvent struct {
	Kind           LinkEventKind
	Service        string
	Characteristic string
	Descriptor     string
	Value          []byte
	Err            error
}

// Ok reports whether the event carries a success status.
func (e LinkEvent) Ok() bool {
	return e.Err == nil
}

// LinkHandler receives link events. Implementations must be safe to call from
// any goroutine.
type LinkHandler func(LinkEvent)

// Link is one connection to one peripheral. Every request returns immediately;
// its outcome arrives later through the LinkHandler given to Connect. A non-nil
// error from a request means it was never issued.
type Link interface {
	DiscoverServices() error
	WriteCharacteristic(service, characteristic string, data []byte) error
	ReadCharacteristic(service, characteristic string) error
	// SetNotification arms or disarms local delivery of change notifications.
	// It completes synchronously and issues nothing over the air.
	SetNotification(service, characteristic string, enabled bool) error
	WriteDescriptor(service, characteristic, descriptor string, data []byte) error
	Disconnect() error
}

// Connector opens links. Connect returns as soon as the attempt is started;
// LinkConnected or LinkDisconnected reports its outcome.
type Connector interface {
	Connect(ctx context.Context, address string, handler LinkHandler) (Link, error)
}

// Client Characteristic Configuration values
var (
	NotificationEnableValue = []byte{0x01, 0x00}
	IndicationEnableValue   = []byte{0x02, 0x00}
	DisableValue            = []byte{0x00, 0x00}
)

// CCCDUUID is the normalized Client Characteristic Configuration descriptor UUID
const CCCDUUID = "2902"
