// Package sensor describes the characteristics a session enables, in order,
// and decodes the values they carry.
package sensor

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srg/payid/internal/device"
)

// Payment service attributes exposed by the price display peripheral.
const (
	PaymentService             = "fff0"
	PaymentReadChar            = "fff1"
	PaymentWriteChar           = "fff2"
	ClientCharacteristicConfig = device.CCCDUUID
)

var knownNames = map[string]string{
	PaymentService:   "Payment Service",
	PaymentReadChar:  "Read payment information",
	PaymentWriteChar: "Modify payment information",
}

// LookupName returns the human-readable name of a known attribute, or
// defaultName when the UUID is not known.
func LookupName(uuid, defaultName string) string {
	if name, ok := knownNames[device.NormalizeUUID(uuid)]; ok {
		return name
	}
	return defaultName
}

// DefaultEnablePayload is written to a characteristic to switch its sensor on.
var DefaultEnablePayload = []byte{0x01}

// Descriptor defines one step of a session. Values are immutable once placed
// in a Table.
type Descriptor struct {
	Name           string `yaml:"name,omitempty"`
	Service        string `yaml:"service"`
	Characteristic string `yaml:"characteristic"`
	Notify         string `yaml:"notify,omitempty"`
	EnablePayload  []byte `yaml:"enable_payload,omitempty"`
	Position       int    `yaml:"-"`
}

func (d Descriptor) clone() Descriptor {
	d.EnablePayload = append([]byte(nil), d.EnablePayload...)
	return d
}

// Reading is a decoded value delivered to the consumer.
type Reading struct {
	Characteristic string    `json:"characteristic"`
	Value          float64   `json:"value"`
	Time           time.Time `json:"time"`
}

// Table is the ordered, immutable sequence of descriptors a session walks.
type Table struct {
	entries []Descriptor
}

// NewTable validates descriptors and fixes their order. UUIDs are normalized,
// Notify defaults to the CCCD and EnablePayload to DefaultEnablePayload.
func NewTable(descs ...Descriptor) (Table, error) {
	entries := make([]Descriptor, 0, len(descs))
	for i, d := range descs {
		uuids, err := device.ValidateUUID(d.Service, d.Characteristic)
		if err != nil {
			return Table{}, fmt.Errorf("sensor %d: %w", i, err)
		}
		d = d.clone()
		d.Service, d.Characteristic = uuids[0], uuids[1]

		if d.Notify == "" {
			d.Notify = device.CCCDUUID
		}
		notify, err := device.ValidateUUID(d.Notify)
		if err != nil {
			return Table{}, fmt.Errorf("sensor %d notify descriptor: %w", i, err)
		}
		d.Notify = notify[0]

		if len(d.EnablePayload) == 0 {
			d.EnablePayload = append([]byte(nil), DefaultEnablePayload...)
		}
		if d.Name == "" {
			d.Name = LookupName(d.Characteristic, d.Characteristic)
		}
		d.Position = i
		entries = append(entries, d)
	}
	return Table{entries: entries}, nil
}

// DefaultTable enables the payment information characteristic only.
func DefaultTable() Table {
	t, err := NewTable(Descriptor{
		Service:        PaymentService,
		Characteristic: PaymentWriteChar,
		Notify:         device.CCCDUUID,
	})
	if err != nil {
		panic(err)
	}
	return t
}

// Count returns the number of sensors N.
func (t Table) Count() int {
	return len(t.entries)
}

// At returns the descriptor at position i. ok is false for i outside 0..N-1.
func (t Table) At(i int) (Descriptor, bool) {
	if i < 0 || i >= len(t.entries) {
		return Descriptor{}, false
	}
	return t.entries[i].clone(), true
}

// All returns a copy of every descriptor in order.
func (t Table) All() []Descriptor {
	out := make([]Descriptor, len(t.entries))
	for i, d := range t.entries {
		out[i] = d.clone()
	}
	return out
}

// Find returns the descriptor for a characteristic UUID.
func (t Table) Find(characteristic string) (Descriptor, bool) {
	c := device.NormalizeUUID(characteristic)
	for _, d := range t.entries {
		if d.Characteristic == c {
			return d.clone(), true
		}
	}
	return Descriptor{}, false
}

// LoadTable reads a YAML list of descriptors:
//
//	- service: fff0
//	  characteristic: fff2
//	  notify: "2902"
func LoadTable(r io.Reader) (Table, error) {
	var descs []Descriptor
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&descs); err != nil {
		if err == io.EOF {
			return NewTable()
		}
		return Table{}, fmt.Errorf("failed to parse sensor table: %w", err)
	}
	return NewTable(descs...)
}
