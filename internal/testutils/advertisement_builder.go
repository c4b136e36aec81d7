package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/payid/internal/device"
)

// Advertisement is a device.Advertisement backed by plain fields.
type Advertisement struct {
	Name           string
	Address        string
	Signal         int
	ServiceUUIDs   []string
	NotConnectable bool
}

func (a *Advertisement) LocalName() string  { return a.Name }
func (a *Advertisement) RSSI() int          { return a.Signal }
func (a *Advertisement) Addr() string       { return a.Address }
func (a *Advertisement) Services() []string { return a.ServiceUUIDs }
func (a *Advertisement) Connectable() bool  { return !a.NotConnectable }

var _ device.Advertisement = (*Advertisement)(nil)

// AdvertisementBuilder builds advertisements for scanner and filter tests.
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder creates a connectable advertisement with no name.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

// WithRSSI sets the signal strength.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Signal = rssi
	return b
}

// WithServices sets the advertised service UUIDs.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceUUIDs = append([]string(nil), uuids...)
	return b
}

// WithConnectable sets the connectable flag.
func (b *AdvertisementBuilder) WithConnectable(connectable bool) *AdvertisementBuilder {
	b.adv.NotConnectable = !connectable
	return b
}

// FromJSON fills the builder from a JSON object, after formatting it with
// args. Recognized keys: name, address, rssi, services, connectable.
// Panics on malformed JSON; it is meant for test fixtures.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	var fields struct {
		Name        *string  `json:"name"`
		Address     *string  `json:"address"`
		RSSI        *int     `json:"rssi"`
		Services    []string `json:"services"`
		Connectable *bool    `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &fields); err != nil {
		panic(fmt.Sprintf("invalid advertisement JSON: %v", err))
	}

	if fields.Name != nil {
		b.WithName(*fields.Name)
	}
	if fields.Address != nil {
		b.WithAddress(*fields.Address)
	}
	if fields.RSSI != nil {
		b.WithRSSI(*fields.RSSI)
	}
	if fields.Services != nil {
		b.WithServices(fields.Services...)
	}
	if fields.Connectable != nil {
		b.WithConnectable(*fields.Connectable)
	}
	return b
}

// Build returns the advertisement.
func (b *AdvertisementBuilder) Build() *Advertisement {
	adv := b.adv
	adv.ServiceUUIDs = append([]string(nil), b.adv.ServiceUUIDs...)
	return &adv
}
