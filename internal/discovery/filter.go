// Package discovery finds payment terminals: it filters scan advertisements
// down to the devices worth offering to the consumer and runs timed scans.
package discovery

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/payid/internal/device"
)

const (
	// DefaultNamePrefix is the advertised name prefix of payment terminals.
	DefaultNamePrefix = "Payid"

	// DefaultMinRSSI is the exclusive signal floor: only rssi > -60 dBm is kept.
	DefaultMinRSSI = -60
)

// FilterOptions configures which advertisements are accepted.
type FilterOptions struct {
	NamePrefix string
	MinRSSI    int
}

// DefaultFilterOptions returns the payment terminal filter.
func DefaultFilterOptions() FilterOptions {
	return FilterOptions{
		NamePrefix: DefaultNamePrefix,
		MinRSSI:    DefaultMinRSSI,
	}
}

// Filter decides whether an advertisement becomes a discovered device and
// keeps the discovered set, keyed by address. Safe for concurrent use.
// Insertion order of the set is the order of first sighting.
type Filter struct {
	opts   FilterOptions
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.RWMutex
	devices *orderedmap.OrderedMap[string, device.Device]
}

// NewFilter creates a filter with an empty device set.
func NewFilter(opts FilterOptions, logger *logrus.Logger) *Filter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Filter{
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		devices: orderedmap.New[string, device.Device](),
	}
}

// Options returns the filter criteria.
func (f *Filter) Options() FilterOptions {
	return f.opts
}

// Accepts reports whether a sighting passes the filter. An empty name counts
// as absent.
func (f *Filter) Accepts(name string, rssi int) bool {
	if rssi <= f.opts.MinRSSI {
		return false
	}
	if name == "" {
		return false
	}
	return strings.HasPrefix(name, f.opts.NamePrefix)
}

// Observe applies the filter to one sighting. Accepted sightings are added to
// the set, or refresh RSSI and last-seen time of a device already in it.
// A rejected sighting is not an error and leaves the set untouched.
func (f *Filter) Observe(address, name string, rssi int) (device.Device, bool) {
	dev, accepted, _ := f.observe(address, name, rssi)
	return dev, accepted
}

// ObserveAdvertisement is Observe for a raw scan record.
func (f *Filter) ObserveAdvertisement(adv device.Advertisement) (device.Device, bool) {
	return f.Observe(adv.Addr(), adv.LocalName(), adv.RSSI())
}

func (f *Filter) observe(address, name string, rssi int) (device.Device, bool, bool) {
	if address == "" || !f.Accepts(name, rssi) {
		f.logger.WithFields(logrus.Fields{
			"address": address,
			"name":    name,
			"rssi":    rssi,
		}).Debug("Advertisement filtered out")
		return device.Device{}, false, false
	}

	now := f.now()

	f.mu.Lock()
	dev, found := f.devices.Get(address)
	if found {
		dev.Name = name
		dev.RSSI = rssi
		dev.LastSeen = now
	} else {
		dev = device.Device{
			Address:   address,
			Name:      name,
			RSSI:      rssi,
			FirstSeen: now,
			LastSeen:  now,
		}
	}
	f.devices.Set(address, dev)
	f.mu.Unlock()

	if !found {
		f.logger.WithFields(logrus.Fields{
			"device":  dev.Name,
			"address": dev.Address,
			"rssi":    dev.RSSI,
		}).Info("Discovered new device")
	}
	return dev, true, !found
}

// Devices returns a snapshot of the set in order of first sighting.
func (f *Filter) Devices() []device.Device {
	f.mu.RLock()
	defer f.mu.RUnlock()
	devs := make([]device.Device, 0, f.devices.Len())
	for pair := f.devices.Oldest(); pair != nil; pair = pair.Next() {
		devs = append(devs, pair.Value)
	}
	return devs
}

// Get returns the device with the given address.
func (f *Filter) Get(address string) (device.Device, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.devices.Get(address)
}

// Len returns the number of discovered devices.
func (f *Filter) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.devices.Len()
}

// Clear empties the set.
func (f *Filter) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = orderedmap.New[string, device.Device]()
}
