// Package view keeps the consumer-side model of a session: the latest value
// per sensor and the current progress message.
package view

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/payid/internal/bridge"
	"github.com/srg/payid/internal/sensor"
)

// Entry is one row of the board.
type Entry struct {
	Characteristic string          `json:"characteristic"`
	Name           string          `json:"name"`
	Reading        *sensor.Reading `json:"reading,omitempty"`
}

// Snapshot is a copy of the board state.
type Snapshot struct {
	Busy     bool    `json:"busy"`
	Progress string  `json:"progress,omitempty"`
	Entries  []Entry `json:"entries"`
}

// Board applies bridge events in order. Rows keep table order; values from
// characteristics outside the table are appended as they appear.
type Board struct {
	mu       sync.RWMutex
	entries  *orderedmap.OrderedMap[string, Entry]
	busy     bool
	progress string
}

// NewBoard creates a board with one empty row per sensor of table.
func NewBoard(table sensor.Table) *Board {
	entries := orderedmap.New[string, Entry]()
	for _, d := range table.All() {
		name := d.Name
		if name == "" {
			name = sensor.LookupName(d.Characteristic, d.Characteristic)
		}
		entries.Set(d.Characteristic, Entry{Characteristic: d.Characteristic, Name: name})
	}
	return &Board{entries: entries}
}

// Apply updates the board with one event.
func (b *Board) Apply(ev bridge.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Kind {
	case bridge.Progress:
		b.busy = true
		b.progress = ev.Message
	case bridge.DismissProgress:
		b.busy = false
		b.progress = ""
	case bridge.ValueUpdate:
		if ev.Reading == nil {
			return
		}
		r := *ev.Reading
		entry, ok := b.entries.Get(r.Characteristic)
		if !ok {
			entry = Entry{
				Characteristic: r.Characteristic,
				Name:           sensor.LookupName(r.Characteristic, r.Characteristic),
			}
		}
		entry.Reading = &r
		b.entries.Set(r.Characteristic, entry)
	case bridge.Cleared:
		b.busy = false
		b.progress = ""
		for pair := b.entries.Oldest(); pair != nil; pair = pair.Next() {
			pair.Value.Reading = nil
		}
	}
}

// Handle lets a Board sit among the event sinks.
func (b *Board) Handle(ev bridge.Event) error {
	b.Apply(ev)
	return nil
}

// Value returns the latest reading of characteristic.
func (b *Board) Value(characteristic string) (sensor.Reading, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries.Get(characteristic)
	if !ok || entry.Reading == nil {
		return sensor.Reading{}, false
	}
	return *entry.Reading, true
}

// Snapshot returns a copy of the board.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := Snapshot{
		Busy:     b.busy,
		Progress: b.progress,
		Entries:  make([]Entry, 0, b.entries.Len()),
	}
	for pair := b.entries.Oldest(); pair != nil; pair = pair.Next() {
		entry := pair.Value
		if entry.Reading != nil {
			r := *entry.Reading
			entry.Reading = &r
		}
		snap.Entries = append(snap.Entries, entry)
	}
	return snap
}
