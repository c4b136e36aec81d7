package testutils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/srg/payid/internal/device"
)

// FakeScanner replays advertisements to the scan handler. Unless Err is set it
// then blocks like a real scan until the context is done.
type FakeScanner struct {
	mu             sync.Mutex
	advertisements []device.Advertisement

	// Err ends the scan right after the replay.
	Err error

	scans atomic.Int32
}

// NewFakeScanner creates a scanner replaying advs on every scan.
func NewFakeScanner(advs ...device.Advertisement) *FakeScanner {
	return &FakeScanner{advertisements: advs}
}

// SetAdvertisements replaces what later scans replay.
func (s *FakeScanner) SetAdvertisements(advs ...device.Advertisement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advertisements = advs
}

// Scans returns how many scans were started.
func (s *FakeScanner) Scans() int {
	return int(s.scans.Load())
}

func (s *FakeScanner) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	s.scans.Add(1)

	s.mu.Lock()
	advs := append([]device.Advertisement(nil), s.advertisements...)
	s.mu.Unlock()

	for _, adv := range advs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		handler(adv)
	}
	if s.Err != nil {
		return s.Err
	}

	<-ctx.Done()
	return ctx.Err()
}

var _ device.Scanner = (*FakeScanner)(nil)
