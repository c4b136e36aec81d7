package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/payid/internal/testutils"
)

type DiscovererTestSuite struct {
	suite.Suite

	helper  *testutils.TestHelper
	scanner *testutils.FakeScanner
}

func (s *DiscovererTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.scanner = testutils.NewFakeScanner(
		testutils.CreateMockAdvertisement("Payid-1", "AA:BB:CC:DD:EE:01", -45).Build(),
		testutils.CreateMockAdvertisement("Payid-2", "AA:BB:CC:DD:EE:02", -70).Build(),
		testutils.CreateMockAdvertisement("Scale", "AA:BB:CC:DD:EE:03", -30).Build(),
		testutils.CreateMockAdvertisement("Payid-3", "AA:BB:CC:DD:EE:04", -52).Build(),
		testutils.CreateMockAdvertisement("Payid-1", "AA:BB:CC:DD:EE:01", -41).Build(),
	)
}

func (s *DiscovererTestSuite) newDiscoverer(window time.Duration) *Discoverer {
	d, err := NewDiscoverer(s.scanner, NewFilter(DefaultFilterOptions(), s.helper.Logger), DiscovererOptions{
		ScanWindow: window,
	}, s.helper.Logger)
	s.Require().NoError(err)
	return d
}

func (s *DiscovererTestSuite) TestNewDiscoverer_Validates() {
	_, err := NewDiscoverer(nil, NewFilter(DefaultFilterOptions(), nil), DefaultDiscovererOptions(), nil)
	s.Error(err)

	_, err = NewDiscoverer(s.scanner, nil, DefaultDiscovererOptions(), nil)
	s.Error(err)
}

func (s *DiscovererTestSuite) TestScanWindowStopsScan() {
	d := s.newDiscoverer(50 * time.Millisecond)

	s.Require().NoError(d.Start(context.Background()))
	s.True(d.Scanning())
	s.NoError(d.Wait(), "end of the scan window is not an error")
	s.False(d.Scanning())

	devs := d.Devices()
	s.Require().Len(devs, 2)
	s.Equal("AA:BB:CC:DD:EE:01", devs[0].Address)
	s.Equal(-41, devs[0].RSSI)
	s.Equal("AA:BB:CC:DD:EE:04", devs[1].Address)
}

func (s *DiscovererTestSuite) TestEvents() {
	d := s.newDiscoverer(0)
	s.Require().NoError(d.Start(context.Background()))
	defer d.Stop()

	var got []DeviceEvent
	for len(got) < 3 {
		select {
		case ev := <-d.Events():
			got = append(got, ev)
		case <-time.After(testutils.WaitTimeout):
			s.FailNow("missing device events", "got %d", len(got))
		}
	}

	s.Equal(EventNew, got[0].Type)
	s.Equal("AA:BB:CC:DD:EE:01", got[0].Device.Address)
	s.Equal(EventNew, got[1].Type)
	s.Equal("AA:BB:CC:DD:EE:04", got[1].Device.Address)
	s.Equal(EventUpdated, got[2].Type)
	s.Equal(-41, got[2].Device.RSSI)
}

func (s *DiscovererTestSuite) TestStopIsIdempotent() {
	d := s.newDiscoverer(0)
	d.Stop()
	s.NoError(d.Wait())

	s.Require().NoError(d.Start(context.Background()))
	s.Require().Eventually(func() bool { return d.Filter().Len() == 2 }, testutils.WaitTimeout, testutils.PollInterval)

	d.Stop()
	d.Stop()
	s.NoError(d.Wait())
	s.False(d.Scanning())
	d.Stop()
}

func (s *DiscovererTestSuite) TestStartWhileScanning() {
	d := s.newDiscoverer(0)
	s.Require().NoError(d.Start(context.Background()))
	defer d.Stop()

	s.ErrorIs(d.Start(context.Background()), ErrScanInProgress)
}

func (s *DiscovererTestSuite) TestRestartClearsDevices() {
	d := s.newDiscoverer(0)
	s.Require().NoError(d.Start(context.Background()))
	s.Require().Eventually(func() bool { return d.Filter().Len() == 2 }, testutils.WaitTimeout, testutils.PollInterval)
	d.Stop()
	s.Require().NoError(d.Wait())

	s.scanner.SetAdvertisements(testutils.CreateMockAdvertisement("Payid-5", "AA:BB:CC:DD:EE:05", -33).Build())
	s.Require().NoError(d.Start(context.Background()))
	defer d.Stop()

	s.Require().Eventually(func() bool { return d.Filter().Len() == 1 }, testutils.WaitTimeout, testutils.PollInterval)
	s.Equal("AA:BB:CC:DD:EE:05", d.Devices()[0].Address)
	s.Equal(2, s.scanner.Scans())
}

func (s *DiscovererTestSuite) TestScanErrorReturnedFromWait() {
	s.scanner.Err = errors.New("adapter reset")
	d := s.newDiscoverer(time.Second)

	s.Require().NoError(d.Start(context.Background()))
	s.ErrorContains(d.Wait(), "adapter reset")
	s.Len(d.Devices(), 2, "devices seen before the failure stay available")
}

func (s *DiscovererTestSuite) TestParentContextCancelStopsScan() {
	ctx, cancel := context.WithCancel(context.Background())
	d := s.newDiscoverer(0)
	s.Require().NoError(d.Start(ctx))

	cancel()
	s.NoError(d.Wait())
	s.False(d.Scanning())
}

func TestDiscovererTestSuite(t *testing.T) {
	suite.Run(t, new(DiscovererTestSuite))
}

func TestRingChannel_DropsOldest(t *testing.T) {
	rc := NewRingChannel[int](2)
	rc.ForceSend(1)
	rc.ForceSend(2)
	dropped := rc.ForceSend(3)

	if !dropped {
		t.Fatal("expected the oldest element to be dropped")
	}
	if got := <-rc.C(); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
	if m := rc.Metrics(); m.Overwritten != 1 || m.Written != 3 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}
