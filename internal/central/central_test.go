package central

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srg/payid/internal/bridge"
	"github.com/srg/payid/internal/device"
	"github.com/srg/payid/internal/discovery"
	"github.com/srg/payid/internal/session"
	"github.com/srg/payid/internal/testutils"
)

type CentralTestSuite struct {
	suite.Suite

	helper    *testutils.TestHelper
	scanner   *testutils.FakeScanner
	connector *testutils.FakeConnector
	central   *Central
}

func (s *CentralTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.scanner = testutils.NewFakeScanner(
		testutils.CreateMockAdvertisement("Payid-1", "AA:BB:CC:DD:EE:01", -55).Build(),
		testutils.CreateMockAdvertisement("Payid-2", "AA:BB:CC:DD:EE:02", -42).Build(),
		testutils.CreateMockAdvertisement("Scale", "AA:BB:CC:DD:EE:03", -30).Build(),
	)
	s.connector = testutils.NewFakeConnector()
	s.connector.Link.Values["fff2"] = []byte("2.55")

	c, err := New(Options{
		Scanner:   s.scanner,
		Connector: s.connector,
		Logger:    s.helper.Logger,
		Filter:    discovery.DefaultFilterOptions(),
		Discovery: discovery.DiscovererOptions{ScanWindow: time.Second},
	})
	s.Require().NoError(err)
	s.central = c
}

func (s *CentralTestSuite) TearDownTest() {
	s.central.Close()
}

func (s *CentralTestSuite) receive(n int) []bridge.Event {
	var events []bridge.Event
	for len(events) < n {
		select {
		case ev := <-s.central.Events():
			events = append(events, ev)
		case <-time.After(testutils.WaitTimeout):
			s.FailNow("missing events", "got %v", events)
		}
	}
	return events
}

func (s *CentralTestSuite) discover() []device.Device {
	s.Require().NoError(s.central.StartDiscovery(context.Background()))
	s.Require().Eventually(func() bool {
		return len(s.central.Devices()) == 2
	}, testutils.WaitTimeout, testutils.PollInterval)
	return s.central.Devices()
}

func (s *CentralTestSuite) TestNew_Validates() {
	_, err := New(Options{Connector: s.connector})
	s.Error(err)
	_, err = New(Options{Scanner: s.scanner})
	s.Error(err)
}

func (s *CentralTestSuite) TestDiscoveryAndSelection() {
	devs := s.discover()
	s.True(s.central.Scanning())

	strongest, ok := SelectStrongest(devs)
	s.Require().True(ok)
	s.Equal("AA:BB:CC:DD:EE:02", strongest.Address)

	sess, err := s.central.SelectDevice(context.Background(), strongest)
	s.Require().NoError(err)
	s.Same(sess, s.central.Session())

	s.False(s.central.Scanning(), "selecting a device MUST stop discovery")
	s.Empty(s.central.Devices(), "selecting a device MUST clear the device set")

	events := s.receive(4)
	s.Equal(`Progress("discovering services")`, events[0].String())
	s.Equal(`Progress("enabling sensors")`, events[1].String())
	s.Equal("ValueUpdate(fff2, 2.55)", events[2].String())
	s.Equal(bridge.DismissProgress, events[3].Kind)

	s.Eventually(func() bool {
		return sess.Status().Phase == session.AllEnabled
	}, testutils.WaitTimeout, testutils.PollInterval)
	s.Equal([]string{"AA:BB:CC:DD:EE:02"}, s.connector.Addresses())
}

func (s *CentralTestSuite) TestSelectingAgainReplacesSession() {
	devs := s.discover()

	first, err := s.central.SelectDevice(context.Background(), devs[0])
	s.Require().NoError(err)
	s.receive(4)

	second := testutils.NewFakeConnector()
	second.Link.Values["fff2"] = []byte("4.10")
	s.central.connector = second

	_, err = s.central.SelectDevice(context.Background(), devs[1])
	s.Require().NoError(err)

	events := s.receive(5)
	s.Equal(bridge.Cleared, events[0].Kind, "the old session MUST clear before the new one reports")
	s.Equal("ValueUpdate(fff2, 4.1)", events[3].String())

	s.Equal(session.Disconnected, first.Status().Phase)
	s.Equal(1, s.connector.Link.Count(testutils.OpDisconnect))
}

func (s *CentralTestSuite) TestTeardownSession() {
	devs := s.discover()
	_, err := s.central.SelectDevice(context.Background(), devs[0])
	s.Require().NoError(err)
	s.receive(4)

	s.NoError(s.central.TeardownSession())
	s.Nil(s.central.Session())
	s.Equal(bridge.Cleared, s.receive(1)[0].Kind)

	s.NoError(s.central.TeardownSession())
}

func (s *CentralTestSuite) TestStartDiscoveryRestartsScan() {
	s.discover()
	s.scanner.SetAdvertisements(testutils.CreateMockAdvertisement("Payid-9", "AA:BB:CC:DD:EE:09", -40).Build())

	s.Require().NoError(s.central.StartDiscovery(context.Background()))
	s.Eventually(func() bool {
		devs := s.central.Devices()
		return len(devs) == 1 && devs[0].Address == "AA:BB:CC:DD:EE:09"
	}, testutils.WaitTimeout, testutils.PollInterval)
	s.Equal(2, s.scanner.Scans())
}

func (s *CentralTestSuite) TestDeviceEvents() {
	s.discover()

	select {
	case ev := <-s.central.DeviceEvents():
		s.Equal(discovery.EventNew, ev.Type)
		s.Equal("AA:BB:CC:DD:EE:01", ev.Device.Address)
	case <-time.After(testutils.WaitTimeout):
		s.FailNow("no device event")
	}
}

func (s *CentralTestSuite) TestClose() {
	devs := s.discover()
	_, err := s.central.SelectDevice(context.Background(), devs[0])
	s.Require().NoError(err)

	done := make(chan []bridge.Event)
	go func() {
		var got []bridge.Event
		for ev := range s.central.Events() {
			got = append(got, ev)
		}
		done <- got
	}()

	s.NoError(s.central.Close())
	s.NoError(s.central.Close())

	select {
	case got := <-done:
		s.Require().NotEmpty(got)
		s.Equal(bridge.Cleared, got[len(got)-1].Kind)
	case <-time.After(testutils.WaitTimeout):
		s.FailNow("event stream was not closed")
	}

	s.Error(s.central.StartDiscovery(context.Background()))
	_, err = s.central.SelectDevice(context.Background(), devs[0])
	s.Error(err)
}

func TestCentralTestSuite(t *testing.T) {
	suite.Run(t, new(CentralTestSuite))
}

func TestSelectStrongest(t *testing.T) {
	_, ok := SelectStrongest(nil)
	assert.False(t, ok)

	best, ok := SelectStrongest([]device.Device{
		{Address: "a", RSSI: -50},
		{Address: "b", RSSI: -41},
		{Address: "c", RSSI: -41},
	})
	assert.True(t, ok)
	assert.Equal(t, "b", best.Address)
}
