package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srg/payid/internal/bridge"
	"github.com/srg/payid/internal/device"
	"github.com/srg/payid/internal/sensor"
	"github.com/srg/payid/internal/testutils"
)

const terminalAddress = "AA:BB:CC:DD:EE:01"

type SessionTestSuite struct {
	suite.Suite

	helper    *testutils.TestHelper
	connector *testutils.FakeConnector
	events    *testutils.EventRecorder
	session   *Session
}

func (s *SessionTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.connector = testutils.NewFakeConnector()
	s.connector.Link.Values[sensor.PaymentWriteChar] = []byte("2.55")
	s.events = &testutils.EventRecorder{}
	s.session = nil
}

func (s *SessionTestSuite) TearDownTest() {
	if s.session != nil {
		s.session.Close()
	}
}

func (s *SessionTestSuite) newSession(opts Options) *Session {
	opts.Emitter = s.events
	opts.Logger = s.helper.Logger
	sess, err := New(terminalAddress, opts)
	s.Require().NoError(err)
	s.session = sess
	return sess
}

func (s *SessionTestSuite) open(opts Options) *Session {
	sess := s.newSession(opts)
	s.Require().NoError(sess.Open(context.Background(), s.connector))
	return sess
}

func (s *SessionTestSuite) waitPhase(sess *Session, phase Phase) {
	s.Require().Eventually(func() bool {
		return sess.Status().Phase == phase
	}, testutils.WaitTimeout, testutils.PollInterval, "session never reached %s, stuck in %s", phase, sess.Status())
}

func (s *SessionTestSuite) waitDone(sess *Session) {
	select {
	case <-sess.Done():
	case <-time.After(testutils.WaitTimeout):
		s.FailNow("session did not end", "status: %s", sess.Status())
	}
}

func (s *SessionTestSuite) threeSensorTable() *sensor.Table {
	t, err := sensor.NewTable(
		sensor.Descriptor{Service: "fff0", Characteristic: "fff2"},
		sensor.Descriptor{Service: "fff0", Characteristic: "fff1", EnablePayload: []byte{0x02}},
		sensor.Descriptor{Service: "180f", Characteristic: "2a19"},
	)
	s.Require().NoError(err)
	return &t
}

func (s *SessionTestSuite) TestDefaultTable_EventSequence() {
	sess := s.open(Options{})
	s.waitPhase(sess, AllEnabled)

	s.Equal([]string{
		`Progress("discovering services")`,
		`Progress("enabling sensors")`,
		"ValueUpdate(fff2, 2.55)",
		"DismissProgress",
	}, s.events.Strings())
	s.Equal(Status{Phase: AllEnabled, Index: 1}, sess.Status())

	s.Equal([]string{
		"discover",
		"write(fff2, 01)",
		"read(fff2)",
		"set_notification(fff2, true)",
		"write_descriptor(fff2/2902, 0100)",
	}, s.connector.Link.CallStrings())
	s.Equal([]string{terminalAddress}, s.connector.Addresses())
}

func (s *SessionTestSuite) TestSensorsEnabledInTableOrder() {
	link := s.connector.Link
	link.Values["fff1"] = []byte("1.5")
	link.Values["2a19"] = []byte("87")

	sess := s.open(Options{Table: s.threeSensorTable()})
	s.waitPhase(sess, AllEnabled)

	s.Equal([]string{
		"discover",
		"write(fff2, 01)", "read(fff2)", "set_notification(fff2, true)", "write_descriptor(fff2/2902, 0100)",
		"write(fff1, 02)", "read(fff1)", "set_notification(fff1, true)", "write_descriptor(fff1/2902, 0100)",
		"write(2a19, 01)", "read(2a19)", "set_notification(2a19, true)", "write_descriptor(2a19/2902, 0100)",
	}, link.CallStrings())
	s.Equal(3, sess.Status().Index, "index MUST equal the table size once all sensors are enabled")
	s.Equal(int64(3), sess.Metrics().Readings)
}

func (s *SessionTestSuite) TestSingleSensor_OneValueAndDismiss() {
	s.connector.Link.Values[sensor.PaymentWriteChar] = []byte("1.23")

	sess := s.open(Options{})
	s.waitPhase(sess, AllEnabled)

	s.Equal(1, s.events.Count(bridge.ValueUpdate))
	s.Equal(1, s.events.Count(bridge.DismissProgress))
	s.Equal(1.23, s.events.Events()[2].Reading.Value)
}

func (s *SessionTestSuite) TestTwoSensors_AdvancesToSecondEnable() {
	table, err := sensor.NewTable(
		sensor.Descriptor{Service: "fff0", Characteristic: "fff2"},
		sensor.Descriptor{Service: "fff0", Characteristic: "fff1"},
	)
	s.Require().NoError(err)

	link := s.connector.Link
	sess := s.newSession(Options{Table: &table})
	// Hold the second enable write so the session stays on it.
	link.Stall[testutils.OpWrite] = true
	s.Require().NoError(sess.Open(context.Background(), s.connector))
	s.waitPhase(sess, EnablingSensor)

	link.Emit(device.LinkEvent{Kind: device.CharacteristicWritten, Service: "fff0", Characteristic: "fff2"})
	s.Require().Eventually(func() bool {
		return sess.Status() == Status{Phase: EnablingSensor, Index: 1}
	}, testutils.WaitTimeout, testutils.PollInterval, "stuck in %s", sess.Status())

	s.Zero(s.events.Count(bridge.DismissProgress))
	s.Equal(2, link.Count(testutils.OpWrite))
}

func (s *SessionTestSuite) TestSubscriptionIsIssuedOncePerSensor() {
	sess := s.open(Options{Table: s.threeSensorTable()})
	s.waitPhase(sess, AllEnabled)

	link := s.connector.Link
	for i := 0; i < 5; i++ {
		link.Notify("fff0", "fff2", []byte("3.10"))
	}
	s.Eventually(func() bool {
		return s.events.Count(bridge.ValueUpdate) >= 6
	}, testutils.WaitTimeout, testutils.PollInterval)

	s.Equal(3, link.Count(testutils.OpSetNotification))
	s.Equal(3, link.Count(testutils.OpWriteDescriptor))
	s.Equal(3, link.Count(testutils.OpWrite))
}

func (s *SessionTestSuite) TestNotificationsDeliverValueUpdates() {
	sess := s.open(Options{})
	s.waitPhase(sess, AllEnabled)

	s.connector.Link.Notify("fff0", "FFF2", []byte("3.10"))
	s.connector.Link.Notify("fff0", "fff2", []byte(" 4 "))

	s.Eventually(func() bool {
		return s.events.Count(bridge.ValueUpdate) == 3
	}, testutils.WaitTimeout, testutils.PollInterval)

	events := s.events.Events()
	last := events[len(events)-1]
	s.Require().NotNil(last.Reading)
	s.Equal("fff2", last.Reading.Characteristic)
	s.Equal(4.0, last.Reading.Value)
	s.Equal(AllEnabled, sess.Status().Phase, "notifications MUST NOT change the phase")
	s.Equal(int64(2), sess.Metrics().Notifications)
}

func (s *SessionTestSuite) TestNotificationBeforeSubscriptionIsIgnored() {
	s.connector.Link.Stall[testutils.OpDiscover] = true
	sess := s.open(Options{})
	s.waitPhase(sess, DiscoveringServices)

	s.connector.Link.Notify("fff0", "fff2", []byte("9.99"))

	s.Eventually(func() bool {
		return sess.Metrics().IgnoredCallbacks == 1
	}, testutils.WaitTimeout, testutils.PollInterval)
	s.Zero(s.events.Count(bridge.ValueUpdate))
}

func (s *SessionTestSuite) TestUndecodableValueIsDroppedAndSessionContinues() {
	s.connector.Link.Values[sensor.PaymentWriteChar] = []byte("not a price")

	sess := s.open(Options{})
	s.waitPhase(sess, AllEnabled)

	s.Zero(s.events.Count(bridge.ValueUpdate))
	s.Equal(int64(1), sess.Metrics().DecodeErrors)
	s.Equal(1, s.connector.Link.Count(testutils.OpWriteDescriptor), "subscription MUST still be armed")
	s.True(s.helper.HasLog(logrus.WarnLevel, "Dropping undecodable reading"))
}

func (s *SessionTestSuite) TestCompletionFailure_Disconnects() {
	tests := []struct {
		op     string
		status Status
	}{
		{testutils.OpDiscover, Status{Phase: DiscoveringServices}},
		{testutils.OpWrite, Status{Phase: EnablingSensor, Index: 0}},
		{testutils.OpRead, Status{Phase: ReadingSensor, Index: 0}},
		{testutils.OpWriteDescriptor, Status{Phase: SubscribingSensor, Index: 0}},
	}

	for _, tt := range tests {
		s.Run(tt.op, func() {
			gattErr := errors.New("gatt status 133")
			connector := testutils.NewFakeConnector()
			connector.Link.Values["fff2"] = []byte("1")
			connector.Link.Fail[tt.op] = gattErr
			events := &testutils.EventRecorder{}

			sess, err := New(terminalAddress, Options{Emitter: events, Logger: s.helper.Logger})
			s.Require().NoError(err)
			defer sess.Close()
			s.Require().NoError(sess.Open(context.Background(), connector))
			s.waitDone(sess)

			s.Equal(Disconnected, sess.Status().Phase)
			var failure *LinkFailure
			s.Require().ErrorAs(sess.Err(), &failure)
			s.Equal(tt.status, failure.Status)
			s.ErrorIs(sess.Err(), gattErr)
			s.Equal(1, events.Count(bridge.Cleared))
			s.Equal(1, connector.Link.Count(testutils.OpDisconnect))
			s.Zero(events.Count(bridge.DismissProgress))
		})
	}
}

func (s *SessionTestSuite) TestRejectedRequest_Disconnects() {
	s.connector.Link.Reject[testutils.OpSetNotification] = errors.New("characteristic has no notify property")

	sess := s.open(Options{})
	s.waitDone(sess)

	var failure *LinkFailure
	s.Require().ErrorAs(sess.Err(), &failure)
	s.Equal("set notification", failure.Op)
	s.Equal(Status{Phase: SubscribingSensor}, failure.Status)
	s.Zero(s.connector.Link.Count(testutils.OpWriteDescriptor))
	s.Equal(1, s.events.Count(bridge.Cleared))
}

func (s *SessionTestSuite) TestUnexpectedDisconnect_ClearsOnce() {
	sess := s.open(Options{})
	s.waitPhase(sess, AllEnabled)

	s.connector.Link.Drop(device.ErrNotConnected)
	s.waitDone(sess)
	s.connector.Link.Drop(nil)

	s.Equal(Disconnected, sess.Status().Phase)
	s.ErrorIs(sess.Err(), device.ErrNotConnected)
	s.Equal(1, s.events.Count(bridge.Cleared))
	s.Equal("Cleared", s.events.Strings()[len(s.events.Strings())-1])
}

func (s *SessionTestSuite) TestConnectFailureStatus_Disconnects() {
	s.connector.ConnectErr = errors.New("connection refused")

	sess := s.open(Options{})
	s.waitDone(sess)

	var failure *LinkFailure
	s.Require().ErrorAs(sess.Err(), &failure)
	s.Equal(LinkConnecting, failure.Status.Phase)
	s.Equal([]string{"Cleared"}, s.events.Strings())
}

func (s *SessionTestSuite) TestConnectError_ReturnedAndDisconnects() {
	s.connector.Err = device.ErrBluetoothOff

	sess := s.newSession(Options{})
	err := sess.Open(context.Background(), s.connector)
	s.ErrorIs(err, device.ErrBluetoothOff)

	s.waitDone(sess)
	s.Equal(Disconnected, sess.Status().Phase)
	s.ErrorIs(sess.Err(), device.ErrBluetoothOff)
	s.Equal(1, s.events.Count(bridge.Cleared))
}

func (s *SessionTestSuite) TestConnectedBeforeConnectReturns() {
	s.connector.Sync = true

	sess := s.open(Options{})
	s.waitPhase(sess, AllEnabled)
	s.Equal(1, s.events.Count(bridge.ValueUpdate))
}

func (s *SessionTestSuite) TestOperationTimeout() {
	tests := []struct {
		name  string
		stall func(c *testutils.FakeConnector)
		phase Phase
	}{
		{"connect", func(c *testutils.FakeConnector) { c.Stall = true }, LinkConnecting},
		{"discover", func(c *testutils.FakeConnector) { c.Link.Stall[testutils.OpDiscover] = true }, DiscoveringServices},
		{"read", func(c *testutils.FakeConnector) { c.Link.Stall[testutils.OpRead] = true }, ReadingSensor},
		{"subscribe", func(c *testutils.FakeConnector) { c.Link.Stall[testutils.OpWriteDescriptor] = true }, SubscribingSensor},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			connector := testutils.NewFakeConnector()
			connector.Link.Values["fff2"] = []byte("1")
			tt.stall(connector)
			events := &testutils.EventRecorder{}

			sess, err := New(terminalAddress, Options{
				Emitter:          events,
				Logger:           s.helper.Logger,
				OperationTimeout: 50 * time.Millisecond,
			})
			s.Require().NoError(err)
			defer sess.Close()
			s.Require().NoError(sess.Open(context.Background(), connector))
			s.waitDone(sess)

			var failure *LinkFailure
			s.Require().ErrorAs(sess.Err(), &failure)
			s.ErrorIs(failure, device.ErrTimeout)
			s.Equal(tt.phase, failure.Status.Phase)
			s.Equal(1, events.Count(bridge.Cleared))
		})
	}
}

func (s *SessionTestSuite) TestConnectWaitsForConnectTimeout() {
	s.connector.Stall = true
	sess := s.open(Options{
		OperationTimeout: 20 * time.Millisecond,
		ConnectTimeout:   300 * time.Millisecond,
	})
	s.waitPhase(sess, LinkConnecting)

	time.Sleep(100 * time.Millisecond)
	s.Equal(LinkConnecting, sess.Status().Phase, "connect MUST NOT fail on the operation budget")
	s.NoError(sess.Err())

	s.waitDone(sess)
	var failure *LinkFailure
	s.Require().ErrorAs(sess.Err(), &failure)
	s.ErrorIs(failure, device.ErrTimeout)
	s.Equal(LinkConnecting, failure.Status.Phase)
}

func (s *SessionTestSuite) TestShorterConnectTimeoutKeepsOperationBudget() {
	sess, err := New(terminalAddress, Options{
		Emitter:          s.events,
		OperationTimeout: time.Second,
		ConnectTimeout:   time.Millisecond,
	})
	s.Require().NoError(err)
	defer sess.Close()

	s.Equal(time.Second, sess.budget(LinkConnecting))
	s.Equal(time.Second, sess.budget(ReadingSensor))
	s.Zero(sess.budget(AllEnabled))
}

func (s *SessionTestSuite) TestNoTimeoutOnceAllEnabled() {
	sess := s.open(Options{OperationTimeout: 30 * time.Millisecond})
	s.waitPhase(sess, AllEnabled)

	time.Sleep(100 * time.Millisecond)
	s.Equal(AllEnabled, sess.Status().Phase)
	s.NoError(sess.Err())
}

func (s *SessionTestSuite) TestMismatchedCompletionIsIgnored() {
	link := s.connector.Link
	link.Stall[testutils.OpDiscover] = true
	sess := s.open(Options{})
	s.waitPhase(sess, DiscoveringServices)

	link.Emit(device.LinkEvent{Kind: device.CharacteristicRead, Characteristic: "fff2", Value: []byte("1")})
	link.Emit(device.LinkEvent{Kind: device.DescriptorWritten, Characteristic: "fff2", Descriptor: "2902"})

	s.Eventually(func() bool {
		return sess.Metrics().IgnoredCallbacks == 2
	}, testutils.WaitTimeout, testutils.PollInterval)
	s.Equal(DiscoveringServices, sess.Status().Phase)
	s.Zero(s.events.Count(bridge.ValueUpdate))
	s.True(s.helper.HasLog(logrus.WarnLevel, "Ignoring unexpected link callback"))

	link.Emit(device.LinkEvent{Kind: device.ServicesDiscovered})
	s.waitPhase(sess, AllEnabled)
}

func (s *SessionTestSuite) TestWriteCompletionForOtherCharacteristicIsIgnored() {
	link := s.connector.Link
	link.Stall[testutils.OpWrite] = true
	sess := s.open(Options{})
	s.waitPhase(sess, EnablingSensor)

	link.Emit(device.LinkEvent{Kind: device.CharacteristicWritten, Characteristic: "fff1"})
	s.Eventually(func() bool {
		return sess.Metrics().IgnoredCallbacks == 1
	}, testutils.WaitTimeout, testutils.PollInterval)
	s.Equal(Status{Phase: EnablingSensor}, sess.Status())

	link.Emit(device.LinkEvent{Kind: device.CharacteristicWritten, Characteristic: "FFF2"})
	s.waitPhase(sess, AllEnabled)
}

func (s *SessionTestSuite) TestClose_ClearsOnceAndIgnoresLateCallbacks() {
	sess := s.open(Options{})
	s.waitPhase(sess, AllEnabled)

	s.NoError(sess.Close())
	s.NoError(sess.Close())

	s.connector.Link.Notify("fff0", "fff2", []byte("7.00"))
	s.connector.Link.Drop(nil)

	s.Equal(Disconnected, sess.Status().Phase)
	s.NoError(sess.Err(), "a teardown requested by the consumer is not a failure")
	s.Equal(1, s.events.Count(bridge.Cleared))
	s.Equal(1, s.events.Count(bridge.ValueUpdate))
	s.Equal(1, s.connector.Link.Count(testutils.OpDisconnect))
	s.Equal(int64(2), sess.Metrics().IgnoredCallbacks)
}

func (s *SessionTestSuite) TestCancelledContextTearsDown() {
	ctx, cancel := context.WithCancel(context.Background())
	sess := s.newSession(Options{})
	s.Require().NoError(sess.Open(ctx, s.connector))
	s.waitPhase(sess, AllEnabled)

	cancel()
	s.waitDone(sess)
	s.Equal(1, s.events.Count(bridge.Cleared))
	s.NoError(sess.Err())
}

func (s *SessionTestSuite) TestCloseWhileConnecting() {
	s.connector.Stall = true
	sess := s.open(Options{})
	s.waitPhase(sess, LinkConnecting)

	s.NoError(sess.Close())
	s.Equal(Disconnected, sess.Status().Phase)
	s.Equal([]string{"Cleared"}, s.events.Strings())
}

func (s *SessionTestSuite) TestCloseBeforeOpen() {
	sess := s.newSession(Options{})
	s.NoError(sess.Close())

	s.Equal(Disconnected, sess.Status().Phase)
	s.ErrorIs(sess.Open(context.Background(), s.connector), ErrAlreadyOpened)
	s.Empty(s.connector.Addresses())
}

func (s *SessionTestSuite) TestOpenTwice() {
	sess := s.open(Options{})
	s.ErrorIs(sess.Open(context.Background(), s.connector), ErrAlreadyOpened)
}

func (s *SessionTestSuite) TestEmptyTable() {
	empty, err := sensor.NewTable()
	s.Require().NoError(err)

	sess := s.open(Options{Table: &empty})
	s.waitPhase(sess, AllEnabled)

	s.Equal([]string{
		`Progress("discovering services")`,
		`Progress("enabling sensors")`,
		"DismissProgress",
	}, s.events.Strings())
	s.Equal([]string{"discover"}, s.connector.Link.CallStrings())
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func TestNew_Validates(t *testing.T) {
	_, err := New("", Options{Emitter: &testutils.EventRecorder{}})
	assert.Error(t, err)

	_, err = New(terminalAddress, Options{})
	assert.Error(t, err)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "EnablingSensor(1)", Status{Phase: EnablingSensor, Index: 1}.String())
	assert.Equal(t, "SubscribingSensor(0)", Status{Phase: SubscribingSensor}.String())
	assert.Equal(t, "AllEnabled", Status{Phase: AllEnabled, Index: 3}.String())
	assert.Equal(t, "Phase(42)", Phase(42).String())
	assert.True(t, Disconnected.Terminal())
	assert.False(t, AllEnabled.Terminal())
}

func TestLinkFailureError(t *testing.T) {
	err := &LinkFailure{Status: Status{Phase: ReadingSensor, Index: 2}, Op: "read", Err: device.ErrTimeout}
	assert.Equal(t, "link failure in ReadingSensor(2) during read: timeout", err.Error())
	assert.ErrorIs(t, err, device.ErrTimeout)
}
