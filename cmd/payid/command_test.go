package main

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/payid/internal/device"
	"github.com/srg/payid/internal/testutils"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writers a command
// spawns.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite swaps the link layer for fakes and runs commands through
// the root command.
type CommandTestSuite struct {
	suite.Suite

	scanner   *testutils.FakeScanner
	connector *testutils.FakeConnector

	originalScanner   func(*logrus.Logger) (device.Scanner, error)
	originalConnector func(time.Duration, *logrus.Logger) device.Connector
	originalNoColor   bool
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalScanner = newScanner
	s.originalConnector = newConnector
	s.originalNoColor = color.NoColor
	color.NoColor = true

	newScanner = func(*logrus.Logger) (device.Scanner, error) { return s.scanner, nil }
	newConnector = func(time.Duration, *logrus.Logger) device.Connector { return s.connector }
}

func (s *CommandTestSuite) TearDownSuite() {
	newScanner = s.originalScanner
	newConnector = s.originalConnector
	color.NoColor = s.originalNoColor
}

func (s *CommandTestSuite) SetupTest() {
	s.scanner = testutils.NewFakeScanner(
		testutils.CreateMockAdvertisement("Payid-1", "AA:BB:CC:DD:EE:01", -55).Build(),
		testutils.CreateMockAdvertisement("Payid-2", "AA:BB:CC:DD:EE:02", -42).Build(),
		testutils.CreateMockAdvertisement("Scale", "AA:BB:CC:DD:EE:03", -30).Build(),
	)
	s.connector = testutils.NewFakeConnector()
	s.connector.Link.Values["fff2"] = []byte("2.55")
}

// Execute runs the root command with args and returns stdout and the error.
func (s *CommandTestSuite) Execute(ctx context.Context, args ...string) (string, error) {
	out := &syncBuffer{}
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(&syncBuffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

// Start runs the command in the background. The returned function waits for
// it to finish.
func (s *CommandTestSuite) Start(ctx context.Context, args ...string) (*syncBuffer, func() error) {
	out := &syncBuffer{}
	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(&syncBuffer{})
	root.SetArgs(args)

	errCh := make(chan error, 1)
	go func() { errCh <- root.ExecuteContext(ctx) }()

	return out, func() error {
		select {
		case err := <-errCh:
			return err
		case <-time.After(testutils.WaitTimeout):
			s.FailNow("command did not finish")
			return nil
		}
	}
}
