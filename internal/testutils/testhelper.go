package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// Common waits for asynchronous assertions.
const (
	WaitTimeout  = 2 * time.Second
	PollInterval = 5 * time.Millisecond
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Hook   *test.Hook
}

// NewTestHelper creates a test helper with a discarding logger whose entries
// are captured by Hook.
func NewTestHelper(t *testing.T) *TestHelper {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
		Hook:   hook,
	}
}

// HasLog reports whether an entry with the given level and message was logged.
func (h *TestHelper) HasLog(level logrus.Level, message string) bool {
	for _, entry := range h.Hook.AllEntries() {
		if entry.Level == level && entry.Message == message {
			return true
		}
	}
	return false
}

func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

func CreateMockAdvertisementFromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	return NewAdvertisementBuilder().FromJSON(jsonStrFmt, args...)
}
