// Package session drives one connection to a payment terminal: it connects,
// discovers services, and enables, reads, and subscribes each configured
// sensor in table order, reporting everything as bridge events.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/payid/internal/bridge"
	"github.com/srg/payid/internal/device"
	"github.com/srg/payid/internal/groutine"
	"github.com/srg/payid/internal/sensor"
)

// DefaultOperationTimeout bounds the wait for any single link completion.
const DefaultOperationTimeout = 10 * time.Second

const inboxSize = 64

// ErrAlreadyOpened is returned by Open on a session that was opened before.
var ErrAlreadyOpened = errors.New("session already opened")

// Options configures a Session.
type Options struct {
	// Table lists the sensors to enable. Defaults to sensor.DefaultTable.
	Table *sensor.Table
	// Emitter receives all session events. Required.
	Emitter bridge.Emitter
	Logger  *logrus.Logger
	// OperationTimeout bounds each awaited completion.
	// Zero selects DefaultOperationTimeout, a negative value disables it.
	OperationTimeout time.Duration
	// ConnectTimeout bounds the connect wait when it is longer than
	// OperationTimeout. A dial that the link layer itself allows 30s is not
	// cut short by a 10s operation budget.
	ConnectTimeout time.Duration
	// Decoder turns characteristic payloads into values. Defaults to sensor.DecodePrice.
	Decoder sensor.Decoder
}

// Session is the connection state machine for one device.
//
// All transitions run on a single goroutine fed by an inbox: link callbacks,
// timeouts, and teardown requests are serialized there, so the machine never
// sees two events at once. Callbacks delivered after the session ended are
// dropped.
type Session struct {
	address        string
	timeout        time.Duration
	connectTimeout time.Duration
	logger         *logrus.Logger

	machine *machine
	stats   counters

	inbox  chan func(*machine)
	ending chan struct{}
	done   chan struct{}

	// postMu orders posts against the end of the loop so none is lost.
	postMu sync.RWMutex
	ended  bool

	lifecycle sync.Mutex
	opened    bool
	cancel    context.CancelFunc

	mu     sync.RWMutex
	status Status
	err    error
}

// New creates an idle session for the device at address.
func New(address string, opts Options) (*Session, error) {
	if address == "" {
		return nil, fmt.Errorf("device address is required")
	}
	if opts.Emitter == nil {
		return nil, fmt.Errorf("session emitter is required")
	}

	table := sensor.DefaultTable()
	if opts.Table != nil {
		table = *opts.Table
	}
	decode := opts.Decoder
	if decode == nil {
		decode = sensor.DecodePrice
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	timeout := opts.OperationTimeout
	if timeout == 0 {
		timeout = DefaultOperationTimeout
	}

	s := &Session{
		address:        address,
		timeout:        timeout,
		connectTimeout: opts.ConnectTimeout,
		logger:         logger,
		inbox:          make(chan func(*machine), inboxSize),
		ending:         make(chan struct{}),
		done:           make(chan struct{}),
		status:         Status{Phase: Idle},
	}
	entry := logger.WithField("address", address)
	s.machine = newMachine(table, opts.Emitter, decode, entry, &s.stats)
	return s, nil
}

// Address returns the device address of the session.
func (s *Session) Address() string {
	return s.address
}

// Open starts connecting through connector and returns once the connect
// request was issued. Progress is reported through the emitter; Done is
// closed when the session reaches Disconnected.
//
// Cancelling ctx tears the session down like Close.
func (s *Session) Open(ctx context.Context, connector device.Connector) error {
	if connector == nil {
		return fmt.Errorf("connector is required")
	}

	s.lifecycle.Lock()
	if s.opened {
		s.lifecycle.Unlock()
		return ErrAlreadyOpened
	}
	s.opened = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.machine.start()
	s.publish()

	s.logger.WithField("address", s.address).Info("Connecting to device")
	groutine.GoSafe(loopCtx, "session-"+s.address, s.logger, s.loop)
	s.lifecycle.Unlock()

	link, err := connector.Connect(loopCtx, s.address, s.onLinkEvent)
	if err != nil {
		s.post(func(m *machine) { m.fail("connect", err) })
		return fmt.Errorf("failed to connect to %s: %w", s.address, err)
	}
	if !s.post(func(m *machine) { m.attach(link) }) {
		if derr := link.Disconnect(); derr != nil {
			s.logger.WithError(derr).Warn("Failed to release link of a closed session")
		}
	}
	return nil
}

// Close tears the session down: the link is released and Cleared is emitted
// if it was not already. Late callbacks are ignored. Safe to call more than once.
func (s *Session) Close() error {
	s.lifecycle.Lock()
	if !s.opened {
		// Never opened: nothing runs, settle the machine here.
		s.opened = true
		s.machine.teardown()
		s.publish()
		s.finish()
		s.lifecycle.Unlock()
		return nil
	}
	cancel := s.cancel
	s.lifecycle.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.done
	return nil
}

// Status returns the current phase and sensor index.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err returns the LinkFailure that ended the session, or nil when it is
// still running or was closed by the consumer.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed once the session is Disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Metrics returns a snapshot of the session counters.
func (s *Session) Metrics() Metrics {
	return s.stats.snapshot()
}

// onLinkEvent is the LinkHandler given to the connector. It may be called
// from any goroutine.
func (s *Session) onLinkEvent(ev device.LinkEvent) {
	if ev.Value != nil {
		ev.Value = append([]byte(nil), ev.Value...)
	}
	if !s.post(func(m *machine) { m.handle(ev) }) {
		s.stats.ignoredCallbacks.Add(1)
		s.logger.WithFields(logrus.Fields{
			"address": s.address,
			"event":   ev.Kind.String(),
		}).Debug("Dropping link callback, session is closed")
	}
}

// post hands fn to the session goroutine. It reports false once the session
// has ended.
func (s *Session) post(fn func(*machine)) bool {
	s.postMu.RLock()
	defer s.postMu.RUnlock()
	if s.ended {
		return false
	}

	select {
	case s.inbox <- fn:
		return true
	case <-s.ending:
		return false
	}
}

// finish stops accepting posts, runs what was already queued against the
// terminal machine, and closes Done.
func (s *Session) finish() {
	close(s.ending)
	s.postMu.Lock()
	s.ended = true
	s.postMu.Unlock()

	for {
		select {
		case fn := <-s.inbox:
			fn(s.machine)
		default:
			close(s.done)
			return
		}
	}
}

func (s *Session) loop(ctx context.Context) {
	defer s.finish()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var deadline <-chan time.Time
	var armed Status
	var after time.Duration
	rearm := func() {
		st := s.machine.status()
		if st == armed && deadline != nil {
			return
		}
		armed = st
		timer.Stop()
		deadline = nil
		if after = s.budget(st.Phase); after > 0 {
			timer.Reset(after)
			deadline = timer.C
		}
	}
	rearm()

	for {
		select {
		case fn := <-s.inbox:
			fn(s.machine)
		case <-deadline:
			deadline = nil
			s.machine.timeout(after)
		case <-ctx.Done():
			s.machine.teardown()
		}

		s.publish()
		if s.machine.phase.Terminal() {
			return
		}
		rearm()
	}
}

// budget returns how long phase p may wait for its completion; zero or less
// means unbounded.
func (s *Session) budget(p Phase) time.Duration {
	if !p.awaiting() {
		return 0
	}
	if p == LinkConnecting && s.connectTimeout > s.timeout {
		return s.connectTimeout
	}
	return s.timeout
}

func (s *Session) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = s.machine.status()
	if s.machine.failure != nil {
		s.err = s.machine.failure
	}
}
