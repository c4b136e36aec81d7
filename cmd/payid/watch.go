package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/payid/internal/bridge"
	"github.com/srg/payid/internal/central"
	"github.com/srg/payid/internal/device"
	"github.com/srg/payid/internal/groutine"
	"github.com/srg/payid/internal/sensor"
	"github.com/srg/payid/internal/sink"
	"github.com/srg/payid/internal/view"
	"github.com/srg/payid/pkg/config"
)

type watchOptions struct {
	address  string
	duration time.Duration
	sensors  string
	broker   string
	listen   string
}

func newWatchCmd() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to a payment terminal and show its readings",
		Long: `Scan for payment terminals, connect to the one with the strongest
signal (or the one given by --address), enable every configured sensor and
print values as they arrive. Press Ctrl+C to disconnect.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.address, "address", "a", "", "Connect to this address without scanning")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Scan duration before choosing a device (default from config)")
	cmd.Flags().StringVar(&opts.sensors, "sensors", "", "YAML file with the sensor table")
	cmd.Flags().StringVar(&opts.broker, "mqtt", "", "Publish readings to this MQTT broker (e.g. tcp://localhost:1883)")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Serve readings to websocket clients on this address")
	return cmd
}

func runWatch(cmd *cobra.Command, opts *watchOptions) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := configureLogger(cmd, cfg)

	table, err := watchTable(cfg, opts.sensors)
	if err != nil {
		return err
	}
	if opts.broker != "" {
		cfg.MQTT.Broker = opts.broker
	}
	if opts.listen != "" {
		cfg.Web.Listen = opts.listen
	}
	discoveryOpts := cfg.DiscovererOptions()
	if opts.duration > 0 {
		discoveryOpts.ScanWindow = opts.duration
	}

	cmd.SilenceUsage = true

	s, err := newScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}
	c, err := central.New(central.Options{
		Scanner:          s,
		Connector:        newConnector(cfg.Session.ConnectTimeout, logger),
		Logger:           logger,
		Filter:           cfg.FilterOptions(),
		Discovery:        discoveryOpts,
		Table:            &table,
		OperationTimeout: cfg.Session.OperationTimeout,
		ConnectTimeout:   cfg.Session.ConnectTimeout,
		BridgeCapacity:   cfg.Bridge.Capacity,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	display := newTerminalView(out, table)
	sinks := sink.Multi{display}

	if cfg.MQTT.Broker != "" {
		pub, err := sink.DialMQTT(sink.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		}, logger)
		if err != nil {
			c.Close()
			return err
		}
		defer pub.Close()
		// Publishes wait for broker acks; keep them off the dispatch loop.
		queue := sink.NewQueue("mqtt", pub, sink.DefaultQueueSize, logger)
		defer queue.Close()
		sinks = append(sinks, queue)
	}

	if cfg.Web.Listen != "" {
		hub := NewEventServer(cfg.Web, logger)
		if err := hub.Start(); err != nil {
			c.Close()
			return err
		}
		defer hub.Stop()
		sinks = append(sinks, hub.Hub)
	}

	dispatched := make(chan struct{})
	groutine.Go(context.Background(), "event-dispatch", func(ctx context.Context) {
		defer close(dispatched)
		sink.Dispatch(ctx, c.Events(), sinks, logger)
	})

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = watch(ctx, c, opts.address, display)

	// Close emits the final Cleared and closes the event stream.
	if cerr := c.Close(); cerr != nil {
		logger.WithError(cerr).Debug("Session teardown reported an error")
	}
	<-dispatched
	display.progress.Dismiss()

	if err == nil && ctx.Err() != nil {
		fmt.Fprintln(out, "\nDisconnected.")
	}
	return err
}

// watch selects a device and blocks until the session ends or ctx is done.
func watch(ctx context.Context, c *central.Central, address string, display *terminalView) error {
	var dev device.Device
	if address != "" {
		dev = device.Device{Address: strings.TrimSpace(address)}
	} else {
		display.progress.Show("Scanning for payment terminals")
		if err := c.StartDiscovery(ctx); err != nil {
			display.progress.Dismiss()
			return err
		}
		err := c.WaitDiscovery()
		display.progress.Dismiss()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		var ok bool
		if dev, ok = central.SelectStrongest(c.Devices()); !ok {
			return ErrNoDevices
		}
	}

	display.Connecting(dev)
	sess, err := c.SelectDevice(ctx, dev)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-sess.Done():
		return sess.Err()
	}
}

func watchTable(cfg *config.Config, path string) (sensor.Table, error) {
	if path == "" {
		return cfg.SensorTable()
	}
	f, err := os.Open(path)
	if err != nil {
		return sensor.Table{}, fmt.Errorf("reading sensor table: %w", err)
	}
	defer f.Close()
	return sensor.LoadTable(f)
}

// terminalView renders session events as lines of text.
type terminalView struct {
	out      io.Writer
	table    sensor.Table
	board    *view.Board
	progress *ProgressPrinter

	label func(a ...interface{}) string
	value func(a ...interface{}) string
	warn  func(a ...interface{}) string
}

func newTerminalView(out io.Writer, table sensor.Table) *terminalView {
	return &terminalView{
		out:      out,
		table:    table,
		board:    view.NewBoard(table),
		progress: NewProgressPrinter(out),
		label:    color.New(color.FgCyan).SprintFunc(),
		value:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		warn:     color.New(color.FgYellow).SprintFunc(),
	}
}

func (v *terminalView) Connecting(dev device.Device) {
	name := dev.Name
	if name == "" {
		name = dev.Address
	}
	fmt.Fprintf(v.out, "Connecting to %s (%s)\n", v.label(name), dev.Address)
}

func (v *terminalView) Handle(ev bridge.Event) error {
	v.board.Apply(ev)

	switch ev.Kind {
	case bridge.Progress:
		v.progress.Show(ev.Message)
	case bridge.DismissProgress:
		v.progress.Dismiss()
	case bridge.ValueUpdate:
		if ev.Reading == nil {
			return nil
		}
		if v.progress.Busy() {
			v.progress.Dismiss()
		}
		fmt.Fprintf(v.out, "%s: %s\n", v.label(v.name(ev.Reading.Characteristic)), v.value(formatReading(ev.Reading.Value)))
	case bridge.Cleared:
		v.progress.Dismiss()
		fmt.Fprintln(v.out, v.warn("Terminal disconnected, readings cleared"))
	}
	return nil
}

func (v *terminalView) name(characteristic string) string {
	if d, ok := v.table.Find(characteristic); ok && d.Name != "" {
		return d.Name
	}
	return sensor.LookupName(characteristic, characteristic)
}

func formatReading(value float64) string {
	return fmt.Sprintf("%.2f", value)
}

// EventServer serves the websocket event feed over HTTP.
type EventServer struct {
	Hub    *sink.Hub
	server *http.Server
	logger *logrus.Logger
	errCh  chan error
}

func NewEventServer(cfg config.WebConfig, logger *logrus.Logger) *EventServer {
	hub := sink.NewHub(logger)
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, hub)
	return &EventServer{
		Hub: hub,
		server: &http.Server{
			Addr:              cfg.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
		errCh:  make(chan error, 1),
	}
}

// Start listens in the background. Listen errors within the first moments
// are returned.
func (s *EventServer) Start() error {
	groutine.Go(context.Background(), "event-server", func(ctx context.Context) {
		s.errCh <- s.server.ListenAndServe()
	})

	select {
	case err := <-s.errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve websocket feed on %s: %w", s.server.Addr, err)
		}
		return nil
	case <-time.After(100 * time.Millisecond):
		s.logger.WithField("addr", s.server.Addr).Info("Serving websocket event feed")
		return nil
	}
}

func (s *EventServer) Stop() {
	s.Hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Debug("Websocket feed shutdown")
	}
}
