package main

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/payid/internal/device"
	goble "github.com/srg/payid/internal/device/go-ble"
	"github.com/srg/payid/pkg/config"
)

// Link layer factories, replaced in tests.
var (
	newScanner = func(logger *logrus.Logger) (device.Scanner, error) {
		s, err := goble.NewScanner(logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	newConnector = func(connectTimeout time.Duration, logger *logrus.Logger) device.Connector {
		return goble.NewConnector(connectTimeout, logger)
	}
)

// loadConfig reads --config when given and applies --log-level on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if _, err := cfg.Level(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configureLogger creates the command logger. Unless a level is chosen by
// flag or config file only warnings and errors are shown, so log lines do
// not interleave with the live output.
func configureLogger(cmd *cobra.Command, cfg *config.Config) *logrus.Logger {
	logger := cfg.NewLogger()
	if !cmd.Flags().Changed("log-level") && !cmd.Flags().Changed("config") {
		logger.SetLevel(logrus.WarnLevel)
	}
	logger.SetOutput(cmd.ErrOrStderr())
	return logger
}
