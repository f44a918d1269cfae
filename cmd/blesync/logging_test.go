package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoggingTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestConfigureLogger(t *testing.T) {
	// GOAL: Verify --log-level beats --verbose, which beats the config fallback
	//
	// TEST SCENARIO: Flag combinations → resulting logger level

	tests := []struct {
		name     string
		args     []string
		fallback string
		want     logrus.Level
	}{
		{"silent by default", nil, "", logrus.PanicLevel},
		{"fallback from config", nil, "warn", logrus.WarnLevel},
		{"verbose beats fallback", []string{"--verbose"}, "error", logrus.DebugLevel},
		{"log-level beats verbose", []string{"--verbose", "--log-level", "error"}, "", logrus.ErrorLevel},
		{"log-level info", []string{"--log-level", "info"}, "debug", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := configureLogger(newLoggingTestCommand(t, tt.args...), "verbose", tt.fallback)
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestConfigureLogger_Invalid(t *testing.T) {
	_, err := configureLogger(newLoggingTestCommand(t, "--log-level", "loud"), "verbose", "")
	assert.ErrorContains(t, err, "invalid log level")

	_, err = configureLogger(newLoggingTestCommand(t), "verbose", "chatty")
	assert.ErrorContains(t, err, "invalid log level")
}
