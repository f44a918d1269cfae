package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/srg/blesync/internal/link"
	"github.com/srg/blesync/internal/link/goble"
	"github.com/srg/blesync/internal/services/extappmsg"
)

// Command-level errors
var (
	// ErrAgentNotRunning indicates nothing is listening on the control socket.
	ErrAgentNotRunning = errors.New("agent is not running")

	// ErrNoResponse indicates the agent did not report the awaited status in time.
	ErrNoResponse = errors.New("no response from agent")

	// ErrLinkFailed indicates the agent reported a link failure while a command waited.
	ErrLinkFailed = errors.New("link failed")
)

// agentDialError maps socket dial failures that mean "no agent" onto ErrAgentNotRunning.
func agentDialError(path string, err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w (no agent at %s)", ErrAgentNotRunning, path)
	}
	return err
}

// FormatUserError turns an error into a one-line message with a hint where one helps.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var connectErr *link.ConnectError
	switch {
	case errors.Is(err, ErrAgentNotRunning):
		return fmt.Sprintf("%v; start it with 'blesync run'", err)
	case errors.Is(err, goble.ErrBluetoothOff):
		return "Bluetooth is turned off; turn it on and retry"
	case errors.Is(err, link.ErrNoPeer):
		return "no peer selected; pick one with 'blesync select <address>'"
	case errors.Is(err, extappmsg.ErrMessageTooLarge):
		return fmt.Sprintf("%v; split the payload into smaller messages", err)
	case errors.As(err, &connectErr):
		return fmt.Sprintf("could not connect to %s after %d attempt(s): %v",
			connectErr.Peer.DisplayName(), connectErr.Attempts, connectErr.Err)
	case errors.Is(err, ErrNoResponse), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("%v; the agent may be busy, check its log", err)
	}
	return err.Error()
}
