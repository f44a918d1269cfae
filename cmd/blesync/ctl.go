package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesync/internal/control"
	"github.com/srg/blesync/internal/link"
)

const (
	// dialTimeout bounds reaching the agent socket.
	dialTimeout = 2 * time.Second

	// defaultReplyTimeout bounds waiting for a status reply.
	defaultReplyTimeout = 3 * time.Second

	// failureGrace bounds waiting for a failure reason after the link drops.
	failureGrace = 500 * time.Millisecond
)

// agentSession is one controller connection used by a single command.
type agentSession struct {
	client *control.Client
	out    io.Writer
	logger *logrus.Logger
}

// withAgent dials the agent and runs fn with the session; the connection is
// closed when fn returns.
func withAgent(cmd *cobra.Command, fn func(*agentSession) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, "", "")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
	defer cancel()
	client, err := control.Dial(ctx, cfg.SocketPath)
	if err != nil {
		return agentDialError(cfg.SocketPath, err)
	}
	defer client.Close()

	logger.WithField("socket", cfg.SocketPath).Debug("Connected to agent")
	return fn(&agentSession{client: client, out: cmd.OutOrStdout(), logger: logger})
}

func (s *agentSession) send(cmd control.Command) error {
	s.logger.WithField("command", cmd.Type.String()).Debug("Sending command")
	if err := s.client.Send(cmd); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd.Type, err)
	}
	return nil
}

// await reads events until match reports done or timeout passes. Every event
// read is printed when echo is set.
func (s *agentSession) await(timeout time.Duration, echo bool, match func(control.Event) (bool, error)) error {
	if err := s.client.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	for {
		ev, err := s.client.Recv()
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return fmt.Errorf("%w within %s", ErrNoResponse, timeout)
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: agent closed the connection", ErrAgentNotRunning)
		case err != nil:
			return err
		}
		s.logger.WithField("event", ev.String()).Debug("Event received")
		if echo {
			printEvent(s.out, ev)
		}
		done, err := match(ev)
		if err != nil || done {
			return err
		}
	}
}

// selectCmd represents the select command
var selectCmd = &cobra.Command{
	Use:   "select <address> [name]",
	Short: "Remember the peer to sync with",
	Long: `Remembers a peer. The choice is persisted by the agent immediately and
used by later connects.

Examples:
  blesync select AA:BB:CC:DD:EE:FF
  blesync select AA:BB:CC:DD:EE:FF "My Watch"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSelect,
}

// clearCmd represents the clear command
var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the remembered peer (disconnects first)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(s *agentSession) error {
			if err := s.send(control.Command{Type: control.CmdClearPeer}); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Peer clear requested")
			return nil
		})
	},
}

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to the remembered peer",
	Long: `Asks the agent to connect to the remembered peer.

Without --wait the command returns as soon as the request is queued. With
--wait it reports progress and returns once the link is up, or fails when the
agent gives up.

Examples:
  blesync connect
  blesync connect --wait 2m`,
	Args: cobra.NoArgs,
	RunE: runConnect,
}

// disconnectCmd represents the disconnect command
var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Disconnect from the peer",
	Args:  cobra.NoArgs,
	RunE:  runDisconnect,
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the connection state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

// batteryCmd represents the battery command
var batteryCmd = &cobra.Command{
	Use:   "battery",
	Short: "Show the last known peer battery level",
	Args:  cobra.NoArgs,
	RunE:  runBattery,
}

// pushCmd represents the push command
var pushCmd = &cobra.Command{
	Use:   "push <payload>",
	Short: "Forward an application message to the peer",
	Long: `Forwards one application message to the peer through the external app
message service. The peer must be connected.

Examples:
  blesync push --sender com.example.app --dest widget "hello"
  blesync push --sender com.example.app --dest widget --hex 0a0b0c`,
	Args: cobra.ExactArgs(1),
	RunE: runPush,
}

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream status events until interrupted",
	Long: `Streams status events from the agent until interrupted.

Events are delivered to the controller that sent the latest command, so
watch takes over from any other controller.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var (
	connectWait    time.Duration
	disconnectWait time.Duration
	replyTimeout   time.Duration
	pushSender     string
	pushDest       string
	pushHex        bool
)

func init() {
	connectCmd.Flags().DurationVar(&connectWait, "wait", 0, "Wait up to this long for the link to come up (0 = do not wait)")
	disconnectCmd.Flags().DurationVar(&disconnectWait, "wait", 0, "Wait up to this long for the link to go down (0 = do not wait)")
	for _, c := range []*cobra.Command{selectCmd, statusCmd, batteryCmd} {
		c.Flags().DurationVar(&replyTimeout, "timeout", defaultReplyTimeout, "How long to wait for the agent's reply")
	}
	pushCmd.Flags().StringVar(&pushSender, "sender", "", "Sending application id (required)")
	pushCmd.Flags().StringVar(&pushDest, "dest", "", "Destination on the peer (required)")
	pushCmd.Flags().BoolVar(&pushHex, "hex", false, "Payload is a hex string (e.g., '0a0b'); text by default")
	_ = pushCmd.MarkFlagRequired("sender")
	_ = pushCmd.MarkFlagRequired("dest")
}

func runSelect(cmd *cobra.Command, args []string) error {
	peer := link.PeerIdentity{Address: strings.TrimSpace(args[0])}
	if len(args) == 2 {
		peer.Name = args[1]
	}
	if peer.IsZero() {
		return fmt.Errorf("select: empty address: %w", link.ErrNoPeer)
	}

	return withAgent(cmd, func(s *agentSession) error {
		if err := s.send(control.Command{Type: control.CmdSelectPeer, Peer: &peer}); err != nil {
			return err
		}
		return s.await(replyTimeout, false, func(ev control.Event) (bool, error) {
			if ev.Type != control.EvtPeerNameChanged {
				return false, nil
			}
			fmt.Fprintf(s.out, "Selected %s (%s)\n", ev.Name, peer.Address)
			return true, nil
		})
	})
}

func runConnect(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(s *agentSession) error {
		if err := s.send(control.Command{Type: control.CmdConnect}); err != nil {
			return err
		}
		if connectWait <= 0 {
			fmt.Fprintln(s.out, "Connect requested")
			return nil
		}
		// The connect is a no-op when already connected or when no peer is
		// remembered; the status request resolves both.
		if err := s.send(control.Command{Type: control.CmdRequestStatus}); err != nil {
			return err
		}

		attempting, dropped := false, false
		err := s.await(connectWait, true, func(ev control.Event) (bool, error) {
			switch ev.Type {
			case control.EvtLinkFailed:
				return true, fmt.Errorf("%w: %s", ErrLinkFailed, ev.Reason)
			case control.EvtStatusChanged:
				switch ev.State {
				case link.Connected:
					return true, nil
				case link.Connecting:
					attempting = true
				case link.Disconnected:
					if attempting && !dropped {
						// the failure reason follows the state change
						dropped = true
						_ = s.client.SetReadDeadline(time.Now().Add(failureGrace))
					}
				}
			}
			return false, nil
		})
		if errors.Is(err, ErrNoResponse) {
			switch {
			case dropped:
				return fmt.Errorf("%w: peer disconnected", ErrLinkFailed)
			case !attempting:
				return link.ErrNoPeer
			}
		}
		return err
	})
}

func runDisconnect(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(s *agentSession) error {
		if err := s.send(control.Command{Type: control.CmdDisconnect}); err != nil {
			return err
		}
		if disconnectWait <= 0 {
			fmt.Fprintln(s.out, "Disconnect requested")
			return nil
		}
		if err := s.send(control.Command{Type: control.CmdRequestStatus}); err != nil {
			return err
		}
		return s.await(disconnectWait, true, func(ev control.Event) (bool, error) {
			return ev.Type == control.EvtStatusChanged && ev.State == link.Disconnected, nil
		})
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(s *agentSession) error {
		if err := s.send(control.Command{Type: control.CmdRequestStatus}); err != nil {
			return err
		}
		err := s.await(replyTimeout, false, func(ev control.Event) (bool, error) {
			if ev.Type != control.EvtStatusChanged {
				return false, nil
			}
			printEvent(s.out, ev)
			return true, nil
		})
		// The agent stays silent about status when no peer is remembered.
		if errors.Is(err, ErrNoResponse) {
			fmt.Fprintln(s.out, "No peer selected")
			return nil
		}
		return err
	})
}

func runBattery(cmd *cobra.Command, args []string) error {
	return withAgent(cmd, func(s *agentSession) error {
		if err := s.send(control.Command{Type: control.CmdRequestBatteryLevel}); err != nil {
			return err
		}
		return s.await(replyTimeout, false, func(ev control.Event) (bool, error) {
			if ev.Type != control.EvtBatteryLevelChanged {
				return false, nil
			}
			printEvent(s.out, ev)
			return true, nil
		})
	})
}

func runPush(cmd *cobra.Command, args []string) error {
	payload := []byte(args[0])
	if pushHex {
		decoded, err := hex.DecodeString(strings.TrimPrefix(args[0], "0x"))
		if err != nil {
			return fmt.Errorf("invalid hex payload: %w", err)
		}
		payload = decoded
	}
	if len(payload) == 0 {
		return errors.New("payload must not be empty")
	}

	return withAgent(cmd, func(s *agentSession) error {
		if err := s.send(control.Command{
			Type: control.CmdPushMessage,
			Message: &control.Message{
				Sender:      pushSender,
				Destination: pushDest,
				Payload:     payload,
			},
		}); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Queued %d byte(s) for %s\n", len(payload), pushDest)
		return nil
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withAgent(cmd, func(s *agentSession) error {
		// Any command makes this controller the event target.
		if err := s.send(control.Command{Type: control.CmdRequestStatus}); err != nil {
			return err
		}

		go func() {
			<-ctx.Done()
			_ = s.client.Close()
		}()

		for {
			ev, err := s.client.Recv()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, io.EOF) {
					return fmt.Errorf("%w: agent closed the connection", ErrAgentNotRunning)
				}
				return err
			}
			printEvent(s.out, ev)
		}
	})
}
