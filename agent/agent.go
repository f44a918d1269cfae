package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/channel"
	"github.com/srg/blesync/internal/control"
	"github.com/srg/blesync/internal/groutine"
	"github.com/srg/blesync/internal/link"
	"github.com/srg/blesync/internal/link/goble"
	"github.com/srg/blesync/internal/peerstore"
	"github.com/srg/blesync/internal/service"
	"github.com/srg/blesync/internal/services/extappmsg"
	"github.com/srg/blesync/internal/services/silentmode"
	"github.com/srg/blesync/internal/services/timesync"
	"github.com/srg/blesync/pkg/config"
)

// Agent represents a running sync agent with access to its components.
type Agent interface {
	Manager() *link.Manager
	Channels() *channel.Registry
	Services() *service.Registry
	Messages() *extappmsg.Service
	SocketPath() string // Control socket the agent listens on
}

// Options contains all the configuration for running an agent.
type Options struct {
	Config    *config.Config       // Agent configuration (nil = config.DefaultConfig)
	Transport link.Transport       // Peer transport (nil = go-ble central)
	Store     link.PeerStore       // Remembered peer storage (nil = file store at Config.StateFile)
	Services  []service.Descriptor // Extra peer-backed services registered after the built-in ones
	Logger    *logrus.Logger       // Logger instance
}

// ProgressCallback is called when the agent phase changes
type ProgressCallback func(phase string)

// Callback is executed with the running agent
type Callback[R any] func(Agent) (R, error)

type agentImpl struct {
	manager  *link.Manager
	channels *channel.Registry
	services *service.Registry
	messages *extappmsg.Service
	socket   string
}

func (a *agentImpl) Manager() *link.Manager { return a.manager }
func (a *agentImpl) Channels() *channel.Registry { return a.channels }
func (a *agentImpl) Services() *service.Registry { return a.services }
func (a *agentImpl) Messages() *extappmsg.Service { return a.messages }
func (a *agentImpl) SocketPath() string { return a.socket }

// Run wires the link manager, the services and the control socket, and
// executes the callback with the running agent. Everything is torn down when
// the callback returns: the control socket first, then the link (which
// unsyncs services), then background workers.
func Run[R any](
	ctx context.Context,
	opts *Options,
	progressCallback ProgressCallback,
	callback Callback[R],
) (R, error) {
	var zero R

	if opts == nil {
		return zero, errors.New("failed to run agent: options are required")
	}
	if callback == nil {
		return zero, errors.New("failed to run agent: callback is required")
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return zero, fmt.Errorf("failed to run agent: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}
	transport := opts.Transport
	if transport == nil {
		transport = goble.NewTransport(logger)
	}
	store := opts.Store
	if store == nil {
		store = peerstore.NewFileStore(cfg.StateFile)
	}

	agentCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	progressCallback("Starting")

	channels := channel.NewRegistry(channel.Options{
		QueueSize:    cfg.WriteQueueSize,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
	services := service.NewRegistry(logger)

	negotiator := link.NewNegotiator(logger)
	negotiator.MTU = cfg.MTU
	negotiator.Overhead = cfg.ATTOverhead
	negotiator.Timeout = cfg.NegotiationTimeout

	manager := link.NewManager(transport, store, channels, services, &link.Options{
		ConnectTimeout:    cfg.ConnectTimeout,
		RetryCount:        cfg.RetryCount,
		RetryDelay:        cfg.RetryDelay,
		DisconnectTimeout: cfg.DisconnectTimeout,
		Negotiator:        negotiator,
	}, logger)

	messages := extappmsg.New(channels, manager, logger)
	descriptors := append([]service.Descriptor{
		timesync.New(channels, logger),
		messages,
	}, opts.Services...)
	for _, d := range descriptors {
		if err := services.Register(d); err != nil {
			return zero, fmt.Errorf("failed to register service %s: %w", d.GroupID().Short(), err)
		}
	}

	silent := silentmode.New(cfg.SilentMode.OnSync, cfg.SilentMode.OnUnsync, logger)
	services.RegisterLocal(silent)
	silent.Start(agentCtx)
	defer silent.Close()

	if err := manager.Start(agentCtx); err != nil {
		return zero, fmt.Errorf("failed to start link manager: %w", err)
	}
	defer manager.Close()

	inbox := control.NewInbox(control.DefaultInboxSize, logger)
	if err := manager.SetObserver(inbox); err != nil {
		return zero, fmt.Errorf("failed to install observer: %w", err)
	}

	server := control.NewServer(cfg.SocketPath, inbox, logger)
	if err := server.Listen(); err != nil {
		progressCallback("Failed")
		return zero, fmt.Errorf("failed to open control socket: %w", err)
	}
	defer server.Close()

	dispatcher := control.NewDispatcher(manager, messages, logger)
	groutine.GoSafe(agentCtx, "control-dispatch", logger, func(ctx context.Context) {
		dispatcher.Run(ctx, inbox)
	})
	groutine.GoSafe(agentCtx, "control-server", logger, func(ctx context.Context) {
		if err := server.Serve(ctx); err != nil && !errors.Is(err, control.ErrServerClosed) {
			logger.WithError(err).Error("Control server stopped")
		}
	})

	logger.WithFields(logrus.Fields{
		"socket":   server.Path(),
		"services": len(descriptors),
	}).Info("Agent started")

	if peer := manager.Peer(); cfg.AutoConnect && !peer.IsZero() {
		progressCallback("Connecting")
		postCtx, postCancel := context.WithTimeout(agentCtx, time.Second)
		err := inbox.Post(postCtx, control.Command{Type: control.CmdConnect}, nil)
		postCancel()
		if err != nil {
			logger.WithError(err).Warn("Failed to queue auto-connect")
		}
	}

	progressCallback("Running")

	return callback(&agentImpl{
		manager:  manager,
		channels: channels,
		services: services,
		messages: messages,
		socket:   server.Path(),
	})
}
