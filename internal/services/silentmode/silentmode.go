// Package silentmode is a local service that runs user shell hooks while a
// peer is synced, e.g. to mute host notifications.
package silentmode

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/groutine"
)

const (
	// DefaultHookTimeout bounds one hook run.
	DefaultHookTimeout = 30 * time.Second

	hookQueueSize = 8
)

// Runner executes one shell command.
type Runner func(ctx context.Context, command string) ([]byte, error)

// ShellRunner runs command with /bin/sh -c.
func ShellRunner(ctx context.Context, command string) ([]byte, error) {
	return exec.CommandContext(ctx, "/bin/sh", "-c", command).CombinedOutput()
}

// Service queues the configured hooks on Sync and Unsync and runs them in
// order on a worker goroutine, so the caller never waits on a hook. Hooks
// queued before Close still run.
type Service struct {
	onSync   string
	onUnsync string
	logger   *logrus.Logger

	Runner  Runner
	Timeout time.Duration

	mu        sync.Mutex
	hooks     chan string
	closed    bool
	startOnce sync.Once
	wg        sync.WaitGroup
}

// New creates the service. Empty hooks are skipped.
func New(onSync, onUnsync string, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		onSync:   strings.TrimSpace(onSync),
		onUnsync: strings.TrimSpace(onUnsync),
		logger:   logger,
		Runner:   ShellRunner,
		Timeout:  DefaultHookTimeout,
		hooks:    make(chan string, hookQueueSize),
	}
}

func (s *Service) Name() string { return "silent-mode" }

// Start launches the hook worker.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		groutine.GoSafe(ctx, "silent-mode-hooks", s.logger, func(ctx context.Context) {
			defer s.wg.Done()
			for hook := range s.hooks {
				s.run(hook)
			}
		})
	})
}

// Close stops accepting hooks, lets queued ones finish and waits for the
// worker. Safe to call twice.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.hooks)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) Sync() { s.enqueue("on_sync", s.onSync) }
func (s *Service) Unsync() { s.enqueue("on_unsync", s.onUnsync) }

func (s *Service) enqueue(kind, hook string) {
	if hook == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.hooks <- hook:
	default:
		s.logger.WithField("hook", kind).Warn("Silent mode hook queue full, hook skipped")
	}
}

func (s *Service) run(hook string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	out, err := s.Runner(ctx, hook)
	fields := logrus.Fields{
		"command": hook,
		"output":  strings.TrimSpace(string(out)),
	}
	if err != nil {
		fields["error"] = err
		s.logger.WithFields(fields).Warn("Silent mode hook failed")
		return
	}
	s.logger.WithFields(fields).Debug("Silent mode hook ran")
}
