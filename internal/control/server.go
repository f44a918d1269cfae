package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/groutine"
)

const (
	// DefaultOutboxSize is the number of undelivered events kept per controller.
	// Older events are overwritten when a controller reads too slowly.
	DefaultOutboxSize = 64

	writeTimeout = 5 * time.Second
)

// ErrServerClosed is returned by Listen and Serve after Close.
var ErrServerClosed = errors.New("control server closed")

// Server accepts controllers on a unix socket and feeds their commands into
// an Inbox. Each connection is a ReplyTarget with its own drop-oldest outbox,
// so a stalled controller never blocks the state machine.
type Server struct {
	path       string
	inbox      *Inbox
	outboxSize int
	logger     *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	sessions map[*session]struct{}
	closed   bool
	nextID   atomic.Uint64
	wg       sync.WaitGroup
}

// NewServer creates a server for path. Call Listen, then Serve.
func NewServer(path string, inbox *Inbox, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:       path,
		inbox:      inbox,
		outboxSize: DefaultOutboxSize,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[*session]struct{}),
	}
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Listen binds the socket. A stale socket left by a previous run is removed;
// a live one is an error.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.ln != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := removeStaleSocket(s.path); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		s.logger.WithField("error", err).Warn("Failed to restrict control socket permissions")
	}
	s.ln = ln

	s.logger.WithField("socket", s.path).Info("Control socket listening")
	return nil
}

// Serve accepts controllers until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("control server is not listening")
	}

	groutine.Go(ctx, "control-server-stop", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.ctx.Done():
		}
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control accept failed: %w", err)
		}
		s.start(conn)
	}
}

// Close stops accepting, disconnects every controller and removes the socket.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	ln := s.ln
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
	s.wg.Wait()

	if ln != nil {
		_ = os.Remove(s.path)
	}
	s.logger.Debug("Control socket closed")
}

// Sessions returns the number of connected controllers.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) start(conn net.Conn) {
	sess := &session{
		id:     s.nextID.Add(1),
		conn:   conn,
		outbox: newRingChannel[Event](s.outboxSize),
		logger: s.logger,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	s.logger.WithField("controller", sess.id).Info("Controller connected")

	groutine.GoSafe(s.ctx, "control-writer", s.logger, func(ctx context.Context) {
		defer s.wg.Done()
		sess.writeLoop()
	})
	groutine.GoSafe(s.ctx, "control-reader", s.logger, func(ctx context.Context) {
		defer s.wg.Done()
		sess.readLoop(ctx, s.inbox)

		sess.outbox.Close()
		_ = conn.Close()
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.logger.WithField("controller", sess.id).Info("Controller disconnected")
	})
}

// session is one connected controller.
type session struct {
	id     uint64
	conn   net.Conn
	outbox *ringChannel[Event]
	logger *logrus.Logger
}

// Deliver queues ev for the controller. The oldest undelivered event is
// overwritten when the outbox is full.
func (c *session) Deliver(ev Event) error {
	dropped, ok := c.outbox.ForceSend(ev)
	if !ok {
		return fmt.Errorf("controller %d: %w", c.id, ErrTargetGone)
	}
	if dropped {
		c.logger.WithField("controller", c.id).Debug("Outbox full, oldest event overwritten")
	}
	return nil
}

func (c *session) readLoop(ctx context.Context, inbox *Inbox) {
	for {
		var cmd Command
		if err := readFrame(c.conn, &cmd); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.WithFields(logrus.Fields{
					"controller": c.id,
					"error":      err,
				}).Warn("Failed to read command")
			}
			return
		}

		c.logger.WithFields(logrus.Fields{
			"controller": c.id,
			"command":    cmd.Type.String(),
		}).Debug("Command received")

		if err := inbox.Post(ctx, cmd, c); err != nil {
			return
		}
	}
}

func (c *session) writeLoop() {
	for ev := range c.outbox.C() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := writeFrame(c.conn, ev); err != nil {
			c.logger.WithFields(logrus.Fields{
				"controller": c.id,
				"event":      ev.String(),
				"error":      err,
			}).Warn("Failed to write event")
			_ = c.conn.Close()
			for range c.outbox.C() {
			}
			return
		}
	}
}

func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("control socket %s is in use by another agent", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}
