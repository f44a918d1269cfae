// Package extappmsg forwards messages from local applications to
// applications on the peer.
//
// A message is "sender\ndestination\n" followed by a non-empty binary
// payload. It is split into chunks that fit the negotiated payload size.
// Every chunk starts with a five byte header:
//
//	[0]    message counter, identical for all chunks of one message
//	[1:3]  offset of the chunk within the message, little endian
//	[3:5]  total message size minus one, little endian
//
// The counter advances after each message, wrapping at 256, so the receiver
// can discard chunks of an interrupted message.
package extappmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/channel"
)

const (
	// HeaderSize is the per-chunk header length.
	HeaderSize = 5

	// MaxMessageSize is the largest message whose size fits the header.
	MaxMessageSize = 1 << 16
)

var (
	// GroupID identifies the external app message service on the peer.
	GroupID = channel.MustParseID("0000a071-0000-0000-0000-00a57e401d05")

	// PushMessageID is the outbound channel carrying message chunks.
	PushMessageID = channel.MustParseID("0000a001-0000-0000-0000-00a57e401d05")
)

var (
	ErrNotSynced       = errors.New("external app message service is not synced")
	ErrEmptyPayload    = errors.New("message payload is empty")
	ErrInvalidAddress  = errors.New("sender and destination must be single-line")
	ErrMessageTooLarge = errors.New("message too large")
)

// Writer queues a payload on an outbound channel.
type Writer interface {
	Write(id channel.ID, data []byte) error
}

// PayloadSizer reports the current maximum payload of one write.
type PayloadSizer interface {
	MaxPayloadSize() int
}

// Service chunks and forwards external application messages while synced.
type Service struct {
	out    Writer
	sizer  PayloadSizer
	logger *logrus.Logger

	mu      sync.Mutex
	synced  bool
	counter uint8
}

// New creates the service.
func New(out Writer, sizer PayloadSizer, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{out: out, sizer: sizer, logger: logger}
}

func (s *Service) Name() string { return "external-app-message" }

func (s *Service) GroupID() channel.ID { return GroupID }

func (s *Service) Channels() []channel.Decl {
	return []channel.Decl{{ID: PushMessageID, Direction: channel.ToPeer}}
}

func (s *Service) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = true
}

func (s *Service) Unsync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = false
}

// Push forwards one message. Chunks are queued in order on the push channel.
func (s *Service) Push(sender, destination string, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if strings.ContainsAny(sender, "\r\n") || strings.ContainsAny(destination, "\r\n") {
		return ErrInvalidAddress
	}

	msg := make([]byte, 0, len(sender)+len(destination)+2+len(payload))
	msg = append(msg, sender...)
	msg = append(msg, '\n')
	msg = append(msg, destination...)
	msg = append(msg, '\n')
	msg = append(msg, payload...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.synced {
		return ErrNotSynced
	}

	counter := s.counter
	// the counter advances even when a chunk fails
	defer func() { s.counter++ }()

	chunks, err := Split(counter, msg, s.sizer.MaxPayloadSize())
	if err != nil {
		return err
	}
	for i, chunk := range chunks {
		if err := s.out.Write(PushMessageID, chunk); err != nil {
			return fmt.Errorf("failed to queue chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"sender":  sender,
		"bytes":   len(msg),
		"chunks":  len(chunks),
		"counter": counter,
	}).Debug("External app message queued")
	return nil
}

// Split cuts msg into chunks of at most maxPayload bytes including the header.
func Split(counter uint8, msg []byte, maxPayload int) ([][]byte, error) {
	if len(msg) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(msg) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(msg), MaxMessageSize)
	}
	room := maxPayload - HeaderSize
	if room <= 0 {
		return nil, fmt.Errorf("payload size %d leaves no room for chunk data", maxPayload)
	}

	sizeField := uint16(len(msg) - 1)
	chunks := make([][]byte, 0, (len(msg)+room-1)/room)
	for offset := 0; offset < len(msg); offset += room {
		n := min(room, len(msg)-offset)
		chunk := make([]byte, HeaderSize+n)
		chunk[0] = counter
		binary.LittleEndian.PutUint16(chunk[1:3], uint16(offset))
		binary.LittleEndian.PutUint16(chunk[3:5], sizeField)
		copy(chunk[HeaderSize:], msg[offset:offset+n])
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
