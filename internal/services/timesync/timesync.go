// Package timesync pushes the host wall clock to the peer whenever the link
// becomes usable.
package timesync

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/channel"
)

var (
	// GroupID identifies the time service on the peer.
	GroupID = channel.MustParseID("00005071-0000-0000-0000-00a57e401d05")

	// SetTimeID is the outbound channel carrying the encoded time.
	SetTimeID = channel.MustParseID("00005001-0000-0000-0000-00a57e401d05")
)

// Writer queues a payload on an outbound channel.
type Writer interface {
	Write(id channel.ID, data []byte) error
}

// Service writes the current local time on every sync.
type Service struct {
	out    Writer
	logger *logrus.Logger

	// Now is the clock; replaced in tests.
	Now func() time.Time
}

// New creates the time service writing through out.
func New(out Writer, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{out: out, logger: logger, Now: time.Now}
}

func (s *Service) Name() string { return "time" }
func (s *Service) GroupID() channel.ID { return GroupID }

func (s *Service) Channels() []channel.Decl {
	return []channel.Decl{{ID: SetTimeID, Direction: channel.ToPeer}}
}

// Sync sends the local time.
func (s *Service) Sync() {
	now := s.Now()
	if err := s.out.Write(SetTimeID, Encode(now)); err != nil {
		s.logger.WithField("error", err).Warn("Failed to push time")
		return
	}
	s.logger.WithField("time", now.Format(time.RFC3339)).Debug("Time pushed")
}

func (s *Service) Unsync() {}

// Encode packs t as [year-1900, month-1, day, hour, minute, second] in t's
// own location.
func Encode(t time.Time) []byte {
	return []byte{
		byte(t.Year() - 1900),
		byte(t.Month() - 1),
		byte(t.Day()),
		byte(t.Hour()),
		byte(t.Minute()),
		byte(t.Second()),
	}
}
