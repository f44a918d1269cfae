package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/channel"
	"github.com/srg/blesync/internal/groutine"
	"github.com/srg/blesync/internal/link"
)

// Link is one live GATT client connection.
type Link struct {
	client Client
	peer   link.PeerIdentity
	logger *logrus.Logger

	writeMutex sync.Mutex

	mu         sync.RWMutex
	chars      map[channel.ID]*ble.Characteristic
	subscribed map[*ble.Characteristic]bool // value: subscribed with indicate

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newLink(client Client, peer link.PeerIdentity, logger *logrus.Logger) *Link {
	l := &Link{
		client:     client,
		peer:       peer,
		logger:     logger,
		chars:      make(map[channel.ID]*ble.Characteristic),
		subscribed: make(map[*ble.Characteristic]bool),
		done:       make(chan struct{}),
	}

	// Monitor go-ble client Disconnected() channel (not every platform has one)
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "goble-link-monitor", func(ctx context.Context) {
			select {
			case <-dc.Disconnected():
				l.logger.WithField("address", peer.Address).Warn("Peer disconnected")
				l.close(ErrNotConnected)
			case <-l.done:
			}
		})
	} else {
		l.logger.Debug("Client does not support Disconnected() channel")
	}

	return l
}

// RequestMTU asks the peer for mtu and returns the granted value.
func (l *Link) RequestMTU(ctx context.Context, mtu int) (int, error) {
	return await(ctx, l, "exchange mtu", func() (int, error) {
		return l.client.ExchangeMTU(mtu)
	})
}

// DiscoverChannels rediscovers the peer profile and returns every
// characteristic as an exposed channel. Lookups by later calls use the
// result of the most recent discovery.
func (l *Link) DiscoverChannels(ctx context.Context) ([]link.ExposedChannel, error) {
	profile, err := await(ctx, l, "discover profile", func() (*ble.Profile, error) {
		return l.client.DiscoverProfile(true)
	})
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, nil
	}

	chars := make(map[channel.ID]*ble.Characteristic)
	var exposed []link.ExposedChannel
	for _, svc := range profile.Services {
		sid, err := channel.ParseID(svc.UUID.String())
		if err != nil {
			l.logger.WithField("service_uuid", svc.UUID.String()).Warn("Skipping service with unparsable UUID")
			continue
		}
		for _, c := range svc.Characteristics {
			id, err := channel.ParseID(c.UUID.String())
			if err != nil {
				l.logger.WithField("char_uuid", c.UUID.String()).Warn("Skipping characteristic with unparsable UUID")
				continue
			}
			if _, dup := chars[id]; dup {
				continue
			}
			chars[id] = c
			exposed = append(exposed, link.ExposedChannel{
				Service:    sid,
				ID:         id,
				Properties: properties(c.Property),
			})
		}
	}

	l.mu.Lock()
	l.chars = chars
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"address":  l.peer.Address,
		"services": len(profile.Services),
		"channels": len(exposed),
	}).Debug("Profile discovered")
	return exposed, nil
}

// Write sends data on id. Writes are serialized per link. A write that times
// out may still be running inside go-ble, so it ends the link; a later write
// would otherwise overlap it.
func (l *Link) Write(ctx context.Context, id channel.ID, data []byte, withResponse bool) error {
	c, err := l.lookup("write", id)
	if err != nil {
		return err
	}

	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()

	if l.isClosed() {
		return fmt.Errorf("write %s: %w", id.Short(), ErrNotConnected)
	}

	_, err = await(ctx, l, "write "+id.Short(), func() (struct{}, error) {
		return struct{}{}, l.client.WriteCharacteristic(c, data, !withResponse)
	})
	if errors.Is(err, context.DeadlineExceeded) && !l.isClosed() {
		l.abort(err)
	}
	return err
}

// Read reads the current value of id.
func (l *Link) Read(ctx context.Context, id channel.ID) ([]byte, error) {
	c, err := l.lookup("read", id)
	if err != nil {
		return nil, err
	}
	return await(ctx, l, "read "+id.Short(), func() ([]byte, error) {
		return l.client.ReadCharacteristic(c)
	})
}

// Subscribe enables peer notifications on id. Indications are used when the
// characteristic does not support notify.
func (l *Link) Subscribe(ctx context.Context, id channel.ID, handler func([]byte)) error {
	c, err := l.lookup("subscribe", id)
	if err != nil {
		return err
	}

	ind := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
	_, err = await(ctx, l, "subscribe "+id.Short(), func() (struct{}, error) {
		return struct{}{}, l.client.Subscribe(c, ind, func(req []byte) {
			handler(append([]byte(nil), req...))
		})
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.subscribed[c] = ind
	l.mu.Unlock()
	return nil
}

// Disconnect drops subscriptions and cancels the connection. Done is closed
// when it returns.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	subs := l.subscribed
	l.subscribed = make(map[*ble.Characteristic]bool)
	l.mu.Unlock()

	if !l.isClosed() {
		for c, ind := range subs {
			if err := l.client.Unsubscribe(c, ind); err != nil {
				l.logger.WithFields(logrus.Fields{
					"char_uuid": c.UUID.String(),
					"error":     err,
				}).Debug("Failed to unsubscribe during disconnect")
			}
		}
	}

	err := l.client.CancelConnection()
	l.close(nil)
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"address": l.peer.Address,
			"error":   err,
		}).Warn("Failed to cancel connection")
		return NormalizeError(err)
	}
	return nil
}

// Done is closed when the link is gone.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err reports why the link went away; nil after a local Disconnect.
func (l *Link) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

func (l *Link) lookup(op string, id channel.ID) (*ble.Characteristic, error) {
	l.mu.RLock()
	c, ok := l.chars[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", op, id.Short(), link.ErrChannelNotExposed)
	}
	return c, nil
}

func (l *Link) close(reason error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = reason
		l.mu.Unlock()
		close(l.done)
	})
}

// abort ends the link after a call was abandoned mid-flight.
func (l *Link) abort(reason error) {
	l.logger.WithFields(logrus.Fields{
		"address": l.peer.Address,
		"error":   reason,
	}).Warn("Write abandoned, dropping link")
	l.close(reason)

	groutine.Go(context.Background(), "goble-link-abort", func(ctx context.Context) {
		if err := l.client.CancelConnection(); err != nil {
			l.logger.WithError(err).Debug("Failed to cancel connection after abandoned write")
		}
	})
}

func (l *Link) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// await runs a blocking go-ble call and gives up when ctx ends or the link
// goes away. The call itself cannot be interrupted and finishes in the background.
func await[T any](ctx context.Context, l *Link, op string, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	resultCh := make(chan result, 1)
	go func() {
		v, err := fn()
		resultCh <- result{v: v, err: err}
	}()

	var zero T
	select {
	case r := <-resultCh:
		if r.err != nil {
			return zero, fmt.Errorf("%s: %w", op, NormalizeError(r.err))
		}
		return r.v, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("%s: %w", op, ctx.Err())
	case <-l.done:
		return zero, fmt.Errorf("%s: %w", op, ErrNotConnected)
	}
}

func properties(p ble.Property) link.Property {
	var out link.Property
	if p&ble.CharRead != 0 {
		out |= link.PropRead
	}
	if p&ble.CharWrite != 0 {
		out |= link.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		out |= link.PropWriteNoResponse
	}
	if p&ble.CharNotify != 0 {
		out |= link.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= link.PropIndicate
	}
	return out
}

var _ link.Link = (*Link)(nil)
