package link

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/channel"
)

const (
	// DefaultMTU is the transport MTU requested during negotiation.
	DefaultMTU = 256

	// MinimumMTU is the MTU every peer supports; used when the request fails.
	MinimumMTU = 23

	// ATTOverhead is the per-message transport overhead: 1 op-code byte and 2 handle bytes.
	ATTOverhead = 3

	// DefaultPayloadSize is the usable payload before negotiation completes.
	DefaultPayloadSize = MinimumMTU - ATTOverhead

	// DefaultNegotiationTimeout bounds the whole negotiation sequence.
	DefaultNegotiationTimeout = 30 * time.Second
)

var (
	// BatteryServiceID is the standard Battery service.
	BatteryServiceID = channel.MustParseID("180f")

	// BatteryLevelID is the Battery Level channel, the mandatory capability.
	BatteryLevelID = channel.MustParseID("2a19")
)

// Negotiation is the outcome of a successful negotiation.
type Negotiation struct {
	MTU         int
	PayloadSize int
	Outbound    []channel.Binding
	Inbound     []channel.ID
}

// Negotiator runs the per-connection capability handshake.
type Negotiator struct {
	MTU       int
	Overhead  int
	Mandatory channel.ID
	Timeout   time.Duration
	logger    *logrus.Logger
}

// NewNegotiator returns a negotiator with the default MTU and mandatory battery capability.
func NewNegotiator(logger *logrus.Logger) *Negotiator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Negotiator{
		MTU:       DefaultMTU,
		Overhead:  ATTOverhead,
		Mandatory: BatteryLevelID,
		Timeout:   DefaultNegotiationTimeout,
		logger:    logger,
	}
}

// Negotiate runs, in order: MTU request, discovery and mandatory capability
// check, resolution of the declared channels, and subscription of inbound
// channels. decls are the declarations of all registered services and
// callbacks the channels that have an inbound callback registered. Inbound
// payloads are handed to notify.
//
// Returns ErrUnsupportedPeer when the mandatory capability is missing.
func (n *Negotiator) Negotiate(ctx context.Context, l Link, decls []channel.Decl, callbacks []channel.ID, notify func(channel.ID, []byte)) (*Negotiation, error) {
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}

	result := &Negotiation{}

	// 1. MTU
	mtu, err := l.RequestMTU(ctx, n.MTU)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("negotiation interrupted: %w", ctx.Err())
		}
		n.logger.WithFields(logrus.Fields{
			"requested": n.MTU,
			"error":     err,
		}).Warn("Requested MTU not supported, using minimum")
		mtu = MinimumMTU
	}
	if mtu <= n.Overhead {
		mtu = MinimumMTU
	}
	result.MTU = mtu
	result.PayloadSize = mtu - n.Overhead
	n.logger.WithFields(logrus.Fields{
		"mtu":          mtu,
		"payload_size": result.PayloadSize,
	}).Info("MTU in effect")

	// 2. Discovery and mandatory capability
	exposed, err := l.DiscoverChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("channel discovery failed: %w", err)
	}
	index := make(map[channel.ID]ExposedChannel, len(exposed))
	for _, ch := range exposed {
		index[ch.ID] = ch
	}

	mandatory, ok := index[n.Mandatory]
	if !ok || !mandatory.Properties.CanNotify() {
		n.logger.WithFields(logrus.Fields{
			"channel_id": n.Mandatory.Short(),
			"exposed":    ok,
		}).Error("Mandatory capability missing or without notify support")
		return nil, fmt.Errorf("%w: channel %s missing or not notifiable", ErrUnsupportedPeer, n.Mandatory.Short())
	}

	// 3. Resolve declarations
	seen := make(map[channel.ID]bool)
	var inbound []channel.ID
	addInbound := func(id channel.ID) {
		if id == n.Mandatory || seen[id] {
			return
		}
		seen[id] = true
		inbound = append(inbound, id)
	}

	for _, decl := range decls {
		ch, ok := index[decl.ID]
		if !ok {
			n.logger.WithFields(logrus.Fields{
				"channel_id": decl.ID.Short(),
				"direction":  decl.Direction.String(),
			}).Warn("Declared channel not exposed by peer")
			continue
		}
		switch decl.Direction {
		case channel.ToPeer:
			if !ch.Properties.CanWrite() {
				n.logger.WithField("channel_id", decl.ID.Short()).Warn("Outbound channel is not writable")
				continue
			}
			if seen[decl.ID] {
				continue
			}
			seen[decl.ID] = true
			result.Outbound = append(result.Outbound, channel.Binding{
				ID:           decl.ID,
				WithResponse: ch.Properties.Has(PropWrite),
			})
		case channel.FromPeer:
			if !ch.Properties.CanNotify() {
				n.logger.WithField("channel_id", decl.ID.Short()).Warn("Inbound channel does not support notify")
				continue
			}
			addInbound(decl.ID)
		}
	}
	for _, id := range callbacks {
		if ch, ok := index[id]; ok && ch.Properties.CanNotify() {
			addInbound(id)
		}
	}

	// 4. Subscriptions
	if err := l.Subscribe(ctx, n.Mandatory, func(data []byte) { notify(n.Mandatory, data) }); err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", n.Mandatory.Short(), err)
	}
	for _, id := range inbound {
		if err := l.Subscribe(ctx, id, func(data []byte) { notify(id, data) }); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("negotiation interrupted: %w", ctx.Err())
			}
			n.logger.WithFields(logrus.Fields{
				"channel_id": id.Short(),
				"error":      err,
			}).Warn("Failed to subscribe to inbound channel")
			continue
		}
		result.Inbound = append(result.Inbound, id)
	}

	n.logger.WithFields(logrus.Fields{
		"outbound": len(result.Outbound),
		"inbound":  len(result.Inbound),
	}).Info("Negotiation completed")
	return result, nil
}
