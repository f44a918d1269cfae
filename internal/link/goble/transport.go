// Package goble adapts github.com/go-ble/ble to the link.Transport and
// link.Link contracts.
//
// The host acts as GATT central. Bonding is left to the platform stack, which
// pairs on the first access to an encrypted characteristic, so Transport does
// not implement link.Pairer.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/link"
)

// Client is the subset of ble.Client a Link drives.
type Client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ExchangeMTU(rxMTU int) (int, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// DeviceFactory creates the host ble.Device (can be overridden in tests)
var DeviceFactory = newPlatformDevice

// Dial opens a client connection to addr through the default device (can be overridden in tests)
var Dial = func(ctx context.Context, addr string) (Client, error) {
	return ble.Dial(ctx, ble.NewAddr(addr))
}

// Transport dials peers through the platform Bluetooth stack.
type Transport struct {
	logger *logrus.Logger

	mu     sync.Mutex
	device ble.Device
}

// NewTransport creates a transport. The platform device is opened lazily on
// the first Connect and retried until it succeeds.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

// Connect dials peer and returns the established link. The deadline of ctx
// bounds the dial.
func (t *Transport) Connect(ctx context.Context, peer link.PeerIdentity) (link.Link, error) {
	address := strings.TrimSpace(peer.Address)
	if address == "" {
		return nil, link.ErrNoPeer
	}

	if err := t.ensureDevice(); err != nil {
		return nil, err
	}

	t.logger.WithFields(logrus.Fields{
		"address": address,
		"name":    peer.Name,
	}).Debug("Dialing peer...")

	client, err := Dial(ctx, address)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("failed to connect to %q: %w", address, ctxErr)
		}
		return nil, fmt.Errorf("failed to connect to %q: %w", address, NormalizeError(err))
	}

	t.logger.WithField("address", address).Info("Peer connected")
	return newLink(client, peer, t.logger), nil
}

func (t *Transport) ensureDevice() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.device != nil {
		return nil
	}

	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	if dev != nil {
		ble.SetDefaultDevice(dev)
	}
	t.device = dev
	return nil
}

var _ link.Transport = (*Transport)(nil)
