package goble

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/channel"
)

// Sighting is a peer seen advertising during a scan.
type Sighting struct {
	Address     string
	Name        string
	RSSI        int
	Connectable bool
	Services    []channel.ID
}

// ScanOptions configures a scan.
type ScanOptions struct {
	Duration   time.Duration // 0 = until ctx is done
	ServiceIDs []channel.ID  // keep only peers advertising one of these
	NamedOnly  bool          // skip peers without a local name
}

// Scan reports advertising peers until opts.Duration passes or ctx is done.
// onSighting, when set, is called once per address on its first accepted
// advertisement. The result is ordered by signal strength, strongest first.
func (t *Transport) Scan(ctx context.Context, opts ScanOptions, onSighting func(Sighting)) ([]Sighting, error) {
	if err := t.ensureDevice(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	dev := t.device
	t.mu.Unlock()
	if dev == nil {
		return nil, ErrNotInitialized
	}

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	seen := hashmap.New[string, Sighting]()
	handler := func(adv ble.Advertisement) {
		s, ok := sightingOf(adv, opts)
		if !ok {
			return
		}
		// GetOrInsert alone may report a stored key as new, so look it up first
		prev, existing := seen.Get(s.Address)
		if !existing {
			prev, existing = seen.GetOrInsert(s.Address, s)
		}
		if existing {
			if s.Name == "" {
				s.Name = prev.Name
			}
			seen.Set(s.Address, s)
			return
		}
		t.logger.WithFields(logrus.Fields{
			"address": s.Address,
			"name":    s.Name,
			"rssi":    s.RSSI,
		}).Debug("Discovered peer")
		if onSighting != nil {
			onSighting(s)
		}
	}

	t.logger.WithField("duration", opts.Duration).Info("Starting scan...")
	err := dev.Scan(ctx, true, handler)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", NormalizeError(err))
	}

	out := make([]Sighting, 0, seen.Len())
	seen.Range(func(_ string, s Sighting) bool {
		out = append(out, s)
		return true
	})
	slices.SortFunc(out, func(a, b Sighting) int { return b.RSSI - a.RSSI })

	t.logger.WithField("peer_count", len(out)).Info("Scan completed")
	return out, nil
}

// sightingOf applies the filters of opts to adv.
func sightingOf(adv ble.Advertisement, opts ScanOptions) (Sighting, bool) {
	s := Sighting{
		Address:     adv.Addr().String(),
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
	}
	if opts.NamedOnly && s.Name == "" {
		return Sighting{}, false
	}

	for _, u := range adv.Services() {
		if id, err := channel.ParseID(u.String()); err == nil {
			s.Services = append(s.Services, id)
		}
	}
	if len(opts.ServiceIDs) > 0 && !slices.ContainsFunc(s.Services, func(id channel.ID) bool {
		return slices.Contains(opts.ServiceIDs, id)
	}) {
		return Sighting{}, false
	}
	return s, true
}
