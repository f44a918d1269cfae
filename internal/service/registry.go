package service

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/channel"
	"github.com/srg/blesync/internal/groutine"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrDuplicateGroup is returned when a descriptor's group id is already registered.
var ErrDuplicateGroup = errors.New("service group already registered")

// Service is the lifecycle contract every logical service implements.
// Sync means the link is usable and the service may start operating; Unsync
// means it is gone.
type Service interface {
	Sync()
	Unsync()
}

// Descriptor is a transport-bound service: it declares the channels it needs.
type Descriptor interface {
	Service
	GroupID() channel.ID
	Channels() []channel.Decl
}

// Named is optionally implemented by services to label log output.
type Named interface {
	Name() string
}

type entry struct {
	svc    Service
	name   string
	synced bool
}

// Registry holds transport-bound descriptors (keyed by group id, kept in
// registration order) and local services, and fans out sync/unsync to them.
//
// Every entry carries its own synced flag, so each service sees at most one
// Sync per usable period and exactly one Unsync when it ends.
type Registry struct {
	mu     sync.Mutex
	bound  *orderedmap.OrderedMap[channel.ID, *entry]
	local  []*entry
	logger *logrus.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		bound:  orderedmap.New[channel.ID, *entry](),
		logger: logger,
	}
}

// Register adds a transport-bound service. The first registration of a group
// id wins; a duplicate is logged and rejected with ErrDuplicateGroup.
func (r *Registry) Register(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	gid := d.GroupID()
	if _, exists := r.bound.Get(gid); exists {
		r.logger.WithField("group_id", gid.String()).Warn("Ignoring duplicate service registration")
		return fmt.Errorf("register %s: %w", gid, ErrDuplicateGroup)
	}

	r.bound.Set(gid, &entry{svc: d, name: nameOf(d, gid.String())})
	r.logger.WithFields(logrus.Fields{
		"group_id": gid.String(),
		"channels": len(d.Channels()),
	}).Info("Service registered")
	return nil
}

// Unregister removes a transport-bound service, unsyncing it first if needed.
// Reports whether the group id was registered.
func (r *Registry) Unregister(gid channel.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bound.Delete(gid)
	if !ok {
		return false
	}
	if e.synced {
		r.invoke(e, false)
	}
	r.logger.WithField("group_id", gid.String()).Info("Service unregistered")
	return true
}

// RegisterLocal adds a service that does not depend on the link.
func (r *Registry) RegisterLocal(s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &entry{svc: s, name: nameOf(s, fmt.Sprintf("local-%d", len(r.local)))}
	r.local = append(r.local, e)
	r.logger.WithField("service", e.name).Info("Local service registered")
}

// Get returns the descriptor registered under gid.
func (r *Registry) Get(gid channel.ID) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bound.Get(gid)
	if !ok {
		return nil, false
	}
	return e.svc.(Descriptor), true
}

// Descriptors returns the transport-bound services in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Descriptor, 0, r.bound.Len())
	for pair := r.bound.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.svc.(Descriptor))
	}
	return out
}

// Declarations returns every channel declared by every registered descriptor,
// in registration order.
func (r *Registry) Declarations() []channel.Decl {
	var decls []channel.Decl
	for _, d := range r.Descriptors() {
		decls = append(decls, d.Channels()...)
	}
	return decls
}

// Len returns the number of transport-bound and local services.
func (r *Registry) Len() (bound, local int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bound.Len(), len(r.local)
}

// SyncAll calls Sync on every service not yet synced, transport-bound first.
func (r *Registry) SyncAll() {
	r.fanOut(true)
}

// UnsyncAll calls Unsync on every currently synced service.
func (r *Registry) UnsyncAll() {
	r.fanOut(false)
}

func (r *Registry) fanOut(sync bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for pair := r.bound.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.synced != sync {
			r.invoke(pair.Value, sync)
			count++
		}
	}
	for _, e := range r.local {
		if e.synced != sync {
			r.invoke(e, sync)
			count++
		}
	}

	action := "unsync"
	if sync {
		action = "sync"
	}
	r.logger.WithFields(logrus.Fields{
		"action":   action,
		"services": count,
	}).Debug("Service fan-out completed")
}

// invoke flips the synced flag before calling out, so a panicking service is
// still accounted for.
func (r *Registry) invoke(e *entry, sync bool) {
	e.synced = sync
	defer groutine.Recover(r.logger, "service "+e.name)

	if sync {
		e.svc.Sync()
	} else {
		e.svc.Unsync()
	}
}

func nameOf(s Service, fallback string) string {
	if n, ok := s.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return fallback
}
