// Package listen tracks, per local identity, the addresses currently
// advertised as listening. Duplicate registrations are reference counted
// and observers are told when the current address changes or disappears.
package listen

import (
	"sync"

	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/relay"
)

// Observer receives registry events. Calls are made without the registry
// lock held, so observers may call back into the registry.
type Observer interface {
	// ListenAddressChanged reports the new current address of identity
	ListenAddressChanged(identity relay.Identity, addr relay.Address, developer []relay.Address)

	// ListenClosed reports that identity no longer listens anywhere
	ListenClosed(identity relay.Identity)
}

// Entry is one advertised address
type Entry struct {
	Address   relay.Address   `json:"address"`
	Developer []relay.Address `json:"developer_addresses,omitempty"`
	RefCount  uint32          `json:"ref_count"`
}

// Options contains configuration for the Registry
type Options struct {
	Observers []Observer
	Logger    *logging.Logger
}

// Registry is safe for concurrent use
type Registry struct {
	mu        sync.Mutex
	entries   map[string][]*Entry
	ids       map[string]relay.Identity
	observers []Observer
	logger    *logging.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(opts *Options) *Registry {
	if opts == nil {
		opts = &Options{}
	}
	return &Registry{
		entries:   make(map[string][]*Entry),
		ids:       make(map[string]relay.Identity),
		observers: append([]Observer(nil), opts.Observers...),
		logger:    opts.Logger.With(logging.String(logging.KeyComponent, "listen-registry")),
	}
}

// Observe adds an observer for subsequent events
func (r *Registry) Observe(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// event is a notification captured under the lock and fired after it
type event struct {
	identity  relay.Identity
	closed    bool
	addr      relay.Address
	developer []relay.Address
}

// Register adds addr for identity, or bumps its count if already present.
// A changed event fires only when addr becomes the only entry.
func (r *Registry) Register(identity relay.Identity, addr relay.Address, developer []relay.Address) {
	r.mu.Lock()
	key := identity.Key()
	list := r.entries[key]
	for _, e := range list {
		if e.Address == addr {
			e.RefCount++
			count := e.RefCount
			r.mu.Unlock()
			r.logger.Debug("Listen address refcounted",
				logging.Stringer(logging.KeyIdentity, identity),
				logging.Stringer(logging.KeyLocal, addr),
				logging.Int("ref_count", int(count)))
			return
		}
	}

	list = append(list, &Entry{
		Address:   addr,
		Developer: append([]relay.Address(nil), developer...),
		RefCount:  1,
	})
	r.entries[key] = list
	r.ids[key] = identity

	var ev *event
	if len(list) == 1 {
		ev = &event{identity: identity, addr: addr, developer: append([]relay.Address(nil), developer...)}
	}
	observers := r.observers
	r.mu.Unlock()

	r.logger.Debug("Listen address registered",
		logging.Stringer(logging.KeyIdentity, identity),
		logging.Stringer(logging.KeyLocal, addr))
	r.fire(observers, ev)
}

// Deregister drops one reference to addr. Unknown addresses are ignored.
func (r *Registry) Deregister(identity relay.Identity, addr relay.Address) {
	r.mu.Lock()
	key := identity.Key()
	list := r.entries[key]

	idx := -1
	for i, e := range list {
		if e.Address == addr {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return
	}

	entry := list[idx]
	entry.RefCount--
	if entry.RefCount > 0 {
		r.mu.Unlock()
		return
	}

	list = append(list[:idx], list[idx+1:]...)
	var ev *event
	if len(list) == 0 {
		delete(r.entries, key)
		delete(r.ids, key)
		ev = &event{identity: identity, closed: true}
	} else {
		r.entries[key] = list
		first := list[0]
		ev = &event{identity: identity, addr: first.Address, developer: append([]relay.Address(nil), first.Developer...)}
	}
	observers := r.observers
	r.mu.Unlock()

	r.logger.Debug("Listen address removed",
		logging.Stringer(logging.KeyIdentity, identity),
		logging.Stringer(logging.KeyLocal, addr))
	r.fire(observers, ev)
}

// Get returns the current entry for identity
func (r *Registry) Get(identity relay.Identity) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[identity.Key()]
	if len(list) == 0 {
		return Entry{}, false
	}
	return copyEntry(list[0]), true
}

// Snapshot returns every identity's entries in registration order
func (r *Registry) Snapshot() map[relay.Identity][]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[relay.Identity][]Entry, len(r.entries))
	for key, list := range r.entries {
		entries := make([]Entry, 0, len(list))
		for _, e := range list {
			entries = append(entries, copyEntry(e))
		}
		out[r.ids[key]] = entries
	}
	return out
}

func (r *Registry) fire(observers []Observer, ev *event) {
	if ev == nil {
		return
	}
	for _, o := range observers {
		if ev.closed {
			o.ListenClosed(ev.identity)
		} else {
			o.ListenAddressChanged(ev.identity, ev.addr, ev.developer)
		}
	}
}

func copyEntry(e *Entry) Entry {
	return Entry{
		Address:   e.Address,
		Developer: append([]relay.Address(nil), e.Developer...),
		RefCount:  e.RefCount,
	}
}
