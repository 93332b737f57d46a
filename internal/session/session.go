// Package session holds the local user slots of a process, their login
// state, and the bridge from listen registry events to the directory.
package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/julienstroheker/hexrelay/internal/listen"
	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/relay"
)

// LoginObserver is told when a local user logs in or out
type LoginObserver interface {
	LoginChanged(localUser int, identity relay.Identity, loggedIn bool)
}

// Publisher makes listening addresses discoverable by other peers
type Publisher interface {
	PublishListeningAddress(identity relay.Identity, addr relay.Address, developer []relay.Address)
	UnpublishListeningAddress(identity relay.Identity, addr relay.Address)
}

// User is one logged-in local user
type User struct {
	Num      int            `json:"num"`
	Identity relay.Identity `json:"identity"`
}

// Options contains configuration for Local
type Options struct {
	// Registry defaults to a new, empty registry
	Registry *listen.Registry
	// Publisher is optional
	Publisher Publisher
	// DedicatedServer makes the sentinel identity the binding identity
	// when nobody is logged in
	DedicatedServer bool
	Logger          *logging.Logger
}

// Local is the in-process session layer
type Local struct {
	registry  *listen.Registry
	publisher Publisher
	dedicated bool
	logger    *logging.Logger

	mu        sync.Mutex
	users     map[int]relay.Identity
	observers []LoginObserver
	published map[string]relay.Address
}

// New creates a session and subscribes it to the registry
func New(opts *Options) *Local {
	if opts == nil {
		opts = &Options{}
	}
	s := &Local{
		registry:  opts.Registry,
		publisher: opts.Publisher,
		dedicated: opts.DedicatedServer,
		logger:    opts.Logger.With(logging.String(logging.KeyComponent, "session")),
		users:     make(map[int]relay.Identity),
		published: make(map[string]relay.Address),
	}
	if s.registry == nil {
		s.registry = listen.NewRegistry(&listen.Options{Logger: opts.Logger})
	}
	s.registry.Observe(s)
	return s
}

// Registry returns the listen registry fed by this session
func (s *Local) Registry() *listen.Registry {
	return s.registry
}

// AddLoginObserver registers o for subsequent login changes
func (s *Local) AddLoginObserver(o LoginObserver) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// Login marks local user num as logged in with identity
func (s *Local) Login(num int, identity relay.Identity) error {
	if num < 0 {
		return fmt.Errorf("invalid local user %d", num)
	}
	if !identity.Valid() || identity.IsDedicatedServer() {
		return fmt.Errorf("invalid identity %q", identity)
	}

	s.mu.Lock()
	if current, ok := s.users[num]; ok {
		s.mu.Unlock()
		if current == identity {
			return nil
		}
		return fmt.Errorf("local user %d is already logged in as %s", num, current)
	}
	for other, id := range s.users {
		if id == identity {
			s.mu.Unlock()
			return fmt.Errorf("identity %s is already logged in as local user %d", identity, other)
		}
	}
	s.users[num] = identity
	observers := s.observers
	s.mu.Unlock()

	s.logger.Info("Local user logged in",
		logging.Int(logging.KeyLocalUser, num),
		logging.Stringer(logging.KeyIdentity, identity))
	for _, o := range observers {
		o.LoginChanged(num, identity, true)
	}
	return nil
}

// Logout marks local user num as logged out; unknown users are ignored
func (s *Local) Logout(num int) {
	s.mu.Lock()
	identity, ok := s.users[num]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.users, num)
	observers := s.observers
	s.mu.Unlock()

	s.logger.Info("Local user logged out",
		logging.Int(logging.KeyLocalUser, num),
		logging.Stringer(logging.KeyIdentity, identity))
	for _, o := range observers {
		o.LoginChanged(num, identity, false)
	}
}

// Identity returns the identity of a logged-in local user
func (s *Local) Identity(num int) (relay.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.users[num]
	return id, ok
}

// LocalUserFor returns the local user slot logged in as identity
func (s *Local) LocalUserFor(identity relay.Identity) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for num, id := range s.users {
		if id == identity {
			return num, true
		}
	}
	return 0, false
}

// Users returns logged-in users ordered by slot
func (s *Local) Users() []User {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]User, 0, len(s.users))
	for num, id := range s.users {
		users = append(users, User{Num: num, Identity: id})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Num < users[j].Num })
	return users
}

// BindingIdentity returns the identity relay endpoints bind to: the lowest
// logged-in slot, else the dedicated-server sentinel when configured
func (s *Local) BindingIdentity() (relay.Identity, bool) {
	if users := s.Users(); len(users) > 0 {
		return users[0].Identity, true
	}
	if s.dedicated {
		return relay.DedicatedServer, true
	}
	return "", false
}

// PublishListening registers addr as a listening address of identity
func (s *Local) PublishListening(identity relay.Identity, addr relay.Address, developer []relay.Address) {
	s.registry.Register(identity, addr, developer)
}

// UnpublishListening drops one registration of addr
func (s *Local) UnpublishListening(identity relay.Identity, addr relay.Address) {
	s.registry.Deregister(identity, addr)
}

// ListenAddressChanged implements listen.Observer
func (s *Local) ListenAddressChanged(identity relay.Identity, addr relay.Address, developer []relay.Address) {
	s.mu.Lock()
	s.published[identity.Key()] = addr
	s.mu.Unlock()

	if s.publisher != nil {
		s.publisher.PublishListeningAddress(identity, addr, developer)
	}
}

// ListenClosed implements listen.Observer
func (s *Local) ListenClosed(identity relay.Identity) {
	s.mu.Lock()
	addr, ok := s.published[identity.Key()]
	delete(s.published, identity.Key())
	s.mu.Unlock()

	if ok && s.publisher != nil {
		s.publisher.UnpublishListeningAddress(identity, addr)
	}
}

var _ listen.Observer = (*Local)(nil)
