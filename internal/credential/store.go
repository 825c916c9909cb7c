// Package credential holds the session cookies the proxy authenticates with.
//
// The Store is the single owner of the name -> secret mapping. Only the
// directory Watcher mutates it; everything else reads snapshots or subscribes
// to change notifications.
package credential

import (
	"sort"
	"sync"
)

// Credential is a named session cookie.
type Credential struct {
	Name   string
	Secret string
}

// EventType describes a change to the store.
type EventType int

const (
	// EventAdded fires when a previously unknown name appears.
	EventAdded EventType = iota
	// EventReplaced fires when a known name is written again.
	EventReplaced
	// EventRemoved fires when a known name disappears.
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventReplaced:
		return "replaced"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners after the store has been updated.
// Secret is empty for EventRemoved.
type Event struct {
	Type   EventType
	Name   string
	Secret string
}

// Listener receives store change notifications.
type Listener func(Event)

// Store is an in-memory credential map safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	secrets   map[string]string
	listeners []Listener

	// serializes mutation + notification so listeners observe events in order
	writeMu sync.Mutex
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{secrets: make(map[string]string)}
}

// Subscribe registers a listener and returns the credentials present at
// registration time, so the caller can seed its state without missing or
// double-counting a concurrent change. Listeners run synchronously, outside
// the store's read/write lock, in the order mutations happened.
func (s *Store) Subscribe(l Listener) []Credential {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if l != nil {
		s.listeners = append(s.listeners, l)
	}
	return s.Snapshot()
}

// Add inserts or replaces a credential.
func (s *Store) Add(name, secret string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	_, existed := s.secrets[name]
	s.secrets[name] = secret
	s.mu.Unlock()

	ev := Event{Type: EventAdded, Name: name, Secret: secret}
	if existed {
		ev.Type = EventReplaced
	}
	s.notify(ev)
}

// Remove deletes a credential. Removing an unknown name is a no-op.
func (s *Store) Remove(name string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	_, existed := s.secrets[name]
	delete(s.secrets, name)
	s.mu.Unlock()

	if existed {
		s.notify(Event{Type: EventRemoved, Name: name})
	}
}

// Has reports whether name is known.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.secrets[name]
	return ok
}

// Get returns the secret for name.
func (s *Store) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[name]
	return secret, ok
}

// Names returns the known names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.secrets))
	for name := range s.secrets {
		names = append(names, name)
	}
	s.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Len returns the number of credentials.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.secrets)
}

// Snapshot returns a copy of all credentials.
func (s *Store) Snapshot() []Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()

	creds := make([]Credential, 0, len(s.secrets))
	for name, secret := range s.secrets {
		creds = append(creds, Credential{Name: name, Secret: secret})
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].Name < creds[j].Name })
	return creds
}

func (s *Store) notify(ev Event) {
	for _, l := range s.listeners {
		l(ev)
	}
}
