// Package quota tracks how many upstream requests each session cookie may
// still make before it has to rest.
package quota

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/grokgate/grokgate/internal/credential"
	"github.com/grokgate/grokgate/internal/metrics"
	"github.com/grokgate/grokgate/internal/observability"
)

const (
	// DefaultMaxQuota is the number of requests a fresh credential may serve.
	DefaultMaxQuota = 15
	// DefaultRecovery is how long a credential rests before its quota resets.
	DefaultRecovery = 2 * time.Hour
)

// Config holds the static pool parameters.
type Config struct {
	MaxQuota int
	Recovery time.Duration
}

// AfterFunc schedules f to run once after d. The returned function cancels
// the task and reports whether it was still pending.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

var publishAvailable = metrics.SetCredentialsAvailable

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Status is a read-only view of one credential's quota.
type Status struct {
	Name       string    `json:"name"`
	Remaining  int       `json:"remaining"`
	Max        int       `json:"max"`
	Recovering bool      `json:"recovering"`
	RecoversAt time.Time `json:"recovers_at,omitzero"`
}

type entry struct {
	secret     string
	remaining  int
	generation uint64

	// non-nil while a recovery task is pending
	stop       func() bool
	recoversAt time.Time
}

// Pool hands out credentials while they have quota left and restores their
// quota a fixed time after the first use in each window.
type Pool struct {
	cfg    Config
	after  AfterFunc
	intn   func(n int) int
	clock  func() time.Time
	logger *logging.Logger

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithAfterFunc replaces time.AfterFunc for recovery scheduling.
func WithAfterFunc(fn AfterFunc) Option {
	return func(p *Pool) {
		if fn != nil {
			p.after = fn
		}
	}
}

// WithIntn replaces the random source used by AcquireAny.
// fn must return a value in [0, n).
func WithIntn(fn func(n int) int) Option {
	return func(p *Pool) {
		if fn != nil {
			p.intn = fn
		}
	}
}

// WithClock sets the clock used for reported recovery deadlines.
func WithClock(fn func() time.Time) Option {
	return func(p *Pool) {
		if fn != nil {
			p.clock = fn
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// New builds a pool over store. Credentials already in the store start with
// full quota; later store changes are applied as they happen.
func New(cfg Config, store *credential.Store, opts ...Option) (*Pool, error) {
	if store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if cfg.MaxQuota <= 0 {
		return nil, fmt.Errorf("max quota must be positive, got %d", cfg.MaxQuota)
	}
	if cfg.Recovery <= 0 {
		return nil, fmt.Errorf("recovery window must be positive, got %s", cfg.Recovery)
	}

	p := &Pool{
		cfg:     cfg,
		after:   timeAfterFunc,
		intn:    rand.IntN,
		clock:   func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}

	// Lock order is pool -> store here and store -> pool in onStoreEvent.
	// That is safe because the listener is not registered until Subscribe
	// holds the store's write lock, and it cannot run before we release ours.
	p.mu.Lock()
	for _, cred := range store.Subscribe(p.onStoreEvent) {
		p.entries[cred.Name] = p.newEntryLocked(cred.Secret)
	}
	p.publishAvailableLocked()
	p.mu.Unlock()

	return p, nil
}

// Config returns the pool parameters.
func (p *Pool) Config() Config {
	return p.cfg
}

// AcquireNamed takes one unit of quota from name. It fails when the name is
// unknown or exhausted.
func (p *Pool) AcquireNamed(name string) (credential.Credential, bool) {
	p.mu.Lock()
	e, ok := p.entries[name]
	if !ok || e.remaining <= 0 {
		p.mu.Unlock()
		metrics.RecordAcquisition("named", false)
		return credential.Credential{}, false
	}
	cred := p.takeLocked(name, e)
	p.mu.Unlock()

	metrics.RecordAcquisition("named", true)
	return cred, true
}

// AcquireAny takes one unit of quota from a credential chosen uniformly at
// random among those with quota left.
func (p *Pool) AcquireAny() (credential.Credential, bool) {
	p.mu.Lock()
	candidates := make([]string, 0, len(p.entries))
	for name, e := range p.entries {
		if e.remaining > 0 {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		p.mu.Unlock()
		metrics.RecordAcquisition("any", false)
		p.log().Warn("No credential has quota left", zap.Int("credentials", len(p.entries)))
		return credential.Credential{}, false
	}

	// map iteration order is random; sort so the injected source decides
	sort.Strings(candidates)
	name := candidates[p.intn(len(candidates))]
	cred := p.takeLocked(name, p.entries[name])
	p.mu.Unlock()

	metrics.RecordAcquisition("any", true)
	return cred, true
}

// Has reports whether name is tracked, regardless of its quota.
func (p *Pool) Has(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[name]
	return ok
}

// Remaining returns the quota left for name.
func (p *Pool) Remaining(name string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[name]
	if !ok {
		return 0, false
	}
	return e.remaining, true
}

// Available returns how many credentials currently have quota left.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked()
}

// Len returns the number of tracked credentials.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Snapshot returns the quota state of every credential sorted by name.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.entries))
	for name, e := range p.entries {
		out = append(out, Status{
			Name:       name,
			Remaining:  e.remaining,
			Max:        p.cfg.MaxQuota,
			Recovering: e.stop != nil,
			RecoversAt: e.recoversAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close cancels all pending recovery tasks.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		p.cancelLocked(e)
	}
}

func (p *Pool) onStoreEvent(ev credential.Event) {
	p.mu.Lock()
	switch ev.Type {
	case credential.EventAdded:
		if old, ok := p.entries[ev.Name]; ok {
			p.cancelLocked(old)
		}
		p.entries[ev.Name] = p.newEntryLocked(ev.Secret)
		p.log().Info("Credential added", zap.String("cookie", ev.Name))

	case credential.EventReplaced:
		if old, ok := p.entries[ev.Name]; ok {
			p.cancelLocked(old)
		}
		p.entries[ev.Name] = p.newEntryLocked(ev.Secret)
		p.log().Info("Credential replaced, quota reset", zap.String("cookie", ev.Name))

	case credential.EventRemoved:
		if old, ok := p.entries[ev.Name]; ok {
			p.cancelLocked(old)
			delete(p.entries, ev.Name)
		}
		p.log().Info("Credential removed", zap.String("cookie", ev.Name))
	}
	p.publishAvailableLocked()
	p.mu.Unlock()
}

func (p *Pool) newEntryLocked(secret string) *entry {
	p.gen++
	return &entry{
		secret:     secret,
		remaining:  p.cfg.MaxQuota,
		generation: p.gen,
	}
}

// takeLocked decrements e and starts a recovery window if none is pending.
func (p *Pool) takeLocked(name string, e *entry) credential.Credential {
	e.remaining--

	if e.stop == nil {
		gen := e.generation
		e.recoversAt = p.clock().Add(p.cfg.Recovery)
		e.stop = p.after(p.cfg.Recovery, func() { p.recover(name, gen) })
	}

	if e.remaining == 0 {
		p.log().Info("Credential quota exhausted",
			zap.String("cookie", name),
			zap.Time("recovers_at", e.recoversAt))
	}

	p.publishAvailableLocked()
	return credential.Credential{Name: name, Secret: e.secret}
}

// publishAvailableLocked updates the availability gauge. It runs under p.mu
// so gauge writes follow the order of pool changes.
func (p *Pool) publishAvailableLocked() {
	publishAvailable(p.availableLocked())
}

// recover runs when a recovery window closes. It does nothing if the entry
// was replaced or removed since the window opened.
func (p *Pool) recover(name string, gen uint64) {
	p.mu.Lock()
	e, ok := p.entries[name]
	if !ok || e.generation != gen {
		p.mu.Unlock()
		return
	}
	e.remaining = p.cfg.MaxQuota
	e.stop = nil
	e.recoversAt = time.Time{}
	p.publishAvailableLocked()
	p.mu.Unlock()

	p.log().Debug("Credential quota recovered", zap.String("cookie", name))
	metrics.RecordRecovery()
}

func (p *Pool) cancelLocked(e *entry) {
	if e.stop != nil {
		e.stop()
		e.stop = nil
		e.recoversAt = time.Time{}
	}
}

func (p *Pool) availableLocked() int {
	n := 0
	for _, e := range p.entries {
		if e.remaining > 0 {
			n++
		}
	}
	return n
}

func (p *Pool) log() *logging.Logger {
	if p.logger != nil {
		return p.logger
	}
	return observability.Logger()
}
