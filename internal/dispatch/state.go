package dispatch

import "sync"

// Phase is the lifecycle stage of one proxied request.
type Phase int

const (
	PhaseSelectingCredential Phase = iota
	PhaseAwaitingUpstream
	PhaseStreaming
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseSelectingCredential:
		return "selecting_credential"
	case PhaseAwaitingUpstream:
		return "awaiting_upstream"
	case PhaseStreaming:
		return "streaming"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Failure reasons recorded on PhaseFailed.
const (
	ReasonNoCapacity  = "no_capacity"
	ReasonUpstream    = "upstream_failure"
	ReasonClientAbort = "client_abort"
)

// StreamState is the per-request record of what has been written. Every
// write to the client goes through it so the "response started" flag and
// the write happen together.
type StreamState struct {
	mu      sync.Mutex
	phase   Phase
	started bool
	reason  string
	tokens  int
}

func newStreamState() *StreamState {
	return &StreamState{phase: PhaseSelectingCredential}
}

// Phase returns the current phase.
func (s *StreamState) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Started reports whether any byte of the response has been written.
func (s *StreamState) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Reason returns the failure reason, if any.
func (s *StreamState) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Tokens returns how many tokens were written or buffered.
func (s *StreamState) Tokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// advance moves to next unless the request already finished.
func (s *StreamState) advance(next Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return false
	}
	s.phase = next
	return true
}

// fail finalizes the request as failed. It returns false if the request was
// already finalized, and reports whether the response had started.
func (s *StreamState) fail(reason string) (finalized bool, started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return false, s.started
	}
	s.phase = PhaseFailed
	s.reason = reason
	return true, s.started
}

// write runs fn under the state lock, marking the response as started first.
// It refuses to write once the request is finalized.
func (s *StreamState) write(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return errFinalized
	}
	s.started = true
	return fn()
}

// complete runs fn (the final write) and marks the request completed,
// exactly once.
func (s *StreamState) complete(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return errFinalized
	}
	s.started = true
	s.phase = PhaseCompleted
	return fn()
}

func (s *StreamState) addTokens(n int) {
	s.mu.Lock()
	s.tokens += n
	s.mu.Unlock()
}
