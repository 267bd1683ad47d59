package usecase

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"authbridge/internal/domain"
)

// Session binds a live WebSocket leg to its call context and outbound
// sender. Owned by the connection's turn loop; the registry only stores
// it so the shutdown path and the health probe can see it.
type Session struct {
	ID      string
	Context *domain.CallContext
	Sender  domain.ActionSender

	mu   sync.Mutex // serializes turns with the silence monitor
	done chan struct{}
	once sync.Once
}

// Close stops the session's background work. Idempotent.
func (s *Session) Close() {
	s.once.Do(func() { close(s.done) })
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Lock serializes pipeline turns and silence-monitor ticks.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// SessionRegistry maps provider call SIDs to live sessions.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	entropy  *ulid.MonotonicEntropy
	entMu    sync.Mutex
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// NewSession creates and registers a session for a call SID, replacing any
// stale entry for the same SID.
func (r *SessionRegistry) NewSession(callSid string, ctx *domain.CallContext, sender domain.ActionSender) *Session {
	r.entMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), r.entropy).String()
	r.entMu.Unlock()

	s := &Session{
		ID:      id,
		Context: ctx,
		Sender:  sender,
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	if old, ok := r.sessions[callSid]; ok {
		old.Close()
	}
	r.sessions[callSid] = s
	r.mu.Unlock()
	return s
}

// Get returns the session for a call SID, or nil.
func (r *SessionRegistry) Get(callSid string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[callSid]
}

// Remove unregisters and closes the session for a call SID.
func (r *SessionRegistry) Remove(callSid string) *Session {
	r.mu.Lock()
	s, ok := r.sessions[callSid]
	if ok {
		delete(r.sessions, callSid)
	}
	r.mu.Unlock()

	if s != nil {
		s.Close()
	}
	return s
}

// Len reports the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every session. Used on shutdown.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, s := range r.sessions {
		s.Close()
		delete(r.sessions, sid)
	}
}

// PendingCall is a dial-out that has not yet been claimed by a WebSocket
// session. Member-sensitive inputs stay server-side; the wire only ever
// carries the call_id.
type PendingCall struct {
	CallSid   string
	Inputs    domain.CallInputs
	Status    string
	CreatedAt time.Time
}

// PendingCalls is the process-wide call_id registry. A cron reaper drops
// entries that were never claimed within the TTL.
type PendingCalls struct {
	mu      sync.Mutex
	pending map[string]*PendingCall
	ttl     time.Duration
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewPendingCalls creates the registry and starts the reaper on the given
// cron schedule.
func NewPendingCalls(ttl time.Duration, schedule string, logger *slog.Logger) (*PendingCalls, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	p := &PendingCalls{
		pending: make(map[string]*PendingCall),
		ttl:     ttl,
		cron:    cron.New(),
		logger:  logger.With("component", "pending_calls"),
	}

	if schedule != "" {
		if _, err := p.cron.AddFunc(schedule, p.reap); err != nil {
			return nil, err
		}
		p.cron.Start()
	}
	return p, nil
}

// Put records a freshly dialed call.
func (p *PendingCalls) Put(callID string, pc PendingCall) {
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = time.Now()
	}
	p.mu.Lock()
	p.pending[callID] = &pc
	p.mu.Unlock()
}

// Get returns a copy of the pending call, if known.
func (p *PendingCalls) Get(callID string) (PendingCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.pending[callID]
	if !ok {
		return PendingCall{}, false
	}
	return *pc, true
}

// SetStatus updates the provider status of a pending call.
func (p *PendingCalls) SetStatus(callID, status string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.pending[callID]
	if !ok {
		return false
	}
	pc.Status = status
	return true
}

// Remove drops a pending call once its session ends.
func (p *PendingCalls) Remove(callID string) {
	p.mu.Lock()
	delete(p.pending, callID)
	p.mu.Unlock()
}

// Stop halts the reaper.
func (p *PendingCalls) Stop() {
	p.cron.Stop()
}

func (p *PendingCalls) reap() {
	cutoff := time.Now().Add(-p.ttl)

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, pc := range p.pending {
		if pc.CreatedAt.Before(cutoff) {
			delete(p.pending, id)
			p.logger.Info("reaped unclaimed call", "call_id", id, "status", pc.Status)
		}
	}
}
