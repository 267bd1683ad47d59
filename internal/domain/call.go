package domain

import (
	"fmt"
	"log/slog"
	"sync"
)

// CallState is the per-call navigation state.
type CallState string

const (
	StateIdle              CallState = "IDLE"
	StateDialing           CallState = "DIALING"
	StateConnected         CallState = "CONNECTED"
	StateNavigatingMenu    CallState = "NAVIGATING_MENU"
	StateProvidingInfo     CallState = "PROVIDING_INFO"
	StateAwaitingIVRResult CallState = "AWAITING_IVR_RESULT"
	StateWaitingResponse   CallState = "WAITING_RESPONSE"
	StateExtractingData    CallState = "EXTRACTING_DATA"
	StateComplete          CallState = "COMPLETE"
	StateFailed            CallState = "FAILED"
)

// IsTerminal reports whether the state accepts no further transitions
// (other than the always-permitted forced transition to StateFailed).
func (s CallState) IsTerminal() bool {
	return s == StateComplete || s == StateFailed
}

// ValidTransitions is the legal-transition adjacency table. StateFailed is
// reachable from every state regardless of this table.
var ValidTransitions = map[CallState][]CallState{
	StateIdle:              {StateDialing, StateConnected},
	StateDialing:           {StateConnected, StateFailed},
	StateConnected:         {StateNavigatingMenu, StateProvidingInfo, StateAwaitingIVRResult, StateWaitingResponse, StateExtractingData, StateFailed},
	StateNavigatingMenu:    {StateConnected, StateProvidingInfo, StateAwaitingIVRResult, StateWaitingResponse, StateFailed},
	StateProvidingInfo:     {StateConnected, StateNavigatingMenu, StateAwaitingIVRResult, StateWaitingResponse, StateFailed},
	StateAwaitingIVRResult: {StateConnected, StateWaitingResponse, StateExtractingData, StateFailed},
	StateWaitingResponse:   {StateConnected, StateNavigatingMenu, StateAwaitingIVRResult, StateExtractingData, StateFailed},
	StateExtractingData:    {StateComplete, StateFailed},
	StateComplete:          {},
	StateFailed:            {},
}

// StateCallback is invoked after a successful transition into its state.
type StateCallback func(from, to CallState)

// StateMachine validates call-state transitions and keeps an in-memory
// history of the walk. One instance per call; safe for concurrent use.
type StateMachine struct {
	mu        sync.Mutex
	state     CallState
	history   []CallState
	callbacks map[CallState][]StateCallback
	logger    *slog.Logger
}

// NewStateMachine creates a state machine starting at StateIdle.
func NewStateMachine(logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		state:     StateIdle,
		history:   []CallState{StateIdle},
		callbacks: make(map[CallState][]StateCallback),
		logger:    logger,
	}
}

// State returns the current state.
func (m *StateMachine) State() CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns a copy of the states visited so far, in order.
func (m *StateMachine) History() []CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]CallState, len(m.history))
	copy(cp, m.history)
	return cp
}

// OnState registers a callback fired after every transition into state.
// Callback panics are recovered and logged; they never abort a transition.
func (m *StateMachine) OnState(state CallState, cb StateCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[state] = append(m.callbacks[state], cb)
}

// CanTransition reports whether target is legal from the current state.
func (m *StateMachine) CanTransition(target CallState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canTransitionLocked(target)
}

func (m *StateMachine) canTransitionLocked(target CallState) bool {
	for _, next := range ValidTransitions[m.state] {
		if next == target {
			return true
		}
	}
	return false
}

// Transition moves to target. Illegal transitions return ErrInvalidTransition
// unless target is StateFailed, which is always permitted (logged as forced).
// Transitioning to the current state is a no-op. Transitions out of a
// terminal state are rejected, except the idempotent Failed -> Failed.
func (m *StateMachine) Transition(target CallState) error {
	m.mu.Lock()
	from := m.state

	if target == from {
		m.mu.Unlock()
		return nil
	}

	if !m.canTransitionLocked(target) {
		if target != StateFailed {
			m.mu.Unlock()
			return NewDomainError("StateMachine.Transition", ErrInvalidTransition,
				fmt.Sprintf("%s -> %s", from, target))
		}
		m.logger.Warn("forced transition to FAILED", "from", string(from))
	}

	m.state = target
	m.history = append(m.history, target)
	cbs := append([]StateCallback(nil), m.callbacks[target]...)
	m.mu.Unlock()

	for _, cb := range cbs {
		m.invoke(cb, from, target)
	}
	return nil
}

func (m *StateMachine) invoke(cb StateCallback, from, to CallState) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state callback panicked", "state", string(to), "panic", r)
		}
	}()
	cb(from, to)
}

// Reset returns the machine to StateIdle with a fresh history. Registered
// callbacks are kept.
func (m *StateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
	m.history = []CallState{StateIdle}
}
