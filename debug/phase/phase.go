// Package phase implements the workflow state machine that gates which
// operations are legal during an interactive debug session.
package phase

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Phase is one node of the workflow ring.
type Phase string

const (
	// Planning is the initial phase: reading and deciding what to do.
	Planning Phase = "PLANNING"
	// Coding is where edits happen.
	Coding Phase = "CODING"
	// Breakpointing is where breakpoints are placed.
	Breakpointing Phase = "BREAKPOINTING"
	// Debugging is the interactive stepping and inspection phase.
	Debugging Phase = "DEBUGGING"
	// Explaining is where findings are written up.
	Explaining Phase = "EXPLAINING"
	// Confirming closes the loop before the next step begins.
	Confirming Phase = "CONFIRMING"
)

// successor is the single legal transition out of each phase.
var successor = map[Phase]Phase{
	Planning:      Coding,
	Coding:        Breakpointing,
	Breakpointing: Debugging,
	Debugging:     Explaining,
	Explaining:    Confirming,
	Confirming:    Planning,
}

// allowedTools lists the operations legal in each phase. The transition
// operation is legal everywhere.
var allowedTools = map[Phase][]string{
	Planning:      {"read", "glob", "grep", "task", "transition"},
	Coding:        {"read", "glob", "grep", "edit", "write", "bash", "apply_patch", "transition"},
	Breakpointing: {"set_breakpoints", "remove_breakpoints", "list_breakpoints", "read", "transition"},
	Debugging: {
		"start_debug_session", "continue", "step_over", "step_into", "step_out",
		"get_variables", "get_call_stack", "evaluate", "list_breakpoints", "transition",
	},
	Explaining: {"transition"},
	Confirming: {"stop_debug_session", "transition"},
}

// Valid reports whether p is one of the six workflow phases.
func Valid(p Phase) bool {
	_, ok := successor[p]
	return ok
}

// Successor returns the single phase reachable from p.
func Successor(p Phase) Phase {
	return successor[p]
}

// IsToolAllowed reports whether a tool may run in the given phase.
func IsToolAllowed(p Phase, tool string) bool {
	for _, allowed := range allowedTools[p] {
		if allowed == tool {
			return true
		}
	}
	return false
}

// AllowedTools returns the tool allowlist for a phase.
func AllowedTools(p Phase) []string {
	return append([]string(nil), allowedTools[p]...)
}

// State is the workflow state of one debug session.
type State struct {
	mu sync.Mutex

	sessionID        string
	current          Phase
	currentStep      int
	totalSteps       *int
	stepDescriptions []string
	autoConfirm      bool
}

// NewState creates a state at PLANNING, step 0.
func NewState(sessionID string) *State {
	return &State{
		sessionID: sessionID,
		current:   Planning,
	}
}

// SessionID returns the owning session id.
func (s *State) SessionID() string {
	return s.sessionID
}

// Current returns the current phase.
func (s *State) Current() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// CurrentStep returns how many full workflow cycles have completed.
func (s *State) CurrentStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentStep
}

// TotalSteps returns the planned number of steps, or 0 when no plan is set.
func (s *State) TotalSteps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalSteps == nil {
		return 0
	}
	return *s.totalSteps
}

// StepDescriptions returns the planned step descriptions.
func (s *State) StepDescriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stepDescriptions...)
}

// AutoConfirm reports whether the CONFIRMING phase may be passed through
// without an explicit confirmation.
func (s *State) AutoConfirm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoConfirm
}

// SetAutoConfirm toggles automatic confirmation.
func (s *State) SetAutoConfirm(v bool) {
	s.mu.Lock()
	s.autoConfirm = v
	s.mu.Unlock()
}

// SetPlan records the planned step count and descriptions.
func (s *State) SetPlan(totalSteps int, descriptions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalSteps = &totalSteps
	s.stepDescriptions = append([]string(nil), descriptions...)
}

// Transition moves to the given phase. Only the single successor of the
// current phase is legal. The step counter increments exactly on the
// CONFIRMING to PLANNING edge.
func (s *State) Transition(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := successor[s.current]
	if to != next {
		return fmt.Errorf("Cannot transition from %s to %s. Valid transitions: %s", s.current, to, next)
	}

	if s.current == Confirming && to == Planning {
		s.currentStep++
	}
	from := s.current
	s.current = to

	logrus.WithFields(logrus.Fields{
		"session": s.sessionID,
		"from":    from,
		"to":      to,
		"step":    s.currentStep,
	}).Debug("phase transition")
	return nil
}

// Registry is the process-wide phase-state store, keyed by session id.
// Entries are never collected automatically; Clear must be called when
// a session ends.
type Registry struct {
	mu     sync.Mutex
	states map[string]*State
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*State)}
}

// GetOrCreate returns the state for a session, creating a fresh one at
// PLANNING when none exists.
func (r *Registry) GetOrCreate(sessionID string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[sessionID]
	if !ok {
		state = NewState(sessionID)
		r.states[sessionID] = state
	}
	return state
}

// Get returns the state for a session, if any.
func (r *Registry) Get(sessionID string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[sessionID]
	return state, ok
}

// Clear removes a session's state. Clearing twice is harmless.
func (r *Registry) Clear(sessionID string) {
	r.mu.Lock()
	delete(r.states, sessionID)
	r.mu.Unlock()
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}
