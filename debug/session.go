package debug

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/sirupsen/logrus"

	"github.com/dshills/debugflow/debug/adapters"
)

// ErrNoActiveSession is returned by operations that need a running
// debug session when none exists.
var ErrNoActiveSession = errors.New("No active debug session")

// ErrNotPaused is returned by operations that need a paused debuggee.
var ErrNotPaused = errors.New("Not paused")

// BreakpointInfo is one registered breakpoint: the caller's request plus
// what the adapter reported back for it.
type BreakpointInfo struct {
	adapters.SourceBreakpoint

	// Verified reports whether the runtime bound the breakpoint.
	Verified bool `json:"verified"`

	// ID is the adapter-assigned breakpoint id, when one exists.
	ID string `json:"id,omitempty"`

	// ActualLine is the line the adapter corrected the breakpoint to.
	// The registry still keys the entry by the requested line.
	ActualLine int `json:"actualLine,omitempty"`

	// Message carries any adapter diagnostic.
	Message string `json:"message,omitempty"`
}

// Session is one live debug session. All mutable state is guarded; the
// adapter itself serializes its own protocol traffic.
type Session struct {
	id      string
	adapter adapters.Adapter

	mu sync.RWMutex

	// breakpoints maps absolute file paths to line-ordered registries.
	breakpoints map[string]*treemap.Map

	stoppedThreadID *int
	stoppedReason   *string
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Adapter returns the session's adapter.
func (s *Session) Adapter() adapters.Adapter {
	return s.adapter
}

// IsPaused reports whether the debuggee is currently stopped.
func (s *Session) IsPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stoppedThreadID != nil
}

// StoppedThreadID returns the stopped thread id, or 0 when running.
func (s *Session) StoppedThreadID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stoppedThreadID == nil {
		return 0
	}
	return *s.stoppedThreadID
}

// StoppedReason returns why the debuggee stopped, or "" when running.
func (s *Session) StoppedReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stoppedReason == nil {
		return ""
	}
	return *s.stoppedReason
}

// recordStop tracks the latest pause. A terminated result clears the
// stopped fields: a dead debuggee is not a paused one.
func (s *Session) recordStop(result adapters.StopResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if result.Terminated {
		s.stoppedThreadID = nil
		s.stoppedReason = nil
		return
	}
	threadID := result.ThreadID
	reason := result.Reason
	s.stoppedThreadID = &threadID
	s.stoppedReason = &reason
}

// clearStopped nulls the stopped fields ahead of a resume attempt.
func (s *Session) clearStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stoppedThreadID = nil
	s.stoppedReason = nil
}

// fileRegistry returns the line-ordered registry for a file, creating it
// when asked to.
func (s *Session) fileRegistry(file string, create bool) *treemap.Map {
	s.mu.Lock()
	defer s.mu.Unlock()

	tm, ok := s.breakpoints[file]
	if !ok && create {
		tm = treemap.NewWithIntComparator()
		s.breakpoints[file] = tm
	}
	return tm
}

// dropFileRegistry removes a file's registry entirely.
func (s *Session) dropFileRegistry(file string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakpoints, file)
}

// SessionSnapshot is a read-only summary of a session for embedders.
type SessionSnapshot struct {
	ID            string `json:"id"`
	AdapterType   string `json:"adapterType"`
	Paused        bool   `json:"paused"`
	StoppedReason string `json:"stoppedReason,omitempty"`
	Breakpoints   int    `json:"breakpoints"`
}

// Manager owns at most one active debug session at a time. It is the
// single holder of the process-wide session state.
type Manager struct {
	mu       sync.Mutex
	registry *adapters.Registry
	active   *Session
	counter  int
}

// NewManager creates a manager with the built-in adapter registry.
func NewManager() *Manager {
	return NewManagerWithRegistry(adapters.NewRegistry())
}

// NewManagerWithRegistry creates a manager with a caller-supplied
// adapter registry.
func NewManagerWithRegistry(registry *adapters.Registry) *Manager {
	return &Manager{registry: registry}
}

// Create starts a new session, stopping any prior one first. The stop
// listener is installed before the adapter starts so the entry-point
// pause is recorded.
func (m *Manager) Create(ctx context.Context, config adapters.Config) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.stopLocked()
	}

	if config.Type == "" {
		detected, err := adapters.DetectType(config.Program)
		if err != nil {
			return nil, err
		}
		config.Type = detected
	}

	adapter, err := m.registry.Create(config.Type)
	if err != nil {
		return nil, err
	}

	m.counter++
	session := &Session{
		id:          fmt.Sprintf("session-%d", m.counter),
		adapter:     adapter,
		breakpoints: make(map[string]*treemap.Map),
	}

	adapter.OnStopped(session.recordStop)

	if err := adapter.Start(ctx, config); err != nil {
		adapter.Disconnect()
		return nil, err
	}

	m.active = session
	logrus.WithFields(logrus.Fields{
		"session": session.id,
		"adapter": config.Type,
	}).Info("debug session created")
	return session, nil
}

// RequireActive returns the active session or fails.
func (m *Manager) RequireActive() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNoActiveSession
	}
	return m.active, nil
}

// Active returns the active session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Stop disconnects the active session, swallowing adapter errors.
// Stopping with no active session is not an error.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// StopAll is an alias for Stop; only one session can exist.
func (m *Manager) StopAll() {
	m.Stop()
}

func (m *Manager) stopLocked() {
	if m.active == nil {
		return
	}
	if err := m.active.adapter.Disconnect(); err != nil {
		logrus.WithField("session", m.active.id).Debugf("disconnect failed: %v", err)
	}
	logrus.WithField("session", m.active.id).Info("debug session stopped")
	m.active = nil
}

// Snapshot summarizes the active session, or returns nil without one.
func (m *Manager) Snapshot() *SessionSnapshot {
	m.mu.Lock()
	session := m.active
	m.mu.Unlock()

	if session == nil {
		return nil
	}

	session.mu.RLock()
	defer session.mu.RUnlock()

	count := 0
	for _, tm := range session.breakpoints {
		count += tm.Size()
	}
	snapshot := &SessionSnapshot{
		ID:          session.id,
		AdapterType: string(session.adapter.Type()),
		Paused:      session.stoppedThreadID != nil,
		Breakpoints: count,
	}
	if session.stoppedReason != nil {
		snapshot.StoppedReason = *session.stoppedReason
	}
	return snapshot
}
