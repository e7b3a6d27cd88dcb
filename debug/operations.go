package debug

import (
	"context"
	"encoding/json"

	"github.com/dshills/debugflow/debug/adapters"
)

// StartResult is the outcome of starting a debug session: the new
// session id and the entry-point pause.
type StartResult struct {
	SessionID string              `json:"sessionId"`
	StoppedAt adapters.StopResult `json:"stoppedAt"`
}

// StartSession creates a session for the given launch configuration and
// waits for the entry-point pause.
func (m *Manager) StartSession(ctx context.Context, config adapters.Config) (*StartResult, error) {
	session, err := m.Create(ctx, config)
	if err != nil {
		return nil, err
	}

	stopped, err := session.adapter.WaitForInitialPause(ctx)
	if err != nil {
		return nil, err
	}
	return &StartResult{SessionID: session.id, StoppedAt: stopped}, nil
}

// StopSession ends the active session. Stopping twice is not an error.
func (m *Manager) StopSession() {
	m.Stop()
}

// SetBreakpoints merges the requested breakpoints into the file's
// registry (same-line entries are replaced, new lines appended), sends
// the merged list to the adapter, and returns the file's full registry
// with the adapter's verdicts folded in.
func (m *Manager) SetBreakpoints(ctx context.Context, file string, breakpoints []adapters.SourceBreakpoint) ([]BreakpointInfo, error) {
	session, err := m.RequireActive()
	if err != nil {
		return nil, err
	}

	registry := session.fileRegistry(file, true)
	for _, bp := range breakpoints {
		registry.Put(bp.Line, &BreakpointInfo{SourceBreakpoint: bp})
	}

	return m.syncFile(ctx, session, file)
}

// RemoveBreakpoints drops the given lines from the file's registry and
// re-sends the remainder. With no lines it clears the file entirely.
func (m *Manager) RemoveBreakpoints(ctx context.Context, file string, lines []int) error {
	session, err := m.RequireActive()
	if err != nil {
		return err
	}

	if lines == nil {
		session.dropFileRegistry(file)
		_, err := session.adapter.SetBreakpoints(ctx, file, nil)
		return err
	}

	registry := session.fileRegistry(file, false)
	if registry == nil {
		return nil
	}
	for _, line := range lines {
		registry.Remove(line)
	}
	if registry.Empty() {
		session.dropFileRegistry(file)
		_, err := session.adapter.SetBreakpoints(ctx, file, nil)
		return err
	}

	_, err = m.syncFile(ctx, session, file)
	return err
}

// syncFile sends a file's registry to the adapter, in line order, and
// stores the per-breakpoint results.
func (m *Manager) syncFile(ctx context.Context, session *Session, file string) ([]BreakpointInfo, error) {
	registry := session.fileRegistry(file, false)
	if registry == nil {
		return nil, nil
	}

	var infos []*BreakpointInfo
	var request []adapters.SourceBreakpoint
	registry.Each(func(_, value interface{}) {
		info := value.(*BreakpointInfo)
		infos = append(infos, info)
		request = append(request, info.SourceBreakpoint)
	})

	results, err := session.adapter.SetBreakpoints(ctx, file, request)
	if err != nil {
		return nil, err
	}

	out := make([]BreakpointInfo, len(infos))
	for i, info := range infos {
		if i < len(results) {
			info.Verified = results[i].Verified
			info.ID = results[i].ID
			info.Message = results[i].Message
			if results[i].Line != info.Line {
				info.ActualLine = results[i].Line
			}
		}
		out[i] = *info
	}
	return out, nil
}

// ListBreakpoints returns every registered breakpoint, grouped by file
// and ordered by line. Files with no breakpoints do not appear.
func (m *Manager) ListBreakpoints() (map[string][]BreakpointInfo, error) {
	session, err := m.RequireActive()
	if err != nil {
		return nil, err
	}

	session.mu.RLock()
	defer session.mu.RUnlock()

	result := make(map[string][]BreakpointInfo, len(session.breakpoints))
	for file, registry := range session.breakpoints {
		if registry.Empty() {
			continue
		}
		var infos []BreakpointInfo
		registry.Each(func(_, value interface{}) {
			infos = append(infos, *value.(*BreakpointInfo))
		})
		result[file] = infos
	}
	return result, nil
}

// ContinueExecution resumes the debuggee until the next stop.
func (m *Manager) ContinueExecution(ctx context.Context, threadID int) (adapters.StopResult, error) {
	return m.resume(ctx, threadID, adapters.Adapter.Continue)
}

// StepOver runs to the next line without entering calls.
func (m *Manager) StepOver(ctx context.Context, threadID int) (adapters.StopResult, error) {
	return m.resume(ctx, threadID, adapters.Adapter.StepOver)
}

// StepInto steps into the next call.
func (m *Manager) StepInto(ctx context.Context, threadID int) (adapters.StopResult, error) {
	return m.resume(ctx, threadID, adapters.Adapter.StepIn)
}

// StepOut runs until the current function returns.
func (m *Manager) StepOut(ctx context.Context, threadID int) (adapters.StopResult, error) {
	return m.resume(ctx, threadID, adapters.Adapter.StepOut)
}

// resume clears the stopped fields, then delegates to the adapter. The
// session only counts as paused again when the next stop is recorded.
func (m *Manager) resume(ctx context.Context, threadID int,
	op func(adapters.Adapter, context.Context, int) (adapters.StopResult, error)) (adapters.StopResult, error) {

	session, err := m.RequireActive()
	if err != nil {
		return adapters.StopResult{}, err
	}
	if !session.IsPaused() {
		return adapters.StopResult{}, ErrNotPaused
	}
	if threadID == 0 {
		threadID = session.StoppedThreadID()
	}

	session.clearStopped()
	return op(session.adapter, ctx, threadID)
}

// GetCallStack returns the stack of the given (or last stopped) thread.
func (m *Manager) GetCallStack(ctx context.Context, threadID int) ([]adapters.StackFrame, error) {
	session, err := m.RequireActive()
	if err != nil {
		return nil, err
	}
	if threadID == 0 {
		threadID = session.StoppedThreadID()
	}
	return session.adapter.GetCallStack(ctx, threadID)
}

// GetVariables returns the variables of a frame, filtered by scope.
func (m *Manager) GetVariables(ctx context.Context, frameID int, scope string, maxDepth int) ([]adapters.Variable, error) {
	session, err := m.RequireActive()
	if err != nil {
		return nil, err
	}
	return session.adapter.GetVariables(ctx, frameID, scope, maxDepth)
}

// EvaluateExpression evaluates an expression in a frame context.
func (m *Manager) EvaluateExpression(ctx context.Context, expression string, frameID int) (adapters.EvalResult, error) {
	session, err := m.RequireActive()
	if err != nil {
		return adapters.EvalResult{}, err
	}
	return session.adapter.Evaluate(ctx, expression, frameID)
}

// RenderJSON renders any operation result as indented JSON for
// transport-agnostic display.
func RenderJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
