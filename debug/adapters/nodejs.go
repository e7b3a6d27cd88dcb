package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dshills/debugflow/debug/cdp"
)

// ErrNotPaused is returned by operations that need a paused debuggee.
var ErrNotPaused = errors.New("Not paused")

// NodeJSAdapter debugs JavaScript programs through the V8 inspector.
type NodeJSAdapter struct {
	config  Config
	port    int
	spawnID string

	cmd    *exec.Cmd
	client *cdp.Client

	notifier *stopNotifier
	termOnce sync.Once

	// scriptId to file path and back, fed by Debugger.scriptParsed.
	scriptMu     sync.Mutex
	scripts      map[string]string
	fileToScript map[string]string

	pauseMu      sync.Mutex
	pausedFrames []cdp.CallFrame
	entrySeen    bool
	stepInFlight bool

	bpMu          sync.Mutex
	breakpointIDs map[string][]string

	initialMu       sync.Mutex
	initialCh       <-chan StopResult
	initialCancel   func()
	initialConsumed bool

	disconnectOnce sync.Once
}

// NewNodeJSAdapter creates an unstarted Node.js adapter.
func NewNodeJSAdapter() *NodeJSAdapter {
	return &NodeJSAdapter{
		notifier:      newStopNotifier(),
		spawnID:       uuid.NewString(),
		scripts:       make(map[string]string),
		fileToScript:  make(map[string]string),
		breakpointIDs: make(map[string][]string),
	}
}

// Type returns the adapter type.
func (a *NodeJSAdapter) Type() Type {
	return TypeNodeJS
}

// OnStopped registers a listener for debuggee-pause events.
func (a *NodeJSAdapter) OnStopped(fn func(StopResult)) func() {
	return a.notifier.Listen(fn)
}

// Start spawns node with the inspector paused on the first statement and
// connects over the discovered WebSocket endpoint.
func (a *NodeJSAdapter) Start(ctx context.Context, config Config) error {
	a.config = config

	runtime := config.RuntimeExecutable
	if runtime == "" {
		var err error
		runtime, err = FindExecutable("node")
		if err != nil {
			return fmt.Errorf("node.js runtime not found: %w", err)
		}
	}

	port, err := FindFreePort()
	if err != nil {
		return err
	}
	a.port = port

	// The inspector emits Debugger.paused for the entry break as soon as
	// Runtime.enable lands, so the waiter must exist before the child does.
	a.initialCh, a.initialCancel = a.notifier.Arm()

	args := make([]string, 0, len(config.RuntimeArgs)+2+len(config.Args))
	args = append(args, config.RuntimeArgs...)
	args = append(args, fmt.Sprintf("--inspect-brk=%s:%d", Loopback, port))
	args = append(args, config.Program)
	args = append(args, config.Args...)

	cmd := exec.Command(runtime, args...)
	if config.Cwd != "" {
		cmd.Dir = config.Cwd
	}
	cmd.Env = mergedEnv(config.Env)

	if err := cmd.Start(); err != nil {
		a.initialCancel()
		return fmt.Errorf("start %s: %w", runtime, err)
	}
	a.cmd = cmd

	go func() {
		cmd.Wait()
		a.publishTerminated()
	}()

	wsURL, err := cdp.Discover(ctx, Loopback, port)
	if err != nil {
		a.killChild()
		return err
	}

	transport, err := cdp.DialWebSocket(ctx, wsURL)
	if err != nil {
		a.killChild()
		return err
	}
	a.client = cdp.NewClient(transport)
	a.installEventHandlers()

	if _, err := a.client.Call(ctx, "Debugger.enable", nil); err != nil {
		a.Disconnect()
		return fmt.Errorf("Debugger.enable: %w", err)
	}
	// Runtime.enable triggers the pending Debugger.paused for the entry break.
	if _, err := a.client.Call(ctx, "Runtime.enable", nil); err != nil {
		a.Disconnect()
		return fmt.Errorf("Runtime.enable: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"spawn": a.spawnID,
		"port":  port,
	}).Info("node debug session started")
	return nil
}

// installEventHandlers wires the persistent inspector event handlers.
func (a *NodeJSAdapter) installEventHandlers() {
	a.client.OnEvent("Debugger.scriptParsed", func(params json.RawMessage) {
		var evt cdp.ScriptParsedEvent
		if err := json.Unmarshal(params, &evt); err != nil {
			return
		}
		if !strings.HasPrefix(evt.URL, "file://") {
			return
		}
		path := strings.TrimPrefix(evt.URL, "file://")

		a.scriptMu.Lock()
		a.scripts[evt.ScriptID] = path
		a.fileToScript[path] = evt.ScriptID
		a.scriptMu.Unlock()
	})

	a.client.OnEvent("Debugger.paused", func(params json.RawMessage) {
		var evt cdp.PausedEvent
		if err := json.Unmarshal(params, &evt); err != nil {
			return
		}
		a.handlePaused(&evt)
	})

	a.client.OnEvent("Debugger.resumed", func(json.RawMessage) {
		a.pauseMu.Lock()
		a.pausedFrames = nil
		a.pauseMu.Unlock()
	})
}

// handlePaused caches the frames and publishes a uniform stop result.
func (a *NodeJSAdapter) handlePaused(evt *cdp.PausedEvent) {
	a.pauseMu.Lock()
	a.pausedFrames = evt.CallFrames

	reason := evt.Reason
	switch {
	case len(evt.HitBreakpoints) > 0:
		reason = "breakpoint"
	case evt.Reason == "exception" || evt.Reason == "promiseRejection":
		reason = "exception"
	case !a.entrySeen:
		reason = "entry"
	case a.stepInFlight:
		reason = "step"
	}
	a.entrySeen = true
	a.stepInFlight = false
	a.pauseMu.Unlock()

	result := StopResult{Reason: reason, ThreadID: 1}
	if len(evt.CallFrames) > 0 {
		result.Location = a.frameLocation(&evt.CallFrames[0])
	}
	a.notifier.Publish(result)
}

// frameLocation converts a call frame to a 1-based caller-facing location.
func (a *NodeJSAdapter) frameLocation(frame *cdp.CallFrame) *Location {
	return &Location{
		File:   a.scriptPath(frame.Location.ScriptID, frame.URL),
		Line:   frame.Location.LineNumber + 1,
		Column: frame.Location.ColumnNumber + 1,
		Name:   frame.FunctionName,
	}
}

// scriptPath resolves a scriptId to a file path, falling back to the
// frame's own url.
func (a *NodeJSAdapter) scriptPath(scriptID, url string) string {
	a.scriptMu.Lock()
	defer a.scriptMu.Unlock()

	if path, ok := a.scripts[scriptID]; ok {
		return path
	}
	return strings.TrimPrefix(url, "file://")
}

// publishTerminated publishes the terminal stop result exactly once.
func (a *NodeJSAdapter) publishTerminated() {
	a.termOnce.Do(func() {
		a.pauseMu.Lock()
		a.pausedFrames = nil
		a.pauseMu.Unlock()
		a.notifier.Publish(StopResult{Reason: "terminated", Terminated: true})
	})
}

// WaitForInitialPause returns the entry-point stop. The second and later
// calls return a plain "entry" result immediately.
func (a *NodeJSAdapter) WaitForInitialPause(ctx context.Context) (StopResult, error) {
	a.initialMu.Lock()
	if a.initialConsumed || a.initialCh == nil {
		a.initialMu.Unlock()
		return StopResult{Reason: "entry"}, nil
	}
	ch, cancel := a.initialCh, a.initialCancel
	a.initialConsumed = true
	a.initialMu.Unlock()

	return awaitStop(ctx, ch, cancel, StepTimeout)
}

// SetBreakpoints replaces the breakpoints for one file. The inspector
// has no replace primitive, so the recorded breakpoints are removed
// first and the new list is set one by one.
func (a *NodeJSAdapter) SetBreakpoints(ctx context.Context, file string, breakpoints []SourceBreakpoint) ([]BreakpointResult, error) {
	a.bpMu.Lock()
	defer a.bpMu.Unlock()

	for _, id := range a.breakpointIDs[file] {
		if _, err := a.client.Call(ctx, "Debugger.removeBreakpoint", map[string]any{"breakpointId": id}); err != nil {
			logrus.WithField("spawn", a.spawnID).Debugf("removeBreakpoint %s: %v", id, err)
		}
	}
	a.breakpointIDs[file] = nil

	results := make([]BreakpointResult, len(breakpoints))
	var ids []string
	for i, bp := range breakpoints {
		params := cdp.SetBreakpointByURLParams{
			LineNumber: bp.Line - 1,
			URL:        "file://" + file,
			Condition:  bp.Condition,
		}
		if bp.Column > 0 {
			params.ColumnNumber = bp.Column - 1
		}

		var reply cdp.SetBreakpointByURLResult
		if err := a.client.CallInto(ctx, "Debugger.setBreakpointByUrl", params, &reply); err != nil {
			results[i] = BreakpointResult{Verified: false, Line: bp.Line, Message: err.Error()}
			continue
		}

		ids = append(ids, reply.BreakpointID)
		results[i] = BreakpointResult{
			Verified: len(reply.Locations) > 0,
			Line:     bp.Line,
			ID:       reply.BreakpointID,
		}
		if len(reply.Locations) > 0 {
			results[i].Line = reply.Locations[0].LineNumber + 1
		}
	}
	a.breakpointIDs[file] = ids
	return results, nil
}

// Continue resumes execution until the next stop.
func (a *NodeJSAdapter) Continue(ctx context.Context, threadID int) (StopResult, error) {
	return a.resume(ctx, "Debugger.resume", false)
}

// StepOver runs to the next line without entering calls.
func (a *NodeJSAdapter) StepOver(ctx context.Context, threadID int) (StopResult, error) {
	return a.resume(ctx, "Debugger.stepOver", true)
}

// StepIn steps into the next call.
func (a *NodeJSAdapter) StepIn(ctx context.Context, threadID int) (StopResult, error) {
	return a.resume(ctx, "Debugger.stepInto", true)
}

// StepOut runs until the current function returns.
func (a *NodeJSAdapter) StepOut(ctx context.Context, threadID int) (StopResult, error) {
	return a.resume(ctx, "Debugger.stepOut", true)
}

// resume arms a pause waiter, then writes the resume command, then waits.
func (a *NodeJSAdapter) resume(ctx context.Context, method string, step bool) (StopResult, error) {
	a.pauseMu.Lock()
	paused := len(a.pausedFrames) > 0
	a.stepInFlight = step
	a.pauseMu.Unlock()
	if !paused {
		return StopResult{}, ErrNotPaused
	}

	ch, cancel := a.notifier.Arm()
	if _, err := a.client.Call(ctx, method, nil); err != nil {
		cancel()
		return StopResult{}, err
	}
	return awaitStop(ctx, ch, cancel, StepTimeout)
}

// GetCallStack returns the frames cached from the current pause.
func (a *NodeJSAdapter) GetCallStack(ctx context.Context, threadID int) ([]StackFrame, error) {
	a.pauseMu.Lock()
	frames := append([]cdp.CallFrame(nil), a.pausedFrames...)
	a.pauseMu.Unlock()

	if len(frames) == 0 {
		return nil, ErrNotPaused
	}

	result := make([]StackFrame, len(frames))
	for i := range frames {
		loc := a.frameLocation(&frames[i])
		result[i] = StackFrame{
			ID:     i,
			Name:   frames[i].FunctionName,
			File:   loc.File,
			Line:   loc.Line,
			Column: loc.Column,
		}
	}
	return result, nil
}

// GetVariables lists the variables of the chosen frame's matching scopes
// (local and closure unless the caller names one).
func (a *NodeJSAdapter) GetVariables(ctx context.Context, frameID int, scope string, maxDepth int) ([]Variable, error) {
	frame, err := a.pausedFrame(frameID)
	if err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		maxDepth = 1
	}

	want := strings.ToLower(scope)
	var variables []Variable
	for _, s := range frame.ScopeChain {
		if want == "" {
			if s.Type != "local" && s.Type != "closure" {
				continue
			}
		} else if s.Type != want {
			continue
		}
		if s.Object.ObjectID == "" {
			continue
		}

		var reply cdp.GetPropertiesResult
		err := a.client.CallInto(ctx, "Runtime.getProperties", map[string]any{
			"objectId":        s.Object.ObjectID,
			"ownProperties":   true,
			"generatePreview": true,
		}, &reply)
		if err != nil {
			return nil, err
		}

		for _, prop := range reply.Result {
			if prop.Name == "__proto__" {
				continue
			}
			variables = append(variables, a.propertyVariable(&prop, 0, maxDepth))
		}
	}
	return variables, nil
}

// propertyVariable renders one property descriptor. The reference value
// is a bare expansion hint, not a protocol handle.
func (a *NodeJSAdapter) propertyVariable(prop *cdp.PropertyDescriptor, depth, maxDepth int) Variable {
	v := Variable{
		Name:  prop.Name,
		Value: cdp.FormatValue(prop.Value),
	}
	if prop.Value == nil {
		return v
	}

	v.Type = prop.Value.Type
	expandable := prop.Value.ObjectID != "" &&
		(prop.Value.Type == "object" || prop.Value.Subtype == "array")
	if expandable && depth < maxDepth {
		v.VariablesReference = 1
	}
	return v
}

// Evaluate evaluates an expression on the paused frame when one exists,
// otherwise in the global runtime context.
func (a *NodeJSAdapter) Evaluate(ctx context.Context, expression string, frameID int) (EvalResult, error) {
	frame, err := a.pausedFrame(frameID)

	var reply cdp.EvaluateResult
	if err == nil {
		err = a.client.CallInto(ctx, "Debugger.evaluateOnCallFrame", map[string]any{
			"callFrameId":     frame.CallFrameID,
			"expression":      expression,
			"generatePreview": true,
		}, &reply)
	} else {
		err = a.client.CallInto(ctx, "Runtime.evaluate", map[string]any{
			"expression":      expression,
			"generatePreview": true,
		}, &reply)
	}
	if err != nil {
		return EvalResult{}, err
	}

	result := EvalResult{
		Result: cdp.FormatValue(&reply.Result),
		Type:   reply.Result.Type,
	}
	if reply.Result.ObjectID != "" {
		result.VariablesReference = 1
	}
	return result, nil
}

// pausedFrame picks a cached frame by index, defaulting to the top.
func (a *NodeJSAdapter) pausedFrame(frameID int) (cdp.CallFrame, error) {
	a.pauseMu.Lock()
	defer a.pauseMu.Unlock()

	if len(a.pausedFrames) == 0 {
		return cdp.CallFrame{}, ErrNotPaused
	}
	if frameID < 0 || frameID >= len(a.pausedFrames) {
		frameID = 0
	}
	return a.pausedFrames[frameID], nil
}

// Disconnect closes the WebSocket and kills the child. The inspector
// needs no protocol-level goodbye. Safe to call repeatedly.
func (a *NodeJSAdapter) Disconnect() error {
	a.disconnectOnce.Do(func() {
		if a.client != nil {
			a.client.Close()
		}
		a.killChild()
		logrus.WithField("spawn", a.spawnID).Info("node debug session closed")
	})
	return nil
}

// killChild kills the debuggee if it is still around.
func (a *NodeJSAdapter) killChild() {
	if a.cmd != nil && a.cmd.Process != nil {
		a.cmd.Process.Kill()
	}
}
