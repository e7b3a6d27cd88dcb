package adapters

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	godap "github.com/google/go-dap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dshills/debugflow/debug/dap"
)

// debugpyCheckTimeout bounds the interpreter probe before launch.
const debugpyCheckTimeout = 5 * time.Second

// PythonAdapter debugs Python programs through debugpy's DAP server.
type PythonAdapter struct {
	config  Config
	python  string
	port    int
	spawnID string

	cmd    *exec.Cmd
	client *dap.Client

	notifier *stopNotifier
	termOnce sync.Once

	threadMu     sync.Mutex
	lastThreadID int

	frameMu  sync.Mutex
	frameIDs []int

	initialMu       sync.Mutex
	initialCh       <-chan StopResult
	initialCancel   func()
	initialConsumed bool

	disconnectOnce sync.Once
}

// NewPythonAdapter creates an unstarted Python adapter.
func NewPythonAdapter() *PythonAdapter {
	return &PythonAdapter{
		notifier: newStopNotifier(),
		spawnID:  uuid.NewString(),
	}
}

// Type returns the adapter type.
func (a *PythonAdapter) Type() Type {
	return TypePython
}

// OnStopped registers a listener for debuggee-pause events.
func (a *PythonAdapter) OnStopped(fn func(StopResult)) func() {
	return a.notifier.Listen(fn)
}

// Start spawns the debuggee under debugpy and performs the DAP handshake.
func (a *PythonAdapter) Start(ctx context.Context, config Config) error {
	a.config = config

	python, err := a.resolveInterpreter()
	if err != nil {
		return err
	}
	a.python = python

	if err := a.checkDebugpy(ctx); err != nil {
		return err
	}

	port, err := FindFreePort()
	if err != nil {
		return err
	}
	a.port = port

	if err := a.spawn(); err != nil {
		return err
	}

	if err := WaitForPort(ctx, Loopback, port, DefaultPortTimeout); err != nil {
		a.killChild()
		return err
	}

	transport, err := dap.NewSocketTransport(fmt.Sprintf("%s:%d", Loopback, port))
	if err != nil {
		a.killChild()
		return fmt.Errorf("connect to debugpy: %w", err)
	}
	a.client = dap.NewClient(transport)
	a.installEventHandlers()

	// Arm the entry-point waiter before any handshake traffic so the
	// first stopped event cannot slip past us.
	a.initialCh, a.initialCancel = a.notifier.Arm()

	if err := a.handshake(ctx); err != nil {
		a.Disconnect()
		return err
	}

	logrus.WithFields(logrus.Fields{
		"spawn": a.spawnID,
		"port":  port,
	}).Info("python debug session started")
	return nil
}

// resolveInterpreter picks the configured interpreter or falls back to
// python3 then python on PATH.
func (a *PythonAdapter) resolveInterpreter() (string, error) {
	if a.config.PythonPath != "" {
		return a.config.PythonPath, nil
	}
	if path, err := FindExecutable("python3"); err == nil {
		return path, nil
	}
	path, err := FindExecutable("python")
	if err != nil {
		return "", fmt.Errorf("python interpreter not found in PATH: %w", err)
	}
	return path, nil
}

// checkDebugpy runs a short import probe so a missing debugpy fails with
// an actionable message instead of a connect timeout.
func (a *PythonAdapter) checkDebugpy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, debugpyCheckTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.python, "-c", "import debugpy")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("debugpy is not available for %s; install with %q", a.python, a.python+" -m pip install debugpy")
	}
	return nil
}

// spawn starts the debuggee with debugpy listening on the allocated port.
func (a *PythonAdapter) spawn() error {
	args := []string{
		"-m", "debugpy",
		"--listen", fmt.Sprintf("%s:%d", Loopback, a.port),
		"--wait-for-client",
		"--",
	}
	if a.config.Module != "" {
		args = append(args, "-m", a.config.Module)
	} else {
		args = append(args, a.config.Program)
	}
	args = append(args, a.config.Args...)

	cmd := exec.Command(a.python, args...)
	if a.config.Cwd != "" {
		cmd.Dir = a.config.Cwd
	}
	cmd.Env = mergedEnv(a.config.Env)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", a.python, err)
	}
	a.cmd = cmd

	go func() {
		cmd.Wait()
		a.publishTerminated()
	}()
	return nil
}

// installEventHandlers wires the persistent DAP event handlers.
func (a *PythonAdapter) installEventHandlers() {
	a.client.OnEvent("stopped", func(evt godap.EventMessage) {
		stopped, ok := evt.(*godap.StoppedEvent)
		if !ok {
			return
		}

		a.threadMu.Lock()
		a.lastThreadID = stopped.Body.ThreadId
		a.threadMu.Unlock()

		a.notifier.Publish(StopResult{
			Reason:   stopped.Body.Reason,
			ThreadID: stopped.Body.ThreadId,
		})
	})

	a.client.OnEvent("terminated", func(godap.EventMessage) {
		a.publishTerminated()
	})
	a.client.OnEvent("exited", func(godap.EventMessage) {
		a.publishTerminated()
	})
}

// publishTerminated publishes the terminal stop result exactly once.
func (a *PythonAdapter) publishTerminated() {
	a.termOnce.Do(func() {
		a.notifier.Publish(StopResult{Reason: "terminated", Terminated: true})
	})
}

// handshake performs initialize, launch and configurationDone.
func (a *PythonAdapter) handshake(ctx context.Context) error {
	_, err := a.client.Initialize(ctx, godap.InitializeRequestArguments{
		ClientID:        "debugflow",
		ClientName:      "Debugflow",
		AdapterID:       "debugpy",
		Locale:          "en-US",
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
		PathFormat:      "path",
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	launch := map[string]any{
		"type":        "python",
		"request":     "launch",
		"stopOnEntry": true,
		"justMyCode":  true,
	}
	if a.config.Program != "" {
		launch["program"] = a.config.Program
	}
	if a.config.Module != "" {
		launch["module"] = a.config.Module
	}
	if len(a.config.Args) > 0 {
		launch["args"] = a.config.Args
	}
	if a.config.Cwd != "" {
		launch["cwd"] = a.config.Cwd
	}

	if err := a.client.Launch(ctx, launch); err != nil {
		return fmt.Errorf("launch: %w", err)
	}

	if err := a.client.ConfigurationDone(ctx); err != nil {
		return fmt.Errorf("configurationDone: %w", err)
	}
	return nil
}

// WaitForInitialPause returns the entry-point stop. The second and later
// calls return a plain "entry" result immediately.
func (a *PythonAdapter) WaitForInitialPause(ctx context.Context) (StopResult, error) {
	a.initialMu.Lock()
	if a.initialConsumed || a.initialCh == nil {
		a.initialMu.Unlock()
		return StopResult{Reason: "entry"}, nil
	}
	ch, cancel := a.initialCh, a.initialCancel
	a.initialConsumed = true
	a.initialMu.Unlock()

	result, err := awaitStop(ctx, ch, cancel, StepTimeout)
	if err != nil {
		return StopResult{}, err
	}
	a.enrichLocation(ctx, &result)
	return result, nil
}

// SetBreakpoints atomically replaces the breakpoints for one file.
func (a *PythonAdapter) SetBreakpoints(ctx context.Context, file string, breakpoints []SourceBreakpoint) ([]BreakpointResult, error) {
	source := make([]godap.SourceBreakpoint, len(breakpoints))
	for i, bp := range breakpoints {
		source[i] = godap.SourceBreakpoint{
			Line:         bp.Line,
			Column:       bp.Column,
			Condition:    bp.Condition,
			HitCondition: bp.HitCondition,
			LogMessage:   bp.LogMessage,
		}
	}

	reply, err := a.client.SetBreakpoints(ctx, godap.SetBreakpointsArguments{
		Source:      godap.Source{Path: file},
		Breakpoints: source,
	})
	if err != nil {
		return nil, err
	}

	results := make([]BreakpointResult, len(breakpoints))
	for i := range breakpoints {
		results[i].Line = breakpoints[i].Line
		if i >= len(reply) {
			continue
		}
		results[i].Verified = reply[i].Verified
		results[i].Message = reply[i].Message
		if reply[i].Line > 0 {
			results[i].Line = reply[i].Line
		}
		if reply[i].Id != 0 {
			results[i].ID = strconv.Itoa(reply[i].Id)
		}
	}
	return results, nil
}

// Continue resumes execution until the next stop.
func (a *PythonAdapter) Continue(ctx context.Context, threadID int) (StopResult, error) {
	return a.resume(ctx, threadID, a.client.Continue)
}

// StepOver runs to the next line in the current frame.
func (a *PythonAdapter) StepOver(ctx context.Context, threadID int) (StopResult, error) {
	return a.resume(ctx, threadID, a.client.Next)
}

// StepIn steps into the next call.
func (a *PythonAdapter) StepIn(ctx context.Context, threadID int) (StopResult, error) {
	return a.resume(ctx, threadID, a.client.StepIn)
}

// StepOut runs until the current function returns.
func (a *PythonAdapter) StepOut(ctx context.Context, threadID int) (StopResult, error) {
	return a.resume(ctx, threadID, a.client.StepOut)
}

// resume arms a pause waiter, then writes the resume command, then waits.
// Arming first is what keeps the stopped event from being lost.
func (a *PythonAdapter) resume(ctx context.Context, threadID int, send func(context.Context, int) error) (StopResult, error) {
	if threadID == 0 {
		threadID = a.lastThread()
	}

	ch, cancel := a.notifier.Arm()
	if err := send(ctx, threadID); err != nil {
		cancel()
		return StopResult{}, err
	}

	result, err := awaitStop(ctx, ch, cancel, StepTimeout)
	if err != nil {
		return StopResult{}, err
	}
	a.enrichLocation(ctx, &result)
	return result, nil
}

// enrichLocation fills in the stop location from the top stack frame.
func (a *PythonAdapter) enrichLocation(ctx context.Context, result *StopResult) {
	if result.Terminated || result.Location != nil {
		return
	}

	frames, err := a.GetCallStack(ctx, result.ThreadID)
	if err != nil || len(frames) == 0 {
		return
	}
	result.Location = &Location{
		File:   frames[0].File,
		Line:   frames[0].Line,
		Column: frames[0].Column,
		Name:   frames[0].Name,
	}
}

// GetCallStack returns up to 50 frames for the given thread.
func (a *PythonAdapter) GetCallStack(ctx context.Context, threadID int) ([]StackFrame, error) {
	if threadID == 0 {
		threadID = a.lastThread()
	}

	frames, err := a.client.StackTrace(ctx, godap.StackTraceArguments{
		ThreadId:   threadID,
		StartFrame: 0,
		Levels:     50,
	})
	if err != nil {
		return nil, err
	}

	result := make([]StackFrame, len(frames))
	ids := make([]int, len(frames))
	for i, f := range frames {
		result[i] = StackFrame{
			ID:     f.Id,
			Name:   f.Name,
			Line:   f.Line,
			Column: f.Column,
		}
		if f.Source != nil {
			result[i].File = f.Source.Path
		}
		ids[i] = f.Id
	}

	a.frameMu.Lock()
	a.frameIDs = ids
	a.frameMu.Unlock()
	return result, nil
}

// GetVariables returns the variables of a frame, concatenated across the
// scopes whose name matches the requested scope (default: "local").
func (a *PythonAdapter) GetVariables(ctx context.Context, frameID int, scope string, maxDepth int) ([]Variable, error) {
	frameID, err := a.resolveFrame(ctx, frameID)
	if err != nil {
		return nil, err
	}

	scopes, err := a.client.Scopes(ctx, frameID)
	if err != nil {
		return nil, err
	}

	want := strings.ToLower(scope)
	if want == "" {
		want = "local"
	}

	var variables []Variable
	for _, s := range scopes {
		if !strings.Contains(strings.ToLower(s.Name), want) {
			continue
		}
		vars, err := a.client.Variables(ctx, s.VariablesReference)
		if err != nil {
			return nil, err
		}
		for _, v := range vars {
			variables = append(variables, Variable{
				Name:               v.Name,
				Value:              v.Value,
				Type:               v.Type,
				VariablesReference: v.VariablesReference,
			})
		}
	}
	return variables, nil
}

// Evaluate evaluates an expression in REPL context.
func (a *PythonAdapter) Evaluate(ctx context.Context, expression string, frameID int) (EvalResult, error) {
	frameID, err := a.resolveFrame(ctx, frameID)
	if err != nil {
		return EvalResult{}, err
	}

	body, err := a.client.Evaluate(ctx, godap.EvaluateArguments{
		Expression: expression,
		FrameId:    frameID,
		Context:    "repl",
	})
	if err != nil {
		return EvalResult{}, err
	}
	return EvalResult{
		Result:             body.Result,
		Type:               body.Type,
		VariablesReference: body.VariablesReference,
	}, nil
}

// resolveFrame defaults a zero frame id to the top of the last fetched
// stack, fetching it if needed.
func (a *PythonAdapter) resolveFrame(ctx context.Context, frameID int) (int, error) {
	if frameID != 0 {
		return frameID, nil
	}

	a.frameMu.Lock()
	cached := append([]int(nil), a.frameIDs...)
	a.frameMu.Unlock()
	if len(cached) > 0 {
		return cached[0], nil
	}

	frames, err := a.GetCallStack(ctx, 0)
	if err != nil {
		return 0, err
	}
	if len(frames) == 0 {
		return 0, fmt.Errorf("no stack frames available")
	}
	return frames[0].ID, nil
}

// Disconnect ends the session: best-effort protocol disconnect, then the
// transport and the child process go away. Safe to call repeatedly.
func (a *PythonAdapter) Disconnect() error {
	a.disconnectOnce.Do(func() {
		if a.client != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.client.Disconnect(ctx, true); err != nil {
				logrus.WithField("spawn", a.spawnID).Debugf("disconnect request failed: %v", err)
			}
			cancel()
			a.client.Close()
		}
		a.killChild()
		logrus.WithField("spawn", a.spawnID).Info("python debug session closed")
	})
	return nil
}

// killChild kills the debuggee if it is still around.
func (a *PythonAdapter) killChild() {
	if a.cmd != nil && a.cmd.Process != nil {
		a.cmd.Process.Kill()
	}
}

func (a *PythonAdapter) lastThread() int {
	a.threadMu.Lock()
	defer a.threadMu.Unlock()
	if a.lastThreadID == 0 {
		return 1
	}
	return a.lastThreadID
}

// mergedEnv merges config environment entries over the parent environment.
func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
