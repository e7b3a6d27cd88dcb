package adapters

import (
	"context"
	"io"
	"sync"
	"testing"

	godap "github.com/google/go-dap"

	"github.com/dshills/debugflow/debug/dap"
)

// fakeDAPTransport scripts debug-adapter behavior for adapter tests.
type fakeDAPTransport struct {
	mu     sync.Mutex
	sent   []godap.Message
	recv   chan godap.Message
	closed bool

	// respond maps a command to a response factory. Unmatched commands
	// get a bare success response.
	respond map[string]func(req *godap.Request) []godap.Message

	onSend func(godap.Message)
}

func newFakeDAPTransport() *fakeDAPTransport {
	return &fakeDAPTransport{
		recv:    make(chan godap.Message, 32),
		respond: make(map[string]func(*godap.Request) []godap.Message),
	}
}

func (t *fakeDAPTransport) Send(msg godap.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return io.ErrClosedPipe
	}
	t.sent = append(t.sent, msg)
	onSend := t.onSend
	t.mu.Unlock()

	if onSend != nil {
		onSend(msg)
	}

	req, ok := msg.(godap.RequestMessage)
	if !ok {
		return nil
	}
	base := req.GetRequest()

	t.mu.Lock()
	factory := t.respond[base.Command]
	t.mu.Unlock()

	if factory != nil {
		for _, reply := range factory(base) {
			t.recv <- reply
		}
		return nil
	}
	t.recv <- successResponse(base)
	return nil
}

func (t *fakeDAPTransport) Receive() (godap.Message, error) {
	msg, ok := <-t.recv
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (t *fakeDAPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.recv)
	}
	return nil
}

func successResponse(req *godap.Request) godap.Message {
	resp := &godap.ContinueResponse{}
	resp.Type = "response"
	resp.Command = req.Command
	resp.RequestSeq = req.Seq
	resp.Success = true
	return resp
}

func stoppedEvent(reason string, threadID int) godap.Message {
	return &godap.StoppedEvent{
		Event: godap.Event{
			ProtocolMessage: godap.ProtocolMessage{Type: "event"},
			Event:           "stopped",
		},
		Body: godap.StoppedEventBody{Reason: reason, ThreadId: threadID},
	}
}

func stackTraceResponse(req *godap.Request, file string, line int) godap.Message {
	resp := &godap.StackTraceResponse{}
	resp.Type = "response"
	resp.Command = req.Command
	resp.RequestSeq = req.Seq
	resp.Success = true
	resp.Body = godap.StackTraceResponseBody{
		StackFrames: []godap.StackFrame{{
			Id:     1000,
			Name:   "<module>",
			Line:   line,
			Column: 1,
			Source: &godap.Source{Path: file, Name: "a.py"},
		}},
		TotalFrames: 1,
	}
	return resp
}

// newTestPythonAdapter wires an adapter to a scripted transport without
// spawning a process.
func newTestPythonAdapter(t *testing.T) (*PythonAdapter, *fakeDAPTransport) {
	t.Helper()

	ft := newFakeDAPTransport()
	a := NewPythonAdapter()
	a.client = dap.NewClient(ft)
	a.installEventHandlers()
	t.Cleanup(func() { a.client.Close() })
	return a, ft
}

func TestPythonResumeArmsListenerBeforeWrite(t *testing.T) {
	a, ft := newTestPythonAdapter(t)

	armedAtSend := make(chan bool, 1)
	ft.onSend = func(msg godap.Message) {
		req, ok := msg.(godap.RequestMessage)
		if !ok || req.GetRequest().Command != "continue" {
			return
		}
		a.notifier.mu.Lock()
		armedAtSend <- len(a.notifier.waiters) > 0
		a.notifier.mu.Unlock()
	}
	ft.respond["continue"] = func(req *godap.Request) []godap.Message {
		return []godap.Message{successResponse(req), stoppedEvent("breakpoint", 4)}
	}
	ft.respond["stackTrace"] = func(req *godap.Request) []godap.Message {
		return []godap.Message{stackTraceResponse(req, "/tmp/a.py", 3)}
	}

	result, err := a.Continue(context.Background(), 0)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}

	select {
	case armed := <-armedAtSend:
		if !armed {
			t.Fatal("pause waiter was not armed before the continue command was written")
		}
	default:
		t.Fatal("continue never sent")
	}

	if result.Reason != "breakpoint" || result.ThreadID != 4 {
		t.Errorf("unexpected stop: %+v", result)
	}
	if result.Location == nil || result.Location.File != "/tmp/a.py" || result.Location.Line != 3 {
		t.Errorf("stop location not enriched from stack trace: %+v", result.Location)
	}
}

func TestPythonStopResultThreadMatchesEvent(t *testing.T) {
	a, ft := newTestPythonAdapter(t)

	ft.respond["next"] = func(req *godap.Request) []godap.Message {
		return []godap.Message{successResponse(req), stoppedEvent("step", 11)}
	}
	ft.respond["stackTrace"] = func(req *godap.Request) []godap.Message {
		return []godap.Message{stackTraceResponse(req, "/tmp/a.py", 2)}
	}

	result, err := a.StepOver(context.Background(), 11)
	if err != nil {
		t.Fatalf("StepOver: %v", err)
	}
	if result.ThreadID != 11 {
		t.Errorf("thread id must match the stopped event, got %d", result.ThreadID)
	}
	if a.lastThread() != 11 {
		t.Errorf("last thread not recorded, got %d", a.lastThread())
	}
}

func TestPythonSetBreakpoints(t *testing.T) {
	a, ft := newTestPythonAdapter(t)

	ft.respond["setBreakpoints"] = func(req *godap.Request) []godap.Message {
		resp := &godap.SetBreakpointsResponse{}
		resp.Type = "response"
		resp.Command = req.Command
		resp.RequestSeq = req.Seq
		resp.Success = true
		resp.Body = godap.SetBreakpointsResponseBody{
			Breakpoints: []godap.Breakpoint{
				{Id: 1, Verified: true, Line: 3},
				{Id: 2, Verified: false, Line: 0, Message: "no code at line"},
			},
		}
		return []godap.Message{resp}
	}

	results, err := a.SetBreakpoints(context.Background(), "/tmp/a.py", []SourceBreakpoint{
		{Line: 3},
		{Line: 99, Condition: "x > 1"},
	})
	if err != nil {
		t.Fatalf("SetBreakpoints: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].Verified || results[0].Line != 3 || results[0].ID != "1" {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if results[1].Verified || results[1].Line != 99 || results[1].Message != "no code at line" {
		t.Errorf("unverified breakpoint must keep the requested line: %+v", results[1])
	}
}

func TestPythonGetVariablesFiltersScopes(t *testing.T) {
	a, ft := newTestPythonAdapter(t)

	ft.respond["scopes"] = func(req *godap.Request) []godap.Message {
		resp := &godap.ScopesResponse{}
		resp.Type = "response"
		resp.Command = req.Command
		resp.RequestSeq = req.Seq
		resp.Success = true
		resp.Body = godap.ScopesResponseBody{Scopes: []godap.Scope{
			{Name: "Locals", VariablesReference: 100},
			{Name: "Globals", VariablesReference: 200},
		}}
		return []godap.Message{resp}
	}
	ft.respond["variables"] = func(req *godap.Request) []godap.Message {
		resp := &godap.VariablesResponse{}
		resp.Type = "response"
		resp.Command = req.Command
		resp.RequestSeq = req.Seq
		resp.Success = true
		resp.Body = godap.VariablesResponseBody{Variables: []godap.Variable{
			{Name: "x", Value: "1", Type: "int"},
			{Name: "y", Value: "2", Type: "int"},
		}}
		return []godap.Message{resp}
	}

	vars, err := a.GetVariables(context.Background(), 1000, "", 1)
	if err != nil {
		t.Fatalf("GetVariables: %v", err)
	}
	if len(vars) != 2 {
		t.Fatalf("expected variables from the Locals scope only, got %+v", vars)
	}
	if vars[0].Name != "x" || vars[0].Value != "1" {
		t.Errorf("unexpected variable: %+v", vars[0])
	}
}

func TestPythonEvaluateUsesReplContext(t *testing.T) {
	a, ft := newTestPythonAdapter(t)

	var gotContext string
	ft.respond["evaluate"] = func(req *godap.Request) []godap.Message {
		resp := &godap.EvaluateResponse{}
		resp.Type = "response"
		resp.Command = req.Command
		resp.RequestSeq = req.Seq
		resp.Success = true
		resp.Body = godap.EvaluateResponseBody{Result: "3", Type: "int"}
		return []godap.Message{resp}
	}
	ft.onSend = func(msg godap.Message) {
		if ev, ok := msg.(*godap.EvaluateRequest); ok {
			gotContext = ev.Arguments.Context
		}
	}

	result, err := a.Evaluate(context.Background(), "x+y", 1000)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Result != "3" {
		t.Errorf("expected \"3\", got %q", result.Result)
	}
	if gotContext != "repl" {
		t.Errorf("expected repl context, got %q", gotContext)
	}
}

func TestPythonWaitForInitialPauseIdempotent(t *testing.T) {
	a, ft := newTestPythonAdapter(t)
	a.initialCh, a.initialCancel = a.notifier.Arm()

	ft.respond["stackTrace"] = func(req *godap.Request) []godap.Message {
		return []godap.Message{stackTraceResponse(req, "/tmp/a.py", 1)}
	}

	a.notifier.Publish(StopResult{Reason: "entry", ThreadID: 1})

	first, err := a.WaitForInitialPause(context.Background())
	if err != nil {
		t.Fatalf("WaitForInitialPause: %v", err)
	}
	if first.Reason != "entry" || first.Location == nil || first.Location.Line != 1 {
		t.Errorf("unexpected initial pause: %+v", first)
	}

	second, err := a.WaitForInitialPause(context.Background())
	if err != nil {
		t.Fatalf("second WaitForInitialPause: %v", err)
	}
	if second.Reason != "entry" || second.Location != nil {
		t.Errorf("second call must return the entry sentinel, got %+v", second)
	}
}

func TestPythonDisconnectIdempotent(t *testing.T) {
	a, _ := newTestPythonAdapter(t)

	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := a.Disconnect(); err != nil {
		t.Fatalf("second Disconnect must not fail: %v", err)
	}
}
