package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	godap "github.com/google/go-dap"
)

// ErrConnectionClosed is the failure delivered to every request still
// pending when the transport goes away.
var ErrConnectionClosed = errors.New("Connection closed")

// EventHandler receives a decoded event message.
type EventHandler func(evt godap.EventMessage)

// Client correlates DAP requests with responses and dispatches events.
type Client struct {
	transport Transport

	pendingMu sync.Mutex
	pending   map[int]*pendingRequest
	seq       int // last allocated sequence number, guarded by pendingMu

	handlerMu sync.RWMutex
	handlers  map[string][]EventHandler

	done      chan struct{}
	closeOnce sync.Once
}

// pendingRequest tracks a request awaiting its response.
type pendingRequest struct {
	command  string
	done     chan struct{}
	response godap.ResponseMessage
	err      error
}

// NewClient creates a client on the given transport and starts its
// receive loop.
func NewClient(transport Transport) *Client {
	c := &Client{
		transport: transport,
		pending:   make(map[int]*pendingRequest),
		handlers:  make(map[string][]EventHandler),
		done:      make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Close shuts down the client and fails all pending requests.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	err := c.transport.Close()
	c.failPending(ErrConnectionClosed)
	return err
}

// OnEvent registers a handler for the named event. Handlers for the same
// event fire in registration order.
func (c *Client) OnEvent(event string, handler EventHandler) {
	c.handlerMu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.handlerMu.Unlock()
}

// receiveLoop pulls messages off the transport until it fails.
func (c *Client) receiveLoop() {
	for {
		msg, err := c.transport.Receive()
		if err != nil {
			c.failPending(ErrConnectionClosed)
			return
		}

		select {
		case <-c.done:
			return
		default:
		}

		switch m := msg.(type) {
		case godap.ResponseMessage:
			c.handleResponse(m)
		case godap.EventMessage:
			c.handleEvent(m)
		}
	}
}

// failPending fails every outstanding request and clears the table.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int]*pendingRequest)
	c.pendingMu.Unlock()

	for _, req := range pending {
		req.err = err
		close(req.done)
	}
}

func (c *Client) handleResponse(msg godap.ResponseMessage) {
	resp := msg.GetResponse()

	c.pendingMu.Lock()
	req, ok := c.pending[resp.RequestSeq]
	if ok {
		delete(c.pending, resp.RequestSeq)
	}
	c.pendingMu.Unlock()

	if !ok {
		return
	}

	if resp.Success {
		req.response = msg
	} else if resp.Message != "" {
		req.err = errors.New(resp.Message)
	} else {
		req.err = fmt.Errorf("Request failed: %s", req.command)
	}
	close(req.done)
}

func (c *Client) handleEvent(msg godap.EventMessage) {
	name := msg.GetEvent().Event

	c.handlerMu.RLock()
	handlers := append([]EventHandler(nil), c.handlers[name]...)
	c.handlerMu.RUnlock()

	for _, handler := range handlers {
		handler(msg)
	}
}

// send stamps the request with the next sequence number, registers a
// pending entry, and writes it to the wire.
func (c *Client) send(ctx context.Context, req godap.RequestMessage) (godap.ResponseMessage, error) {
	base := req.GetRequest()

	pending := &pendingRequest{
		command: base.Command,
		done:    make(chan struct{}),
	}

	c.pendingMu.Lock()
	c.seq++
	base.Seq = c.seq
	base.Type = "request"
	c.pending[base.Seq] = pending
	c.pendingMu.Unlock()

	if err := c.transport.Send(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, base.Seq)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("send %s: %w", base.Command, err)
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, base.Seq)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-pending.done:
		if pending.err != nil {
			return nil, pending.err
		}
		return pending.response, nil
	}
}

// Initialize performs the initialize request and returns the adapter's
// capabilities.
func (c *Client) Initialize(ctx context.Context, args godap.InitializeRequestArguments) (*godap.Capabilities, error) {
	resp, err := c.send(ctx, &godap.InitializeRequest{
		Request:   godap.Request{Command: "initialize"},
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	initResp, ok := resp.(*godap.InitializeResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return &initResp.Body, nil
}

// Launch sends the launch request with adapter-specific arguments.
func (c *Client) Launch(ctx context.Context, args any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal launch arguments: %w", err)
	}

	_, err = c.send(ctx, &godap.LaunchRequest{
		Request:   godap.Request{Command: "launch"},
		Arguments: raw,
	})
	return err
}

// ConfigurationDone ends the configuration sequence.
func (c *Client) ConfigurationDone(ctx context.Context) error {
	_, err := c.send(ctx, &godap.ConfigurationDoneRequest{
		Request: godap.Request{Command: "configurationDone"},
	})
	return err
}

// SetBreakpoints replaces the breakpoints for a source file.
func (c *Client) SetBreakpoints(ctx context.Context, args godap.SetBreakpointsArguments) ([]godap.Breakpoint, error) {
	resp, err := c.send(ctx, &godap.SetBreakpointsRequest{
		Request:   godap.Request{Command: "setBreakpoints"},
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	bpResp, ok := resp.(*godap.SetBreakpointsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return bpResp.Body.Breakpoints, nil
}

// Continue resumes the given thread.
func (c *Client) Continue(ctx context.Context, threadID int) error {
	_, err := c.send(ctx, &godap.ContinueRequest{
		Request:   godap.Request{Command: "continue"},
		Arguments: godap.ContinueArguments{ThreadId: threadID},
	})
	return err
}

// Next steps over the current line.
func (c *Client) Next(ctx context.Context, threadID int) error {
	_, err := c.send(ctx, &godap.NextRequest{
		Request:   godap.Request{Command: "next"},
		Arguments: godap.NextArguments{ThreadId: threadID},
	})
	return err
}

// StepIn steps into the current call.
func (c *Client) StepIn(ctx context.Context, threadID int) error {
	_, err := c.send(ctx, &godap.StepInRequest{
		Request:   godap.Request{Command: "stepIn"},
		Arguments: godap.StepInArguments{ThreadId: threadID},
	})
	return err
}

// StepOut steps out of the current function.
func (c *Client) StepOut(ctx context.Context, threadID int) error {
	_, err := c.send(ctx, &godap.StepOutRequest{
		Request:   godap.Request{Command: "stepOut"},
		Arguments: godap.StepOutArguments{ThreadId: threadID},
	})
	return err
}

// StackTrace retrieves stack frames for a thread.
func (c *Client) StackTrace(ctx context.Context, args godap.StackTraceArguments) ([]godap.StackFrame, error) {
	resp, err := c.send(ctx, &godap.StackTraceRequest{
		Request:   godap.Request{Command: "stackTrace"},
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	stResp, ok := resp.(*godap.StackTraceResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return stResp.Body.StackFrames, nil
}

// Scopes retrieves the scopes of a stack frame.
func (c *Client) Scopes(ctx context.Context, frameID int) ([]godap.Scope, error) {
	resp, err := c.send(ctx, &godap.ScopesRequest{
		Request:   godap.Request{Command: "scopes"},
		Arguments: godap.ScopesArguments{FrameId: frameID},
	})
	if err != nil {
		return nil, err
	}

	scResp, ok := resp.(*godap.ScopesResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return scResp.Body.Scopes, nil
}

// Variables retrieves the children of a variables reference.
func (c *Client) Variables(ctx context.Context, variablesReference int) ([]godap.Variable, error) {
	resp, err := c.send(ctx, &godap.VariablesRequest{
		Request:   godap.Request{Command: "variables"},
		Arguments: godap.VariablesArguments{VariablesReference: variablesReference},
	})
	if err != nil {
		return nil, err
	}

	varResp, ok := resp.(*godap.VariablesResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return varResp.Body.Variables, nil
}

// Evaluate evaluates an expression.
func (c *Client) Evaluate(ctx context.Context, args godap.EvaluateArguments) (*godap.EvaluateResponseBody, error) {
	resp, err := c.send(ctx, &godap.EvaluateRequest{
		Request:   godap.Request{Command: "evaluate"},
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	evResp, ok := resp.(*godap.EvaluateResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return &evResp.Body, nil
}

// Disconnect asks the adapter to end the session.
func (c *Client) Disconnect(ctx context.Context, terminateDebuggee bool) error {
	_, err := c.send(ctx, &godap.DisconnectRequest{
		Request:   godap.Request{Command: "disconnect"},
		Arguments: &godap.DisconnectArguments{TerminateDebuggee: terminateDebuggee},
	})
	return err
}
