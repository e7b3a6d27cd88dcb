package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrConnectionClosed is the failure delivered to every call still
// pending when the transport goes away.
var ErrConnectionClosed = errors.New("Connection closed")

// EventHandler receives the raw params of a CDP event.
type EventHandler func(params json.RawMessage)

// Client correlates CDP calls with responses by id and dispatches events
// by method name.
type Client struct {
	transport Transport

	pendingMu sync.Mutex
	pending   map[int]*pendingCall
	nextID    int // last allocated id, guarded by pendingMu

	handlerMu sync.RWMutex
	handlers  map[string][]EventHandler

	done      chan struct{}
	closeOnce sync.Once
}

// pendingCall tracks a call awaiting its response.
type pendingCall struct {
	done   chan struct{}
	result json.RawMessage
	err    error
}

// NewClient creates a client on the given transport and starts its
// receive loop.
func NewClient(transport Transport) *Client {
	c := &Client{
		transport: transport,
		pending:   make(map[int]*pendingCall),
		handlers:  make(map[string][]EventHandler),
		done:      make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Close shuts down the client and fails all pending calls.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	err := c.transport.Close()
	c.failPending(ErrConnectionClosed)
	return err
}

// OnEvent registers a handler for the named method. Handlers for the
// same method fire in registration order.
func (c *Client) OnEvent(method string, handler EventHandler) {
	c.handlerMu.Lock()
	c.handlers[method] = append(c.handlers[method], handler)
	c.handlerMu.Unlock()
}

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

		if msg.ID != 0 {
			c.handleResponse(msg)
		} else if msg.Method != "" {
			c.handleEvent(msg)
		}
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int]*pendingCall)
	c.pendingMu.Unlock()

	for _, call := range pending {
		call.err = err
		close(call.done)
	}
}

func (c *Client) handleResponse(msg *Message) {
	c.pendingMu.Lock()
	call, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		return
	}

	if msg.Error != nil {
		call.err = errors.New(msg.Error.Message)
	} else {
		call.result = msg.Result
	}
	close(call.done)
}

func (c *Client) handleEvent(msg *Message) {
	c.handlerMu.RLock()
	handlers := append([]EventHandler(nil), c.handlers[msg.Method]...)
	c.handlerMu.RUnlock()

	for _, handler := range handlers {
		handler(msg.Params)
	}
}

// Call invokes a CDP method and waits for its result. A nil params leaves
// the params field out of the frame.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		raw = encoded
	}

	call := &pendingCall{done: make(chan struct{})}

	c.pendingMu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = call
	c.pendingMu.Unlock()

	msg := &Message{ID: id, Method: method, Params: raw}
	if err := c.transport.Send(msg); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-call.done:
		if call.err != nil {
			return nil, call.err
		}
		return call.result, nil
	}
}

// CallInto invokes a CDP method and decodes its result into out.
func (c *Client) CallInto(ctx context.Context, method string, params, out any) error {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
