// Package cdp implements a Chrome DevTools Protocol client over a
// WebSocket connection, covering the Debugger and Runtime domains needed
// to drive a JavaScript inspector.
package cdp

import "encoding/json"

// Message is the CDP wire envelope. An outgoing frame carries id, method
// and params; an incoming frame is either a response (id set) or an
// event (method set).
type Message struct {
	ID     int             `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the error shape attached to failed responses.
type ResponseError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Location identifies a position in a parsed script. Lines and columns
// are 0-based on the wire.
type Location struct {
	ScriptID     string `json:"scriptId"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber,omitempty"`
}

// RemoteObject is the Runtime domain's mirror of a JavaScript value.
// Preview is kept raw; its shape is deeply optional and only the value
// formatter looks inside it.
type RemoteObject struct {
	Type                string          `json:"type"`
	Subtype             string          `json:"subtype,omitempty"`
	ClassName           string          `json:"className,omitempty"`
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	Description         string          `json:"description,omitempty"`
	ObjectID            string          `json:"objectId,omitempty"`
	Preview             json.RawMessage `json:"preview,omitempty"`
}

// Scope is one entry of a call frame's scope chain.
type Scope struct {
	Type   string       `json:"type"`
	Object RemoteObject `json:"object"`
	Name   string       `json:"name,omitempty"`
}

// CallFrame is one frame of the paused call stack.
type CallFrame struct {
	CallFrameID  string       `json:"callFrameId"`
	FunctionName string       `json:"functionName"`
	Location     Location     `json:"location"`
	URL          string       `json:"url,omitempty"`
	ScopeChain   []Scope      `json:"scopeChain"`
	This         RemoteObject `json:"this"`
}

// PropertyDescriptor is one property returned by Runtime.getProperties.
type PropertyDescriptor struct {
	Name  string        `json:"name"`
	Value *RemoteObject `json:"value,omitempty"`
}

// PausedEvent is the payload of Debugger.paused.
type PausedEvent struct {
	CallFrames     []CallFrame `json:"callFrames"`
	Reason         string      `json:"reason"`
	HitBreakpoints []string    `json:"hitBreakpoints,omitempty"`
}

// ScriptParsedEvent is the payload of Debugger.scriptParsed.
type ScriptParsedEvent struct {
	ScriptID string `json:"scriptId"`
	URL      string `json:"url"`
}

// SetBreakpointByURLParams are the parameters of Debugger.setBreakpointByUrl.
type SetBreakpointByURLParams struct {
	LineNumber   int    `json:"lineNumber"`
	URL          string `json:"url"`
	ColumnNumber int    `json:"columnNumber,omitempty"`
	Condition    string `json:"condition,omitempty"`
}

// SetBreakpointByURLResult is the result of Debugger.setBreakpointByUrl.
type SetBreakpointByURLResult struct {
	BreakpointID string     `json:"breakpointId"`
	Locations    []Location `json:"locations"`
}

// GetPropertiesResult is the result of Runtime.getProperties.
type GetPropertiesResult struct {
	Result []PropertyDescriptor `json:"result"`
}

// EvaluateResult is the result shape shared by Runtime.evaluate and
// Debugger.evaluateOnCallFrame.
type EvaluateResult struct {
	Result RemoteObject `json:"result"`
}
