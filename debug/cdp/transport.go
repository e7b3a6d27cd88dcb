package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DiscoveryTimeout bounds how long Discover polls the inspector's HTTP
// endpoint for a debuggable target.
const DiscoveryTimeout = 10 * time.Second

// Transport carries CDP JSON frames.
type Transport interface {
	// Send writes one outgoing frame.
	Send(msg *Message) error

	// Receive returns the next incoming frame.
	Receive() (*Message, error)

	// Close closes the transport.
	Close() error
}

// target is one entry of the inspector's /json target list.
type target struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Discover polls http://host:port/json every 100ms until a target with a
// webSocketDebuggerUrl appears and returns that URL.
func Discover(ctx context.Context, host string, port int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DiscoveryTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("http://%s:%d/json", host, port)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("timed out discovering debugger at %s: %w", endpoint, ctx.Err())
		case <-ticker.C:
			url, ok := fetchDebuggerURL(ctx, endpoint)
			if ok {
				return url, nil
			}
		}
	}
}

// fetchDebuggerURL tries one discovery request. Any failure just means
// the inspector is not up yet.
func fetchDebuggerURL(ctx context.Context, endpoint string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	var targets []target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", false
	}

	for _, t := range targets {
		if t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, true
		}
	}
	return "", false
}

// WebSocketTransport implements Transport over a gorilla/websocket
// connection to an inspector endpoint.
type WebSocketTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// DialWebSocket connects to the given webSocketDebuggerUrl.
func DialWebSocket(ctx context.Context, url string) (*WebSocketTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &WebSocketTransport{conn: conn}, nil
}

// Send writes one frame as a JSON text message.
func (t *WebSocketTransport) Send(msg *Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive reads the next JSON frame. Frames that fail to decode are
// skipped rather than surfaced.
func (t *WebSocketTransport) Receive() (*Message, error) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		return &msg, nil
	}
}

// Close closes the connection. Safe to call more than once.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
