// Package dap implements a Debug Adapter Protocol client over a
// length-prefixed TCP stream, using the wire types from google/go-dap.
package dap

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	godap "github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

// MaxContentLength is the maximum allowed content length for DAP messages (10MB).
const MaxContentLength = 10 * 1024 * 1024

// Transport represents a DAP transport layer.
type Transport interface {
	// Send sends a message to the debug adapter.
	Send(msg godap.Message) error

	// Receive receives the next message from the debug adapter.
	Receive() (godap.Message, error)

	// Close closes the transport.
	Close() error
}

// Decoder turns an incoming byte stream into DAP messages. It keeps a
// growing buffer: each Feed consumes as many complete frames as the
// buffer holds and retains any trailing partial frame for the next call.
// Frames with a bad header or an undecodable body are skipped so that a
// later valid frame is still delivered.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends a chunk of input and returns every complete message it
// completes. Malformed frames are dropped and framing advances past them.
func (d *Decoder) Feed(chunk []byte) []godap.Message {
	d.buf.Write(chunk)

	var msgs []godap.Message
	for {
		body, ok := d.next()
		if !ok {
			return msgs
		}
		if body == nil {
			continue // skipped a malformed header block
		}
		msg, err := godap.DecodeProtocolMessage(body)
		if err != nil {
			logrus.Debugf("dap: dropping undecodable frame: %v", err)
			continue
		}
		msgs = append(msgs, msg)
	}
}

// next extracts one frame body from the buffer. It returns ok=false when
// the buffer does not yet hold a complete frame, and a nil body with
// ok=true when a malformed header block was consumed and skipped.
func (d *Decoder) next() ([]byte, bool) {
	data := d.buf.Bytes()
	sep := bytes.Index(data, []byte("\r\n\r\n"))
	if sep < 0 {
		return nil, false
	}

	length, ok := parseContentLength(string(data[:sep]))
	if !ok {
		// No usable Content-Length header: discard the header block and
		// resume framing at whatever follows it.
		d.buf.Next(sep + 4)
		return nil, true
	}

	total := sep + 4 + length
	if len(data) < total {
		return nil, false
	}

	body := make([]byte, length)
	copy(body, data[sep+4:total])
	d.buf.Next(total)
	return body, true
}

// parseContentLength finds the Content-Length header in a header block.
func parseContentLength(headers string) (int, bool) {
	for _, line := range strings.Split(headers, "\r\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(parts[0]), "Content-Length") {
			continue
		}
		length, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || length < 0 || length > MaxContentLength {
			return 0, false
		}
		return length, true
	}
	return 0, false
}

// SocketTransport implements Transport over a TCP connection to a DAP server.
type SocketTransport struct {
	conn    net.Conn
	decoder Decoder
	queue   []godap.Message
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewSocketTransport dials a DAP server listening at address.
func NewSocketTransport(address string) (*SocketTransport, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return &SocketTransport{conn: conn}, nil
}

// NewSocketTransportFromConn wraps an existing connection.
func NewSocketTransportFromConn(conn net.Conn) *SocketTransport {
	return &SocketTransport{conn: conn}
}

// Send writes a framed message to the adapter.
func (t *SocketTransport) Send(msg godap.Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := godap.WriteProtocolMessage(t.conn, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Receive returns the next decoded message, reading more chunks from the
// connection as needed. Malformed frames are skipped silently.
func (t *SocketTransport) Receive() (godap.Message, error) {
	for {
		if len(t.queue) > 0 {
			msg := t.queue[0]
			t.queue = t.queue[1:]
			return msg, nil
		}

		chunk := make([]byte, 4096)
		n, err := t.conn.Read(chunk)
		if n > 0 {
			t.queue = append(t.queue, t.decoder.Feed(chunk[:n])...)
		}
		if err != nil {
			if len(t.queue) > 0 {
				continue
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read: %w", err)
		}
	}
}

// Close closes the underlying connection. Safe to call more than once.
func (t *SocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
