package dap

import (
	"encoding/json"
	"fmt"
	"testing"

	godap "github.com/google/go-dap"
)

func frame(body string) []byte {
	return []byte(fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body))
}

func TestDecoderSingleMessage(t *testing.T) {
	var d Decoder

	body := `{"seq":1,"type":"request","command":"initialize","arguments":{"adapterID":"test"}}`
	msgs := d.Feed(frame(body))

	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	req, ok := msgs[0].(*godap.InitializeRequest)
	if !ok {
		t.Fatalf("expected InitializeRequest, got %T", msgs[0])
	}
	if req.Seq != 1 {
		t.Errorf("expected seq 1, got %d", req.Seq)
	}
}

func TestDecoderPartialChunks(t *testing.T) {
	var d Decoder

	body := `{"seq":2,"type":"response","request_seq":1,"success":true,"command":"configurationDone"}`
	data := frame(body)

	// Feed one byte at a time; only the final byte completes the message.
	for i := 0; i < len(data)-1; i++ {
		if msgs := d.Feed(data[i : i+1]); len(msgs) != 0 {
			t.Fatalf("unexpected message after %d bytes", i+1)
		}
	}

	msgs := d.Feed(data[len(data)-1:])
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if _, ok := msgs[0].(*godap.ConfigurationDoneResponse); !ok {
		t.Fatalf("expected ConfigurationDoneResponse, got %T", msgs[0])
	}
}

func TestDecoderMultipleMessagesOneChunk(t *testing.T) {
	var d Decoder

	a := `{"seq":1,"type":"event","event":"initialized"}`
	b := `{"seq":2,"type":"event","event":"terminated"}`
	msgs := d.Feed(append(frame(a), frame(b)...))

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if _, ok := msgs[0].(*godap.InitializedEvent); !ok {
		t.Errorf("expected InitializedEvent first, got %T", msgs[0])
	}
	if _, ok := msgs[1].(*godap.TerminatedEvent); !ok {
		t.Errorf("expected TerminatedEvent second, got %T", msgs[1])
	}
}

func TestDecoderMalformedFrameRecovery(t *testing.T) {
	var d Decoder

	// A header block without Content-Length, followed by a valid response
	// to seq 7. The malformed bytes must be dropped and the valid frame
	// must still decode.
	bad := []byte("Content-Type: application/json\r\n\r\n")
	good := frame(`{"seq":8,"type":"response","request_seq":7,"success":true,"command":"next"}`)

	msgs := d.Feed(append(bad, good...))
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after malformed frame, got %d", len(msgs))
	}

	resp, ok := msgs[0].(godap.ResponseMessage)
	if !ok {
		t.Fatalf("expected response, got %T", msgs[0])
	}
	if resp.GetResponse().RequestSeq != 7 {
		t.Errorf("expected request_seq 7, got %d", resp.GetResponse().RequestSeq)
	}
}

func TestDecoderUndecodableBody(t *testing.T) {
	var d Decoder

	bad := frame(`{"this is not valid json`)
	good := frame(`{"seq":3,"type":"event","event":"terminated"}`)

	msgs := d.Feed(append(bad, good...))
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if _, ok := msgs[0].(*godap.TerminatedEvent); !ok {
		t.Errorf("expected TerminatedEvent, got %T", msgs[0])
	}
}

func TestFramingRoundTrip(t *testing.T) {
	req := &godap.NextRequest{
		Request: godap.Request{
			ProtocolMessage: godap.ProtocolMessage{Seq: 42, Type: "request"},
			Command:         "next",
		},
		Arguments: godap.NextArguments{ThreadId: 3},
	}

	encoded, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var d Decoder
	msgs := d.Feed(frame(string(encoded)))
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	decoded, ok := msgs[0].(*godap.NextRequest)
	if !ok {
		t.Fatalf("expected NextRequest, got %T", msgs[0])
	}
	if decoded.Seq != req.Seq || decoded.Command != req.Command || decoded.Arguments.ThreadId != 3 {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}

func TestParseContentLength(t *testing.T) {
	tests := []struct {
		name    string
		headers string
		want    int
		ok      bool
	}{
		{"plain", "Content-Length: 10", 10, true},
		{"case insensitive", "content-length: 5", 5, true},
		{"extra header", "Content-Type: application/json\r\nContent-Length: 7", 7, true},
		{"missing", "Content-Type: application/json", 0, false},
		{"negative", "Content-Length: -1", 0, false},
		{"not a number", "Content-Length: ten", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseContentLength(tt.headers)
			if ok != tt.ok || got != tt.want {
				t.Errorf("parseContentLength(%q) = (%d, %v), want (%d, %v)", tt.headers, got, ok, tt.want, tt.ok)
			}
		})
	}
}
