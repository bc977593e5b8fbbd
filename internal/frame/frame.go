// Package frame defines the wire contract for frames pushed over a live chat
// stream: the closed set of frame kinds, JSON decoding and encoding, and the
// record framing used by event-stream and streaming-body responses.
package frame

import (
	"encoding/json"
	"fmt"
	"time"

	perrors "github.com/p-blackswan/todo-maistro/internal/errors"
)

// Kind is the frame type tag.
type Kind int

const (
	// KindUnknown is any tag this client does not understand. Handlers treat
	// it as a no-op.
	KindUnknown Kind = iota
	KindStart
	KindChunk
	KindEnd
	KindError
	KindKeepalive
)

var kindNames = map[Kind]string{
	KindStart:     "start",
	KindChunk:     "chunk",
	KindEnd:       "end",
	KindError:     "error",
	KindKeepalive: "keepalive",
}

// ParseKind maps a wire tag to a Kind. Unrecognized tags map to KindUnknown.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether a frame of this kind ends its stream.
func (k Kind) Terminal() bool {
	return k == KindEnd || k == KindError
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k == KindUnknown {
		return nil, fmt.Errorf("cannot encode unknown frame kind")
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It never fails so that
// new frame kinds stay forward compatible.
func (k *Kind) UnmarshalText(b []byte) error {
	*k = ParseKind(string(b))
	return nil
}

// Frame is one unit pushed over the live stream.
type Frame struct {
	Kind      Kind   `json:"type"`
	Content   string `json:"content,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Status    string `json:"status,omitempty"`
	ChunkID   int    `json:"chunk_id,omitempty"`
	Final     bool   `json:"final,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// Tag is the raw type string as received.
	Tag string `json:"-"`
}

// Start builds a start frame.
func Start(jobID, threadID string) Frame {
	return Frame{Kind: KindStart, JobID: jobID, ThreadID: threadID, Status: "streaming"}
}

// Chunk builds a chunk frame carrying a partial text fragment.
func Chunk(jobID, content string, id int) Frame {
	return Frame{Kind: KindChunk, JobID: jobID, Content: content, ChunkID: id}
}

// End builds an end frame with an optional trailing fragment.
func End(jobID, trailing string) Frame {
	return Frame{Kind: KindEnd, JobID: jobID, Content: trailing, Final: true}
}

// Fail builds an error frame.
func Fail(jobID, msg string) Frame {
	return Frame{Kind: KindError, JobID: jobID, Error: msg}
}

// Keepalive builds a keepalive frame.
func Keepalive() Frame {
	return Frame{Kind: KindKeepalive}
}

// Decode parses one record payload. A payload that is not a JSON object is a
// StreamProtocolError; an unrecognized type is not.
func Decode(payload []byte) (Frame, error) {
	var wire struct {
		Frame
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Frame{}, &perrors.StreamProtocolError{Payload: string(payload), Err: err}
	}
	if wire.Type == nil {
		return Frame{}, &perrors.StreamProtocolError{Payload: string(payload), Err: fmt.Errorf("missing type: %w", perrors.ErrInvalidInput)}
	}
	f := wire.Frame
	f.Kind = ParseKind(*wire.Type)
	f.Tag = *wire.Type
	return f, nil
}

// Encode serializes a frame, stamping a timestamp when absent.
func Encode(f Frame) ([]byte, error) {
	if f.Timestamp == "" {
		f.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(f)
}
