package worker

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Message kinds exchanged with an execution unit.
const (
	KindProgress = "progress"
	KindComplete = "complete"
	KindError    = "error"
	// KindCancel is posted to a worker (as Request.Type) to ask it to stop a task.
	KindCancel = "cancel"
)

// MaxFrameSize bounds a single encoded message, header excluded.
const MaxFrameSize = 16 << 20

const frameHeader = 4

var (
	ErrFrameTooLarge  = errors.New("worker: frame exceeds MaxFrameSize")
	ErrShortFrame     = errors.New("worker: short frame")
	ErrPayloadNotJSON = errors.New("worker: payload is not valid JSON")
)

// Payload is an encoded task payload. Only values the Codec can encode cross
// the worker boundary; nothing is shared by reference.
//
// A Payload is a JSON value and is embedded in messages verbatim, like
// json.RawMessage.
type Payload []byte

func (p Payload) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	if !json.Valid(p) {
		return nil, ErrPayloadNotJSON
	}
	return p, nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	if p == nil {
		return errors.New("worker: UnmarshalJSON on nil Payload")
	}
	*p = append((*p)[:0], data...)
	return nil
}

// Request is posted to a worker: {taskId, type, data}. A Request with
// Type == KindCancel asks the worker to abandon TaskID.
type Request struct {
	TaskID string  `json:"taskId"`
	Type   string  `json:"type"`
	Data   Payload `json:"data,omitempty"`
}

// Reply is received from a worker. Completion payloads may arrive in either
// Result or Data; Payload() picks whichever is set.
type Reply struct {
	TaskID   string  `json:"taskId"`
	Type     string  `json:"type"`
	Progress float64 `json:"progress,omitempty"`
	Message  string  `json:"message,omitempty"`
	Result   Payload `json:"result,omitempty"`
	Data     Payload `json:"data,omitempty"`
	Error    string  `json:"error,omitempty"`
}

func (r Reply) Payload() Payload {
	if len(r.Result) > 0 {
		return r.Result
	}
	return r.Data
}

// Codec encodes task payloads for transfer to a worker. Payloads travel
// inside JSON messages and workers decode them as JSON, so Marshal must
// produce a JSON value; anything else fails the task with ErrPayloadNotJSON.
type Codec interface {
	Marshal(v any) (Payload, error)
	Unmarshal(p Payload, v any) error
	Name() string
}

// JSONCodec is the default payload codec.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) (Payload, error) {
	if p, ok := v.(Payload); ok {
		return p, nil
	}
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal payload: %w", err)
	}
	return b, nil
}

func (JSONCodec) Unmarshal(p Payload, v any) error {
	if v == nil {
		return errors.New("json unmarshal payload: nil target")
	}
	if len(p) == 0 {
		return errors.New("json unmarshal payload: empty payload")
	}
	if err := json.Unmarshal(p, v); err != nil {
		return fmt.Errorf("json unmarshal payload: %w", err)
	}
	return nil
}

// Frame prefixes body with its length (4 bytes, big endian).
func Frame(body []byte) ([]byte, error) {
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, frameHeader+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[frameHeader:], body)
	return out, nil
}

// Unframe validates the length prefix and returns the body.
func Unframe(frame []byte) ([]byte, error) {
	if len(frame) < frameHeader {
		return nil, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(frame)
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if int(n) != len(frame)-frameHeader {
		return nil, fmt.Errorf("worker: frame length %d does not match body %d", n, len(frame)-frameHeader)
	}
	return frame[frameHeader:], nil
}

func EncodeRequest(r Request) ([]byte, error) { return encode(r) }

func EncodeReply(r Reply) ([]byte, error) { return encode(r) }

func DecodeRequest(frame []byte) (Request, error) {
	var r Request
	err := decode(frame, &r)
	return r, err
}

func DecodeReply(frame []byte) (Reply, error) {
	var r Reply
	err := decode(frame, &r)
	return r, err
}

func encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return Frame(b)
}

func decode(frame []byte, v any) error {
	body, err := Unframe(frame)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
