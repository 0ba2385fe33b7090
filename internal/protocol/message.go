package protocol

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Header is the envelope header carried by every appliance message. Field
// tags follow the wire format exactly.
type Header struct {
	MessageID      string `json:"messageId"`
	Namespace      string `json:"namespace"`
	Method         string `json:"method"`
	PayloadVersion int    `json:"payloadVersion"`
	From           string `json:"from"`
	Timestamp      int64  `json:"timestamp"`
	TimestampMs    int    `json:"timestampMs"`
	Sign           string `json:"sign"`
	TriggerSrc     string `json:"triggerSrc,omitempty"`
	UUID           string `json:"uuid,omitempty"`
}

// Message is a complete request or reply envelope.
type Message struct {
	Header  Header         `json:"header"`
	Payload map[string]any `json:"payload"`
}

// Sign computes the envelope signature: the lowercase hex md5 digest of the
// message id, the device key and the decimal timestamp concatenated.
func Sign(messageID, key string, timestamp int64) string {
	sum := md5.Sum([]byte(messageID + key + strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(sum[:])
}

// NewMessageID returns a fresh 32 character hex message id.
func NewMessageID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// NewRequest builds a signed request envelope.
//
// Parameters:
//   - namespace: Target namespace name
//   - method: GET, SET or PUSH
//   - payload: Request payload, nil for an empty one
//   - key: Device key used for signing
//   - from: Reply address advertised to the device
//   - now: Wall clock used for the timestamp
//
// Returns:
//   - *Message: The signed envelope, ready to encode
func NewRequest(namespace, method string, payload map[string]any, key, from string, now time.Time) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	messageID := NewMessageID()
	timestamp := now.Unix()
	return &Message{
		Header: Header{
			MessageID:      messageID,
			Namespace:      namespace,
			Method:         method,
			PayloadVersion: 1,
			From:           from,
			Timestamp:      timestamp,
			Sign:           Sign(messageID, key, timestamp),
		},
		Payload: payload,
	}
}

// NewEchoRequest builds a request that reuses the header identity of a
// previously received message instead of computing a fresh signature.
// Devices accept such requests over http when the real key is unknown.
func NewEchoRequest(namespace, method string, payload map[string]any, echo *Header, from string) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		Header: Header{
			MessageID:      echo.MessageID,
			Namespace:      namespace,
			Method:         method,
			PayloadVersion: 1,
			From:           from,
			Timestamp:      echo.Timestamp,
			TimestampMs:    echo.TimestampMs,
			Sign:           echo.Sign,
		},
		Payload: payload,
	}
}

// VerifySign reports whether the header signature matches key.
func (h *Header) VerifySign(key string) bool {
	return h.Sign == Sign(h.MessageID, key, h.Timestamp)
}

// DeviceID returns the device uuid carried by the header: the explicit uuid
// field when present, else the uuid segment of the from topic.
func (h *Header) DeviceID() string {
	if h.UUID != "" {
		return h.UUID
	}
	return TopicDeviceID(h.From)
}

// Encode renders the envelope as wire json.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return data, nil
}

// ParseMessage decodes a wire buffer into a Message. The payload is always
// non nil on success.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if m.Header.MessageID == "" || m.Header.Namespace == "" || m.Header.Method == "" {
		return nil, fmt.Errorf("%w: incomplete header", ErrProtocol)
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return &m, nil
}

// CheckStrict validates the formal shape of a decoded message and surfaces
// protocol failures carried by ERROR envelopes. A nil return means the
// message may enter the dispatch pipeline.
func CheckStrict(m *Message) error {
	if m == nil || m.Header.MessageID == "" || m.Header.Namespace == "" || m.Header.Method == "" {
		return fmt.Errorf("%w: incomplete header", ErrProtocol)
	}
	if m.Header.Method != MethodError {
		return nil
	}
	code := ErrorCode(m.Payload)
	if code == ErrorCodeInvalidKey {
		return ErrInvalidKey
	}
	return fmt.Errorf("%w: device error code %d", ErrProtocol, code)
}

// ErrorCode extracts the numeric code from an ERROR payload, 0 when absent.
func ErrorCode(payload map[string]any) int {
	return IntField(DictField(payload, KeyError), KeyCode)
}

// SafeLength returns the conservative usable size of a truncated buffer,
// nine tenths of its length.
func SafeLength(n int) int {
	return n * 9 / 10
}

var multipleCut = []byte(`,{"header":`)

// RepairMultiple drops the incomplete trailing envelope from a truncated
// Appliance.Control.Multiple reply and closes the wrapper again. Returns
// nil when no complete envelope boundary is left to cut at.
func RepairMultiple(data []byte) []byte {
	i := bytes.LastIndex(data, multipleCut)
	if i < 0 {
		return nil
	}
	out := make([]byte, 0, i+3)
	out = append(out, data[:i]...)
	return append(out, "]}}"...)
}

// DecodeResponse parses a reply buffer, recovering from device side
// truncation where possible. Appliances cap their http output buffer, so a
// large batched reply can arrive cut mid envelope: when the decode error
// sits in the last tenth of the buffer the trailing fragment is dropped via
// RepairMultiple and the decode retried once.
//
// Returns:
//   - *Message: The decoded envelope, nil on unrecoverable damage
//   - bool: Whether the buffer was truncated. Callers shrink their response
//     size budget to SafeLength of the buffer when set, even on success
//   - error: ErrProtocol for malformed json, ErrTruncated when truncation
//     could not be repaired
func DecodeResponse(data []byte) (*Message, bool, error) {
	msg, err := ParseMessage(data)
	if err == nil {
		return msg, false, nil
	}
	offset := syntaxOffset(err)
	if offset < 0 || offset < int64(SafeLength(len(data))) {
		return nil, false, err
	}
	repaired := RepairMultiple(data)
	if repaired == nil {
		return nil, true, fmt.Errorf("%w: %d bytes, error at offset %d", ErrTruncated, len(data), offset)
	}
	msg, perr := ParseMessage(repaired)
	if perr != nil {
		return nil, true, fmt.Errorf("%w: repair failed: %v", ErrTruncated, perr)
	}
	return msg, true, nil
}

func syntaxOffset(err error) int64 {
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return syn.Offset
	}
	var typ *json.UnmarshalTypeError
	if errors.As(err, &typ) {
		return typ.Offset
	}
	return -1
}

// PackMultiple wraps a batch of requests into a single
// Appliance.Control.Multiple payload.
func PackMultiple(requests []*Message) map[string]any {
	list := make([]any, 0, len(requests))
	for _, r := range requests {
		list = append(list, r)
	}
	return map[string]any{KeyMultiple: list}
}

// UnpackMultiple extracts the wrapped replies from a Multiple ack payload.
// Items that do not look like envelopes are skipped.
func UnpackMultiple(payload map[string]any) []*Message {
	items := ListField(payload, KeyMultiple)
	out := make([]*Message, 0, len(items))
	for _, item := range items {
		if m := MessageFromAny(item); m != nil {
			out = append(out, m)
		}
	}
	return out
}

// MessageFromAny rebuilds an envelope from an already decoded json value,
// as found inside a Multiple reply. Returns nil when v is not envelope
// shaped.
func MessageFromAny(v any) *Message {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	h, ok := obj[KeyHeader].(map[string]any)
	if !ok {
		return nil
	}
	m := &Message{
		Header: Header{
			MessageID:      StringField(h, "messageId"),
			Namespace:      StringField(h, "namespace"),
			Method:         StringField(h, "method"),
			PayloadVersion: IntField(h, "payloadVersion"),
			From:           StringField(h, "from"),
			Timestamp:      Int64Field(h, "timestamp"),
			TimestampMs:    IntField(h, "timestampMs"),
			Sign:           StringField(h, "sign"),
			TriggerSrc:     StringField(h, "triggerSrc"),
			UUID:           StringField(h, "uuid"),
		},
		Payload: DictField(obj, KeyPayload),
	}
	if m.Header.Namespace == "" {
		return nil
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return m
}

// Payload field accessors. Decoded json stores numbers as float64 and
// nested structures as map[string]any and []any; these helpers keep the
// type switching in one place.

// StringField returns the string at key in obj, "" when missing.
func StringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// IntField returns the integer at key in obj, 0 when missing. Both json
// float64 and native int values are accepted.
func IntField(obj map[string]any, key string) int {
	return int(Int64Field(obj, key))
}

// Int64Field returns the integer at key in obj, 0 when missing.
func Int64Field(obj map[string]any, key string) int64 {
	switch n := obj[key].(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		v, _ := n.Int64()
		return v
	}
	return 0
}

// DictField returns the object at key in obj, nil when missing.
func DictField(obj map[string]any, key string) map[string]any {
	d, _ := obj[key].(map[string]any)
	return d
}

// ListField returns the array at key in obj, nil when missing.
func ListField(obj map[string]any, key string) []any {
	l, _ := obj[key].([]any)
	return l
}
