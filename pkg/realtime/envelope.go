package realtime

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type EnvelopeType string

const (
	TypeMessage      EnvelopeType = "message"
	TypeNotification EnvelopeType = "notification"
	TypeUnknown      EnvelopeType = "unknown"
)

var ErrMalformedFrame = errors.New("realtime: malformed frame")

// Envelope is one classified inbound frame. Raw keeps the whole frame so
// unknown types are preserved for whoever wants them.
type Envelope struct {
	Type       EnvelopeType
	RawType    string
	Raw        json.RawMessage
	ReceivedAt time.Time
}

// ParseEnvelope classifies a text frame. Chat broadcasts carry no type field,
// so a frame without type but with content counts as a message.
func ParseEnvelope(data []byte, receivedAt time.Time) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, errors.Wrap(ErrMalformedFrame, "not a JSON object")
	}
	var probe struct {
		Type    *string         `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return Envelope{}, errors.Wrapf(ErrMalformedFrame, "%v", err)
	}
	env := Envelope{
		Type:       TypeUnknown,
		Raw:        append(json.RawMessage(nil), trimmed...),
		ReceivedAt: receivedAt,
	}
	switch {
	case probe.Type == nil:
		if len(probe.Content) > 0 && string(probe.Content) != "null" {
			env.Type = TypeMessage
		}
	default:
		env.RawType = *probe.Type
		switch EnvelopeType(*probe.Type) {
		case TypeMessage:
			env.Type = TypeMessage
		case TypeNotification:
			env.Type = TypeNotification
		}
	}
	return env, nil
}

// Decode unmarshals the raw frame into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return errors.Wrapf(ErrMalformedFrame, "decode %s: %v", e.Type, err)
	}
	return nil
}
