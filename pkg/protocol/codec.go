package protocol

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

type header struct {
	Type Type `json:"type"`
}

type userMessageFrame struct {
	Type      Type   `json:"type"`
	MessageID string `json:"message_id"`
	Author    string `json:"author"`
	Message   string `json:"message"`
	IsRead    bool   `json:"is_read"`
}

type readReceiptFrame struct {
	Type      Type   `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	Author    string `json:"author,omitempty"`
}

// Encode serializes an envelope to a single JSON object.
func Encode(env Envelope) ([]byte, error) {
	switch e := env.(type) {
	case UserMessage:
		if e.MessageID == "" {
			return nil, errors.Wrap(ErrMalformedEnvelope, "user message without message_id")
		}
		return json.Marshal(userMessageFrame{
			Type:      TypeUserMessage,
			MessageID: e.MessageID,
			Author:    e.Author,
			Message:   e.Body,
			IsRead:    e.IsRead,
		})
	case ReadReceipt:
		if e.MessageID == "" && e.Author == "" {
			return nil, errors.Wrap(ErrMalformedEnvelope, "read receipt without message_id or author")
		}
		f := readReceiptFrame{Type: TypeMessageRead}
		if e.MessageID != "" {
			f.MessageID = e.MessageID
		} else {
			f.Author = e.Author
		}
		return json.Marshal(f)
	case Unknown:
		if len(e.Raw) == 0 {
			return nil, errors.Wrapf(ErrMalformedEnvelope, "unknown envelope %q without payload", e.Type)
		}
		return append([]byte(nil), e.Raw...), nil
	case nil:
		return nil, errors.Wrap(ErrMalformedEnvelope, "nil envelope")
	default:
		return nil, errors.Wrapf(ErrMalformedEnvelope, "unsupported envelope %T", env)
	}
}

// Decode parses one frame. Frames that are not JSON objects, lack a type, or
// lack the fields their type requires return ErrMalformedEnvelope. Frames with
// an unrecognized type decode to Unknown without error.
func Decode(frame []byte) (Envelope, error) {
	var h header
	if err := json.Unmarshal(frame, &h); err != nil {
		return nil, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}
	if strings.TrimSpace(string(h.Type)) == "" {
		return nil, errors.Wrap(ErrMalformedEnvelope, "missing type")
	}

	switch h.Type {
	case TypeUserMessage:
		var f userMessageFrame
		if err := json.Unmarshal(frame, &f); err != nil {
			return nil, errors.Wrap(ErrMalformedEnvelope, err.Error())
		}
		if f.MessageID == "" {
			return nil, errors.Wrap(ErrMalformedEnvelope, "user_incoming_message without message_id")
		}
		return UserMessage{
			MessageID: f.MessageID,
			Author:    f.Author,
			Body:      f.Message,
			IsRead:    f.IsRead,
		}, nil
	case TypeMessageRead:
		var f readReceiptFrame
		if err := json.Unmarshal(frame, &f); err != nil {
			return nil, errors.Wrap(ErrMalformedEnvelope, err.Error())
		}
		if f.MessageID == "" && f.Author == "" {
			return nil, errors.Wrap(ErrMalformedEnvelope, "message_read without message_id or author")
		}
		return ReadReceipt{MessageID: f.MessageID, Author: f.Author}, nil
	default:
		return Unknown{Type: h.Type, Raw: append([]byte(nil), frame...)}, nil
	}
}
