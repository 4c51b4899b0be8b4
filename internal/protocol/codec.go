package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeError describes a frame that could not be decoded.
type DecodeError struct {
	Type   string // frame type, empty if it could not be determined
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode frame"
	if e.Type != "" {
		msg += " " + e.Type
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes a frame to its flat JSON wire form.
func Encode(f Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("encode frame: nil frame")
	}
	if _, ok := f.(Unknown); ok {
		return nil, fmt.Errorf("encode frame: cannot encode unknown frame type %q", f.FrameType())
	}

	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame %s: %w", f.FrameType(), err)
	}
	typ, err := json.Marshal(f.FrameType())
	if err != nil {
		return nil, fmt.Errorf("encode frame %s: %w", f.FrameType(), err)
	}

	// body is always a JSON object; splice the discriminator in front.
	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Decode parses one wire frame. Unrecognized types yield Unknown with a nil
// error; malformed input yields a *DecodeError.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}

	var (
		f   Frame
		err error
	)
	switch head.Type {
	case "":
		return nil, &DecodeError{Reason: "missing type"}
	case TypeSession:
		f, err = decodeAs[Session](data)
	case TypeHistoryRequest:
		f, err = decodeAs[HistoryRequest](data)
	case TypeHistory:
		f, err = decodeAs[History](data)
	case TypeUserMessage:
		f, err = decodeAs[UserMessage](data)
	case TypeUserEcho:
		f, err = decodeAs[UserEcho](data)
	case TypeAssistantStart:
		f, err = decodeAs[AssistantStart](data)
	case TypeAssistantDelta:
		f, err = decodeAs[AssistantDelta](data)
	case TypeAssistantDone:
		f, err = decodeAs[AssistantDone](data)
	case TypeError:
		f, err = decodeAs[Error](data)
	case TypeDraftUpdate:
		f, err = decodeAs[DraftUpdate](data)
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Type: head.Type, Raw: raw}, nil
	}
	if err != nil {
		return nil, &DecodeError{Type: head.Type, Err: err}
	}
	if reason := validate(f); reason != "" {
		return nil, &DecodeError{Type: head.Type, Reason: reason}
	}
	return f, nil
}

func decodeAs[T Frame](data []byte) (Frame, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// validate returns a non-empty reason when a required field is missing.
func validate(f Frame) string {
	switch f := f.(type) {
	case AssistantStart:
		if f.ReplyID == "" {
			return "missing replyId"
		}
	case AssistantDelta:
		if f.ReplyID == "" {
			return "missing replyId"
		}
	case AssistantDone:
		if f.ReplyID == "" {
			return "missing replyId"
		}
	case HistoryRequest:
		if f.Limit < 0 {
			return "negative limit"
		}
	case DraftUpdate:
		if f.Key == "" {
			return "missing key"
		}
	}
	return ""
}
