package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxMessageSize bounds a single control-channel message.
const MaxMessageSize = 64 * 1024

var (
	// ErrMissingType is returned when a message carries no type tag.
	ErrMissingType = errors.New("message has no type")

	// ErrWrongDirection is returned when a known message arrives on the side
	// that only ever sends it.
	ErrWrongDirection = errors.New("message not valid in this direction")
)

// UnknownTypeError reports an unrecognized type tag. It is a protocol
// violation: the receiving side closes the connection.
type UnknownTypeError struct {
	Type Type
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", string(e.Type))
}

// Encode serializes msg as a JSON object with its type tag.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Handshake:
		return json.Marshal(struct {
			Type Type `json:"type"`
			*Handshake
		}{TypeCompleteHandshake, m})
	case *Get:
		return json.Marshal(struct {
			Type Type `json:"type"`
			*Get
		}{TypeGet, m})
	case *Cancel:
		return json.Marshal(struct {
			Type Type `json:"type"`
			*Cancel
		}{TypeCancel, m})
	case *Error:
		return json.Marshal(struct {
			Type Type `json:"type"`
			*Error
		}{TypeError, m})
	case *ConvertToStream:
		return json.Marshal(struct {
			Type Type `json:"type"`
			*ConvertToStream
		}{TypeConvertToStream, m})
	default:
		return nil, fmt.Errorf("cannot encode %T", msg)
	}
}

// Decode parses any control-channel message.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes", len(data))
	}

	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	var msg Message
	switch probe.Type {
	case "":
		return nil, ErrMissingType
	case TypeCompleteHandshake:
		msg = &Handshake{}
	case TypeGet:
		msg = &Get{}
	case TypeCancel:
		msg = &Cancel{}
	case TypeError:
		msg = &Error{}
	case TypeConvertToStream:
		msg = &ConvertToStream{}
	default:
		return nil, &UnknownTypeError{Type: probe.Type}
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", probe.Type, err)
	}
	if err := validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeRelayMessage parses a message received by a hidden host.
func DecodeRelayMessage(data []byte) (RelayMessage, error) {
	msg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	rm, ok := msg.(RelayMessage)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWrongDirection, msg.MessageType())
	}
	return rm, nil
}

// DecodeHostMessage parses a message received by the relay.
func DecodeHostMessage(data []byte) (HostMessage, error) {
	msg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	hm, ok := msg.(HostMessage)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWrongDirection, msg.MessageType())
	}
	return hm, nil
}

func validate(msg Message) error {
	switch m := msg.(type) {
	case *Handshake:
		if m.ID == "" {
			return errors.New("handshake without id")
		}
	case *Get:
		if m.Range != nil {
			if err := m.Range.Validate(); err != nil {
				return err
			}
		}
	case *Error:
		if m.Code < 100 || m.Code > 599 {
			return fmt.Errorf("invalid status code %d", m.Code)
		}
	case *ConvertToStream:
		if m.Size < 0 {
			return fmt.Errorf("invalid size %d", m.Size)
		}
		if m.Range != nil {
			if err := m.Range.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}
