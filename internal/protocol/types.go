// Package protocol defines the control-channel vocabulary exchanged between
// the relay and a hidden host, plus byte-range handling shared by both sides.
package protocol

// Type tags every control-channel message.
type Type string

// Message types relayed from the relay to a hidden host.
const (
	TypeCompleteHandshake Type = "complete-handshake" // Relay assigned a host id
	TypeGet               Type = "GET"                // Routed client request
	TypeCancel            Type = "cancel"             // Client went away, abort delivery
)

// Message types sent from a hidden host to the relay.
const (
	TypeError           Type = "error"             // Inline failure completion
	TypeConvertToStream Type = "convert-to-stream" // Bulk delivery follows as a byte stream
)

// Message is implemented by every control-channel message.
type Message interface {
	MessageType() Type
}

// RelayMessage is a message the relay sends to a hidden host.
type RelayMessage interface {
	Message
	relayMessage()
}

// HostMessage is a message a hidden host sends to the relay.
type HostMessage interface {
	Message
	hostMessage()
}

// Handshake is sent once, right after the control channel is accepted.
type Handshake struct {
	ID string `json:"id"`
}

// Get routes one client GET to the hidden host.
type Get struct {
	Path      string `json:"path"`
	Range     *Range `json:"range,omitempty"`
	RequestID uint64 `json:"requestId"`
}

// Cancel tells the hidden host that the client for RequestID disconnected.
type Cancel struct {
	RequestID uint64 `json:"requestId"`
}

// Error completes a pending request with an inline status and message.
type Error struct {
	RequestID uint64 `json:"requestId"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

// ConvertToStream announces that the body for request ID follows as a byte
// stream of the given total size. Range is the slice of the resource carried.
type ConvertToStream struct {
	ID    uint64 `json:"id"`
	Range *Range `json:"range,omitempty"`
	Size  int64  `json:"size"`
}

func (*Handshake) MessageType() Type       { return TypeCompleteHandshake }
func (*Get) MessageType() Type             { return TypeGet }
func (*Cancel) MessageType() Type          { return TypeCancel }
func (*Error) MessageType() Type           { return TypeError }
func (*ConvertToStream) MessageType() Type { return TypeConvertToStream }

func (*Handshake) relayMessage() {}
func (*Get) relayMessage()       {}
func (*Cancel) relayMessage()    {}

func (*Error) hostMessage()           {}
func (*ConvertToStream) hostMessage() {}
