// Package wire implements the length-delimited JSON control protocol shared
// by the server and edge processes: a 4-byte big-endian length prefix
// followed by that many bytes of UTF-8 JSON.
package wire

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Type discriminates the control-message variants exchanged on the control
// and tunnel sockets.
type Type string

const (
	// TypeRegister is sent by the edge as the first message on a control
	// socket to announce its client_id.
	TypeRegister Type = "register"
	// TypeRegisterResult acks or nacks a Register.
	TypeRegisterResult Type = "register_result"
	// TypeRequestNewTunnel asks the edge to open and greet a fresh tunnel.
	TypeRequestNewTunnel Type = "request_new_tunnel"
	// TypeNewTunnel is the greeting sent as the first message on a newly
	// opened tunnel socket.
	TypeNewTunnel Type = "new_tunnel"
)

// MaxFrameSize is the safety cap on a single frame's JSON payload. Frames
// larger than this are treated as a framing error.
const MaxFrameSize = 64 * 1024

// LengthPrefixSize is the width, in bytes, of the big-endian frame length.
const LengthPrefixSize = 4

// Message is the single envelope type carried on the wire. Only the fields
// relevant to Type are populated; it is marshalled as a flat JSON object so
// older/newer peers that only understand a subset of fields still decode it.
type Message struct {
	Type Type `json:"type"`

	// Register / NewTunnel
	ClientID string `json:"client_id,omitempty"`

	// RegisterResult
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	// RequestNewTunnel / NewTunnel
	TunnelID string `json:"tunnel_id,omitempty"`
}

// ErrFraming is returned for any malformed frame: bad length, oversize
// payload, undecodable JSON, or an unexpected message for the caller's
// state machine.
var ErrFraming = errors.New("wire: framing error")

// Register builds a Register message.
func Register(clientID string) Message {
	return Message{Type: TypeRegister, ClientID: clientID}
}

// RegisterResult builds a RegisterResult message.
func RegisterResult(success bool, errMsg string) Message {
	return Message{Type: TypeRegisterResult, Success: success, Error: errMsg}
}

// RequestNewTunnel builds a RequestNewTunnel message.
func RequestNewTunnel(tunnelID string) Message {
	return Message{Type: TypeRequestNewTunnel, TunnelID: tunnelID}
}

// NewTunnel builds a NewTunnel greeting message.
func NewTunnel(tunnelID, clientID string) Message {
	return Message{Type: TypeNewTunnel, TunnelID: tunnelID, ClientID: clientID}
}

// Marshal encodes a Message to JSON. It only fails if m contains a value
// json.Marshal cannot represent, which cannot happen for Message's field
// types.
func Marshal(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "wire: marshal message")
	}
	return b, nil
}

// Unmarshal decodes a frame payload into a Message.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, errors.Wrap(ErrFraming, err.Error())
	}
	return m, nil
}
