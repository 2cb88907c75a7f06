// Package protocol defines the pairlink control protocol.
//
// A session has two roles, bridge and mobile. The relay speaks to each
// peer with a small set of JSON control messages (one text WebSocket
// frame each). Every other frame is application payload and is relayed
// byte for byte without being parsed.
package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/coder/websocket"
)

// Role identifies which side of a session a socket belongs to.
type Role string

const (
	RoleBridge Role = "bridge"
	RoleMobile Role = "mobile"
)

// Opposite returns the peer role.
func (r Role) Opposite() Role {
	if r == RoleBridge {
		return RoleMobile
	}
	return RoleBridge
}

// Valid reports whether r is bridge or mobile.
func (r Role) Valid() bool {
	return r == RoleBridge || r == RoleMobile
}

// Type is the discriminator of a control message.
type Type string

const (
	TypeRegistered       Type = "registered"
	TypePaired           Type = "paired"
	TypeReconnected      Type = "reconnected"
	TypePeerConnected    Type = "peer_connected"
	TypePeerDisconnected Type = "peer_disconnected"
	TypeError            Type = "error"
)

func (t Type) known() bool {
	switch t {
	case TypeRegistered, TypePaired, TypeReconnected,
		TypePeerConnected, TypePeerDisconnected, TypeError:
		return true
	}
	return false
}

// Error messages sent in error control messages.
const (
	ErrInvalidToken     = "Invalid session token"
	ErrTokenUnavailable = "Session token unavailable"
)

// Close statuses used by the relay in addition to the standard ones.
const (
	// StatusReplaced closes a socket whose role was taken over by a
	// newer authenticated connection for the same session.
	StatusReplaced websocket.StatusCode = 4000

	// StatusAuthFailed closes a socket that presented a bad token.
	StatusAuthFailed websocket.StatusCode = 4001
)

// Message is a control message. Only the fields relevant to Type are set.
type Message struct {
	Type         Type   `json:"type"`
	Code         string `json:"code,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`
	Role         Role   `json:"role,omitempty"`
	Peer         Role   `json:"peer,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Registered tells a freshly registered bridge its pairing code.
func Registered(code, sessionID string) Message {
	return Message{Type: TypeRegistered, Code: code, SessionID: sessionID}
}

// Paired is sent to both peers when the mobile completes first pairing.
// Each peer receives its own role.
func Paired(sessionID, token string, role Role) Message {
	return Message{Type: TypePaired, SessionID: sessionID, SessionToken: token, Role: role}
}

// Reconnected announces that role resumed with a valid token.
func Reconnected(role Role) Message {
	return Message{Type: TypeReconnected, Role: role}
}

// PeerConnected tells a socket that the peer role is now present.
func PeerConnected(peer Role) Message {
	return Message{Type: TypePeerConnected, Peer: peer}
}

// PeerDisconnected tells a socket that the peer role went away.
func PeerDisconnected(peer Role) Message {
	return Message{Type: TypePeerDisconnected, Peer: peer}
}

// Error precedes the relay closing a connection attempt.
func Error(msg string) Message {
	return Message{Type: TypeError, Message: msg}
}

// Marshal encodes m as a JSON text frame body.
func (m Message) Marshal() []byte {
	data, _ := json.Marshal(m) // flat struct of strings, cannot fail
	return data
}

// Parse reports whether a text frame is a control message and decodes
// it. Frames that are not JSON objects, or whose type is not one of the
// control types, are payload.
func Parse(data []byte) (Message, bool) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, false
	}
	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return Message{}, false
	}
	if !m.Type.known() {
		return Message{}, false
	}
	return m, true
}

// IsControl is Parse for callers that only need the classification.
func IsControl(typ websocket.MessageType, data []byte) bool {
	if typ != websocket.MessageText {
		return false
	}
	_, ok := Parse(data)
	return ok
}
