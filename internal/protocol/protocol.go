package protocol

import "encoding/json"

const Version = "1.0"

// Relay envelope types.
const (
	TypeHello     = "HELLO"
	TypeWelcome   = "WELCOME"
	TypePeerJoin  = "PEER_JOIN"
	TypePeerLeave = "PEER_LEAVE"
	TypeError     = "ERROR"
)

// Build message types. These travel verbatim between peers through the relay.
const (
	TypeCreate = "create"
	TypeUpdate = "update"
	TypeDelete = "delete"
	TypeExtend = "extend"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

func IsBuildType(t string) bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDelete, TypeExtend:
		return true
	}
	return false
}
