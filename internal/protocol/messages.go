package protocol

import (
	"errors"
	"fmt"

	"buildcraft.ai/internal/sim/model"
)

// HELLO (client -> relay)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocolVersion"`
	Room            string `json:"room"`
	ClientName      string `json:"clientName,omitempty"`
	// ClientID is the identity the client would like to keep across
	// reconnects. The relay assigns a fresh one if it is empty or taken.
	ClientID string `json:"clientId,omitempty"`
}

type Peer struct {
	ClientID string `json:"clientId"`
	Name     string `json:"name,omitempty"`
}

// WELCOME (relay -> client): identity, peer table and the room-state snapshot.
// A fresh WELCOME follows every reconnect.
type WelcomeMsg struct {
	Type            string                       `json:"type"`
	ProtocolVersion string                       `json:"protocolVersion"`
	ClientID        string                       `json:"clientId"`
	Room            string                       `json:"room"`
	Peers           map[string]Peer              `json:"peers"`
	RoomState       map[string]model.BuildObject `json:"roomState"`
}

// PEER_JOIN / PEER_LEAVE (relay -> client)
type PeerMsg struct {
	Type string `json:"type"`
	Peer Peer   `json:"peer"`
}

// ERROR (relay -> client), best effort.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	ID      string `json:"id,omitempty"`
}

// BuildMsg is the flat wire record for one build-object mutation. Delete
// messages carry only ID. ClientID is stamped by the relay with the sender's
// identity and is what receivers use to drop their own echoes.
type BuildMsg struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	OwnerID    string            `json:"ownerId,omitempty"`
	Kind       model.Kind        `json:"kind,omitempty"`
	Transform  *model.Transform  `json:"transform,omitempty"`
	Appearance *model.Appearance `json:"appearance,omitempty"`
	CreatedAt  int64             `json:"createdAt,omitempty"`
	ExpiresAt  int64             `json:"expiresAt,omitempty"`
	IsAdvanced bool              `json:"isAdvanced,omitempty"`
	ClientID   string            `json:"clientId,omitempty"`
}

func NewBuildMsg(m model.Mutation) BuildMsg {
	msg := BuildMsg{Type: string(m.Op), ID: m.ID}
	if m.Op == model.OpDelete {
		return msg
	}
	o := m.Object
	tr := o.Transform
	ap := o.Clone().Appearance
	msg.ID = o.ID
	msg.OwnerID = o.OwnerID
	msg.Kind = o.Kind
	msg.Transform = &tr
	msg.Appearance = &ap
	msg.CreatedAt = o.CreatedAt
	msg.ExpiresAt = o.ExpiresAt
	msg.IsAdvanced = o.IsAdvanced
	return msg
}

var ErrMissingObject = errors.New("build message without object fields")

// Object rebuilds the replicated record from a non-delete message.
func (m BuildMsg) Object() (model.BuildObject, error) {
	if m.Transform == nil || m.Appearance == nil {
		return model.BuildObject{}, ErrMissingObject
	}
	o := model.BuildObject{
		ID:         m.ID,
		OwnerID:    m.OwnerID,
		Kind:       m.Kind,
		Transform:  *m.Transform,
		Appearance: *m.Appearance,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.ExpiresAt,
		IsAdvanced: m.IsAdvanced,
	}
	if err := o.Validate(); err != nil {
		return model.BuildObject{}, err
	}
	return o.Clone(), nil
}

// Mutation converts a decoded message into the store's mutation variant.
func (m BuildMsg) Mutation() (model.Mutation, error) {
	op := model.Op(m.Type)
	if !op.Valid() {
		return model.Mutation{}, fmt.Errorf("unknown build message type %q", m.Type)
	}
	if m.ID == "" {
		return model.Mutation{}, model.ErrMissingID
	}
	if op == model.OpDelete {
		return model.Delete(m.ID), nil
	}
	o, err := m.Object()
	if err != nil {
		return model.Mutation{}, fmt.Errorf("%s %s: %w", m.Type, m.ID, err)
	}
	return model.Mutation{Op: op, ID: o.ID, Object: o}, nil
}
