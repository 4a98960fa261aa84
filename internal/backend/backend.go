// Package backend defines the seam between the engine and a concrete
// messaging client. The rules engine and workers only ever see the adapted
// Message shape; whatever the client library hands back is normalized at
// this boundary.
package backend

import "context"

type MessageType string

const (
	// MessageFriend is an ordinary inbound message from a contact or group
	// member. Everything else is skipped by workers.
	MessageFriend MessageType = "friend"
	MessageSelf   MessageType = "self"
	MessageSystem MessageType = "sys"
	MessageOther  MessageType = "other"
)

// Message is the normalized inbound message. Required fields only; the
// adapter fills them so consumers never branch on the client's native shape.
type Message struct {
	Sender  string
	Content string
	Type    MessageType
}

type ChatInfo struct {
	Name    string
	IsGroup bool
}

// Backend is the messaging client surface the engine depends on.
//
// Poll returns messages grouped by the listener target they arrived on and
// drains them; a target with no traffic is simply absent from the map.
type Backend interface {
	Online() bool
	SelfName() string

	SendText(ctx context.Context, to, text string) error
	SendFile(ctx context.Context, to, path string) error
	SendSticker(ctx context.Context, to string, index int) error

	AddListener(ctx context.Context, target string) error
	RemoveListener(ctx context.Context, target string) error
	Poll(ctx context.Context) (map[string][]Message, error)

	ChatInfo(target string) ChatInfo
}
