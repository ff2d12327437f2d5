// Package event defines the domain-event envelope delivered to live
// chat clients, and constructors for the closed set of event kinds.
//
// Events are fire-and-forget values: they carry no identity, are never
// persisted by this subsystem, and validation of the Data payload is
// the producer's responsibility.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies one of the fixed real-time event types.
type Kind string

const (
	// Messages
	KindMessageNew     Kind = "message.new"
	KindMessageUpdated Kind = "message.updated"
	KindMessageDeleted Kind = "message.deleted"

	// Reactions
	KindReactionAdded   Kind = "reaction.added"
	KindReactionRemoved Kind = "reaction.removed"

	// Typing indicators
	KindTypingStart Kind = "typing.start"
	KindTypingStop  Kind = "typing.stop"

	// Presence
	KindPresenceUpdated Kind = "presence.updated"

	// Channels
	KindChannelCreated Kind = "channel.created"
	KindChannelUpdated Kind = "channel.updated"
	KindChannelDeleted Kind = "channel.deleted"

	// Membership
	KindMemberJoined Kind = "member.joined"
	KindMemberLeft   Kind = "member.left"

	// Threads
	KindThreadUpdated Kind = "thread.updated"

	// System
	KindHeartbeat Kind = "heartbeat"
	KindError     Kind = "error"
)

var kinds = map[Kind]struct{}{
	KindMessageNew:      {},
	KindMessageUpdated:  {},
	KindMessageDeleted:  {},
	KindReactionAdded:   {},
	KindReactionRemoved: {},
	KindTypingStart:     {},
	KindTypingStop:      {},
	KindPresenceUpdated: {},
	KindChannelCreated:  {},
	KindChannelUpdated:  {},
	KindChannelDeleted:  {},
	KindMemberJoined:    {},
	KindMemberLeft:      {},
	KindThreadUpdated:   {},
	KindHeartbeat:       {},
	KindError:           {},
}

// ParseKind converts a wire string into a Kind, rejecting anything
// outside the enumerated set.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := kinds[k]; !ok {
		return "", fmt.Errorf("unknown event kind %q", s)
	}
	return k, nil
}

// Event is the envelope published on the broadcast bus and delivered
// to WebSocket clients. WorkspaceID is empty only for process-local
// error events, which are never routed through the bus.
type Event struct {
	Type        Kind           `json:"type"`
	Data        map[string]any `json:"data,omitempty"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// New builds an event envelope stamped with the current UTC time.
// It always succeeds; the shape of data is not validated here.
func New(kind Kind, data map[string]any, workspaceID string) *Event {
	return &Event{
		Type:        kind,
		Data:        data,
		WorkspaceID: workspaceID,
		Timestamp:   time.Now().UTC(),
	}
}

// NewMessageEvent announces a new chat message to a workspace.
func NewMessageEvent(message map[string]any, workspaceID string) *Event {
	return New(KindMessageNew, message, workspaceID)
}

// NewReactionEvent announces a reaction change. The added flag selects
// between the added and removed kinds.
func NewReactionEvent(messageID, emoji, userID string, added bool, workspaceID string) *Event {
	kind := KindReactionRemoved
	if added {
		kind = KindReactionAdded
	}
	return New(kind, map[string]any{
		"message_id": messageID,
		"emoji":      emoji,
		"user_id":    userID,
	}, workspaceID)
}

// NewTypingEvent announces that a user started or stopped typing in a
// channel.
func NewTypingEvent(channelID, userID string, typing bool, workspaceID string) *Event {
	kind := KindTypingStop
	if typing {
		kind = KindTypingStart
	}
	return New(kind, map[string]any{
		"channel_id": channelID,
		"user_id":    userID,
	}, workspaceID)
}

// NewPresenceEvent announces a user's presence status change.
func NewPresenceEvent(userID, status, workspaceID string) *Event {
	return New(KindPresenceUpdated, map[string]any{
		"user_id": userID,
		"status":  status,
	}, workspaceID)
}

// NewChannelEvent announces a channel lifecycle change. The kind must
// be one of the channel.* kinds; it is passed through unchecked, same
// as New.
func NewChannelEvent(kind Kind, channel map[string]any, workspaceID string) *Event {
	return New(kind, channel, workspaceID)
}

// NewMemberEvent announces a membership change. The joined flag selects
// between the joined and left kinds.
func NewMemberEvent(channelID, userID string, joined bool, workspaceID string) *Event {
	kind := KindMemberLeft
	if joined {
		kind = KindMemberJoined
	}
	return New(kind, map[string]any{
		"channel_id": channelID,
		"user_id":    userID,
	}, workspaceID)
}

// NewThreadEvent announces a thread update.
func NewThreadEvent(thread map[string]any, workspaceID string) *Event {
	return New(KindThreadUpdated, thread, workspaceID)
}

// NewErrorEvent builds a process-local error event. It carries no
// workspace id and is delivered only to the connection it concerns.
func NewErrorEvent(message, code string) *Event {
	data := map[string]any{"message": message}
	if code != "" {
		data["code"] = code
	}
	return New(KindError, data, "")
}

// Marshal serializes the envelope for the wire and the broadcast bus.
func Marshal(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an envelope received from the broadcast bus.
// Payloads without a type are rejected; an unknown type is accepted so
// that newer producers can roll out kinds ahead of this process.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Type == "" {
		return nil, fmt.Errorf("event envelope missing type")
	}
	return &e, nil
}
