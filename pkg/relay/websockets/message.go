package websockets

// Client frame types handled by the session loop. Any other value is
// re-broadcast verbatim to the rest of the workspace: a placeholder for
// future validated message types, not a security boundary.
const (
	FrameTypePing   = "ping"
	FrameTypePong   = "pong"
	FrameTypeTyping = "typing"
)

// inboundFrame is the decoded shape of a client frame. Only the fields
// the dispatcher looks at are declared; catch-all frames are forwarded
// from the raw bytes, so unknown fields survive the round trip.
type inboundFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id,omitempty"`
	IsTyping  *bool  `json:"is_typing,omitempty"`
}

// typing reports the is_typing flag, defaulting to true when the client
// omits it.
func (f *inboundFrame) typing() bool {
	if f.IsTyping == nil {
		return true
	}
	return *f.IsTyping
}

// pongFrame is the fixed reply to a ping, sent to the sender only.
var pongFrame = []byte(`{"type":"pong"}`)
