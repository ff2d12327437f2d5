package registry

import "context"

// Scope resolves the recipient set for a channel-addressed broadcast.
// It exists so that membership-filtered delivery can be introduced by a
// collaborator that knows channel membership, without changing the
// fan-out code.
type Scope interface {
	Recipients(ctx context.Context, workspaceID, channelID string) []Conn
}

// WorkspaceScope delivers channel events to the entire workspace,
// ignoring the channel id. This reproduces the source system's coarse
// broadcast and is the default.
type WorkspaceScope struct {
	Registry *Registry
}

func (s WorkspaceScope) Recipients(_ context.Context, workspaceID, _ string) []Conn {
	return s.Registry.snapshot(workspaceID)
}
