// Package realtime fans events out to logical subscriber groups over the
// websocket hub. Delivery is best-effort: a lost live update is
// acceptable, lost durable state is not, so callers log Send failures
// and move on.
package realtime

import (
	"context"

	"github.com/google/uuid"
)

// GroupKind scopes a broadcast group.
type GroupKind string

// Supported group kinds.
const (
	KindJob          GroupKind = "job"
	KindConversation GroupKind = "conversation"
	KindWorkspace    GroupKind = "workspace"
	KindAssignment   GroupKind = "assignment"
)

// Group is one logical fan-out target. Groups are computed per event and
// never persisted.
type Group struct {
	Kind GroupKind
	ID   string
}

// Name renders the canonical group name, e.g. "job:<id>".
func (g Group) Name() string {
	return string(g.Kind) + ":" + g.ID
}

// JobGroup returns the per-job group.
func JobGroup(jobID uuid.UUID) Group {
	return Group{Kind: KindJob, ID: jobID.String()}
}

// ConversationGroup returns the per-conversation group.
func ConversationGroup(id uuid.UUID) Group {
	return Group{Kind: KindConversation, ID: id.String()}
}

// WorkspaceGroup returns the per-workspace group.
func WorkspaceGroup(id uuid.UUID) Group {
	return Group{Kind: KindWorkspace, ID: id.String()}
}

// AssignmentGroup returns the per-assignment group.
func AssignmentGroup(id uuid.UUID) Group {
	return Group{Kind: KindAssignment, ID: id.String()}
}

// Broadcaster publishes a named event with a payload to subscriber
// groups. Implementations must be safe for concurrent use.
type Broadcaster interface {
	Send(ctx context.Context, groups []Group, eventName string, payload any) error
}

// NoOpBroadcaster discards all broadcasts. Useful for tests and for
// running the pipeline without a realtime transport.
type NoOpBroadcaster struct{}

// Send for NoOpBroadcaster does nothing and returns nil.
func (NoOpBroadcaster) Send(context.Context, []Group, string, any) error { return nil }
