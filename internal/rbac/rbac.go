package rbac

// Relation is how the caller stands toward a chat.
type Relation string
type Action string

const (
	RelationOwner     Relation = "owner"
	RelationVisitor   Relation = "visitor"
	RelationAnonymous Relation = "anonymous"
)

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionDelete   Action = "delete"
	ActionFeedback Action = "feedback"
	ActionComplete Action = "complete"
)

// Can reports whether relation may perform action on a chat. Public chats
// are readable by anyone signed in; everything else belongs to the owner.
func Can(relation Relation, action Action, public bool) bool {
	switch relation {
	case RelationOwner:
		return true
	case RelationVisitor, RelationAnonymous:
		return public && action == ActionRead
	default:
		return false
	}
}

// RelationTo derives the caller's relation from the chat owner and the caller.
func RelationTo(ownerID, callerID string, anonymous bool) Relation {
	switch {
	case callerID != "" && ownerID == callerID:
		return RelationOwner
	case anonymous:
		return RelationAnonymous
	default:
		return RelationVisitor
	}
}
