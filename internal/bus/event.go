package bus

import "time"

// Event kinds published by the core. Subscribers filter by prefix, so
// "message." matches every message event and "" matches everything.
const (
	KindMessageAppended      = "message.appended"
	KindPresenceChanged      = "presence.changed"
	KindConversationCreated  = "conversation.created"
	KindConversationActivity = "conversation.activity"
	KindStatusChanged        = "daemon.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
