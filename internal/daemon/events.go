package daemon

import (
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/bus"
	"github.com/chatsync/chatsync/internal/chat"
)

// eventEnvelope is one frame on the /v1/events stream.
type eventEnvelope struct {
	EventID    string `json:"event_id"`
	Kind       string `json:"kind"`
	OccurredAt int64  `json:"occurred_at"`
	Payload    any    `json:"payload,omitempty"`
}

type presencePayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Online      bool   `json:"online"`
}

type conversationPayload struct {
	ConversationID string `json:"conversation_id"`
	LastMsgAt      int64  `json:"last_msg_at,omitempty"`
	Preview        string `json:"preview,omitempty"`
}

// events streams directory-level changes: presence transitions plus
// creation and activity of the caller's own conversations. Clients use it
// to keep the sidebar (online users, conversation list and its ordering)
// current without polling; message bodies never travel here, only on
// per-conversation streams where membership is enforced.
func (a *API) events(c *gin.Context) {
	ident := caller(c)
	// Attach to the bus before the upgrade completes so nothing published
	// between the handshake and the first read can slip past.
	presenceCh, unsubPresence := a.bus.Subscribe("presence.", 64)
	defer unsubPresence()
	convCh, unsubConv := a.bus.Subscribe("conversation.", 64)
	defer unsubConv()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	readTimeout := 2 * a.heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case evt := <-presenceCh:
			if !writeEnvelope(conn, evt) {
				return
			}
		case evt := <-convCh:
			// Conversation events are visible to members only.
			ce, ok := evt.Payload.(chat.ConversationEvent)
			if !ok || !slices.Contains(ce.MemberIDs, ident.ID) {
				continue
			}
			if !writeEnvelope(conn, evt) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeEnvelope(conn *websocket.Conn, evt bus.Event) bool {
	env := eventEnvelope{
		EventID:    uuid.NewString(),
		Kind:       evt.Kind,
		OccurredAt: evt.Timestamp.UnixMilli(),
	}
	switch p := evt.Payload.(type) {
	case chat.PresenceChange:
		env.Payload = presencePayload{UserID: p.UserID, DisplayName: p.DisplayName, Online: p.Online}
	case chat.ConversationEvent:
		env.Payload = conversationPayload{ConversationID: p.ConversationID, LastMsgAt: p.LastMsgAt, Preview: p.Preview}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(env) == nil
}
