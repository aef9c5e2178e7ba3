package daemon

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon sits behind the deployment's own origin policy.
		return true
	},
}

// stream upgrades to a WebSocket and pipes a fan-out stream over it. Every
// delivered frame is one message; the cursor semantics (replay after
// from_seq, then live, no gaps, no repeats) come from the fanout package.
// Pings double as the presence heartbeat; a client that stops answering is
// torn down after two missed intervals and can resume with the last seq it
// acknowledged applying.
func (a *API) stream(c *gin.Context) {
	ident := caller(c)
	conversationID := c.Param("id")
	fromSeq, _ := strconv.ParseInt(c.DefaultQuery("from_seq", "0"), 10, 64)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, err := a.hub.Subscribe(ctx, conversationID, ident.ID, fromSeq)
	if err != nil {
		a.fail(c, err)
		return
	}
	defer stream.Close()

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

	// Reader: the client sends nothing meaningful, but reading is what
	// surfaces pongs, close frames and dead peers.
	go func() {
		defer cancel()
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
		case msg, ok := <-stream.Messages():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(messageToJSON(&msg)); err != nil {
				a.logger.Debug("stream write failed",
					zap.String("conversation_id", conversationID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if err := a.svc.Heartbeat(ctx, ident.ID); err != nil {
				a.logger.Warn("presence heartbeat failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
