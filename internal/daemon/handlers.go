package daemon

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chatsync/chatsync/internal/bus"
	"github.com/chatsync/chatsync/internal/chat"
	"github.com/chatsync/chatsync/internal/fanout"
	"github.com/chatsync/chatsync/internal/identity"
	"github.com/chatsync/chatsync/internal/status"
	"github.com/chatsync/chatsync/internal/store"
)

const callerKey = "caller"

// API bundles the handlers of the daemon's HTTP surface.
type API struct {
	svc       *chat.Service
	hub       *fanout.Hub
	bus       *bus.Bus
	verifier  identity.Verifier
	machine   *status.Machine
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewAPI creates the handler set.
func NewAPI(svc *chat.Service, hub *fanout.Hub, b *bus.Bus, verifier identity.Verifier, machine *status.Machine, logger *zap.Logger, heartbeat time.Duration) *API {
	return &API{
		svc:       svc,
		hub:       hub,
		bus:       b,
		verifier:  verifier,
		machine:   machine,
		logger:    logger,
		heartbeat: heartbeat,
	}
}

// Router builds the gin engine with all routes registered.
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", a.health)

	v1 := r.Group("/v1", a.authenticate)
	v1.GET("/events", a.events)
	v1.GET("/users/online", a.onlineUsers)
	v1.POST("/session/signout", a.signOut)
	v1.GET("/conversations", a.listConversations)
	v1.POST("/conversations/direct", a.openDirect)
	v1.POST("/conversations/group", a.createGroup)
	v1.GET("/conversations/:id/messages", a.history)
	v1.POST("/conversations/:id/messages", a.send)
	v1.GET("/conversations/:id/stream", a.stream)

	return r
}

// authenticate resolves the provider token, attaches the caller identity and
// mirrors it into presence: every authenticated request means this user is
// online right now.
func (a *API) authenticate(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	ident, err := a.verifier.Verify(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set(callerKey, ident)

	ctx := c.Request.Context()
	if err := a.svc.SetOnline(ctx, ident.ID, ident.DisplayName, true); err != nil {
		a.logger.Warn("presence upsert failed", zap.String("user_id", ident.ID), zap.Error(err))
	}
	if err := a.svc.Heartbeat(ctx, ident.ID); err != nil {
		a.logger.Warn("presence heartbeat failed", zap.String("user_id", ident.ID), zap.Error(err))
	}
	c.Next()
}

// bearerToken pulls the token from the Authorization header, falling back to
// the token query parameter for WebSocket clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("token")
}

func caller(c *gin.Context) *identity.Identity {
	return c.MustGet(callerKey).(*identity.Identity)
}

func (a *API) health(c *gin.Context) {
	state := a.machine.Current()
	code := http.StatusOK
	if !a.machine.Serving() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"state": string(state)})
}

func (a *API) onlineUsers(c *gin.Context) {
	users, err := a.svc.OnlineUsers(c.Request.Context(), caller(c).ID)
	if err != nil {
		a.fail(c, err)
		return
	}
	out := make([]userJSON, 0, len(users))
	for _, u := range users {
		out = append(out, userJSON{ID: u.ID, DisplayName: u.DisplayName, Online: u.Online})
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

func (a *API) signOut(c *gin.Context) {
	ident := caller(c)
	if err := a.svc.SetOnline(c.Request.Context(), ident.ID, ident.DisplayName, false); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) listConversations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	summaries, err := a.svc.ListConversations(c.Request.Context(), caller(c).ID, limit, offset)
	if err != nil {
		a.fail(c, err)
		return
	}
	out := make([]conversationJSON, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, conversationToJSON(s))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

func (a *API) openDirect(c *gin.Context) {
	var req struct {
		PeerID string `json:"peer_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	id, err := a.svc.FindOrCreateDirect(c.Request.Context(), caller(c).ID, req.PeerID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id})
}

func (a *API) createGroup(c *gin.Context) {
	var req struct {
		MemberIDs []string `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	// The creator is always a member.
	members := append([]string{caller(c).ID}, req.MemberIDs...)
	id, err := a.svc.CreateGroup(c.Request.Context(), members)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation_id": id})
}

func (a *API) history(c *gin.Context) {
	afterSeq, _ := strconv.ParseInt(c.DefaultQuery("after_seq", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	msgs, err := a.svc.History(c.Request.Context(), c.Param("id"), caller(c).ID, afterSeq, limit)
	if err != nil {
		a.fail(c, err)
		return
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageToJSON(&m))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out, "has_more": len(msgs) == limit})
}

func (a *API) send(c *gin.Context) {
	var req struct {
		Body string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	msg, err := a.svc.Append(c.Request.Context(), c.Param("id"), caller(c).ID, req.Body)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, messageToJSON(msg))
}

// fail maps the service error taxonomy onto HTTP status codes.
func (a *API) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, retry with backoff"})
	default:
		a.logger.Error("internal error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

type userJSON struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Online      bool   `json:"online"`
}

type conversationJSON struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	IsGroup   bool     `json:"is_group"`
	MemberIDs []string `json:"member_ids"`
	LastSeq   int64    `json:"last_seq"`
	LastMsgAt int64    `json:"last_msg_at"`
	Preview   string   `json:"preview"`
	CreatedAt int64    `json:"created_at"`
}

type messageJSON struct {
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	AuthorID       string `json:"author_id"`
	AuthorName     string `json:"author_name"`
	Body           string `json:"body"`
	CreatedAt      int64  `json:"created_at"`
}

func conversationToJSON(s chat.Summary) conversationJSON {
	c := s.Conversation
	return conversationJSON{
		ID:        c.ID,
		Title:     s.Title,
		IsGroup:   c.IsGroup,
		MemberIDs: c.MemberIDs,
		LastSeq:   c.LastSeq,
		LastMsgAt: c.LastMsgAt,
		Preview:   c.LastPreview,
		CreatedAt: c.CreatedAt,
	}
}

func messageToJSON(m *store.Message) messageJSON {
	return messageJSON{
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		AuthorID:       m.AuthorID,
		AuthorName:     m.AuthorName,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
	}
}
