package portal

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/knowledge-portal/portal/internal/backend"
	"github.com/knowledge-portal/portal/internal/middleware"
	"github.com/knowledge-portal/portal/internal/store"
)

const chatFailedMessage = "The assistant could not answer. Please try again."

type sendMessageRequest struct {
	Message string `json:"message" binding:"required,max=4000"`
}

// followSelectedSector points the chat at the user's current sector. A change
// starts a fresh conversation.
func followSelectedSector(u *store.UserStore, chat *store.ChatStore) *string {
	current := u.CurrentSectorID()
	chat.SetCurrentSector(current)
	return current
}

// GetChatHandler returns the chat of the current sector
// GET /api/v1/chat
func (h *Handlers) GetChatHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		chat := store.MustChatStore(ctx)
		followSelectedSector(store.MustUserStore(ctx), chat)
		c.JSON(http.StatusOK, chat.State())
	}
}

// SendMessageHandler asks the assistant a question in the current sector. The
// user message is recorded first, loading is set for the duration of the call
// and the answer, or the error, is recorded in the chat store.
// POST /api/v1/chat/messages
func (h *Handlers) SendMessageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		text := strings.TrimSpace(req.Message)
		if text == "" {
			fieldError(c, "message", "message is required")
			return
		}

		ctx := c.Request.Context()
		chat := store.MustChatStore(ctx)
		sectorID := followSelectedSector(store.MustUserStore(ctx), chat)
		if sectorID == nil {
			fieldError(c, "sectorId", "Select a sector before chatting")
			return
		}

		chat.SetError(nil)
		chat.AddMessage(store.Message{
			ID:        uuid.NewString(),
			Role:      store.MessageRoleUser,
			Content:   text,
			CreatedAt: time.Now().UTC(),
		})
		chat.SetLoading(true)
		defer chat.SetLoading(false)

		resp, err := h.api.SendChat(ctx, accessToken(c), backend.ChatRequest{
			Message:        text,
			ConversationID: chat.ConversationID(),
			SectorID:       *sectorID,
		})
		if err != nil {
			msg := chatFailedMessage
			chat.SetError(&msg)
			backendError(c, "chat.send", err)
			return
		}

		answer := store.Message{
			ID:        uuid.NewString(),
			Role:      store.MessageRoleAssistant,
			Content:   resp.Answer,
			Sources:   make([]store.Source, 0, len(resp.Sources)),
			CreatedAt: time.Now().UTC(),
		}
		for _, s := range resp.Sources {
			answer.Sources = append(answer.Sources, store.Source(s))
		}
		chat.AddMessage(answer)
		if resp.ConversationID != "" {
			chat.SetConversationID(&resp.ConversationID)
			c.Set(middleware.AuditResourceIDKey, resp.ConversationID)
		}

		c.JSON(http.StatusOK, gin.H{
			"message":        answer,
			"conversationId": chat.ConversationID(),
		})
	}
}

// ResetChatHandler clears the chat
// DELETE /api/v1/chat
func (h *Handlers) ResetChatHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		store.MustChatStore(c.Request.Context()).Reset()
		c.Status(http.StatusNoContent)
	}
}
