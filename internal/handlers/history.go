package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"booking-chat/internal/repositories"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// HistoryHandler serves the stored chat log.
type HistoryHandler struct {
	store repositories.MessageRepository
}

// NewHistoryHandler builds a HistoryHandler.
func NewHistoryHandler(store repositories.MessageRepository) *HistoryHandler {
	return &HistoryHandler{store: store}
}

// ListMessages returns a page of messages, newest first.
func (h *HistoryHandler) ListMessages(c *gin.Context) {
	skip, err := strconv.Atoi(c.DefaultQuery("skip", "0"))
	if err != nil || skip < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid skip"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	msgs, err := h.store.List(c.Request.Context(), skip, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	type messageResponse struct {
		ID        string  `json:"id"`
		Sender    string  `json:"sender"`
		Content   string  `json:"content"`
		Recipient *string `json:"recipient"`
		Timestamp string  `json:"timestamp"`
		IsAdmin   bool    `json:"is_admin"`
		ReplyTo   *string `json:"reply_to"`
	}

	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, messageResponse{
			ID:        m.ID,
			Sender:    m.Sender,
			Content:   m.Content,
			Recipient: m.Recipient,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
			IsAdmin:   m.IsAdmin,
			ReplyTo:   m.ReplyTo,
		})
	}
	c.JSON(http.StatusOK, resp)
}
