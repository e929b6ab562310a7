package handler

import (
	"net/http"

	"dmchat/backend/internal/api/middleware"
	"dmchat/backend/internal/apperr"

	"github.com/gin-gonic/gin"
)

type roomRequest struct {
	ParticipantID string `json:"participantId"`
	OtherUserID   string `json:"otherUserId"`
}

type groupRequest struct {
	Name           string   `json:"name"`
	ParticipantIDs []string `json:"participantIds"`
}

type messageRequest struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

// ResolveRoom returns the private room between the caller and another user,
// creating it on first contact.
func (h *Handler) ResolveRoom(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.InvalidArgument("Invalid request body"))
		return
	}
	otherID := req.ParticipantID
	if otherID == "" {
		otherID = req.OtherUserID
	}

	room, err := h.Chat.ResolveOrCreatePrivateRoom(c.Request.Context(), middleware.UserID(c), otherID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handler) CreateGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.InvalidArgument("Invalid request body"))
		return
	}

	room, err := h.Chat.CreateGroupRoom(c.Request.Context(), middleware.UserID(c), req.Name, req.ParticipantIDs)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.Chat.ListRoomsFor(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

func (h *Handler) DeleteRoom(c *gin.Context) {
	if err := h.Chat.DeactivateRoom(c.Request.Context(), middleware.UserID(c), c.Param("roomId")); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// ListMessages returns one page in chronological order. Page 1 is the newest.
func (h *Handler) ListMessages(c *gin.Context) {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		_ = c.Error(err)
		return
	}
	// 0 selects the default page size
	limit, err := queryInt(c, "limit", 0)
	if err != nil || limit < 0 {
		_ = c.Error(apperr.InvalidArgument("Invalid limit"))
		return
	}

	msgs, err := h.Chat.ListPage(c.Request.Context(), c.Param("roomId"), middleware.UserID(c), page, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperr.InvalidArgument("Invalid request body"))
		return
	}

	msg, err := h.Chat.Append(c.Request.Context(), req.RoomID, middleware.UserID(c), req.Content)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) MarkRead(c *gin.Context) {
	if err := h.Chat.MarkRead(c.Request.Context(), c.Param("messageId"), middleware.UserID(c)); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Message marked as read"})
}
