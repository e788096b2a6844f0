package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cuongbtq/gemmie-chat/internal/api/domain"
	"github.com/cuongbtq/gemmie-chat/internal/api/dto"
	"github.com/cuongbtq/gemmie-chat/internal/api/model"
	"github.com/cuongbtq/gemmie-chat/internal/api/storage"
	"github.com/cuongbtq/gemmie-chat/internal/gemmie"
	"github.com/cuongbtq/gemmie-chat/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateMessage handles POST /api/v1/messages
// Stores a chat message, fans it out and lets Gemmie schedule a reply
func (h *MessageHandler) CreateMessage(c *gin.Context) {
	var req dto.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	// 1. Validate request
	if err := h.validate(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	msg := model.Message{
		MessageID: uuid.New().String(),
		UserName:  req.UserName,
		Content:   req.Content,
		Country:   gemmie.NormalizeCountry(req.Country),
		MediaURL:  req.MediaURL,
		MediaType: req.MediaType,
		CreatedAt: time.Now().UTC(),
	}

	// 2. Persist
	if err := h.messages.CreateMessage(c.Request.Context(), &msg); err != nil {
		h.logger.Error("Failed to create message", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create message",
		})
		return
	}

	// 3. Fan out; the message is stored either way
	if err := h.events.Publish(c.Request.Context(), h.channel, realtime.EventNewMessage, gemmie.NewMessageEvent(&msg)); err != nil {
		h.logger.Error("Failed to publish message event",
			slog.String("message_id", msg.MessageID),
			slog.String("error", err.Error()),
		)
	}

	// 4. Let Gemmie (re)schedule its reply
	trigger := gemmie.Trigger{
		UserName:    msg.UserName,
		UserMessage: msg.Content,
		UserCountry: msg.Country,
		SentAt:      msg.CreatedAt.UnixMilli(),
		MessageID:   msg.MessageID,
		MediaURL:    msg.MediaURL,
		MediaType:   msg.MediaType,
	}

	resp := dto.CreateMessageResponse{Message: toMessageDTO(msg)}
	jobID, err := h.gemmie.OnUserMessage(c.Request.Context(), trigger)
	if err != nil {
		h.logger.Error("Failed to schedule Gemmie response",
			slog.String("message_id", msg.MessageID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusAccepted, resp)
		return
	}

	resp.GemmieScheduled = true
	resp.GemmieJobID = jobID
	c.JSON(http.StatusCreated, resp)
}

// ListMessages handles GET /api/v1/messages
// Lists messages newest first with cursor pagination
func (h *MessageHandler) ListMessages(c *gin.Context) {
	var req dto.ListMessagesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = domain.DefaultPageSize
	}

	if req.PageSize > domain.MaxPageSize {
		req.PageSize = domain.MaxPageSize
	}

	cursor, err := DecodeMessageCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	messages, err := h.messages.ListMessages(c.Request.Context(), storage.MessageFilter{
		UserName: req.UserName,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list messages", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list messages",
		})
		return
	}

	hasMore := len(messages) > req.PageSize
	if hasMore {
		messages = messages[:req.PageSize]
	}

	out := make([]dto.MessageDTO, len(messages))
	for i, m := range messages {
		out[i] = toMessageDTO(m)
	}

	var nextCursor string
	if hasMore {
		last := messages[len(messages)-1]
		nextCursor = EncodeMessageCursor(&storage.MessageCursor{
			CreatedAt: last.CreatedAt,
			MessageID: last.MessageID,
		})
	}

	c.JSON(http.StatusOK, dto.ListMessagesResponse{
		Messages:   out,
		NextCursor: nextCursor,
	})
}

func (h *MessageHandler) validate(req *dto.CreateMessageRequest) error {
	req.UserName = strings.TrimSpace(req.UserName)
	req.Content = strings.TrimSpace(req.Content)
	req.MediaURL = strings.TrimSpace(req.MediaURL)

	if req.UserName == "" || utf8.RuneCountInString(req.UserName) > domain.MaxUserNameLength {
		return domain.ErrInvalidUserName
	}
	if strings.EqualFold(req.UserName, h.gemmieName) {
		return domain.ErrReservedName
	}
	if req.Content == "" && req.MediaURL == "" {
		return domain.ErrEmptyMessage
	}
	if utf8.RuneCountInString(req.Content) > domain.MaxContentLength {
		return domain.ErrMessageTooLong
	}
	if req.MediaURL != "" {
		u, err := url.Parse(req.MediaURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("media_url must be an http(s) URL")
		}
		if req.MediaType == "" {
			return fmt.Errorf("media_type is required with media_url")
		}
	}
	return nil
}

func toMessageDTO(m model.Message) dto.MessageDTO {
	return dto.MessageDTO{
		MessageID: m.MessageID,
		UserName:  m.UserName,
		Content:   m.Content,
		Country:   m.Country,
		MediaURL:  m.MediaURL,
		MediaType: m.MediaType,
		IsGemmie:  m.IsGemmie,
		CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
	}
}
