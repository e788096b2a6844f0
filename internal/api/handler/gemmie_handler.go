package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/gemmie-chat/internal/api/dto"
	"github.com/cuongbtq/gemmie-chat/internal/gemmie"
	"github.com/cuongbtq/gemmie-chat/shared/signing"
	"github.com/gin-gonic/gin"
)

// Process handles POST /api/v1/gemmie/process
// Runs a scheduled response job delivered by the dispatcher
func (h *GemmieHandler) Process(c *gin.Context) {
	jobID := c.GetHeader(signing.HeaderJobID)

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read body",
		})
		return
	}

	result, err := h.gemmie.HandleProcessCallback(c.Request.Context(), jobID, body)
	if err != nil {
		h.logger.Error("Failed to process Gemmie job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		// 4xx tells the dispatcher not to retry
		if errors.Is(err, gemmie.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to process job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.ProcessResponse{
		JobID:     jobID,
		Outcome:   result.Outcome,
		MessageID: result.MessageID,
		Stage:     result.Stage,
	})
}

// React handles POST /api/v1/gemmie/react
// Fans out a scheduled emoji reaction
func (h *GemmieHandler) React(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read body",
		})
		return
	}

	if err := h.gemmie.HandleReactCallback(c.Request.Context(), body); err != nil {
		h.logger.Error("Failed to deliver reaction",
			slog.String("job_id", c.GetHeader(signing.HeaderJobID)),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, gemmie.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to deliver reaction",
		})
		return
	}

	c.Status(http.StatusNoContent)
}

// CancelPending handles POST /api/v1/gemmie/cancel-pending
func (h *GemmieHandler) CancelPending(c *gin.Context) {
	canceled, err := h.gemmie.CancelAllPending(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to cancel pending response", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel pending response",
		})
		return
	}

	c.JSON(http.StatusOK, dto.CancelPendingResponse{Canceled: canceled})
}

// CleanupOrphans handles POST /api/v1/gemmie/cleanup-orphans
func (h *GemmieHandler) CleanupOrphans(c *gin.Context) {
	result, err := h.gemmie.CleanupOrphans(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to clean up orphans", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to clean up orphans",
		})
		return
	}

	c.JSON(http.StatusOK, dto.CleanupOrphansResponse{
		Action: result.Action,
		JobID:  result.JobID,
		Reason: result.Reason,
	})
}
