package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/lesion-triage/internal/apperrors"
	"github.com/example/lesion-triage/internal/auth"
	"github.com/example/lesion-triage/internal/logging"
	"github.com/example/lesion-triage/internal/repository"
	"github.com/example/lesion-triage/internal/usecase"
)

func rejectedResponse(o *usecase.Outcome) gin.H {
	body := gin.H{
		"analysis_id": o.ID,
		"state":       o.State,
		"reason":      o.Decision.Reason,
		"hints":       o.Decision.Hints,
	}
	if o.Classification != nil {
		body["top_class"] = o.Classification.TopClass
		body["top_confidence"] = o.Classification.TopConfidence
	}
	return body
}

func reportedResponse(o *usecase.Outcome) gin.H {
	return gin.H{
		"analysis_id": o.ID,
		"state":       o.State,
		"classifier":  o.Classification,
		"ensemble":    o.Report,
		"condition":   o.Condition,
		"created_at":  o.CreatedAt,
	}
}

// fail maps a use case error onto a response. Clinicians additionally see the failure kind.
func (h *handler) fail(c *gin.Context, caller auth.Caller, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
		return
	case errors.Is(err, usecase.ErrAnalysisPending):
		c.JSON(http.StatusAccepted, gin.H{"state": "PROCESSING"})
		return
	case errors.Is(err, usecase.ErrAnalysisRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"state": usecase.StateRejected, "error": "image was rejected, upload a new photo"})
		return
	case errors.Is(err, usecase.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := apperrors.KindOf(err)
	status := apperrors.HTTPStatus(err)

	h.logger.Error("request failed", append(logging.DiagnosticFields(err), zap.String("path", c.FullPath()))...)

	body := gin.H{"error": "analysis failed"}
	if caller != nil && auth.IsClinician(caller) {
		body["kind"] = kind
	}
	c.JSON(status, body)
}
