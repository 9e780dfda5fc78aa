package approval

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the approval workflow over HTTP for human reviewers.
type Handler struct {
	service *Service
}

// NewHandler creates an approval HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the approval endpoints. Reads go on r; the
// approve/reject decisions go on decide, which the server guards with
// operator authentication.
func (h *Handler) RegisterRoutes(r, decide gin.IRoutes) {
	r.GET("/approvals", h.List)
	r.GET("/approvals/pending", h.ListPending)
	r.GET("/approvals/:id", h.Get)
	decide.POST("/approvals/:id/approve", h.Approve)
	decide.POST("/approvals/:id/reject", h.Reject)
}

// List returns recent requests in any state.
func (h *Handler) List(c *gin.Context) {
	requests, err := h.service.ListRecent(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": requests, "count": len(requests)})
}

// ListPending returns requests still awaiting a decision.
func (h *Handler) ListPending(c *gin.Context) {
	requests, err := h.service.ListPending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": requests, "count": len(requests)})
}

// Get returns a single request.
func (h *Handler) Get(c *gin.Context) {
	req, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, req)
}

// Approve grants a pending request.
func (h *Handler) Approve(c *gin.Context) {
	err := h.service.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.decisionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": StatusApproved})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// Reject denies a pending request with an optional reason.
func (h *Handler) Reject(c *gin.Context) {
	var body rejectRequest
	// Body is optional; an empty reason is allowed.
	_ = c.ShouldBindJSON(&body)

	err := h.service.Reject(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		h.decisionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": StatusRejected})
}

func (h *Handler) decisionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrAlreadyDecided):
		c.JSON(http.StatusConflict, gin.H{"error": "already_decided", "message": err.Error()})
	case errors.Is(err, ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "expired", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "decision_failed", "message": err.Error()})
	}
}
