package cancellation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/scheduling-api/internal/handler"
	"github.com/jwalitptl/scheduling-api/internal/middleware"
	"github.com/jwalitptl/scheduling-api/internal/service/cancellation"
)

type Handler struct {
	service *cancellation.Service
}

func NewHandler(service *cancellation.Service) *Handler {
	return &Handler{service: service}
}

type CancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) CancelAppointment(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid appointment ID"))
		return
	}

	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	if err := h.service.Cancel(c.Request.Context(), cancellation.CancelRequest{
		Actor:         actor,
		AppointmentID: id,
		ReasonKey:     req.Reason,
	}); err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

type BulkCancelRequest struct {
	AppointmentIDs []uuid.UUID `json:"appointment_ids" binding:"required"`
	Reason         string      `json:"reason" binding:"required"`
}

// BulkCancelAppointments never fails as a whole; per-item errors are
// returned alongside the processed count.
func (h *Handler) BulkCancelAppointments(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)

	var req BulkCancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	failures := h.service.BulkCancel(c.Request.Context(), actor, req.AppointmentIDs, req.Reason)
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"requested": len(req.AppointmentIDs),
		"cancelled": len(req.AppointmentIDs) - len(failures),
		"failures":  failures,
	}))
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	appointments := r.Group("/appointments")
	{
		appointments.POST("/:id/cancel", h.CancelAppointment)
		appointments.POST("/bulk-cancel", h.BulkCancelAppointments)
	}
}
