package vacancy

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/scheduling-api/internal/handler"
	"github.com/jwalitptl/scheduling-api/internal/repository"
	"github.com/jwalitptl/scheduling-api/internal/service/vacancy"
	apperrors "github.com/jwalitptl/scheduling-api/pkg/errors"
)

type Handler struct {
	service   *vacancy.Service
	slots     repository.SlotRepository
	providers repository.ProviderRepository
}

func NewHandler(service *vacancy.Service, slots repository.SlotRepository, providers repository.ProviderRepository) *Handler {
	return &Handler{service: service, slots: slots, providers: providers}
}

// GetTransferCandidates lists the providers able to absorb a provider-less
// appointment, best first.
func (h *Handler) GetTransferCandidates(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid appointment ID"))
		return
	}

	slot, err := h.slots.Get(c.Request.Context(), id)
	if err != nil {
		handler.RespondError(c, apperrors.NotFound("appointment", err))
		return
	}

	candidates, err := h.service.ProvidersForVacant(c.Request.Context(), slot)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(candidates))
}

type TransferRequest struct {
	ProviderID uuid.UUID `json:"provider_id" binding:"required"`
}

func (h *Handler) TransferAppointment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid appointment ID"))
		return
	}

	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	slot, err := h.slots.Get(c.Request.Context(), id)
	if err != nil {
		handler.RespondError(c, apperrors.NotFound("appointment", err))
		return
	}
	provider, err := h.providers.Get(c.Request.Context(), req.ProviderID)
	if err != nil {
		handler.RespondError(c, apperrors.NotFound("provider", err))
		return
	}

	if err := h.service.TransferToProvider(c.Request.Context(), slot, provider); err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

// RunReassignmentSweep triggers one reassignment pass on demand; the
// worker runs the same pass on a schedule.
func (h *Handler) RunReassignmentSweep(c *gin.Context) {
	report, err := h.service.AutoAssignOverbooked(c.Request.Context())
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(report))
}

func (h *Handler) RemapWaitingLinks(c *gin.Context) {
	now := time.Now()
	report, err := h.service.RemapWaitingLinks(c.Request.Context(), now, now.AddDate(0, 0, 90))
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(report))
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	appointments := r.Group("/appointments")
	{
		appointments.GET("/:id/transfer-candidates", h.GetTransferCandidates)
		appointments.POST("/:id/transfer", h.TransferAppointment)
	}
	sweeps := r.Group("/sweeps")
	{
		sweeps.POST("/reassign", h.RunReassignmentSweep)
		sweeps.POST("/remap-links", h.RemapWaitingLinks)
	}
}
