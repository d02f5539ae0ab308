package availability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/scheduling-api/internal/handler"
	"github.com/jwalitptl/scheduling-api/internal/middleware"
	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/service/availability"
	"github.com/jwalitptl/scheduling-api/internal/service/eligibility"
)

type Handler struct {
	eligibility  *eligibility.Service
	availability *availability.Service
}

func NewHandler(elig *eligibility.Service, avail *availability.Service) *Handler {
	return &Handler{eligibility: elig, availability: avail}
}

// GetAvailability is exact mode: the patient-facing calendar of real open
// units grouped by day and provider.
func (h *Handler) GetAvailability(c *gin.Context) {
	params, ok := h.buildParams(c)
	if !ok {
		return
	}

	units, err := h.availability.FindOpenUnits(c.Request.Context(), params)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(units))
}

// GetBufferedAvailability is the overbooking-aware mode used at booking
// time; the returned units are synthetic and claimed by time.
func (h *Handler) GetBufferedAvailability(c *gin.Context) {
	params, ok := h.buildParams(c)
	if !ok {
		return
	}

	duration := 30
	if v := c.Query("duration_minutes"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid duration_minutes"))
			return
		}
		duration = d
	}
	withBuffer := c.Query("with_buffer") == "true"

	units, err := h.availability.BufferedUnits(c.Request.Context(), params, params.From, params.To, duration, withBuffer)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(units))
}

func (h *Handler) buildParams(c *gin.Context) (*model.SchedulingParams, bool) {
	actor, _ := middleware.ActorFrom(c)

	input := eligibility.BuildParamsInput{}
	if actor.Type == model.ActorPatient {
		input.PatientID = actor.ID
	} else if v := c.Query("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid patient_id"))
			return nil, false
		}
		input.PatientID = id
	}

	if v := c.Query("payment_method_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid payment_method_id"))
			return nil, false
		}
		input.PaymentMethodID = &id
	}

	for _, raw := range c.QueryArray("provider_id") {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid provider_id"))
			return nil, false
		}
		input.ProviderIDs = append(input.ProviderIDs, id)
	}

	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid from"))
			return nil, false
		}
		input.From = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid to"))
			return nil, false
		}
		input.To = &t
	}

	params, err := h.eligibility.BuildParams(c.Request.Context(), input)
	if err != nil {
		handler.RespondError(c, err)
		return nil, false
	}
	return params, true
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	availability := r.Group("/availability")
	{
		availability.GET("", h.GetAvailability)
		availability.GET("/buffered", h.GetBufferedAvailability)
	}
}
