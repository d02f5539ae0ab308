package booking

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/scheduling-api/internal/handler"
	"github.com/jwalitptl/scheduling-api/internal/middleware"
	"github.com/jwalitptl/scheduling-api/internal/model"
	"github.com/jwalitptl/scheduling-api/internal/service/booking"
	"github.com/jwalitptl/scheduling-api/pkg/validator"
)

type Handler struct {
	service  *booking.Service
	validate *validator.Validator
}

func NewHandler(service *booking.Service, validate *validator.Validator) *Handler {
	return &Handler{service: service, validate: validate}
}

// BookRequest accepts either appointment_ids (physical rows) or a negative
// synthetic_id plus start_time (buffered offer).
type BookRequest struct {
	PatientID       uuid.UUID   `json:"patient_id"`
	PaymentMethodID *uuid.UUID  `json:"payment_method_id,omitempty"`
	AppointmentIDs  []uuid.UUID `json:"appointment_ids,omitempty"`
	SyntheticID     int64       `json:"synthetic_id,omitempty"`
	StartTime       time.Time   `json:"start_time,omitempty"`
	DurationMinutes int         `json:"duration_minutes" validate:"omitempty,oneof=30 60"`
	ProviderIDs     []uuid.UUID `json:"provider_ids,omitempty"`
}

func (h *Handler) BookAppointment(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)

	var req BookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	if err := h.validate.Validate(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	patientID := req.PatientID
	if actor.Type == model.ActorPatient {
		patientID = actor.ID
	}

	booked, err := h.service.Book(c.Request.Context(), booking.BookRequest{
		Actor:           actor,
		PatientID:       patientID,
		PaymentMethodID: req.PaymentMethodID,
		AppointmentIDs:  req.AppointmentIDs,
		SyntheticID:     req.SyntheticID,
		StartTime:       req.StartTime,
		DurationMinutes: req.DurationMinutes,
		ProviderIDs:     req.ProviderIDs,
	})
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(booked))
}

type RescheduleRequest struct {
	PaymentMethodID *uuid.UUID  `json:"payment_method_id,omitempty"`
	AppointmentIDs  []uuid.UUID `json:"appointment_ids,omitempty"`
	SyntheticID     int64       `json:"synthetic_id,omitempty"`
	StartTime       time.Time   `json:"start_time,omitempty"`
	DurationMinutes int         `json:"duration_minutes" validate:"omitempty,oneof=30 60"`
}

func (h *Handler) RescheduleAppointment(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid appointment ID"))
		return
	}

	var req RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	if err := h.validate.Validate(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	booked, err := h.service.Reschedule(c.Request.Context(), booking.RescheduleRequest{
		Actor:           actor,
		AppointmentID:   id,
		PaymentMethodID: req.PaymentMethodID,
		AppointmentIDs:  req.AppointmentIDs,
		SyntheticID:     req.SyntheticID,
		StartTime:       req.StartTime,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(booked))
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	appointments := r.Group("/appointments")
	{
		appointments.POST("", h.BookAppointment)
		appointments.POST("/:id/reschedule", h.RescheduleAppointment)
	}
}
