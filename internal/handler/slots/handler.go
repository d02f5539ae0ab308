package slots

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/scheduling-api/internal/handler"
	"github.com/jwalitptl/scheduling-api/internal/service/slots"
	"github.com/jwalitptl/scheduling-api/pkg/validator"
)

type Handler struct {
	service  *slots.Service
	validate *validator.Validator
}

func NewHandler(service *slots.Service, validate *validator.Validator) *Handler {
	return &Handler{service: service, validate: validate}
}

func (h *Handler) GenerateSlots(c *gin.Context) {
	var req slots.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	if err := h.validate.Validate(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	created, err := h.service.Generate(c.Request.Context(), req)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(gin.H{"created": created}))
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	slots := r.Group("/slots")
	{
		slots.POST("/generate", h.GenerateSlots)
	}
}
