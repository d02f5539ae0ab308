package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/scheduling-api/internal/handler"
)

// Recovery handles panics and logs them appropriately
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("stack", string(debug.Stack())).
					Str("method", c.Request.Method).
					Str("path", c.Request.URL.Path).
					Str("client_ip", c.ClientIP()).
					Str("request_id", c.GetString(ContextRequestID)).
					Msg("Request panic recovered")

				c.AbortWithStatusJSON(http.StatusInternalServerError, handler.NewErrorResponse("internal error"))
			}
		}()
		c.Next()
	}
}
