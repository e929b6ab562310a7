package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"dmchat/backend/internal/apperr"
	"dmchat/backend/internal/logger"

	"github.com/gin-gonic/gin"
)

// ErrorHandlerMiddleware renders errors attached with c.Error and recovers panics.
func ErrorHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			}
		}()

		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := apperr.From(c.Errors.Last().Err)
		switch appErr.Kind {
		case apperr.KindInternal:
			logger.Error().Err(appErr).Str("path", c.Request.URL.Path).Msg("request failed")
		case apperr.KindTransient:
			logger.Warn().Err(appErr).Str("path", c.Request.URL.Path).Msg("request failed, retryable")
		}
		if appErr.Retryable() {
			c.Header("Retry-After", "1")
		}
		c.JSON(appErr.HTTPStatus(), gin.H{"error": appErr.Message})
	}
}
