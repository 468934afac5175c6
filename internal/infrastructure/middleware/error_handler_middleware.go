package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"xipher/pkg/errors"
	"xipher/pkg/logger"
)

// ErrorHandlerMiddleware renders the last error attached with c.Error. Call
// errors map to their HTTP status by code.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	ctxLogger := logger.NewContextLogger(log.Desugar())
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		reqLog := ctxLogger.Sugar(c.Request.Context())

		if appErr := errors.GetAppError(err); appErr != nil {
			status := errors.StatusFor(appErr.Code)
			logf := reqLog.Infow
			if status >= http.StatusInternalServerError {
				logf = reqLog.Errorw
			}
			logf("request failed",
				"code", appErr.Code,
				"error", err.Error(),
				"status", status,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			body := gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			}
			if len(appErr.Context) > 0 {
				body["details"] = appErr.Context
			}
			c.JSON(status, body)
			return
		}

		ctxLogger.LogError(c.Request.Context(), err, "unhandled error",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()
		c.Next()
	}
}
