package middleware

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"xipher/pkg/logger"
	"xipher/pkg/tracing"
	"xipher/pkg/utils"
)

const requestIDHeader = "X-Request-ID"

// TracingMiddleware opens a span per request and tags it with a request id,
// taken from the caller when present.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = utils.NewRequestID()
		}
		c.Header(requestIDHeader, requestID)

		span.SetAttributes(
			attribute.String("http.request_id", requestID),
			attribute.String("http.remote_addr", c.ClientIP()),
		)
		c.Request = c.Request.WithContext(logger.WithTraceID(ctx, requestID))

		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		if c.Writer.Status() >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
