package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tinydist/pkg/log"
)

// RequestIDHeader 是请求 ID 的响应头，客户端提供时沿用。
const RequestIDHeader = "X-Request-ID"

// RequestLogger 是一个 Gin 中间件，记录每个请求的状态码、延迟和大小。
// 请求体和响应体都可能是大文件，这里不做缓存。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("requestId", requestID)
		c.Header(RequestIDHeader, requestID)

		// 处理请求
		c.Next()

		log.Infow("HTTP Request Log",
			"requestId", requestID,
			"statusCode", c.Writer.Status(),
			"latency", time.Since(startTime).String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"requestBytes", c.Request.ContentLength,
			"responseBytes", c.Writer.Size(),
		)
	}
}
