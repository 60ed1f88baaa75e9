package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-ID"
	ctxRequestID    = "requestID"
)

// requestID tags each request with the caller's X-Request-ID or a fresh
// UUID and echoes it back.
func requestID(c *gin.Context) {
	id := c.GetHeader(headerRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(ctxRequestID, id)
	c.Header(headerRequestID, id)
	c.Next()
}

func (h *Handler) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()

	kv := []interface{}{
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start),
		"request_id", c.GetString(ctxRequestID),
	}
	if len(c.Errors) > 0 {
		kv = append(kv, "err", c.Errors.String())
	}
	if c.Writer.Status() >= 500 {
		h.log.Warnw("http request", kv...)
		return
	}
	h.log.Debugw("http request", kv...)
}
