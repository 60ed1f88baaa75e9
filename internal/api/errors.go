package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sweeney/upsdash/internal/aggregate"
	"github.com/sweeney/upsdash/internal/nut"
)

// statusFor maps the nut and aggregate error types onto HTTP status codes.
func statusFor(err error) int {
	var (
		devNotFound *nut.DeviceNotFoundError
		varNotFound *nut.VarNotFoundError
		authErr     *nut.AuthError
		connErr     *nut.ConnectionError
		protoErr    *nut.ProtocolError
	)
	switch {
	case errors.As(err, &devNotFound), errors.As(err, &varNotFound):
		return http.StatusNotFound
	case errors.Is(err, aggregate.ErrNoServers):
		return http.StatusServiceUnavailable
	case errors.Is(err, nut.ErrInvalidServerConfig), errors.Is(err, nut.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &connErr), errors.As(err, &protoErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail logs err and writes {"error": ...} with the mapped status.
func (h *Handler) fail(c *gin.Context, logKey string, err error, kv ...interface{}) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		fields := append([]interface{}{"err", err, "request_id", c.GetString(ctxRequestID)}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}
