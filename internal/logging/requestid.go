package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/gin-gonic/gin"
)

// A request ID ties the access-log line of a management request to the
// application log lines it produced. It rides both the request context (for
// code below the router) and the gin context (for middleware).

type requestIDCtxKey struct{}

const requestIDGinKey = "request-id"

// NewRequestID returns a short random hex identifier. The all-zero fallback
// keeps log columns aligned if the system RNG is unavailable.
func NewRequestID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}

// ContextWithRequestID attaches id to ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDCtxKey{}, id)
}

// RequestIDFromContext returns the request ID attached to ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDCtxKey{}).(string)
	return id
}

// RequestIDToGin stores id on the gin context for later middleware.
func RequestIDToGin(c *gin.Context, id string) {
	if c != nil {
		c.Set(requestIDGinKey, id)
	}
}

// RequestIDFromGin returns the request ID stored on the gin context, or "".
func RequestIDFromGin(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if v, ok := c.Get(requestIDGinKey); ok {
		if id, isString := v.(string); isString {
			return id
		}
	}
	return ""
}
