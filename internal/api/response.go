package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anima-ai/anima/internal/core"
)

// Envelope wraps every API response. Exactly one of Data and Error is
// set; Meta is always present.
type Envelope struct {
	Success bool        `json:"success"`
	Data    any         `json:"data,omitempty"`
	Error   *core.Error `json:"error,omitempty"`
	Meta    Meta        `json:"meta"`
}

// Meta carries per-request bookkeeping.
type Meta struct {
	RequestID string   `json:"requestId"`
	Timestamp string   `json:"timestamp"`
	QueryTime *float64 `json:"queryTime,omitempty"`
}

// statusFor maps engine error codes to HTTP status codes.
func statusFor(code string) int {
	switch code {
	case core.CodeValidation:
		return http.StatusBadRequest
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeEmbedding:
		return http.StatusBadGateway
	case core.CodePoolExhausted:
		return http.StatusServiceUnavailable
	default:
		// DATABASE_ERROR, CONSOLIDATION_ERROR, INTERNAL_ERROR
		return http.StatusInternalServerError
	}
}

func buildMeta(c *gin.Context) Meta {
	return Meta{
		RequestID: RequestIDFrom(c),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{Success: true, Data: data, Meta: buildMeta(c)})
}

// respondTimed includes the measured engine latency in meta.queryTime.
func respondTimed(c *gin.Context, status int, data any, queryTimeMs float64) {
	meta := buildMeta(c)
	meta.QueryTime = &queryTimeMs
	c.JSON(status, Envelope{Success: true, Data: data, Meta: meta})
}

// respondError shapes any error into the envelope. Uncoded errors are
// reported as INTERNAL_ERROR without leaking their cause.
func respondError(c *gin.Context, err error) {
	coded, ok := core.AsError(err)
	if !ok {
		coded = core.NewError(core.CodeInternal, "internal error")
	}
	c.JSON(statusFor(coded.Code), Envelope{Success: false, Error: coded, Meta: buildMeta(c)})
}

func respondValidation(c *gin.Context, format string, args ...any) {
	respondError(c, core.ValidationError(format, args...))
}
