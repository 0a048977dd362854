// Package router provides the gin middlewares shared by the MasStock HTTP
// services: bearer-token authentication, structured request logging through
// LogHarbour, and request timeouts.
//
// The logging middleware captures one structured entry per request at the end
// of its lifecycle: method, path, status, client IP, sizes, duration and the
// timeout/disconnect/panic flags set by TimeoutMiddleware. It logs through the
// RequestLogger interface so the middleware stays decoupled from the logging
// backend; LogHarbourAdapter is the provided implementation.
package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/logharbour/logharbour"
)

// RequestInfo contains all the information about a request to be logged
type RequestInfo struct {
	Method             string        `json:"method"`
	Path               string        `json:"path"`
	ClientIP           string        `json:"client_ip"`
	StatusCode         int           `json:"status_code"`
	StartTime          time.Time     `json:"start_time"` // UTC
	Duration           time.Duration `json:"duration"`
	RequestSize        int64         `json:"request_size"`
	ResponseSize       int64         `json:"response_size"`
	Query              string        `json:"query,omitempty"`
	UserAgent          string        `json:"user_agent,omitempty"`
	Referer            string        `json:"referer,omitempty"`
	TraceID            string        `json:"trace_id,omitempty"`
	SpanID             string        `json:"span_id,omitempty"`
	TimedOut           bool          `json:"timed_out,omitempty"`
	ClientDisconnected bool          `json:"client_disconnected,omitempty"`
	PanicRecovered     bool          `json:"panic_recovered,omitempty"`
	PanicValue         string        `json:"panic_value,omitempty"`
}

// RequestLogger defines the interface that a logger must implement to be used with LogRequest middleware
type RequestLogger interface {
	Log(info RequestInfo)
}

// LogRequest returns a Gin middleware that logs details about a request at the
// end of the request lifecycle.
func LogRequest(logger RequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		// Content length must be read before the handlers consume the body.
		requestSize := c.Request.ContentLength

		traceID := c.GetHeader("X-Trace-ID")
		spanID := c.GetHeader("X-Span-ID")

		c.Next()

		duration := time.Since(startTime)

		// TimeoutMiddleware communicates timeout/disconnect/panic events
		// through these context keys.
		var timedOut, clientDisconnected, panicRecovered bool
		var panicValue string
		if v, exists := c.Get(CtxKeyTimedOut); exists {
			timedOut, _ = v.(bool)
		}
		if v, exists := c.Get(CtxKeyClientDisconnected); exists {
			clientDisconnected, _ = v.(bool)
		}
		if v, exists := c.Get(CtxKeyPanicRecovered); exists {
			panicRecovered, _ = v.(bool)
		}
		if v, exists := c.Get(CtxKeyPanicValue); exists {
			panicValue, _ = v.(string)
		}

		info := RequestInfo{
			Method:             c.Request.Method,
			Path:               c.Request.URL.Path,
			ClientIP:           c.ClientIP(),
			StatusCode:         c.Writer.Status(),
			StartTime:          startTime.UTC(),
			Duration:           duration,
			RequestSize:        requestSize,
			ResponseSize:       int64(c.Writer.Size()),
			Query:              c.Request.URL.RawQuery,
			UserAgent:          c.Request.UserAgent(),
			Referer:            c.Request.Referer(),
			TraceID:            traceID,
			SpanID:             spanID,
			TimedOut:           timedOut,
			ClientDisconnected: clientDisconnected,
			PanicRecovered:     panicRecovered,
			PanicValue:         panicValue,
		}

		logger.Log(info)
	}
}

// LogHarbourAdapter adapts a LogHarbour logger to implement the RequestLogger interface
type LogHarbourAdapter struct {
	logger *logharbour.Logger
}

// NewLogHarbourAdapter creates a new adapter for a LogHarbour logger
func NewLogHarbourAdapter(logger *logharbour.Logger) *LogHarbourAdapter {
	return &LogHarbourAdapter{
		logger: logger,
	}
}

// Log implements the RequestLogger interface by using LogHarbour's structured logging
func (a *LogHarbourAdapter) Log(info RequestInfo) {
	logger := a.logger.WithModule("http").
		WithOp("request").
		WithRemoteIP(info.ClientIP).
		WithClass(info.Method).
		WithInstanceId(info.Path).
		WithStatus(getStatus(info.StatusCode))

	activityData := map[string]interface{}{
		"method":        info.Method,
		"path":          info.Path,
		"status":        info.StatusCode,
		"start_time":    info.StartTime.Format(time.RFC3339),
		"duration_ms":   info.Duration.Milliseconds(),
		"duration":      info.Duration.String(),
		"request_size":  info.RequestSize,
		"response_size": info.ResponseSize,
		"query":         info.Query,
		"user_agent":    info.UserAgent,
		"referer":       info.Referer,
	}

	if info.TraceID != "" {
		activityData["trace_id"] = info.TraceID
	}
	if info.SpanID != "" {
		activityData["span_id"] = info.SpanID
	}
	if info.TimedOut {
		activityData["timed_out"] = true
	}
	if info.ClientDisconnected {
		activityData["client_disconnected"] = true
	}
	if info.PanicRecovered {
		activityData["panic_recovered"] = true
		activityData["panic_value"] = info.PanicValue
	}

	logger.Info().LogActivity("HTTP request completed", activityData)
}

// getStatus converts an HTTP status code to a logharbour Status
func getStatus(statusCode int) logharbour.Status {
	if statusCode >= 200 && statusCode < 400 {
		return logharbour.Success
	}
	return logharbour.Failure
}
