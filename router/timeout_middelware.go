package router

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/masstock/masstock/wscutils"
)

// timeoutWriter wraps gin.ResponseWriter to track write status and optionally
// discard writes. Used by TimeoutMiddleware to coordinate response handling.
type timeoutWriter struct {
	gin.ResponseWriter
	discardWrites *atomic.Bool
	mu            sync.Mutex
	wroteHeader   bool
}

func (w *timeoutWriter) Write(b []byte) (int, error) {
	if w.discardWrites.Load() {
		return len(b), nil // Silently drop write
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ResponseWriter.Write(b)
}

func (w *timeoutWriter) WriteHeader(code int) {
	if w.discardWrites.Load() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *timeoutWriter) WriteString(s string) (int, error) {
	if w.discardWrites.Load() {
		return len(s), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ResponseWriter.WriteString(s)
}

func (w *timeoutWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.ResponseWriter.(http.Hijacker).Hijack()
}

func (w *timeoutWriter) Flush() {
	if w.discardWrites.Load() {
		return
	}
	w.ResponseWriter.(http.Flusher).Flush()
}

// Context keys for timeout, client disconnect, and panic tracking.
// TimeoutMiddleware sets these keys, and LogRequest middleware reads them
// to include timeout/disconnect/panic info in request logs.
//
// The middleware distinguishes between two context cancellation causes:
//   - CtxKeyTimedOut: our timeout fired (context.DeadlineExceeded)
//   - CtxKeyClientDisconnected: client closed connection (context.Canceled)
const (
	CtxKeyTimedOut           = "_request_timed_out"
	CtxKeyClientDisconnected = "_client_disconnected"
	CtxKeyPanicRecovered     = "_panic_recovered"
	CtxKeyPanicValue         = "_panic_value"
)

// TimeoutMiddleware returns a middleware that limits request processing time.
// If the handler does not complete within the timeout and hasn't written a
// response, a 504 Gateway Timeout response is sent.
//
// The middleware decides the response based on what the handler did:
//
//   - Handler writes response before timeout: handler's response is used
//   - Handler writes response after timeout: handler's response is used
//   - Handler detects ctx.Done() and exits without writing: 504 Gateway Timeout
//   - Handler ignores context and never writes: 504 Gateway Timeout
//   - Handler panics without writing: 500 Internal Server Error
//
// Timeout works correctly only when handlers honor context cancellation.
// When timeout fires, the middleware waits for the handler to complete; if
// the handler finishes with a valid response during this wait, that response
// is used instead of 504.
//
// The handler runs in a separate goroutine so the timeout can fire
// independently. gin.Context is not thread-safe, so the ResponseWriter is
// wrapped to serialize writes, and panics are re-raised in the main goroutine
// where gin.Recovery() can catch them. gin.Recovery() must therefore be
// registered BEFORE this middleware:
//
//	r.Use(LogRequest(logger))     // First: logs after everything completes
//	r.Use(gin.Recovery())         // Second: catches re-panicked errors
//	r.Use(TimeoutMiddleware(...)) // Third: runs handler in goroutine
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)

		// timedOut coordinates with the panic handler - tells it not to send
		// to panicCh since the main goroutine is no longer listening on it.
		var timedOut atomic.Bool

		// neverDiscard is always false - all writes are allowed since we wait
		// for handler completion before deciding the response.
		var neverDiscard atomic.Bool

		tw := &timeoutWriter{
			ResponseWriter: c.Writer,
			discardWrites:  &neverDiscard,
		}
		c.Writer = tw

		finCh := make(chan struct{}, 1)
		panicCh := make(chan any, 1)

		go func() {
			defer func() {
				if p := recover(); p != nil {
					c.Set(CtxKeyPanicRecovered, true)
					c.Set(CtxKeyPanicValue, fmt.Sprintf("%v", p))

					// Only send the panic if timeout hasn't fired yet.
					if !timedOut.Load() {
						panicCh <- p
					}
				}
				// Always signal completion to prevent goroutine leak
				finCh <- struct{}{}
			}()
			c.Next()
		}()

		select {
		case p := <-panicCh:
			// Re-panic in main goroutine where gin.Recovery() can catch it.
			panic(p)

		case <-ctx.Done():
			timedOut.Store(true)

			if ctx.Err() == context.DeadlineExceeded {
				c.Set(CtxKeyTimedOut, true)
			} else {
				c.Set(CtxKeyClientDisconnected, true)
			}

			// Wait for the handler; it can still write during this wait.
			<-finCh

			if _, panicked := c.Get(CtxKeyPanicRecovered); panicked {
				tw.mu.Lock()
				handlerWrote := tw.wroteHeader
				tw.mu.Unlock()

				if !handlerWrote {
					c.AbortWithStatusJSON(http.StatusInternalServerError, wscutils.NewErrorResponse(
						wscutils.NewApiError(http.StatusInternalServerError, wscutils.ErrCodeInternal, "internal server error")))
				}
				return
			}

			tw.mu.Lock()
			handlerWrote := tw.wroteHeader
			tw.mu.Unlock()

			if handlerWrote {
				// Handler completed and wrote a response - use it instead of 504.
				return
			}

			c.AbortWithStatusJSON(http.StatusGatewayTimeout, wscutils.NewErrorResponse(
				wscutils.NewApiError(http.StatusGatewayTimeout, wscutils.ErrCodeTimeout, "request timed out")))

		case <-finCh:
			// Handler completed within timeout.
		}
	}
}
