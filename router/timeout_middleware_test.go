package router

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTimeoutMiddleware_NormalCompletion(t *testing.T) {
	r := gin.New()
	r.Use(TimeoutMiddleware(5 * time.Second))
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// A handler that completes with a response after the timeout fired still wins:
// the client waited anyway and gets the real result, not 504.
func TestTimeoutMiddleware_SlowHandlerResponseWins(t *testing.T) {
	r := gin.New()
	r.Use(TimeoutMiddleware(50 * time.Millisecond))

	handlerCompleted := make(chan struct{})
	r.GET("/slow", func(c *gin.Context) {
		time.Sleep(200 * time.Millisecond)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		close(handlerCompleted)
	})

	req := httptest.NewRequest("GET", "/slow", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	<-handlerCompleted
}

// A handler that honors cancellation and exits without writing gets the 504.
func TestTimeoutMiddleware_TimeoutResponse(t *testing.T) {
	r := gin.New()
	r.Use(TimeoutMiddleware(50 * time.Millisecond))

	r.GET("/hang", func(c *gin.Context) {
		<-c.Request.Context().Done()
	})

	req := httptest.NewRequest("GET", "/hang", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), "REQUEST_TIMEOUT")
}

// Panics in the handler goroutine must be re-raised in the main goroutine so
// gin.Recovery() can catch them instead of crashing the process.
func TestTimeoutMiddleware_PanicInHandler(t *testing.T) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TimeoutMiddleware(5 * time.Second))
	r.GET("/panic", func(c *gin.Context) {
		panic("test panic")
	})

	req := httptest.NewRequest("GET", "/panic", nil)
	w := httptest.NewRecorder()

	assert.NotPanics(t, func() {
		r.ServeHTTP(w, req)
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTimeoutMiddleware_PanicAfterTimeout(t *testing.T) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TimeoutMiddleware(50 * time.Millisecond))

	handlerStarted := make(chan struct{})
	r.GET("/slow-panic", func(c *gin.Context) {
		close(handlerStarted)
		time.Sleep(100 * time.Millisecond)
		panic("late panic after timeout")
	})

	req := httptest.NewRequest("GET", "/slow-panic", nil)
	w := httptest.NewRecorder()

	assert.NotPanics(t, func() {
		r.ServeHTTP(w, req)
		<-handlerStarted
		time.Sleep(150 * time.Millisecond)
	})
	// Handler panicked without writing, so we send 500
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTimeoutMiddleware_ContextCancellation(t *testing.T) {
	r := gin.New()
	r.Use(TimeoutMiddleware(50 * time.Millisecond))

	var contextWasCancelled atomic.Bool
	r.GET("/context", func(c *gin.Context) {
		select {
		case <-c.Request.Context().Done():
			contextWasCancelled.Store(true)
		case <-time.After(200 * time.Millisecond):
		}
	})

	req := httptest.NewRequest("GET", "/context", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.True(t, contextWasCancelled.Load())
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}
