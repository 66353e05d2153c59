package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	status string
}

func (s *stubChecker) Check(ctx context.Context, addr string) string {
	return s.status
}

func perform(t *testing.T, handler gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", path, nil)
	handler(c)
	return w
}

func TestLiveness(t *testing.T) {
	handler := NewHandler("127.0.0.1:1", nil)
	w := perform(t, handler.Liveness, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadiness_AllHealthy(t *testing.T) {
	handler := &Handler{controlChecker: &stubChecker{status: "healthy"}}
	w := perform(t, handler.Readiness, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ready"`)
	assert.Contains(t, w.Body.String(), `"redis":"healthy"`)
}

func TestReadiness_ControlDown(t *testing.T) {
	handler := &Handler{controlChecker: &stubChecker{status: "unhealthy"}}
	w := perform(t, handler.Readiness, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"unavailable"`)
	assert.Contains(t, w.Body.String(), `"control":"unhealthy"`)
}

func TestReadiness_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	handler := &Handler{
		redisClient:    client,
		controlChecker: &stubChecker{status: "healthy"},
	}
	w := perform(t, handler.Readiness, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"unhealthy"`)
}

func TestDefaultControlChecker(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	checker := &DefaultControlChecker{}
	assert.Equal(t, "healthy", checker.Check(context.Background(), l.Addr().String()))
	assert.Equal(t, "unhealthy", checker.Check(context.Background(), "127.0.0.1:1"))
}
