package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zombiefile/internal/core/services"
	"zombiefile/internal/infrastructure/middleware"
	"zombiefile/internal/infrastructure/monitoring"
	"zombiefile/internal/infrastructure/repositories/memory"
)

func setupRouter(t *testing.T, health *monitoring.HealthChecker) (*gin.Engine, *RoomHandler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rooms := services.NewRoomService(memory.NewMemoryRoomRepository(), services.RoomServiceConfig{
		IdleTTL:     time.Hour,
		MaxIDLength: 256,
	}, nil)
	h := NewRoomHandler(rooms, health)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	h.SetupRoutes(router)
	return router, h
}

func get(router *gin.Engine, path string) (*httptest.ResponseRecorder, map[string]any) {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestStatus(t *testing.T) {
	router, _ := setupRouter(t, nil)
	w, body := get(router, "/api/status")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"status": "ok", "message": "Server is running"}, body)
}

func TestGetRoom(t *testing.T) {
	router, h := setupRouter(t, nil)
	ctx := context.Background()
	_, err := h.rooms.CreateRoom(ctx, "r1", "a")
	require.NoError(t, err)
	_, err = h.rooms.JoinRoom(ctx, "r1", "b")
	require.NoError(t, err)

	w, body := get(router, "/api/rooms/r1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "r1", body["room_id"])
	assert.Equal(t, float64(2), body["peer_count"])
	assert.NotContains(t, body, "members")

	w, body = get(router, "/api/rooms/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ROOM_NOT_FOUND", body["error"])
}

func TestStats(t *testing.T) {
	router, h := setupRouter(t, nil)
	_, err := h.rooms.CreateRoom(context.Background(), "r1", "a")
	require.NoError(t, err)

	w, body := get(router, "/api/stats")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["active_rooms"])
	assert.Equal(t, float64(1), body["active_connections"])
}

func TestReady(t *testing.T) {
	health := monitoring.NewHealthChecker()
	router, _ := setupRouter(t, health)

	w, _ := get(router, "/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	health.AddCheck("redis", func(ctx context.Context) (bool, error) {
		return false, errors.New("connection refused")
	}, 0, time.Second)

	w, body := get(router, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, map[string]any{"redis": "connection refused"}, body["checks"])
}

func TestHealth(t *testing.T) {
	router, _ := setupRouter(t, nil)
	w, body := get(router, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "uptime")
}
