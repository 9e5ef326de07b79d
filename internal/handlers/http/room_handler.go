package http

import (
	"net/http"
	"time"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/core/ports"
	"zombiefile/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

// RoomHandler serves the relay's HTTP surface next to the WebSocket endpoint.
type RoomHandler struct {
	rooms     ports.RoomService
	health    *monitoring.HealthChecker
	startedAt time.Time
}

func NewRoomHandler(rooms ports.RoomService, health *monitoring.HealthChecker) *RoomHandler {
	if health == nil {
		health = monitoring.NewHealthChecker()
	}
	return &RoomHandler{
		rooms:     rooms,
		health:    health,
		startedAt: time.Now(),
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)

	api := router.Group("/api")
	{
		api.GET("/status", h.Status)
		api.GET("/stats", h.Stats)
		api.GET("/rooms/:id", h.GetRoom)
	}
}

func (h *RoomHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Server is running",
	})
}

func (h *RoomHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startedAt).String(),
	})
}

func (h *RoomHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *RoomHandler) Stats(c *gin.Context) {
	stats, err := h.rooms.Stats(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active_rooms":       stats.ActiveRooms,
		"active_connections": stats.ActiveConnections,
		"timestamp":          stats.Timestamp,
	})
}

// GetRoom reports whether a room exists and how many peers it holds. Member
// connection ids are not exposed.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := h.rooms.GetRoom(c.Request.Context(), domain.RoomID(c.Param("id")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id":       room.ID,
		"peer_count":    room.PeerCount(),
		"created_at":    room.CreatedAt,
		"last_activity": room.LastActivity,
	})
}
