package http

import (
	"errors"
	"net/http"
	"strconv"

	"consultnet/internal/core/domain"
	"consultnet/internal/core/ports"
	"consultnet/internal/core/services"
	apperrors "consultnet/pkg/errors"
	"consultnet/pkg/validation"

	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// RoomHandler is the read and administration API over live rooms and their
// session history.
type RoomHandler struct {
	registry   ports.SessionRegistry
	relay      ports.Relay
	history    ports.SessionHistoryRepository
	relayStats *services.RelayStats
}

func NewRoomHandler(
	registry ports.SessionRegistry,
	relay ports.Relay,
	history ports.SessionHistoryRepository,
	relayStats *services.RelayStats,
) *RoomHandler {
	return &RoomHandler{
		registry:   registry,
		relay:      relay,
		history:    history,
		relayStats: relayStats,
	}
}

// SetupRoutes registers the room API under /api/v1
func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
		api.POST("/rooms/:id/end", h.EndRoom)
		api.GET("/rooms/:id/history", h.GetRoomHistory)
		api.GET("/history", h.GetRecentHistory)
		api.GET("/stats", h.GetStats)
	}
}

// ListRooms returns the registry rooms, optionally filtered by ?state
func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms := h.registry.ListRooms(c.Request.Context())

	if state := domain.RoomState(c.Query("state")); state != "" {
		filtered := rooms[:0]
		for _, room := range rooms {
			if room.State == state {
				filtered = append(filtered, room)
			}
		}
		rooms = filtered
	}
	if rooms == nil {
		rooms = []domain.Room{}
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	room, found := h.registry.GetRoom(c.Request.Context(), roomID)
	if !found {
		_ = c.Error(apperrors.NewNotFoundError("room").WithContext("room_id", roomID))
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": room})
}

// EndRoom ends a live room on behalf of an operator. Both participants are
// told the call ended.
func (h *RoomHandler) EndRoom(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	err := h.registry.CloseRoom(c.Request.Context(), roomID, domain.EndReasonAdministrative)
	if errors.Is(err, domain.ErrRoomNotFound) {
		_ = c.Error(apperrors.NewNotFoundError("room").WithContext("room_id", roomID))
		return
	}
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "Failed to end room", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id": roomID,
		"status":  domain.RoomStateEnded,
		"reason":  domain.EndReasonAdministrative,
	})
}

func (h *RoomHandler) GetRoomHistory(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	limit, ok := limitParam(c)
	if !ok {
		return
	}

	records, err := h.history.ListByRoom(c.Request.Context(), roomID, limit)
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "Session history unavailable", http.StatusServiceUnavailable))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id": roomID,
		"records": nonNil(records),
	})
}

func (h *RoomHandler) GetRecentHistory(c *gin.Context) {
	limit, ok := limitParam(c)
	if !ok {
		return
	}

	records, err := h.history.ListRecent(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "Session history unavailable", http.StatusServiceUnavailable))
		return
	}

	c.JSON(http.StatusOK, gin.H{"records": nonNil(records)})
}

// GetStats returns registry and relay counters
func (h *RoomHandler) GetStats(c *gin.Context) {
	stats := h.registry.Stats()
	stats.Connections = h.relay.Connections()

	body := gin.H{"registry": stats}
	if h.relayStats != nil {
		body["relay"] = h.relayStats.Snapshot()
	}
	c.JSON(http.StatusOK, body)
}

func roomParam(c *gin.Context) (domain.RoomID, bool) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithContext("field", "id"))
		return "", false
	}
	return domain.RoomID(id), true
}

func limitParam(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxHistoryLimit {
		_ = c.Error(apperrors.NewInvalidInputError("limit must be between 1 and 100").WithContext("field", "limit"))
		return 0, false
	}
	return limit, true
}

func nonNil(records []*domain.SessionRecord) []*domain.SessionRecord {
	if records == nil {
		return []*domain.SessionRecord{}
	}
	return records
}
