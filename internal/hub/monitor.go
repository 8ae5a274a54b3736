package hub

import (
	"sort"
	"strings"

	"whisperwire/internal/model"
)

// MonitorService provides methods to gather hub statistics
type MonitorService struct {
	hub *Hub
}

// NewMonitorService creates a new monitor service
func NewMonitorService(hub *Hub) *MonitorService {
	return &MonitorService{hub: hub}
}

// GetStats gathers and returns all hub statistics
func (ms *MonitorService) GetStats() model.MonitorResponse {
	connectionStats, sessions := ms.getConnectionStats()
	roomStats := ms.getRoomStats()

	status := "healthy"
	if connectionStats.TotalSessions == 0 {
		status = "idle"
	}

	return model.MonitorResponse{
		Status:      status,
		Connections: connectionStats,
		Rooms:       roomStats,
		Sessions:    sessions,
	}
}

func (ms *MonitorService) getConnectionStats() (model.ConnectionStats, []model.SessionInfo) {
	snapshot := ms.hub.presence.Snapshot()

	stats := model.ConnectionStats{TotalUsers: len(snapshot)}
	sessions := make([]model.SessionInfo, 0)

	for userID, sessionIDs := range snapshot {
		stats.TotalSessions += len(sessionIDs)
		for _, sessionID := range sessionIDs {
			sessions = append(sessions, model.SessionInfo{
				SessionID: sessionID,
				UserID:    userID,
			})
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UserID < sessions[j].UserID
	})

	return stats, sessions
}

func (ms *MonitorService) getRoomStats() model.RoomStats {
	stats := model.RoomStats{
		RoomDetails: make([]model.RoomInfo, 0),
	}

	for _, bucket := range ms.hub.shards {
		bucket.RLock()
		for roomID, room := range bucket.rooms {
			stats.RoomDetails = append(stats.RoomDetails, model.RoomInfo{
				RoomID:    roomID,
				Occupancy: len(room),
			})
			stats.TotalRooms++
			if strings.HasPrefix(roomID, inboxRoomPrefix) {
				stats.InboxRooms++
			} else {
				stats.ConversationRooms++
			}
		}
		bucket.RUnlock()
	}

	sort.Slice(stats.RoomDetails, func(i, j int) bool {
		return stats.RoomDetails[i].RoomID < stats.RoomDetails[j].RoomID
	})

	return stats
}
