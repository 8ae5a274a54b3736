package model

// MonitorResponse aggregates hub statistics for the monitor endpoint.
type MonitorResponse struct {
	Status      string          `json:"status"`
	Connections ConnectionStats `json:"connections"`
	Rooms       RoomStats       `json:"rooms"`
	Sessions    []SessionInfo   `json:"sessions"`
}

// ConnectionStats summarizes connected sessions.
type ConnectionStats struct {
	TotalSessions int `json:"totalSessions"`
	TotalUsers    int `json:"totalUsers"`
}

// RoomStats summarizes room occupancy.
type RoomStats struct {
	TotalRooms        int        `json:"totalRooms"`
	ConversationRooms int        `json:"conversationRooms"`
	InboxRooms        int        `json:"inboxRooms"`
	RoomDetails       []RoomInfo `json:"roomDetails"`
}

// RoomInfo describes one room.
type RoomInfo struct {
	RoomID    string `json:"roomId"`
	Occupancy int    `json:"occupancy"`
}

// SessionInfo describes one connected session.
type SessionInfo struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}
