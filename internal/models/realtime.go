package models

// EventType names a push channel event.
type EventType string

const (
	// client -> server
	EventJoinRoom    EventType = "join-room"
	EventLeaveRoom   EventType = "leave-room"
	EventSendMessage EventType = "send-message"

	// server -> client
	EventReceiveMessage EventType = "receive-message"
	EventJoinedRoom     EventType = "joined-room"
	EventLeftRoom       EventType = "left-room"
	EventUserOnline     EventType = "user-online"
	EventUserOffline    EventType = "user-offline"
	EventError          EventType = "error"
)

// Envelope is the JSON frame exchanged over the push channel.
type Envelope struct {
	Event   EventType `json:"event"`
	RoomID  string    `json:"roomId,omitempty"`
	Message *Message  `json:"message,omitempty"`
	// Content is used by send-message when the client has no stored message yet.
	Content string `json:"content,omitempty"`
	UserID  string `json:"userId,omitempty"`
	Error   string `json:"error,omitempty"`
}
