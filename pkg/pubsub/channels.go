package pubsub

import "fmt"

// Channel naming conventions for chat change notifications.
// Both follow {prefix}:{scope}:{id}:{suffix} so they map onto Kafka topics.
const (
	// Appends to a room's message collection.
	ChannelRoomMessages = "chat:room:%s:messages"

	// Rooms created or changed for a participant.
	ChannelUserRooms = "chat:user:%s:rooms"
)

// Event types.
const (
	EventMessageAppended = "message_appended"
	EventRoomChanged     = "room_changed"
)

// RoomMessagesChannel returns the channel carrying appends for a room.
func RoomMessagesChannel(roomID string) string {
	return fmt.Sprintf(ChannelRoomMessages, roomID)
}

// UserRoomsChannel returns the channel carrying room changes for a user.
func UserRoomsChannel(uid string) string {
	return fmt.Sprintf(ChannelUserRooms, uid)
}

// MessageAppendedPayload is published after a message commits.
type MessageAppendedPayload struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// RoomChangedPayload is published to each participant of a created room.
type RoomChangedPayload struct {
	RoomID       string `json:"room_id"`
	RequesterUID string `json:"requester_uid"`
	DonorUID     string `json:"donor_uid"`
}
