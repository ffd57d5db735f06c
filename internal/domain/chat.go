package domain

import "time"

// ConversationRole is the viewer's role in a room.
type ConversationRole string

const (
	RoleRequester ConversationRole = "Requester"
	RoleDonor     ConversationRole = "Donor"
)

// ChatRoom is a conversation between a request's owner and one donor.
// Rooms are created by the REST API and read-only here.
type ChatRoom struct {
	ID           string    `json:"id"`
	RequesterUID string    `json:"requester_uid"`
	DonorUID     string    `json:"donor_uid"`
	RequestID    string    `json:"request_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasParticipant reports whether uid is either side of the room.
func (r ChatRoom) HasParticipant(uid string) bool {
	return uid != "" && (r.RequesterUID == uid || r.DonorUID == uid)
}

// SelfChat reports a corrupted room whose two participants are the same user.
func (r ChatRoom) SelfChat() bool {
	return r.RequesterUID == r.DonorUID
}

// Counterparty returns the other participant's uid from uid's point of view.
func (r ChatRoom) Counterparty(uid string) string {
	if r.RequesterUID == uid {
		return r.DonorUID
	}
	return r.RequesterUID
}

// RoleOf returns uid's conversation role.
func (r ChatRoom) RoleOf(uid string) ConversationRole {
	if r.RequesterUID == uid {
		return RoleRequester
	}
	return RoleDonor
}

// ChatMessage is one committed message of a room.
type ChatMessage struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	Text       string    `json:"text"`
	SenderUID  string    `json:"sender_uid"`
	SenderName string    `json:"sender_name"`
	Timestamp  time.Time `json:"timestamp"`
}

// MessageDraft is a message before the store assigns its timestamp.
// ID doubles as the idempotency key for retries.
type MessageDraft struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	SenderUID  string `json:"sender_uid"`
	SenderName string `json:"sender_name"`
}

// InboxEntry is a room enriched for display in the inbox.
type InboxEntry struct {
	ChatID           string           `json:"chat_id"`
	RequesterUID     string           `json:"requester_uid"`
	DonorUID         string           `json:"donor_uid"`
	RequestID        string           `json:"request_id"`
	RequestTitle     string           `json:"request_title"`
	OtherUserName    string           `json:"other_user_name"`
	ConversationRole ConversationRole `json:"conversation_role"`
}
