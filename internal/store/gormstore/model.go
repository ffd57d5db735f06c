package gormstore

import (
	"time"

	"github.com/ayemish/kindnessconnect/internal/domain"
)

// RoomModel is the GORM model for the chat_rooms table.
type RoomModel struct {
	ID           string    `gorm:"type:varchar(64);primaryKey"`
	RequesterUID string    `gorm:"type:varchar(128);not null;index;uniqueIndex:idx_chat_room_triple"`
	DonorUID     string    `gorm:"type:varchar(128);not null;index;uniqueIndex:idx_chat_room_triple"`
	RequestID    string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_chat_room_triple"`
	CreatedAt    time.Time `gorm:"not null;index"`
}

// TableName specifies the table name for RoomModel.
func (RoomModel) TableName() string {
	return "chat_rooms"
}

// ToDomain converts RoomModel to domain ChatRoom.
func (m *RoomModel) ToDomain() domain.ChatRoom {
	return domain.ChatRoom{
		ID:           m.ID,
		RequesterUID: m.RequesterUID,
		DonorUID:     m.DonorUID,
		RequestID:    m.RequestID,
		CreatedAt:    m.CreatedAt.UTC(),
	}
}

// MessageModel is the GORM model for the chat_messages table.
type MessageModel struct {
	ID         string    `gorm:"type:varchar(64);primaryKey"`
	RoomID     string    `gorm:"type:varchar(64);not null;index:idx_chat_message_room_ts,priority:1"`
	Text       string    `gorm:"type:text;not null"`
	SenderUID  string    `gorm:"type:varchar(128);not null"`
	SenderName string    `gorm:"type:varchar(200)"`
	Timestamp  time.Time `gorm:"precision:6;not null;index:idx_chat_message_room_ts,priority:2"`
}

// TableName specifies the table name for MessageModel.
func (MessageModel) TableName() string {
	return "chat_messages"
}

// ToDomain converts MessageModel to domain ChatMessage.
func (m *MessageModel) ToDomain() domain.ChatMessage {
	return domain.ChatMessage{
		ID:         m.ID,
		RoomID:     m.RoomID,
		Text:       m.Text,
		SenderUID:  m.SenderUID,
		SenderName: m.SenderName,
		Timestamp:  m.Timestamp.UTC(),
	}
}

// UserModel is the GORM model for the users table.
type UserModel struct {
	UID      string `gorm:"type:varchar(128);primaryKey"`
	FullName string `gorm:"type:varchar(200)"`
	Email    string `gorm:"type:varchar(254)"`
	Role     string `gorm:"type:varchar(20)"`
}

// TableName specifies the table name for UserModel.
func (UserModel) TableName() string {
	return "users"
}

// ToDomain converts UserModel to domain UserProfile.
func (m *UserModel) ToDomain() *domain.UserProfile {
	return &domain.UserProfile{
		UID:      m.UID,
		FullName: m.FullName,
		Email:    m.Email,
		Role:     m.Role,
	}
}

// Models lists every model for migrations.
func Models() []any {
	return []any{&RoomModel{}, &MessageModel{}, &UserModel{}}
}
