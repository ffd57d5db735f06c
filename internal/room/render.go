package room

import (
	"time"

	"github.com/ayemish/kindnessconnect/internal/domain"
)

const (
	EmptyText       = "Start the conversation!"
	SendFailedText  = "Failed to send message."
	UnavailableText = "This chat is not available."
	LoadErrorText   = "Failed to load messages."
	DefaultTitle    = "Chat Session"

	LabelSelf     = "You"
	LabelFallback = "Requester"

	AlignRight = "right"
	AlignLeft  = "left"

	TimeLayout = "15:04"
)

// Bubble is one rendered message.
type Bubble struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Mine      bool      `json:"mine"`
	Align     string    `json:"align"`
	Label     string    `json:"label"`
	Time      string    `json:"time"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the room view's render state. ScrollTo names the newest
// bubble so the client keeps the latest message in view.
type Transcript struct {
	RoomID    string   `json:"room_id"`
	Title     string   `json:"title"`
	Bubbles   []Bubble `json:"bubbles"`
	EmptyText string   `json:"empty_text,omitempty"`
	ScrollTo  string   `json:"scroll_to,omitempty"`
	Loading   bool     `json:"loading,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// RenderBubble renders m from uid's point of view in loc.
func RenderBubble(uid string, m domain.ChatMessage, loc *time.Location) Bubble {
	if loc == nil {
		loc = time.UTC
	}
	b := Bubble{
		ID:        m.ID,
		Text:      m.Text,
		Mine:      uid != "" && m.SenderUID == uid,
		Align:     AlignLeft,
		Label:     m.SenderName,
		Time:      m.Timestamp.In(loc).Format(TimeLayout),
		Timestamp: m.Timestamp,
	}
	if b.Mine {
		b.Align = AlignRight
		b.Label = LabelSelf
	} else if b.Label == "" {
		b.Label = LabelFallback
	}
	return b
}

// Render builds the transcript for a message snapshot, which is already
// in commit order.
func Render(roomID, title, uid string, msgs []domain.ChatMessage, loc *time.Location) Transcript {
	t := Transcript{
		RoomID:  roomID,
		Title:   title,
		Bubbles: make([]Bubble, 0, len(msgs)),
	}
	for _, m := range msgs {
		t.Bubbles = append(t.Bubbles, RenderBubble(uid, m, loc))
	}
	if len(t.Bubbles) == 0 {
		t.EmptyText = EmptyText
	} else {
		t.ScrollTo = t.Bubbles[len(t.Bubbles)-1].ID
	}
	return t
}

// Unavailable is the transcript shown for a room the viewer cannot open.
func Unavailable(roomID string) Transcript {
	return Transcript{RoomID: roomID, Title: DefaultTitle, Bubbles: []Bubble{}, Error: UnavailableText}
}
