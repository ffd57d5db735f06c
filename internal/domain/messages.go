package domain

// WebSocket message types from client.
const (
	MsgTypeAuth        = "auth"
	MsgTypeSendMessage = "send_message"
	MsgTypeSwitchRoom  = "switch_room"
	MsgTypePing        = "ping"
)

// WebSocket message types to client.
const (
	MsgTypeAuthResult = "auth_result"
	MsgTypeInboxState = "inbox_state"
	MsgTypeTranscript = "transcript"
	MsgTypeAlert      = "alert"
	MsgTypeRedirect   = "redirect"
	MsgTypeError      = "error"
	MsgTypePong       = "pong"
)

// Error codes
const (
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeRoomUnavailable = "ROOM_UNAVAILABLE"
	ErrCodeNotMounted      = "NOT_MOUNTED"
)

// BaseMessage is the base structure for all WebSocket messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// Client -> Server messages

type AuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type SendMessageWS struct {
	Type string `json:"type"`
	Text string `json:"text"`
	// DraftID is set when the client retries a failed send.
	DraftID string `json:"draft_id,omitempty"`
}

type SwitchRoomMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// Server -> Client messages

type AuthResultMessage struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Message  string `json:"message,omitempty"`
}

type StateMessage struct {
	Type  string `json:"type"`
	State any    `json:"state"`
}

type AlertMessage struct {
	Type    string        `json:"type"`
	Message string        `json:"message"`
	Draft   *MessageDraft `json:"draft,omitempty"`
}

type RedirectMessage struct {
	Type string `json:"type"`
	To   string `json:"to"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	}
}

func NewRedirectMessage(to string) *RedirectMessage {
	return &RedirectMessage{Type: MsgTypeRedirect, To: to}
}
