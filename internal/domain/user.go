package domain

// UserProfile is the users/{uid} document.
type UserProfile struct {
	UID      string `json:"uid"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// Request is the subset of a fundraising request the chat needs.
type Request struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	RequesterUID string `json:"requester_uid"`
	Status       string `json:"status,omitempty"`
}
