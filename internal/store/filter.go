package store

import "github.com/ayemish/kindnessconnect/internal/domain"

// Room fields that can be filtered on.
const (
	FieldRequesterUID = "requester_uid"
	FieldDonorUID     = "donor_uid"
	FieldRequestID    = "request_id"
)

// Predicate is an equality test on one room field.
type Predicate struct {
	Field string
	Value string
}

// Eq builds an equality predicate.
func Eq(field, value string) Predicate {
	return Predicate{Field: field, Value: value}
}

// Filter matches a room when any of its predicates does.
type Filter struct {
	AnyOf []Predicate
}

// AnyOf composes predicates with OR.
func AnyOf(preds ...Predicate) Filter {
	return Filter{AnyOf: preds}
}

// ParticipantFilter matches every room uid takes part in.
func ParticipantFilter(uid string) Filter {
	return AnyOf(Eq(FieldRequesterUID, uid), Eq(FieldDonorUID, uid))
}

// Match reports whether p holds for room.
func (p Predicate) Match(room domain.ChatRoom) bool {
	v, ok := RoomField(room, p.Field)
	return ok && v == p.Value
}

// Match reports whether any predicate holds for room.
func (f Filter) Match(room domain.ChatRoom) bool {
	for _, p := range f.AnyOf {
		if p.Match(room) {
			return true
		}
	}
	return false
}

// Participants returns the uids named by participant predicates.
// Stores use it to route change notifications.
func (f Filter) Participants() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range f.AnyOf {
		if p.Field != FieldRequesterUID && p.Field != FieldDonorUID {
			continue
		}
		if _, ok := seen[p.Value]; ok {
			continue
		}
		seen[p.Value] = struct{}{}
		out = append(out, p.Value)
	}
	return out
}

// RoomField returns the value of a filterable field.
func RoomField(room domain.ChatRoom, field string) (string, bool) {
	switch field {
	case FieldRequesterUID:
		return room.RequesterUID, true
	case FieldDonorUID:
		return room.DonorUID, true
	case FieldRequestID:
		return room.RequestID, true
	default:
		return "", false
	}
}
