package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelToTopicAndKey(t *testing.T) {
	topic, key, err := channelToTopicAndKey(RoomMessagesChannel("room-1"))
	require.NoError(t, err)
	assert.Equal(t, "chat-messages", topic)
	assert.Equal(t, "room-1", key)

	topic, key, err = channelToTopicAndKey(UserRoomsChannel("uid-9"))
	require.NoError(t, err)
	assert.Equal(t, "chat-rooms", topic)
	assert.Equal(t, "uid-9", key)

	_, _, err = channelToTopicAndKey("chat:room::messages")
	assert.Error(t, err)
	_, _, err = channelToTopicAndKey("nonsense")
	assert.Error(t, err)
}

func TestSanitizeGroupID(t *testing.T) {
	assert.Equal(t, "chat-gateway-a-b", sanitizeGroupID("chat-gateway:a/b"))
}

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func exercise(t *testing.T, ps PubSub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	a, err := ps.Subscribe(ctx, RoomMessagesChannel("r1"))
	require.NoError(t, err)
	b, err := ps.Subscribe(ctx, RoomMessagesChannel("r1"), UserRoomsChannel("u1"))
	require.NoError(t, err)

	ev, err := NewEvent(EventMessageAppended, "r1", MessageAppendedPayload{RoomID: "r1", MessageID: "m1"})
	require.NoError(t, err)
	require.NoError(t, ps.Publish(context.Background(), RoomMessagesChannel("r1"), ev))

	// Both subscribers see the same event.
	for _, ch := range []<-chan *Event{a, b} {
		got := receive(t, ch)
		assert.Equal(t, EventMessageAppended, got.Type)
		var p MessageAppendedPayload
		require.NoError(t, got.UnmarshalPayload(&p))
		assert.Equal(t, "m1", p.MessageID)
	}

	ev, err = NewEvent(EventRoomChanged, "r2", RoomChangedPayload{RoomID: "r2", RequesterUID: "u1", DonorUID: "u2"})
	require.NoError(t, err)
	require.NoError(t, ps.Publish(context.Background(), UserRoomsChannel("u1"), ev))
	assert.Equal(t, "r2", receive(t, b).RoomID)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-a:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLocalPubSub(t *testing.T) {
	ps := NewLocalPubSub()
	defer ps.Close()
	exercise(t, ps)
}

func TestRedisPubSub(t *testing.T) {
	mr := miniredis.RunT(t)
	ps := NewRedisPubSubFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer ps.Close()
	exercise(t, ps)
}

func TestNewPubSubRejectsUnknownDriver(t *testing.T) {
	_, err := NewPubSub(Config{Driver: "carrier-pigeon"})
	assert.Error(t, err)
}
