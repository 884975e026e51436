package chat

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/klipach/roomchat/contract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEmulatorStore connects to the Firestore emulator, skipping the test when
// FIRESTORE_EMULATOR_HOST is not set.
func newEmulatorStore(t *testing.T) (*Store, *firestore.Client) {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	client, err := firestore.NewClient(context.Background(), "roomchat-test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewStore(client), client
}

func createRoom(t *testing.T, client *firestore.Client, room contract.FirestoreRoom) string {
	t.Helper()
	id := "room-" + uuid.NewString()
	_, err := client.Collection(contract.RoomsCollection).Doc(id).Set(context.Background(), room)
	require.NoError(t, err)
	return id
}

func TestStoreAddMessage(t *testing.T) {
	store, client := newEmulatorStore(t)
	ctx := context.Background()
	store.now = func() time.Time { return time.UnixMilli(1700000000000) }

	roomID := createRoom(t, client, contract.FirestoreRoom{Name: "General", Members: []string{"u1"}})

	msg, room, err := store.AddMessage(ctx, roomID, "u2", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, "u2", msg.UID)
	assert.Equal(t, int64(1700000000000), msg.Timestamp)
	assert.ElementsMatch(t, []string{"u1", "u2"}, room.Members)

	stored, err := store.Room(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), stored.LastMessageTimestamp)
	assert.ElementsMatch(t, []string{"u1", "u2"}, stored.Members)

	messages, err := store.Messages(ctx, roomID, 50)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, msg, messages[0])
}

func TestStoreAddMessageMissingRoom(t *testing.T) {
	store, _ := newEmulatorStore(t)

	_, _, err := store.AddMessage(context.Background(), "room-"+uuid.NewString(), "u1", "hello", "")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestStoreMessagesPage(t *testing.T) {
	store, client := newEmulatorStore(t)
	ctx := context.Background()
	roomID := createRoom(t, client, contract.FirestoreRoom{Name: "Paged"})

	for i := int64(1); i <= 5; i++ {
		store.now = func() time.Time { return time.UnixMilli(i) }
		_, _, err := store.AddMessage(ctx, roomID, "u1", "msg", "")
		require.NoError(t, err)
	}

	messages, err := store.Messages(ctx, roomID, 3)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{messages[0].Timestamp, messages[1].Timestamp, messages[2].Timestamp})
}

func TestStoreSubscribeAndTokens(t *testing.T) {
	store, client := newEmulatorStore(t)
	ctx := context.Background()
	roomID := createRoom(t, client, contract.FirestoreRoom{Name: "Push"})

	require.NoError(t, store.Subscribe(ctx, roomID, "u1"))
	require.NoError(t, store.Subscribe(ctx, roomID, "u1"))
	room, err := store.Room(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, room.PushNotificationSubscribers)

	assert.ErrorIs(t, store.Subscribe(ctx, "room-"+uuid.NewString(), "u1"), ErrRoomNotFound)

	uid := "user-" + uuid.NewString()
	require.NoError(t, store.AddPushToken(ctx, uid, "t1"))
	require.NoError(t, store.AddPushToken(ctx, uid, "t2"))
	require.NoError(t, store.RemovePushTokens(ctx, uid, "t1"))

	tokens, err := store.PushTokens(ctx, []string{uid, "user-" + uuid.NewString()})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{uid: {"t2"}}, tokens)
}

func TestStoreRoomsMostRecentFirst(t *testing.T) {
	store, client := newEmulatorStore(t)
	ctx := context.Background()
	older := createRoom(t, client, contract.FirestoreRoom{Name: "Older", LastMessageTimestamp: 4000000000000})
	newer := createRoom(t, client, contract.FirestoreRoom{Name: "Newer", LastMessageTimestamp: 4000000000001})

	rooms, err := store.Rooms(ctx)
	require.NoError(t, err)
	var order []string
	for _, r := range rooms {
		if r.ID == older || r.ID == newer {
			order = append(order, r.ID)
		}
	}
	assert.Equal(t, []string{newer, older}, order)
}

func TestStoreWatchMessages(t *testing.T) {
	store, client := newEmulatorStore(t)
	roomID := createRoom(t, client, contract.FirestoreRoom{Name: "Live"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan []Message, 4)
	done := make(chan error, 1)
	go func() {
		done <- store.WatchMessages(ctx, roomID, 10, func(m []Message) { updates <- m }, func(error) {})
	}()

	assert.Empty(t, <-updates)
	_, _, err := store.AddMessage(context.Background(), roomID, "u1", "live", "")
	require.NoError(t, err)

	select {
	case got := <-updates:
		require.Len(t, got, 1)
		assert.Equal(t, "live", got[0].Text)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot after write")
	}

	cancel()
	assert.NoError(t, <-done)
}
