package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klipach/roomchat/chat"
	"github.com/klipach/roomchat/contract"
	"github.com/klipach/roomchat/media"
	"github.com/klipach/roomchat/session"
	"github.com/klipach/roomchat/userinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIdentity struct {
	mu        sync.Mutex
	user      *session.User
	listeners []func(*session.User)
}

func (f *fakeIdentity) CurrentUser() *session.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user
}

func (f *fakeIdentity) OnChange(fn func(*session.User)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeIdentity) set(u *session.User) {
	f.mu.Lock()
	f.user = u
	listeners := f.listeners
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(u)
	}
}

type fakeStore struct {
	rooms      []chat.Room
	roomsErr   error
	messages   []chat.Message
	watchLimit chan int
	tokens     map[string][]string
}

func (f *fakeStore) Rooms(context.Context) ([]chat.Room, error) {
	return f.rooms, f.roomsErr
}

func (f *fakeStore) WatchRooms(ctx context.Context, onData func([]chat.Room), onErr func(error)) error {
	onData(f.rooms)
	onErr(errors.New("listener closed"))
	return nil
}

func (f *fakeStore) Room(_ context.Context, roomID string) (chat.Room, error) {
	for _, r := range f.rooms {
		if r.ID == roomID {
			return r, nil
		}
	}
	return chat.Room{}, chat.ErrRoomNotFound
}

func (f *fakeStore) Messages(_ context.Context, _ string, limit int) ([]chat.Message, error) {
	if len(f.messages) > limit {
		return f.messages[len(f.messages)-limit:], nil
	}
	return f.messages, nil
}

func (f *fakeStore) WatchMessages(ctx context.Context, roomID string, limit int, onData func([]chat.Message), _ func(error)) error {
	f.watchLimit <- limit
	messages, _ := f.Messages(ctx, roomID, limit)
	onData(messages)
	<-ctx.Done()
	return nil
}

func (f *fakeStore) AddPushToken(_ context.Context, uid, token string) error {
	if f.tokens == nil {
		f.tokens = make(map[string][]string)
	}
	f.tokens[uid] = append(f.tokens[uid], token)
	return nil
}

type fakeImages struct {
	mu       sync.Mutex
	uploaded map[string]string
}

func (f *fakeImages) Upload(_ context.Context, path string, r io.Reader, _ string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploaded == nil {
		f.uploaded = make(map[string]string)
	}
	f.uploaded[path] = string(b)
	return nil
}

func (f *fakeImages) ResolveImage(_ context.Context, path string) string {
	if path == "images/missing" {
		return media.PlaceholderImage
	}
	return "https://cdn.test/" + path
}

type fakeRemote struct {
	lookups  atomic.Int32
	users    map[string]userinfo.Info
	sent     []contract.SendMessageRequest
	success  bool
	sendErr  error
	subRooms []string
}

func (f *fakeRemote) FetchUserInfo(_ context.Context, uid string) (userinfo.Info, error) {
	f.lookups.Add(1)
	info, ok := f.users[uid]
	if !ok {
		return userinfo.Info{}, &contract.CallableError{Status: contract.StatusNotFound, Message: "user not found"}
	}
	return info, nil
}

func (f *fakeRemote) SendMessage(_ context.Context, req contract.SendMessageRequest) (bool, error) {
	f.sent = append(f.sent, req)
	return f.success, f.sendErr
}

func (f *fakeRemote) SubscribeToChatRoom(_ context.Context, roomID string) (bool, error) {
	f.subRooms = append(f.subRooms, roomID)
	return f.success, nil
}

type fixture struct {
	identity *fakeIdentity
	store    *fakeStore
	images   *fakeImages
	remote   *fakeRemote
	client   *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		identity: &fakeIdentity{user: &session.User{UID: "me"}},
		store: &fakeStore{
			rooms: []chat.Room{
				{ID: "r1", Name: "General", Members: []string{"me"}},
				{ID: "r2", Name: "Random"},
			},
			watchLimit: make(chan int, 4),
		},
		images: &fakeImages{},
		remote: &fakeRemote{
			success: true,
			users: map[string]userinfo.Info{
				"ann": {DisplayName: "Ann", PhotoURL: "http://x/a.png"},
				"bob": {DisplayName: "Bob"},
			},
		},
	}
	f.client = New(f.identity, f.store, f.images, f.remote, 2)
	t.Cleanup(f.client.Close)
	return f
}

func TestSend(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		image     *Image
		signedOut bool
		success   bool
		want      bool
		wantErr   error
		wantSent  int
	}{
		{name: "text", text: "hello", success: true, want: true, wantSent: 1},
		{name: "blank text without image", text: "  \n", want: false},
		{name: "image only", image: &Image{Reader: strings.NewReader("png"), ContentType: "image/png"}, success: true, want: true, wantSent: 1},
		{name: "signed out", text: "hello", signedOut: true, wantErr: ErrNotSignedIn},
		{name: "rejected by backend", text: "hello", success: false, wantErr: ErrSendFailed, wantSent: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.remote.success = tt.success
			if tt.signedOut {
				f.identity.set(nil)
			}

			got, err := f.client.Send(context.Background(), "r1", tt.text, tt.image)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
			require.Len(t, f.remote.sent, tt.wantSent)
		})
	}
}

func TestSendUploadsImageFirst(t *testing.T) {
	f := newFixture(t)
	f.client.now = func() time.Time { return time.UnixMilli(1700000000123) }

	ok, err := f.client.Send(context.Background(), "r1", "", &Image{Reader: strings.NewReader("png-bytes"), ContentType: "image/png"})
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, f.remote.sent, 1)
	path := f.remote.sent[0].Image
	assert.True(t, strings.HasPrefix(path, "images/1700000000123-"), path)
	assert.Equal(t, "png-bytes", f.images.uploaded[path])
}

func TestSendWrapsTransportError(t *testing.T) {
	f := newFixture(t)
	callErr := &contract.CallableError{Status: contract.StatusNotFound, Message: "chat room not found"}
	f.remote.sendErr = callErr

	_, err := f.client.Send(context.Background(), "gone", "hi", nil)
	var got *contract.CallableError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, contract.StatusNotFound, got.Status)
}

func TestOfferSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, offer, err := f.client.OfferSubscription(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "General", room.Name)
	assert.False(t, offer)

	_, offer, err = f.client.OfferSubscription(ctx, "r2")
	require.NoError(t, err)
	assert.True(t, offer)

	_, _, err = f.client.OfferSubscription(ctx, "nope")
	assert.ErrorIs(t, err, chat.ErrRoomNotFound)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.Subscribe(context.Background(), "r2"))
	assert.Equal(t, []string{"r2"}, f.remote.subRooms)

	f.remote.success = false
	assert.ErrorIs(t, f.client.Subscribe(context.Background(), "r2"), ErrSubscribeFailed)
}

func TestRegisterPushToken(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.RegisterPushToken(context.Background(), "device-1"))
	assert.Equal(t, []string{"device-1"}, f.store.tokens["me"])

	f.identity.set(nil)
	assert.ErrorIs(t, f.client.RegisterPushToken(context.Background(), "device-2"), ErrNotSignedIn)
}

func TestRoomFromNotification(t *testing.T) {
	f := newFixture(t)
	roomID, err := f.client.RoomFromNotification(map[string]string{"roomId": "r1"})
	require.NoError(t, err)
	assert.Equal(t, "r1", roomID)

	_, err = f.client.RoomFromNotification(map[string]string{})
	assert.ErrorIs(t, err, ErrNotificationRoom)
}

func TestUserInfoCachedUntilSignOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := f.client.UserInfo(ctx, "ann")
			assert.NoError(t, err)
			assert.Equal(t, "Ann", info.DisplayName)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), f.remote.lookups.Load())

	f.identity.set(nil)
	_, err := f.client.UserInfo(ctx, "ann")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.remote.lookups.Load())
}

func TestRoomListRefetch(t *testing.T) {
	f := newFixture(t)
	list := f.client.Rooms()
	assert.True(t, list.State().Loading)

	f.store.roomsErr = errors.New("unavailable")
	view := list.Refetch(context.Background())
	assert.False(t, view.Loading)
	assert.Error(t, view.Err)

	f.store.roomsErr = nil
	view = list.Refetch(context.Background())
	assert.NoError(t, view.Err)
	assert.Len(t, view.Rooms, 2)
}

func TestRoomListWatchKeepsRoomsOnError(t *testing.T) {
	f := newFixture(t)
	list := f.client.Rooms()

	var views []RoomsView
	require.NoError(t, list.Watch(context.Background(), func(v RoomsView) { views = append(views, v) }))

	require.Len(t, views, 2)
	assert.Len(t, views[0].Rooms, 2)
	assert.NoError(t, views[0].Err)
	assert.Len(t, views[1].Rooms, 2)
	assert.Error(t, views[1].Err)
}

func TestFeedLoadEnrichesMessages(t *testing.T) {
	f := newFixture(t)
	f.store.messages = []chat.Message{
		{ID: "m1", UID: "ann", Text: "**hi**", Timestamp: 1},
		{ID: "m2", UID: "ghost", Text: "boo", Timestamp: 2},
		{ID: "m3", UID: "bob", Image: "images/missing", Timestamp: 3},
		{ID: "m4", UID: "ann", Image: "images/1-x", Timestamp: 4},
	}

	feed := f.client.Feed("r1")
	view, err := feed.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, view.Limit)
	assert.False(t, view.InitialLoading)

	require.Len(t, view.Messages, 2)
	assert.Equal(t, "Bob", view.Messages[0].DisplayName)
	assert.Equal(t, media.PlaceholderImage, view.Messages[0].ImageURL)
	assert.Equal(t, "Ann", view.Messages[1].DisplayName)
	assert.Equal(t, "http://x/a.png", view.Messages[1].PhotoURL)
	assert.Equal(t, "https://cdn.test/images/1-x", view.Messages[1].ImageURL)

	feed.FetchMore()
	view, err = feed.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, view.Messages, 4)
	assert.Contains(t, view.Messages[0].HTML, "<strong>hi</strong>")
	assert.Empty(t, view.Messages[1].DisplayName)
	assert.Equal(t, "boo", view.Messages[1].Text)
}

func TestFeedWatchResubscribesOnFetchMore(t *testing.T) {
	f := newFixture(t)
	f.store.messages = []chat.Message{
		{ID: "m1", UID: "ann", Text: "a", Timestamp: 1},
		{ID: "m2", UID: "ann", Text: "b", Timestamp: 2},
		{ID: "m3", UID: "bob", Text: "c", Timestamp: 3},
	}
	feed := f.client.Feed("r1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	views := make(chan FeedView, 4)
	done := make(chan error, 1)
	go func() {
		done <- feed.Watch(ctx, func(v FeedView) { views <- v })
	}()

	assert.Equal(t, 2, <-f.store.watchLimit)
	assert.Len(t, (<-views).Messages, 2)

	assert.Equal(t, 4, feed.FetchMore())
	assert.Equal(t, 4, <-f.store.watchLimit)
	assert.Len(t, (<-views).Messages, 3)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
