package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/klipach/roomchat/chat"
	"github.com/klipach/roomchat/log"
)

type RoomsView struct {
	Rooms   []chat.Room
	Loading bool
	Err     error
}

// RoomList is the state behind the room list screen.
type RoomList struct {
	store Store

	mu    sync.Mutex
	state RoomsView
}

func (c *Client) Rooms() *RoomList {
	return &RoomList{store: c.store, state: RoomsView{Loading: true}}
}

func (l *RoomList) State() RoomsView {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Refetch clears the error flag and loads the list once.
func (l *RoomList) Refetch(ctx context.Context) RoomsView {
	l.update(func(s *RoomsView) {
		s.Loading = true
		s.Err = nil
	})
	rooms, err := l.store.Rooms(ctx)
	if err != nil {
		return l.failed(ctx, err)
	}
	return l.loaded(rooms)
}

// Watch keeps the list current until ctx is done, calling onChange with each
// new state. After a listener error the list keeps its last rooms and carries
// the error until Refetch.
func (l *RoomList) Watch(ctx context.Context, onChange func(RoomsView)) error {
	return l.store.WatchRooms(ctx,
		func(rooms []chat.Room) {
			onChange(l.loaded(rooms))
		},
		func(err error) {
			onChange(l.failed(ctx, err))
		},
	)
}

func (l *RoomList) loaded(rooms []chat.Room) RoomsView {
	return l.update(func(s *RoomsView) {
		s.Rooms = rooms
		s.Loading = false
		s.Err = nil
	})
}

func (l *RoomList) failed(ctx context.Context, err error) RoomsView {
	log.LoggerFromContext(ctx).Error("error while fetching chat rooms", slog.String(log.ErrorMsgLogField, err.Error()))
	return l.update(func(s *RoomsView) {
		s.Loading = false
		s.Err = err
	})
}

func (l *RoomList) update(fn func(*RoomsView)) RoomsView {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.state)
	return l.state
}
