// Package client is the data layer behind the chat screens: room list,
// message feed, sending and push subscription. Everything is a pass-through
// to Firestore, Storage and the callables, except sender lookups, which go
// through a session-wide userinfo.Resolver.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klipach/roomchat/chat"
	"github.com/klipach/roomchat/contract"
	"github.com/klipach/roomchat/media"
	"github.com/klipach/roomchat/push"
	"github.com/klipach/roomchat/session"
	"github.com/klipach/roomchat/userinfo"
)

const DefaultMessageLimit = 50

var (
	ErrNotSignedIn      = errors.New("not signed in")
	ErrSendFailed       = errors.New("error sending message")
	ErrSubscribeFailed  = errors.New("error subscribing to chat room")
	ErrNotificationRoom = errors.New("notification does not point at a room")
)

type Store interface {
	Rooms(ctx context.Context) ([]chat.Room, error)
	WatchRooms(ctx context.Context, onData func([]chat.Room), onErr func(error)) error
	Room(ctx context.Context, roomID string) (chat.Room, error)
	Messages(ctx context.Context, roomID string, limit int) ([]chat.Message, error)
	WatchMessages(ctx context.Context, roomID string, limit int, onData func([]chat.Message), onErr func(error)) error
	AddPushToken(ctx context.Context, uid, token string) error
}

type Images interface {
	Upload(ctx context.Context, path string, r io.Reader, contentType string) error
	ResolveImage(ctx context.Context, path string) string
}

type Remote interface {
	userinfo.Fetcher
	SendMessage(ctx context.Context, req contract.SendMessageRequest) (bool, error)
	SubscribeToChatRoom(ctx context.Context, roomID string) (bool, error)
}

type Identity interface {
	CurrentUser() *session.User
	OnChange(fn func(*session.User)) (unsubscribe func())
}

type Client struct {
	identity     Identity
	store        Store
	images       Images
	remote       Remote
	users        *userinfo.Resolver
	messageLimit int
	now          func() time.Time

	unsubscribe func()
}

// New wires the client. The user-info cache lives as long as the client and is
// emptied whenever the user signs out.
func New(identity Identity, store Store, images Images, remote Remote, messageLimit int) *Client {
	if messageLimit <= 0 {
		messageLimit = DefaultMessageLimit
	}
	c := &Client{
		identity:     identity,
		store:        store,
		images:       images,
		remote:       remote,
		users:        userinfo.New(remote),
		messageLimit: messageLimit,
		now:          time.Now,
	}
	c.unsubscribe = identity.OnChange(func(u *session.User) {
		if u == nil {
			c.users.Clear()
		}
	})
	return c
}

func (c *Client) Close() {
	c.unsubscribe()
}

func (c *Client) currentUID() (string, error) {
	u := c.identity.CurrentUser()
	if u == nil {
		return "", ErrNotSignedIn
	}
	return u.UID, nil
}

// UserInfo resolves a sender through the session cache.
func (c *Client) UserInfo(ctx context.Context, uid string) (userinfo.Info, error) {
	return c.users.Resolve(ctx, uid)
}

type Image struct {
	Reader      io.Reader
	ContentType string
}

// Send uploads the optional image, then asks the backend to store the message.
// Blank text without an image is not sent and reports false.
func (c *Client) Send(ctx context.Context, roomID, text string, image *Image) (bool, error) {
	const op = "client.Send"

	if strings.TrimSpace(text) == "" && image == nil {
		return false, nil
	}
	if _, err := c.currentUID(); err != nil {
		return false, err
	}

	req := contract.SendMessageRequest{RoomID: roomID, Text: text}
	if image != nil {
		req.Image = media.NewImagePath(c.now())
		if err := c.images.Upload(ctx, req.Image, image.Reader, image.ContentType); err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}
	}

	ok, err := c.remote.SendMessage(ctx, req)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return false, ErrSendFailed
	}
	return true, nil
}

// OfferSubscription reports whether the user should be asked about push
// notifications for the room, which is the case until they become a member.
func (c *Client) OfferSubscription(ctx context.Context, roomID string) (chat.Room, bool, error) {
	uid, err := c.currentUID()
	if err != nil {
		return chat.Room{}, false, err
	}
	room, err := c.store.Room(ctx, roomID)
	if err != nil {
		return chat.Room{}, false, err
	}
	return room, !room.HasMember(uid), nil
}

func (c *Client) Subscribe(ctx context.Context, roomID string) error {
	ok, err := c.remote.SubscribeToChatRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("client.Subscribe: %w", err)
	}
	if !ok {
		return ErrSubscribeFailed
	}
	return nil
}

// RegisterPushToken records this device's messaging token for the user.
func (c *Client) RegisterPushToken(ctx context.Context, token string) error {
	uid, err := c.currentUID()
	if err != nil {
		return err
	}
	return c.store.AddPushToken(ctx, uid, token)
}

// RoomFromNotification returns the room a tapped notification should open.
func (c *Client) RoomFromNotification(data map[string]string) (string, error) {
	roomID, ok := push.RoomFromData(data)
	if !ok {
		return "", ErrNotificationRoom
	}
	return roomID, nil
}
