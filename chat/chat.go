package chat

import (
	"errors"
	"slices"
	"time"

	"github.com/klipach/roomchat/contract"
)

var (
	ErrRoomNotFound   = errors.New("chat room not found")
	ErrEmptyRoomID    = errors.New("empty room id")
	ErrEmptyMessage   = errors.New("text or image is required")
	ErrInvalidLimit   = errors.New("limit must be positive")
	ErrEmptyPushToken = errors.New("empty push token")
)

type Room struct {
	ID                          string
	Name                        string
	Description                 string
	LastMessageTimestamp        int64
	Members                     []string
	PushNotificationSubscribers []string
}

func (r Room) HasMember(uid string) bool {
	return slices.Contains(r.Members, uid)
}

func (r Room) IsSubscriber(uid string) bool {
	return slices.Contains(r.PushNotificationSubscribers, uid)
}

func (r Room) LastMessageAt() time.Time {
	return time.UnixMilli(r.LastMessageTimestamp)
}

type Message struct {
	ID        string
	UID       string
	Text      string
	Timestamp int64
	Image     string
}

func (m Message) SentAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}

func roomFromDocument(id string, d contract.FirestoreRoom) Room {
	return Room{
		ID:                          id,
		Name:                        d.Name,
		Description:                 d.Description,
		LastMessageTimestamp:        d.LastMessageTimestamp,
		Members:                     d.Members,
		PushNotificationSubscribers: d.PushNotificationSubscribers,
	}
}

func messageFromDocument(id string, d contract.FirestoreMessage) Message {
	return Message{
		ID:        id,
		UID:       d.UID,
		Text:      d.Text,
		Timestamp: d.Timestamp,
		Image:     d.Image,
	}
}

// oldestFirst turns a newest-first page into display order.
func oldestFirst(messages []Message) []Message {
	slices.Reverse(messages)
	return messages
}
