package push

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"log/slog"
	"strings"

	"firebase.google.com/go/v4/messaging"
	"github.com/klipach/roomchat/chat"
	"github.com/klipach/roomchat/log"
	"github.com/klipach/roomchat/render"
)

const (
	// RoomIDKey is the notification data key carrying the room to open on tap.
	RoomIDKey = "roomId"

	multicastLimit = 500
	imageOnlyBody  = "sent an image"
)

type Sender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type TokenStore interface {
	PushTokens(ctx context.Context, uids []string) (map[string][]string, error)
	RemovePushTokens(ctx context.Context, uid string, tokens ...string) error
}

type Notifier struct {
	sender        Sender
	tokens        TokenStore
	previewLength int
	audit         *stdlog.Logger
	isStale       func(error) bool
}

func NewNotifier(sender Sender, tokens TokenStore, previewLength int, audit *stdlog.Logger) *Notifier {
	return &Notifier{
		sender:        sender,
		tokens:        tokens,
		previewLength: previewLength,
		audit:         audit,
		isStale:       messaging.IsUnregistered,
	}
}

type Result struct {
	Recipients int
	Sent       int
	Failed     int
	Pruned     int
}

// NotifyRoom pushes msg to every subscriber of room except its sender. Tokens
// that FCM reports as unregistered are removed from their owner. A failed
// batch does not stop the others; its error is returned once all are sent.
func (n *Notifier) NotifyRoom(ctx context.Context, room chat.Room, msg chat.Message) (Result, error) {
	const op = "push.NotifyRoom"
	logger := log.LoggerFromContext(ctx)

	var res Result
	recipients := recipients(room, msg.UID)
	res.Recipients = len(recipients)
	if len(recipients) == 0 {
		return res, nil
	}

	byUser, err := n.tokens.PushTokens(ctx, recipients)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	owners := make(map[string]string)
	var tokens []string
	for uid, userTokens := range byUser {
		for _, t := range userTokens {
			if _, dup := owners[t]; dup {
				continue
			}
			owners[t] = uid
			tokens = append(tokens, t)
		}
	}

	notification := &messaging.Notification{
		Title: room.Name,
		Body:  body(msg, n.previewLength),
	}
	stale := make(map[string][]string)
	var errs []error
	for _, batch := range chunk(tokens, multicastLimit) {
		resp, err := n.sender.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens:       batch,
			Notification: notification,
			Data:         map[string]string{RoomIDKey: room.ID},
		})
		if err != nil {
			res.Failed += len(batch)
			errs = append(errs, fmt.Errorf("%s: %w", op, err))
			continue
		}
		res.Sent += resp.SuccessCount
		res.Failed += resp.FailureCount
		for i, r := range resp.Responses {
			if r.Success || !n.isStale(r.Error) {
				continue
			}
			uid := owners[batch[i]]
			stale[uid] = append(stale[uid], batch[i])
		}
	}

	for uid, userTokens := range stale {
		if err := n.tokens.RemovePushTokens(ctx, uid, userTokens...); err != nil {
			logger.Error("error while pruning push tokens",
				slog.String(log.UserIDLogField, uid),
				slog.String(log.ErrorMsgLogField, err.Error()),
			)
			continue
		}
		res.Pruned += len(userTokens)
	}

	if n.audit != nil {
		n.audit.Printf("room=%s message=%s recipients=%d sent=%d failed=%d pruned=%d",
			room.ID, msg.ID, res.Recipients, res.Sent, res.Failed, res.Pruned)
	}
	return res, errors.Join(errs...)
}

// RoomFromData returns the room a tapped notification points at.
func RoomFromData(data map[string]string) (string, bool) {
	roomID := strings.TrimSpace(data[RoomIDKey])
	return roomID, roomID != ""
}

func recipients(room chat.Room, sender string) []string {
	out := make([]string, 0, len(room.PushNotificationSubscribers))
	seen := make(map[string]struct{}, len(room.PushNotificationSubscribers))
	for _, uid := range room.PushNotificationSubscribers {
		if uid == sender || uid == "" {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	return out
}

func body(msg chat.Message, previewLength int) string {
	if preview := render.Preview(msg.Text, previewLength); preview != "" {
		return preview
	}
	return imageOnlyBody
}

func chunk(tokens []string, size int) [][]string {
	var batches [][]string
	for len(tokens) > size {
		batches = append(batches, tokens[:size])
		tokens = tokens[size:]
	}
	if len(tokens) > 0 {
		batches = append(batches, tokens)
	}
	return batches
}
