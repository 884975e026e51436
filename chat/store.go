package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/klipach/roomchat/contract"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	lastMessageTimestampField = "lastMessageTimestamp"
	membersField              = "members"
	subscribersField          = "pushNotificationSubscribers"
	timestampField            = "timestamp"
	fcmTokensField            = "fcmTokens"
)

// Store reads and writes rooms, messages and users in Firestore. Ordering,
// limits and live updates are left to Firestore queries and snapshot listeners.
type Store struct {
	client *firestore.Client
	now    func() time.Time
}

func NewStore(client *firestore.Client) *Store {
	return &Store{client: client, now: time.Now}
}

func (s *Store) roomsQuery() firestore.Query {
	return s.client.Collection(contract.RoomsCollection).OrderBy(lastMessageTimestampField, firestore.Desc)
}

func (s *Store) roomRef(roomID string) *firestore.DocumentRef {
	return s.client.Collection(contract.RoomsCollection).Doc(roomID)
}

func (s *Store) messagesQuery(roomID string, limit int) firestore.Query {
	return s.roomRef(roomID).Collection(contract.MessagesCollection).
		OrderBy(timestampField, firestore.Desc).
		Limit(limit)
}

// Rooms returns every room, most recently active first.
func (s *Store) Rooms(ctx context.Context) ([]Room, error) {
	const op = "chat.Rooms"

	docs, err := s.roomsQuery().Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	rooms, err := roomsFromSnapshots(docs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rooms, nil
}

// WatchRooms calls onData with the full room list every time it changes, until
// ctx is done. A listener error is passed to onErr and ends the watch.
func (s *Store) WatchRooms(ctx context.Context, onData func([]Room), onErr func(error)) error {
	const op = "chat.WatchRooms"

	it := s.roomsQuery().Snapshots(ctx)
	defer it.Stop()
	for {
		snap, err := it.Next()
		if err != nil {
			if watchEnded(ctx, err) {
				return nil
			}
			err = fmt.Errorf("%s: %w", op, err)
			onErr(err)
			return err
		}
		docs, err := snap.Documents.GetAll()
		if err == nil {
			var rooms []Room
			if rooms, err = roomsFromSnapshots(docs); err == nil {
				onData(rooms)
				continue
			}
		}
		err = fmt.Errorf("%s: %w", op, err)
		onErr(err)
		return err
	}
}

func (s *Store) Room(ctx context.Context, roomID string) (Room, error) {
	const op = "chat.Room"

	if roomID == "" {
		return Room{}, ErrEmptyRoomID
	}
	doc, err := s.roomRef(roomID).Get(ctx)
	if err != nil {
		return Room{}, fmt.Errorf("%s: %w", op, notFound(err))
	}
	var d contract.FirestoreRoom
	if err := doc.DataTo(&d); err != nil {
		return Room{}, fmt.Errorf("%s: %w", op, err)
	}
	return roomFromDocument(doc.Ref.ID, d), nil
}

// Messages returns the newest limit messages of a room, oldest first.
func (s *Store) Messages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	const op = "chat.Messages"

	if err := validatePage(roomID, limit); err != nil {
		return nil, err
	}
	docs, err := s.messagesQuery(roomID, limit).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	messages, err := messagesFromSnapshots(docs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return oldestFirst(messages), nil
}

// WatchMessages is the live form of Messages.
func (s *Store) WatchMessages(ctx context.Context, roomID string, limit int, onData func([]Message), onErr func(error)) error {
	const op = "chat.WatchMessages"

	if err := validatePage(roomID, limit); err != nil {
		return err
	}
	it := s.messagesQuery(roomID, limit).Snapshots(ctx)
	defer it.Stop()
	for {
		snap, err := it.Next()
		if err != nil {
			if watchEnded(ctx, err) {
				return nil
			}
			err = fmt.Errorf("%s: %w", op, err)
			onErr(err)
			return err
		}
		docs, err := snap.Documents.GetAll()
		if err == nil {
			var messages []Message
			if messages, err = messagesFromSnapshots(docs); err == nil {
				onData(oldestFirst(messages))
				continue
			}
		}
		err = fmt.Errorf("%s: %w", op, err)
		onErr(err)
		return err
	}
}

// AddMessage stores a message from uid and, in the same transaction, bumps the
// room's last message timestamp and adds uid to its members. It returns the
// stored message and the room as it was updated.
func (s *Store) AddMessage(ctx context.Context, roomID, uid, text, image string) (Message, Room, error) {
	const op = "chat.AddMessage"

	if roomID == "" {
		return Message{}, Room{}, ErrEmptyRoomID
	}
	if strings.TrimSpace(text) == "" && image == "" {
		return Message{}, Room{}, ErrEmptyMessage
	}

	var (
		msg  Message
		room Room
	)
	roomRef := s.roomRef(roomID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(roomRef)
		if err != nil {
			return notFound(err)
		}
		var d contract.FirestoreRoom
		if err := doc.DataTo(&d); err != nil {
			return err
		}

		msgRef := roomRef.Collection(contract.MessagesCollection).NewDoc()
		stored := contract.FirestoreMessage{
			UID:       uid,
			Text:      text,
			Timestamp: s.now().UnixMilli(),
			Image:     image,
		}
		if err := tx.Create(msgRef, stored); err != nil {
			return err
		}
		err = tx.Update(roomRef, []firestore.Update{
			{Path: lastMessageTimestampField, Value: stored.Timestamp},
			{Path: membersField, Value: firestore.ArrayUnion(uid)},
		})
		if err != nil {
			return err
		}

		msg = messageFromDocument(msgRef.ID, stored)
		room = roomFromDocument(roomID, d)
		room.LastMessageTimestamp = stored.Timestamp
		if !room.HasMember(uid) {
			room.Members = append(room.Members, uid)
		}
		return nil
	})
	if err != nil {
		return Message{}, Room{}, fmt.Errorf("%s: %w", op, err)
	}
	return msg, room, nil
}

// Subscribe adds uid to the room's push notification subscribers.
func (s *Store) Subscribe(ctx context.Context, roomID, uid string) error {
	const op = "chat.Subscribe"

	if roomID == "" {
		return ErrEmptyRoomID
	}
	_, err := s.roomRef(roomID).Update(ctx, []firestore.Update{
		{Path: subscribersField, Value: firestore.ArrayUnion(uid)},
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, notFound(err))
	}
	return nil
}

// AddPushToken records a device token for uid, creating the user document
// when needed.
func (s *Store) AddPushToken(ctx context.Context, uid, token string) error {
	const op = "chat.AddPushToken"

	if token == "" {
		return ErrEmptyPushToken
	}
	_, err := s.client.Collection(contract.UsersCollection).Doc(uid).Set(ctx, map[string]any{
		fcmTokensField: firestore.ArrayUnion(token),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) RemovePushTokens(ctx context.Context, uid string, tokens ...string) error {
	const op = "chat.RemovePushTokens"

	if len(tokens) == 0 {
		return nil
	}
	values := make([]any, len(tokens))
	for i, t := range tokens {
		values[i] = t
	}
	_, err := s.client.Collection(contract.UsersCollection).Doc(uid).Update(ctx, []firestore.Update{
		{Path: fcmTokensField, Value: firestore.ArrayRemove(values...)},
	})
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// PushTokens returns the device tokens of each of uids that has any.
func (s *Store) PushTokens(ctx context.Context, uids []string) (map[string][]string, error) {
	const op = "chat.PushTokens"

	if len(uids) == 0 {
		return map[string][]string{}, nil
	}
	refs := make([]*firestore.DocumentRef, len(uids))
	for i, uid := range uids {
		refs[i] = s.client.Collection(contract.UsersCollection).Doc(uid)
	}
	docs, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	tokens := make(map[string][]string, len(docs))
	for _, doc := range docs {
		if !doc.Exists() {
			continue
		}
		var u contract.FirestoreUser
		if err := doc.DataTo(&u); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if len(u.FCMTokens) > 0 {
			tokens[doc.Ref.ID] = u.FCMTokens
		}
	}
	return tokens, nil
}

func roomsFromSnapshots(docs []*firestore.DocumentSnapshot) ([]Room, error) {
	rooms := make([]Room, 0, len(docs))
	for _, doc := range docs {
		var d contract.FirestoreRoom
		if err := doc.DataTo(&d); err != nil {
			return nil, fmt.Errorf("room %s: %w", doc.Ref.ID, err)
		}
		rooms = append(rooms, roomFromDocument(doc.Ref.ID, d))
	}
	return rooms, nil
}

func messagesFromSnapshots(docs []*firestore.DocumentSnapshot) ([]Message, error) {
	messages := make([]Message, 0, len(docs))
	for _, doc := range docs {
		var d contract.FirestoreMessage
		if err := doc.DataTo(&d); err != nil {
			return nil, fmt.Errorf("message %s: %w", doc.Ref.ID, err)
		}
		messages = append(messages, messageFromDocument(doc.Ref.ID, d))
	}
	return messages, nil
}

func validatePage(roomID string, limit int) error {
	if roomID == "" {
		return ErrEmptyRoomID
	}
	if limit <= 0 {
		return ErrInvalidLimit
	}
	return nil
}

// notFound maps Firestore's NotFound status onto ErrRoomNotFound.
func notFound(err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %w", ErrRoomNotFound, err)
	}
	return err
}

// watchEnded reports whether a snapshot iterator stopped because the caller
// went away rather than because the listener failed.
func watchEnded(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled
}
