// Package roomchat holds the chat backend: the callable Cloud Functions the
// mobile client invokes to send messages, look up senders and subscribe to
// room notifications.
package roomchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/klipach/roomchat/auth"
	"github.com/klipach/roomchat/chat"
	"github.com/klipach/roomchat/contract"
	"github.com/klipach/roomchat/log"
	"github.com/klipach/roomchat/push"
	"github.com/klipach/roomchat/userinfo"
)

type RoomStore interface {
	AddMessage(ctx context.Context, roomID, uid, text, image string) (chat.Message, chat.Room, error)
	Subscribe(ctx context.Context, roomID, uid string) error
}

type ImageChecker interface {
	CheckImage(ctx context.Context, path string) error
}

type RoomNotifier interface {
	NotifyRoom(ctx context.Context, room chat.Room, msg chat.Message) (push.Result, error)
}

// Server carries the dependencies shared by the callables.
type Server struct {
	projectID        string
	maxMessageLength int
	logger           *slog.Logger

	verifier auth.Verifier
	users    userinfo.Fetcher
	rooms    RoomStore
	images   ImageChecker
	notifier RoomNotifier
	flush    func() error
}

type ServerConfig struct {
	ProjectID        string
	MaxMessageLength int
	Logger           *slog.Logger
	Verifier         auth.Verifier
	Users            userinfo.Fetcher
	Rooms            RoomStore
	Images           ImageChecker
	Notifier         RoomNotifier
	FlushAudit       func() error // run after each notification fan-out
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(log.NewCloudLoggingHandler(slog.LevelInfo))
	}
	return &Server{
		projectID:        cfg.ProjectID,
		maxMessageLength: cfg.MaxMessageLength,
		logger:           logger,
		verifier:         cfg.Verifier,
		users:            cfg.Users,
		rooms:            cfg.Rooms,
		images:           cfg.Images,
		notifier:         cfg.Notifier,
		flush:            cfg.FlushAudit,
	}
}

// sendMessage stores a message from the caller and notifies the room's
// subscribers. A failed write is reported as {success:false}, not an error.
func (s *Server) sendMessage(ctx context.Context, uid string, data json.RawMessage) (any, error) {
	var req contract.SendMessageRequest
	if err := decodeData(data, &req); err != nil {
		return nil, err
	}
	logger := log.LoggerFromContext(ctx).With(slog.String(log.RoomIDLogField, req.RoomID))
	ctx = log.WithLogger(ctx, logger)

	if err := s.validateMessage(ctx, req); err != nil {
		return nil, err
	}

	msg, room, err := s.rooms.AddMessage(ctx, req.RoomID, uid, req.Text, req.Image)
	if err != nil {
		if isClientError(err) {
			return nil, err
		}
		logger.ErrorContext(ctx, "error while storing message", slog.String(log.ErrorMsgLogField, err.Error()))
		return contract.SuccessResponse{Success: false}, nil
	}
	logger = logger.With(slog.String(log.MessageIDField, msg.ID))
	logger.InfoContext(ctx, "message stored")

	if s.notifier != nil {
		res, err := s.notifier.NotifyRoom(ctx, room, msg)
		if err != nil {
			logger.WarnContext(ctx, "error while notifying room", slog.String(log.ErrorMsgLogField, err.Error()))
		} else {
			logger.InfoContext(ctx, "room notified",
				slog.Int("recipients", res.Recipients),
				slog.Int("sent", res.Sent),
				slog.Int("failed", res.Failed),
				slog.Int("pruned", res.Pruned),
			)
		}
		if s.flush != nil {
			if err := s.flush(); err != nil {
				logger.WarnContext(ctx, "error while flushing audit log", slog.String(log.ErrorMsgLogField, err.Error()))
			}
		}
	}
	return contract.SuccessResponse{Success: true}, nil
}

func (s *Server) validateMessage(ctx context.Context, req contract.SendMessageRequest) error {
	if strings.TrimSpace(req.RoomID) == "" {
		return chat.ErrEmptyRoomID
	}
	if strings.TrimSpace(req.Text) == "" && req.Image == "" {
		return chat.ErrEmptyMessage
	}
	if s.maxMessageLength > 0 && utf8.RuneCountInString(req.Text) > s.maxMessageLength {
		return fmt.Errorf("%w: text longer than %d characters", errInvalidArgument, s.maxMessageLength)
	}
	if req.Image != "" {
		if err := s.images.CheckImage(ctx, req.Image); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) getUserInfo(ctx context.Context, _ string, data json.RawMessage) (any, error) {
	var req contract.GetUserInfoRequest
	if err := decodeData(data, &req); err != nil {
		return nil, err
	}
	info, err := s.users.FetchUserInfo(ctx, req.UID)
	if err != nil {
		return nil, err
	}
	return contract.UserInfoResponse{DisplayName: info.DisplayName, PhotoURL: info.PhotoURL}, nil
}

// subscribeToChatRoom adds the caller to the room's push subscribers.
func (s *Server) subscribeToChatRoom(ctx context.Context, uid string, data json.RawMessage) (any, error) {
	var req contract.SubscribeToChatRoomRequest
	if err := decodeData(data, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.RoomID) == "" {
		return nil, chat.ErrEmptyRoomID
	}
	logger := log.LoggerFromContext(ctx).With(slog.String(log.RoomIDLogField, req.RoomID))

	if err := s.rooms.Subscribe(ctx, req.RoomID, uid); err != nil {
		logger.ErrorContext(ctx, "error while subscribing to room", slog.String(log.ErrorMsgLogField, err.Error()))
		return contract.SuccessResponse{Success: false}, nil
	}
	logger.InfoContext(ctx, "subscribed to room")
	return contract.SuccessResponse{Success: true}, nil
}

func isClientError(err error) bool {
	code, _ := mapError(err)
	return code < 500
}
