package roomchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/klipach/roomchat/auth"
	"github.com/klipach/roomchat/chat"
	"github.com/klipach/roomchat/contract"
	"github.com/klipach/roomchat/log"
	"github.com/klipach/roomchat/media"
	"github.com/klipach/roomchat/userinfo"
)

const maxRequestBytes = 1 << 20

var (
	errInvalidArgument = errors.New("invalid argument")
	errUnauthenticated = errors.New("unauthenticated")
)

// callableFunc runs one remote procedure for the verified caller uid. data is
// the raw "data" member of the request envelope.
type callableFunc func(ctx context.Context, uid string, data json.RawMessage) (any, error)

// serveCallable implements the Firebase callable envelope around fn.
func (s *Server) serveCallable(name string, fn callableFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := log.WithTrace(r.Context(), r, s.projectID)
		logger := s.logger.With(slog.String(log.FunctionLogField, name))
		ctx = log.WithLogger(ctx, logger)
		logger.InfoContext(ctx, "function called")

		if r.Method != http.MethodPost {
			logger.ErrorContext(ctx, "invalid method: "+r.Method)
			writeError(w, fmt.Errorf("%w: method %s", errInvalidArgument, r.Method))
			return
		}

		token, err := auth.Authenticate(r, s.verifier)
		if err != nil {
			logger.ErrorContext(ctx, "error while authenticating", slog.String(log.ErrorMsgLogField, err.Error()))
			writeError(w, fmt.Errorf("%w: %w", errUnauthenticated, err))
			return
		}
		logger = logger.With(slog.String(log.UserIDLogField, token.UID))
		ctx = log.WithLogger(ctx, logger)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			logger.ErrorContext(ctx, "error while reading request body", slog.String(log.ErrorMsgLogField, err.Error()))
			writeError(w, err)
			return
		}
		var req contract.CallableRequest
		if err := json.Unmarshal(body, &req); err != nil {
			logger.ErrorContext(ctx, "error while decoding request", slog.String(log.ErrorMsgLogField, err.Error()))
			writeError(w, fmt.Errorf("%w: %w", errInvalidArgument, err))
			return
		}

		result, err := fn(ctx, token.UID, req.Data)
		if err != nil {
			logger.ErrorContext(ctx, "function failed", slog.String(log.ErrorMsgLogField, err.Error()))
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, contract.CallableResponse{Result: result})
	}
}

// decodeData unmarshals the envelope's data member into v.
func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("%w: missing data", errInvalidArgument)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", errInvalidArgument, err)
	}
	return nil
}

// mapError turns a handler error into the callable status the client sees.
// Anything unrecognised becomes INTERNAL with a generic message.
func mapError(err error) (int, *contract.CallableError) {
	switch {
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, &contract.CallableError{Status: contract.StatusUnauthenticated, Message: "unauthenticated"}
	case errors.Is(err, errInvalidArgument),
		errors.Is(err, chat.ErrEmptyRoomID),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, media.ErrInvalidImagePath),
		errors.Is(err, media.ErrImageNotFound),
		errors.Is(err, userinfo.ErrEmptyUID):
		return http.StatusBadRequest, &contract.CallableError{Status: contract.StatusInvalidArgument, Message: err.Error()}
	case errors.Is(err, chat.ErrRoomNotFound):
		return http.StatusNotFound, &contract.CallableError{Status: contract.StatusNotFound, Message: chat.ErrRoomNotFound.Error()}
	case errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound, &contract.CallableError{Status: contract.StatusNotFound, Message: auth.ErrUserNotFound.Error()}
	default:
		return http.StatusInternalServerError, &contract.CallableError{Status: contract.StatusInternal, Message: "internal error"}
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, callErr := mapError(err)
	writeJSON(w, code, contract.CallableResponse{Error: callErr})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
