package roomchat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	firebase "firebase.google.com/go/v4"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/klipach/roomchat/auth"
	"github.com/klipach/roomchat/chat"
	"github.com/klipach/roomchat/config"
	"github.com/klipach/roomchat/contract"
	"github.com/klipach/roomchat/log"
	"github.com/klipach/roomchat/logger"
	"github.com/klipach/roomchat/media"
	"github.com/klipach/roomchat/push"
)

const pushAuditLog = "roomchat-push"

var (
	deployedMu sync.Mutex
	deployed   *Server

	newBackend = newDeployedServer
)

func init() {
	functions.HTTP("sendMessage", SendMessage)
	functions.HTTP("getUserInfo", GetUserInfo)
	functions.HTTP("subscribeToChatRoom", SubscribeToChatRoom)
}

func SendMessage(w http.ResponseWriter, r *http.Request) {
	serveDeployed(w, r, "sendMessage", func(s *Server) callableFunc { return s.sendMessage })
}

func GetUserInfo(w http.ResponseWriter, r *http.Request) {
	serveDeployed(w, r, "getUserInfo", func(s *Server) callableFunc { return s.getUserInfo })
}

func SubscribeToChatRoom(w http.ResponseWriter, r *http.Request) {
	serveDeployed(w, r, "subscribeToChatRoom", func(s *Server) callableFunc { return s.subscribeToChatRoom })
}

// Handler exposes the callables of s under their function names, for local
// runs and tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/sendMessage", s.serveCallable("sendMessage", s.sendMessage))
	mux.Handle("/getUserInfo", s.serveCallable("getUserInfo", s.getUserInfo))
	mux.Handle("/subscribeToChatRoom", s.serveCallable("subscribeToChatRoom", s.subscribeToChatRoom))
	return mux
}

func serveDeployed(w http.ResponseWriter, r *http.Request, name string, pick func(*Server) callableFunc) {
	s, err := deployedServer(r.Context())
	if err != nil {
		log.LoggerFromContext(r.Context()).Error("error while initializing backend",
			slog.String(log.FunctionLogField, name),
			slog.String(log.ErrorMsgLogField, err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, contract.CallableResponse{
			Error: &contract.CallableError{Status: contract.StatusInternal, Message: "internal error"},
		})
		return
	}
	s.serveCallable(name, pick(s))(w, r)
}

// deployedServer builds the instance's Server on first use. A failed build is
// not kept, so the next request tries again.
func deployedServer(ctx context.Context) (*Server, error) {
	deployedMu.Lock()
	defer deployedMu.Unlock()
	if deployed != nil {
		return deployed, nil
	}
	s, err := newBackend(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	deployed = s
	return s, nil
}

// newDeployedServer builds the Server from the function's environment and
// the default service account.
func newDeployedServer(ctx context.Context) (*Server, error) {
	const op = "roomchat.newDeployedServer"

	cfg, err := config.LoadFunctions(ctx)
	if err != nil {
		return nil, err
	}
	handler := log.NewCloudLoggingHandlerWriter(os.Stdout, log.ParseLevel(cfg.LogLevel))

	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:     cfg.ProjectID,
		StorageBucket: cfg.StorageBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	fsClient, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	storageClient, err := app.Storage(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	bucket, err := storageClient.DefaultBucket()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	store := chat.NewStore(fsClient)
	audit, sink := logger.New(ctx, pushAuditLog)

	return NewServer(ServerConfig{
		ProjectID:        cfg.ProjectID,
		MaxMessageLength: cfg.MaxMessageLength,
		Logger:           slog.New(handler),
		Verifier:         authClient,
		Users:            auth.NewDirectory(authClient),
		Rooms:            store,
		Images:           media.NewBucket(bucket),
		Notifier:         push.NewNotifier(msgClient, store, cfg.PreviewLength, audit),
		FlushAudit:       sink.Flush,
	}), nil
}
