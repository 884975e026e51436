package log

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	ErrorMsgLogField = "errorMsg"
	UserIDLogField   = "userID"
	RoomIDLogField   = "roomID"
	MessageIDField   = "messageID"
	FunctionLogField = "function"

	traceHeader = "X-Cloud-Trace-Context"
)

type ctxKey struct{}

type traceKey struct{}

// CloudLoggingHandler is a slog.Handler implementation for Google Cloud Functions.
type CloudLoggingHandler struct {
	mu    *sync.Mutex
	out   io.Writer
	level slog.Level
	attrs []slog.Attr
}

// NewCloudLoggingHandler creates a new handler that writes logs in Google Cloud structured format to stdout.
func NewCloudLoggingHandler(level slog.Level) *CloudLoggingHandler {
	return NewCloudLoggingHandlerWriter(os.Stdout, level)
}

func NewCloudLoggingHandlerWriter(out io.Writer, level slog.Level) *CloudLoggingHandler {
	return &CloudLoggingHandler{mu: &sync.Mutex{}, out: out, level: level}
}

// Handle processes log records.
func (h *CloudLoggingHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := map[string]any{
		"severity": severity(r.Level),
		"time":     r.Time.Format(time.RFC3339Nano),
		"message":  r.Message,
	}
	if r.Time.IsZero() {
		entry["time"] = time.Now().Format(time.RFC3339Nano)
	}

	if traceID := getTraceID(ctx); traceID != "" {
		entry["logging.googleapis.com/trace"] = traceID
	}

	for _, attr := range h.attrs {
		entry[attr.Key] = attr.Value.Resolve().Any()
	}
	r.Attrs(func(attr slog.Attr) bool {
		entry[attr.Key] = attr.Value.Resolve().Any()
		return true
	})

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	jsonData = append(jsonData, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.out.Write(jsonData)
	return err
}

func (h *CloudLoggingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// WithAttrs returns a new handler with additional attributes.
func (h *CloudLoggingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &CloudLoggingHandler{mu: h.mu, out: h.out, level: h.level, attrs: newAttrs}
}

// WithGroup returns the same handler, as grouping is not implemented.
func (h *CloudLoggingHandler) WithGroup(_ string) slog.Handler {
	return h
}

// severity maps slog levels onto Cloud Logging severities.
func severity(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARNING"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// WithTrace stores the Cloud Trace resource name taken from the request header.
func WithTrace(ctx context.Context, r *http.Request, projectID string) context.Context {
	header := r.Header.Get(traceHeader)
	if header == "" || projectID == "" {
		return ctx
	}
	traceID, _, _ := strings.Cut(header, "/")
	return context.WithValue(ctx, traceKey{}, "projects/"+projectID+"/traces/"+traceID)
}

func getTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(traceKey{}).(string)
	return traceID
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.New(NewCloudLoggingHandler(slog.LevelInfo))
}

// ParseLevel turns a config value ("debug", "info", "warn", "error") into a slog level.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
