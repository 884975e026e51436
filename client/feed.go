package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/klipach/roomchat/chat"
	"github.com/klipach/roomchat/log"
	"github.com/klipach/roomchat/render"
	"golang.org/x/sync/errgroup"
)

const imageResolveLimit = 8

// FeedMessage is a message ready for display: sender resolved, image path
// turned into a URL, text rendered.
type FeedMessage struct {
	chat.Message
	DisplayName string
	PhotoURL    string
	ImageURL    string
	HTML        string
}

type FeedView struct {
	Messages       []FeedMessage
	Limit          int
	InitialLoading bool
	Loading        bool
	Err            error
}

// Feed is the state behind a room's message thread: the newest Limit
// messages, growing by the client's page size on FetchMore.
type Feed struct {
	c      *Client
	roomID string
	resize chan struct{}

	mu    sync.Mutex
	state FeedView
}

func (c *Client) Feed(roomID string) *Feed {
	return &Feed{
		c:      c,
		roomID: roomID,
		resize: make(chan struct{}, 1),
		state: FeedView{
			Limit:          c.messageLimit,
			InitialLoading: true,
			Loading:        true,
		},
	}
}

func (f *Feed) State() FeedView {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// FetchMore widens the window by one page and returns the new limit. A
// running Watch resubscribes with it.
func (f *Feed) FetchMore() int {
	view := f.update(func(s *FeedView) {
		s.Limit += f.c.messageLimit
		s.Loading = true
	})
	select {
	case f.resize <- struct{}{}:
	default:
	}
	return view.Limit
}

// Load fetches the current window once.
func (f *Feed) Load(ctx context.Context) (FeedView, error) {
	limit := f.State().Limit
	f.update(func(s *FeedView) { s.Loading = true })

	messages, err := f.c.store.Messages(ctx, f.roomID, limit)
	if err != nil {
		return f.failed(ctx, err), err
	}
	return f.loaded(ctx, messages), nil
}

// Watch delivers every change to the current window until ctx is done or the
// listener fails.
func (f *Feed) Watch(ctx context.Context, onChange func(FeedView)) error {
	for {
		limit := f.State().Limit
		wctx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- f.c.store.WatchMessages(wctx, f.roomID, limit,
				func(messages []chat.Message) {
					onChange(f.loaded(wctx, messages))
				},
				func(err error) {
					onChange(f.failed(wctx, err))
				},
			)
		}()

		select {
		case <-f.resize:
			cancel()
			<-done
		case err := <-done:
			cancel()
			return err
		}
	}
}

func (f *Feed) loaded(ctx context.Context, messages []chat.Message) FeedView {
	enriched := f.enrich(ctx, messages)
	return f.update(func(s *FeedView) {
		s.Messages = enriched
		s.InitialLoading = false
		s.Loading = false
		s.Err = nil
	})
}

func (f *Feed) failed(ctx context.Context, err error) FeedView {
	log.LoggerFromContext(ctx).Error("error while fetching messages",
		slog.String(log.RoomIDLogField, f.roomID),
		slog.String(log.ErrorMsgLogField, err.Error()),
	)
	return f.update(func(s *FeedView) {
		s.InitialLoading = false
		s.Loading = false
		s.Err = err
	})
}

func (f *Feed) update(fn func(*FeedView)) FeedView {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.state)
	return f.state
}

// enrich resolves senders and images. A sender that cannot be resolved is
// shown without name or photo.
func (f *Feed) enrich(ctx context.Context, messages []chat.Message) []FeedMessage {
	logger := log.LoggerFromContext(ctx)

	uids := make([]string, len(messages))
	for i, m := range messages {
		uids[i] = m.UID
	}
	users, err := f.c.users.ResolveAll(ctx, uids)
	if err != nil {
		logger.Warn("error while resolving senders",
			slog.String(log.RoomIDLogField, f.roomID),
			slog.String(log.ErrorMsgLogField, err.Error()),
		)
	}

	out := make([]FeedMessage, len(messages))
	var g errgroup.Group
	g.SetLimit(imageResolveLimit)
	for i, m := range messages {
		info := users[m.UID]
		out[i] = FeedMessage{
			Message:     m,
			DisplayName: info.DisplayName,
			PhotoURL:    info.PhotoURL,
			HTML:        render.HTML(m.Text),
		}
		if m.Image == "" {
			continue
		}
		g.Go(func() error {
			out[i].ImageURL = f.c.images.ResolveImage(ctx, m.Image)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
