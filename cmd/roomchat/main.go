package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/klipach/roomchat/chat"
	"github.com/klipach/roomchat/client"
	"github.com/klipach/roomchat/config"
	roomlog "github.com/klipach/roomchat/log"
	"github.com/klipach/roomchat/media"
	"github.com/klipach/roomchat/render"
	"github.com/klipach/roomchat/session"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

const usage = `usage: roomchat [-custom-token T | -google-id-token T] <command> [flags]

commands:
  rooms                          list chat rooms, most recent first
  read -room ID                  print the latest messages of a room
  watch -room ID                 follow a room until interrupted
  send -room ID -text T [-image FILE]
  subscribe -room ID             get push notifications for a room
`

func main() {
	customToken := flag.String("custom-token", os.Getenv("ROOMCHAT_CUSTOM_TOKEN"), "Firebase custom token (see cmd/gentoken -custom)")
	googleIDToken := flag.String("google-id-token", "", "Google ID token for Google sign-in")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, skipping...")
	}
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = roomlog.WithLogger(ctx, logger)

	httpClient := &http.Client{Timeout: cfg.Timeout}
	sess := session.New(cfg.APIKey, httpClient)
	signInCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	switch {
	case *customToken != "":
		_, err = sess.SignInWithCustomToken(signInCtx, *customToken)
	case *googleIDToken != "":
		_, err = sess.SignInWithGoogle(signInCtx, *googleIDToken)
	default:
		err = errors.New("one of -custom-token or -google-id-token is required")
	}
	cancel()
	if err != nil {
		log.Fatalf("error signing in: %v", err)
	}
	defer sess.SignOut()

	fs, err := firestore.NewClient(ctx, cfg.ProjectID, option.WithTokenSource(sess))
	if err != nil {
		log.Fatalf("error creating firestore client: %v", err)
	}
	defer fs.Close()

	c := client.New(
		sess,
		chat.NewStore(fs),
		media.NewClient(cfg.StorageBucket, sess, httpClient),
		client.NewFunctions(cfg.FunctionsURL, sess, httpClient),
		cfg.MessageLimit,
	)
	defer c.Close()

	if err := run(ctx, c, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, cmd string, args []string) error {
	fset := flag.NewFlagSet(cmd, flag.ExitOnError)
	roomID := fset.String("room", "", "chat room id")
	text := fset.String("text", "", "message text")
	imagePath := fset.String("image", "", "image file to attach")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if cmd != "rooms" && *roomID == "" {
		return errors.New("-room is required")
	}

	switch cmd {
	case "rooms":
		view := c.Rooms().Refetch(ctx)
		if view.Err != nil {
			return view.Err
		}
		printRooms(view.Rooms)
	case "read":
		view, err := c.Feed(*roomID).Load(ctx)
		if err != nil {
			return err
		}
		printMessages(view.Messages)
	case "watch":
		return watch(ctx, c, *roomID)
	case "send":
		return send(ctx, c, *roomID, *text, *imagePath)
	case "subscribe":
		if err := c.Subscribe(ctx, *roomID); err != nil {
			return err
		}
		fmt.Println("subscribed to", *roomID)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func watch(ctx context.Context, c *client.Client, roomID string) error {
	room, offer, err := c.OfferSubscription(ctx, roomID)
	if err != nil {
		return err
	}
	fmt.Printf("# %s\n", room.Name)
	if offer {
		fmt.Println("(not a member yet: run `roomchat subscribe -room " + roomID + "` for notifications)")
	}

	var lastSeen int64
	err = c.Feed(roomID).Watch(ctx, func(view client.FeedView) {
		if view.Err != nil {
			fmt.Fprintln(os.Stderr, "Error loading messages:", view.Err)
			return
		}
		var fresh []client.FeedMessage
		for _, m := range view.Messages {
			if m.Timestamp > lastSeen {
				fresh = append(fresh, m)
				lastSeen = m.Timestamp
			}
		}
		printMessages(fresh)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func send(ctx context.Context, c *client.Client, roomID, text, imagePath string) error {
	var image *client.Image
	if imagePath != "" {
		f, err := os.Open(imagePath)
		if err != nil {
			return err
		}
		defer f.Close()
		contentType := mime.TypeByExtension(filepath.Ext(imagePath))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		image = &client.Image{Reader: f, ContentType: contentType}
	}

	sent, err := c.Send(ctx, roomID, text, image)
	if err != nil {
		return err
	}
	if !sent {
		return errors.New("nothing to send: provide -text or -image")
	}
	fmt.Println("sent")
	return nil
}

func printRooms(rooms []chat.Room) {
	for _, r := range rooms {
		last := "never"
		if r.LastMessageTimestamp > 0 {
			last = r.LastMessageAt().Local().Format(time.DateTime)
		}
		fmt.Printf("%-24s %-30s %s\n", r.ID, r.Name, last)
		if r.Description != "" {
			fmt.Printf("%24s %s\n", "", render.Preview(r.Description, 60))
		}
	}
}

func printMessages(messages []client.FeedMessage) {
	for _, m := range messages {
		name := m.DisplayName
		if name == "" {
			name = m.UID
		}
		fmt.Printf("[%s] %s: %s\n", m.SentAt().Local().Format(time.TimeOnly), name, render.Plain(m.Text))
		if m.ImageURL != "" {
			fmt.Printf("    image: %s\n", m.ImageURL)
		}
	}
}
