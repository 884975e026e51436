package logger

import (
	"context"
	"log"
	"os"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/logging"
)

// Sink controls the buffered Cloud Logging client behind a logger from New.
// The zero value belongs to the stderr fallback and does nothing.
type Sink struct {
	logger *logging.Logger
	client *logging.Client
}

// Flush sends buffered entries. Call it before the function replies, since
// the instance may get no CPU afterwards.
func (s *Sink) Flush() error {
	if s == nil || s.logger == nil {
		return nil
	}
	return s.logger.Flush()
}

func (s *Sink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// New returns a standard logger writing to the Cloud Logging log called name.
// Off GCP it writes to stderr.
func New(ctx context.Context, name string) (*log.Logger, *Sink) {
	fallback := log.New(os.Stderr, name+": ", log.LstdFlags)
	if !metadata.OnGCE() {
		return fallback, &Sink{}
	}

	projectID, err := metadata.ProjectIDWithContext(ctx)
	if err != nil {
		fallback.Printf("failed to get project ID: %v", err)
		return fallback, &Sink{}
	}
	client, err := logging.NewClient(ctx, projectID)
	if err != nil {
		fallback.Printf("failed to create logging client: %v", err)
		return fallback, &Sink{}
	}
	lg := client.Logger(name)
	return lg.StandardLogger(logging.Info), &Sink{logger: lg, client: client}
}
