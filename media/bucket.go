package media

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
)

// Bucket is the server-side view of the Firebase Storage bucket.
type Bucket struct {
	handle *storage.BucketHandle
}

func NewBucket(handle *storage.BucketHandle) *Bucket {
	return &Bucket{handle: handle}
}

// CheckImage verifies that p names an uploaded image.
func (b *Bucket) CheckImage(ctx context.Context, p string) error {
	const op = "media.CheckImage"

	if err := ValidateImagePath(p); err != nil {
		return err
	}
	_, err := b.handle.Object(p).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s: %w: %s", op, ErrImageNotFound, p)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
