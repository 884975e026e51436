package media

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	imagesPrefix = "images/"

	// PlaceholderImage is shown in place of an image that can no longer be resolved.
	PlaceholderImage = "assets/images/no-image.jpg"
)

var (
	ErrInvalidImagePath = errors.New("invalid image path")
	ErrImageNotFound    = errors.New("image not found")
)

// NewImagePath names a new upload. The timestamp keeps uploads sortable and the
// uuid keeps two uploads in the same millisecond apart.
func NewImagePath(now time.Time) string {
	return fmt.Sprintf("%s%d-%s", imagesPrefix, now.UnixMilli(), uuid.NewString())
}

// ValidateImagePath accepts only object names under images/.
func ValidateImagePath(p string) error {
	if !strings.HasPrefix(p, imagesPrefix) || len(p) == len(imagesPrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidImagePath, p)
	}
	if path.Clean(p) != p || strings.Contains(p, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidImagePath, p)
	}
	return nil
}
