package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier without dashes, usable in URLs and as a
// chat transaction id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
