package bus

import (
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes and lengths of the hex part.
const (
	TaskPrefix     = "T"
	SessionPrefix  = "S"
	QuestionPrefix = "Q"
	RequestPrefix  = "R"
)

// NewID returns prefix followed by n hex characters of a random UUID,
// e.g. NewID("T", 8) = "T1a2b3c4d".
func NewID(prefix string, n int) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(hex) {
		n = len(hex)
	}
	return prefix + hex[:n]
}

// IDFunc generates identifiers; tests replace it with a deterministic one.
type IDFunc func(prefix string, n int) string
