package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns 32 lowercase hex characters of UUIDv4 randomness.
func GenerateID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TempName builds <prefix><id><ext>, e.g. TempName("temp_", ".png").
// It performs no I/O.
func TempName(prefix, ext string) string {
	return prefix + GenerateID() + ext
}
