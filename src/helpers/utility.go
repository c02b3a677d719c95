package helpers

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateUUID returns a new random identifier for inserted documents.
func GenerateUUID() string {
	return uuid.New().String()
}

// SplitPath splits a dotted field path into its segments.
func SplitPath(path string) []string {
	return strings.Split(path, ".")
}
