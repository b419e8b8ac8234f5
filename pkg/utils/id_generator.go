// Package utils provides small helpers shared across the client.
package utils

import (
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	ProvisionalIDSize = 21
	nanoidAlphabet    = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// GenerateID returns a random UUID v4 string, used for request ids and the
// device id sent to POST /devices.
func GenerateID() string {
	return uuid.New().String()
}

// ProvisionalID returns a short URL-safe id for records created on the
// device before the server assigns the canonical one: drafts, optimistic
// comments. The "tmp_" prefix keeps them distinguishable from server ids.
func ProvisionalID() string {
	return "tmp_" + gonanoid.MustGenerate(nanoidAlphabet, ProvisionalIDSize)
}

// IsProvisional reports whether id came from ProvisionalID.
func IsProvisional(id string) bool {
	return len(id) > 4 && id[:4] == "tmp_"
}
