package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/rs/xid"
)

// NewID returns a random 128-bit hex id, optionally prefixed ("jti_…").
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewSortableID returns a time-ordered id (timestamp + machine + counter).
// Unique within a process; not a secret.
func NewSortableID(prefix string) string {
	id := xid.New().String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
