package domain

import (
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

// NewScriptID returns a fresh script identity.
func NewScriptID() string {
	return uuid.NewString()
}

// NewID returns a lexically sortable id for revisions, blocks, files and episodes.
func NewID() string {
	return ulid.Make().String()
}

// ContentHash returns the hex blake3 digest used to address persisted content.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
