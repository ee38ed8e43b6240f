package domain

import (
	"time"
)

const SealedVersion = 1

// SealedPayload is the plaintext that private pastes keep encrypted at rest.
type SealedPayload struct {
	Content   string    `json:"content"`
	Extension string    `json:"extension,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Version   int       `json:"version"`
}

func NewSealedPayload(content, extension string, createdAt time.Time) *SealedPayload {
	return &SealedPayload{
		Content:   content,
		Extension: extension,
		CreatedAt: createdAt,
		Version:   SealedVersion,
	}
}
