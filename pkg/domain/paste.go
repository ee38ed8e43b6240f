package domain

import (
	"bytes"
	"strings"
	"time"
)

type Privacy string

const (
	PrivacyPublic   Privacy = "public"
	PrivacyUnlisted Privacy = "unlisted"
	PrivacyReadonly Privacy = "readonly"
	PrivacyPrivate  Privacy = "private"
	PrivacySecret   Privacy = "secret"
)

func ParsePrivacy(s string) (Privacy, error) {
	switch p := Privacy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PrivacyUnlisted, nil
	case PrivacyPublic, PrivacyUnlisted, PrivacyReadonly, PrivacyPrivate, PrivacySecret:
		return p, nil
	}
	return "", ErrInvalidPrivacy
}

// Listed pastes show up on the public index.
func (p Privacy) Listed() bool { return p == PrivacyPublic }

// NeedsPassword reports whether a password has to be set at creation.
func (p Privacy) NeedsPassword() bool {
	return p == PrivacyReadonly || p == PrivacyPrivate
}

// Paste is owned by the registry. Values handed out by the registry are
// copies; mutating them has no effect on the stored paste.
type Paste struct {
	ID                uint64
	CustomURL         string
	Content           string
	Extension         string
	Privacy           Privacy
	Editable          bool
	EncryptClient     bool
	EncryptedKey      string
	PasswordHash      string
	DeletionTokenHash string
	SealedContent     []byte
	SealedDEK         []byte
	BurnAfterReads    int
	ReadCount         int
	CreatedAt         time.Time
	LastReadAt        time.Time
	ExpiresAt         time.Time
}

func (p Paste) Clone() Paste {
	p.SealedContent = bytes.Clone(p.SealedContent)
	p.SealedDEK = bytes.Clone(p.SealedDEK)
	return p
}

func (p Paste) HasExpiration() bool {
	return !p.ExpiresAt.IsZero()
}

func (p Paste) Sealed() bool {
	return len(p.SealedContent) > 0
}

type CreateParams struct {
	Content        string
	CustomURL      string
	Extension      string
	Password       string
	Privacy        Privacy
	Editable       bool
	EncryptClient  bool
	EncryptedKey   string
	BurnAfterReads int
	// Duration of zero means the paste never expires.
	Duration time.Duration
}

// View is what callers outside the service get to see of a paste.
type View struct {
	Slug           string     `json:"slug"`
	Content        string     `json:"content"`
	Extension      string     `json:"extension,omitempty"`
	Privacy        Privacy    `json:"privacy"`
	Editable       bool       `json:"editable"`
	EncryptClient  bool       `json:"encrypt_client"`
	EncryptedKey   string     `json:"encrypted_key,omitempty"`
	BurnAfterReads int        `json:"burn_after_reads,omitempty"`
	ReadCount      int        `json:"read_count"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type AuthKind string

const (
	AuthUpload      AuthKind = "upload"
	AuthRaw         AuthKind = "raw"
	AuthEditPrivate AuthKind = "edit_private"
	AuthSecureFile  AuthKind = "secure_file"
	AuthRemove      AuthKind = "remove"
)

// AuthView carries what a client needs to prompt for a password or to
// decrypt a client-side encrypted paste before continuing to Path.
type AuthView struct {
	Slug          string   `json:"id"`
	Status        string   `json:"status"`
	EncryptedKey  string   `json:"encrypted_key"`
	EncryptClient bool     `json:"encrypt_client"`
	Path          AuthKind `json:"path"`
}

type Created struct {
	View          View
	DeletionToken string
}
