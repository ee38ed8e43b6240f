package util

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrTokenExpired   = errors.New("deletion token expired")
	ErrTokenForged    = errors.New("deletion token signature invalid")
	ErrTokenMalformed = errors.New("deletion token malformed")
	ErrTokenUsed      = errors.New("deletion token already used")
	ErrTokenKeyUnset  = errors.New("deletion token key not initialized")

	tokenSecretKey []byte
	tokenMu        sync.RWMutex
	usedTokens     UsedTokenTracker
	tokenReplayTTL = 24 * time.Hour
	tokenTiming    = true
)

// payload layout: expiry(8) | paste id(8) | hmac(32)
const tokenPayloadLen = 8 + 8 + sha256.Size

type UsedTokenTracker interface {
	MarkUsed(ctx context.Context, tokenHash string, ttl time.Duration) error
	IsUsed(ctx context.Context, tokenHash string) (bool, error)
}

func InitDeletionTokenKey(secret []byte) error {
	if err := validateKeyEntropy(secret); err != nil {
		return err
	}
	key := make([]byte, chacha20poly1305.KeySize)
	derived := sha256.Sum256(secret)
	copy(key, derived[:])
	tokenMu.Lock()
	tokenSecretKey = key
	tokenMu.Unlock()
	return nil
}

func SetUsedTokenTracker(tracker UsedTokenTracker) {
	tokenMu.Lock()
	usedTokens = tracker
	tokenMu.Unlock()
}

func SetTokenReplayTTL(ttl time.Duration) error {
	if ttl < time.Minute {
		return errors.New("token replay TTL must be at least 1 minute")
	}
	tokenMu.Lock()
	tokenReplayTTL = ttl
	tokenMu.Unlock()
	return nil
}

// SetTokenTiming toggles response time padding. Only tests turn it off.
func SetTokenTiming(on bool) {
	tokenMu.Lock()
	tokenTiming = on
	tokenMu.Unlock()
}

func validateKeyEntropy(secret []byte) error {
	if len(secret) < 32 {
		return errors.New("deletion token key must be at least 32 bytes")
	}
	unique := make(map[byte]struct{})
	for _, b := range secret {
		unique[b] = struct{}{}
	}
	if len(unique) < 16 {
		return errors.New("deletion token key has insufficient entropy (too many repeating bytes)")
	}
	return nil
}

// GenerateDeletionToken issues a sealed token bound to a paste id.
func GenerateDeletionToken(pasteID uint64, validFor time.Duration) (string, error) {
	defer normalizeTokenTiming(time.Now())
	tokenMu.RLock()
	key := tokenSecretKey
	tokenMu.RUnlock()
	if key == nil {
		return "", ErrTokenKeyUnset
	}
	expiry := time.Now().Add(validFor).Unix()
	payload := make([]byte, 16, tokenPayloadLen)
	binary.BigEndian.PutUint64(payload[0:8], uint64(expiry))
	binary.BigEndian.PutUint64(payload[8:16], pasteID)
	payload = append(payload, signToken(key, payload)...)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", errors.Wrap(err, "token cipher")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(payload)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "token nonce")
	}
	return base64.RawURLEncoding.EncodeToString(aead.Seal(nonce, nonce, payload, nil)), nil
}

// VerifyDeletionToken checks a token against a paste id and burns it in the replay tracker.
func VerifyDeletionToken(ctx context.Context, token string, pasteID uint64) error {
	defer normalizeTokenTiming(time.Now())
	tokenMu.RLock()
	key := tokenSecretKey
	tracker := usedTokens
	ttl := tokenReplayTTL
	tokenMu.RUnlock()
	if key == nil {
		return ErrTokenKeyUnset
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return errors.Wrap(err, "token cipher")
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(decoded) < aead.NonceSize()+aead.Overhead() {
		return ErrTokenMalformed
	}
	plaintext, err := aead.Open(nil, decoded[:aead.NonceSize()], decoded[aead.NonceSize():], nil)
	if err != nil || len(plaintext) != tokenPayloadLen {
		return ErrTokenForged
	}
	if subtle.ConstantTimeCompare(plaintext[16:], signToken(key, plaintext[:16])) != 1 {
		return ErrTokenForged
	}
	if binary.BigEndian.Uint64(plaintext[8:16]) != pasteID {
		return ErrTokenForged
	}
	if time.Now().Unix() > int64(binary.BigEndian.Uint64(plaintext[0:8])) {
		return ErrTokenExpired
	}
	if tracker == nil {
		return nil
	}
	tokenHash := HashToken(token)
	used, err := tracker.IsUsed(ctx, tokenHash)
	if err != nil {
		Error().Err(err).Msg("token replay check failed")
		return errors.Wrap(err, "token replay check")
	}
	if used {
		return ErrTokenUsed
	}
	if err := tracker.MarkUsed(ctx, tokenHash, ttl); err != nil {
		Error().Err(err).Msg("failed to mark token as used")
		return errors.Wrap(err, "token mark used")
	}
	return nil
}

// HashToken is the at-rest form of a deletion token.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

func signToken(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

func normalizeTokenTiming(start time.Time) {
	tokenMu.RLock()
	on := tokenTiming
	tokenMu.RUnlock()
	if !on {
		return
	}
	target := time.Duration(30+randomInt(30)) * time.Millisecond
	if elapsed := time.Since(start); elapsed < target {
		time.Sleep(target - elapsed)
	}
}

func randomInt(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return int(n.Int64())
}
