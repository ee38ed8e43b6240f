package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var testPepper = []byte("pepper-pepper-pepper-pepper-pepper-0123")

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(1, 1024, 1, testPepper, WithVerifyPad(0))
	require.NoError(t, err)
	require.NoError(t, h.Start(2))
	t.Cleanup(h.Stop)
	return h
}

func TestHashVerify(t *testing.T) {
	h := newTestHasher(t)
	enc, err := h.Hash(context.Background(), "correct horse")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(enc, "$argon2id$"))

	ok, rehash := h.Verify("correct horse", enc)
	require.True(t, ok)
	require.False(t, rehash)

	ok, _ = h.Verify("wrong horse", enc)
	require.False(t, ok)
}

func TestVerifyMalformed(t *testing.T) {
	h := newTestHasher(t)
	for _, enc := range []string{"", "plain", "$argon2id$v=19$m=1024,t=1,p=1$!!$!!", "$bcrypt$x$y$z$w"} {
		ok, _ := h.Verify("pw", enc)
		require.False(t, ok, enc)
	}
}

func TestVerifyFlagsRehash(t *testing.T) {
	old, err := NewHasher(1, 2048, 1, testPepper, WithVerifyPad(0))
	require.NoError(t, err)
	require.NoError(t, old.Start(1))
	defer old.Stop()
	enc, err := old.Hash(context.Background(), "pw")
	require.NoError(t, err)

	h := newTestHasher(t)
	ok, rehash := h.Verify("pw", enc)
	require.True(t, ok)
	require.True(t, rehash)
}

func TestPepperMatters(t *testing.T) {
	h := newTestHasher(t)
	enc, err := h.Hash(context.Background(), "pw")
	require.NoError(t, err)
	require.NoError(t, h.UpdatePepper([]byte("another-pepper-another-pepper-0123456")))
	ok, _ := h.Verify("pw", enc)
	require.False(t, ok)
}

func TestHashRejects(t *testing.T) {
	h, err := NewHasher(1, 1024, 1, testPepper)
	require.NoError(t, err)
	_, err = h.Hash(context.Background(), "pw")
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, h.Start(1))
	defer h.Stop()
	_, err = h.Hash(context.Background(), strings.Repeat("a", maxPasswordLength+1))
	require.ErrorIs(t, err, ErrTooLong)

	_, err = NewHasher(1, 1024, 1, []byte("short"))
	require.Error(t, err)
}
