package kms

import (
	"bytes"
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
)

const opTimeout = 10 * time.Second

// EncryptionContext is bound to a ciphertext as associated data. Decrypting
// with a different context fails.
type EncryptionContext map[string]string

type Provider interface {
	EncryptWithContext(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	DecryptWithContext(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
	Name() string
}

type Policy struct {
	// FailClosed stops a failing primary from falling through to the fallback.
	FailClosed bool
	// RequirePrimary refuses to run without a primary provider.
	RequirePrimary bool
}

// Adapter wraps a primary provider (Vault transit or AWS KMS) and an
// optional local fallback.
type Adapter struct {
	primary  Provider
	fallback Provider
	policy   Policy
}

// NewAdapter picks providers from the environment: Vault when VAULT_ADDR is
// set, else AWS KMS when AWS_REGION is set, with KMS_LOCAL_KEY as fallback.
func NewAdapter(ctx context.Context) (*Adapter, error) {
	policy := Policy{
		FailClosed:     !strings.EqualFold(os.Getenv("KMS_FAIL_CLOSED"), "false"),
		RequirePrimary: strings.EqualFold(os.Getenv("KMS_REQUIRE_PRIMARY"), "true"),
	}
	var primary, fallback Provider
	if os.Getenv("VAULT_ADDR") != "" {
		vp, err := newVaultProvider(ctx)
		if err != nil {
			warnf("vault provider unavailable: %v", err)
		} else {
			primary = vp
		}
	}
	if primary == nil && os.Getenv("AWS_REGION") != "" {
		ap, err := newAWSProvider(ctx)
		if err != nil {
			warnf("aws kms provider unavailable: %v", err)
		} else {
			primary = ap
		}
	}
	if !policy.RequirePrimary {
		if key := os.Getenv("KMS_LOCAL_KEY"); key != "" {
			ep, err := NewEnvProvider(key)
			if err != nil {
				return nil, errors.Wrap(err, "init local provider")
			}
			fallback = ep
		}
	}
	return NewAdapterWith(primary, fallback, policy)
}

func NewAdapterWith(primary, fallback Provider, policy Policy) (*Adapter, error) {
	if primary == nil && policy.RequirePrimary {
		return nil, errors.New("KMS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS KMS)")
	}
	if primary == nil && fallback == nil {
		return nil, errors.New("no KMS providers available (checked Vault, AWS KMS, KMS_LOCAL_KEY)")
	}
	return &Adapter{primary: primary, fallback: fallback, policy: policy}, nil
}

// Providers names the configured providers, primary first.
func (a *Adapter) Providers() []string {
	var names []string
	for _, p := range []Provider{a.primary, a.fallback} {
		if p != nil {
			names = append(names, p.Name())
		}
	}
	return names
}

func (a *Adapter) EncryptWithContext(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	return do(a, "encrypt", func(p Provider) ([]byte, error) {
		return p.EncryptWithContext(ctx, plaintext, aad)
	})
}

func (a *Adapter) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	return do(a, "decrypt", func(p Provider) ([]byte, error) {
		return p.DecryptWithContext(ctx, ciphertext, aad)
	})
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	v, err := do(a, "get secret", func(p Provider) ([]byte, error) {
		s, err := p.GetSecret(ctx, key)
		if err == nil && s == "" {
			err = errors.Errorf("secret %s is empty", key)
		}
		return []byte(s), err
	})
	return string(v), err
}

func do(a *Adapter, op string, fn func(Provider) ([]byte, error)) ([]byte, error) {
	if a.primary != nil {
		out, err := fn(a.primary)
		if err == nil {
			return out, nil
		}
		if a.policy.RequirePrimary || a.policy.FailClosed || a.fallback == nil {
			return nil, errors.Wrapf(err, "kms %s via %s", op, a.primary.Name())
		}
		warnf("kms %s via %s failed, using fallback: %v", op, a.primary.Name(), err)
	}
	if a.fallback != nil {
		out, err := fn(a.fallback)
		return out, errors.Wrapf(err, "kms %s via %s", op, a.fallback.Name())
	}
	return nil, ErrProviderUnavailable
}

// serializeEncryptionContext renders the context in key order so that the
// same map always yields the same associated data.
func serializeEncryptionContext(ctx EncryptionContext) []byte {
	if len(ctx) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ctx[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
