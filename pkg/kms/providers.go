package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

func warnf(format string, args ...interface{}) {
	log.Warn().Str("component", "kms").Msgf(format, args...)
}

type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	keyID      string
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "vault client")
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "read VAULT_TOKEN_FILE")
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check")
	}
	return &vaultProvider{
		client:     client,
		mountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "transit"),
		keyID:      getEnvOrDefault("VAULT_KEY_ID", "slugbin-master"),
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/slugbin"),
	}, nil
}

func (v *vaultProvider) Name() string { return "vault" }

func (v *vaultProvider) EncryptWithContext(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	data := map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	if len(aad) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/encrypt/%s", v.mountPath, v.keyID), data)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, errors.New("vault: empty encrypt response")
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext not found")
	}
	return []byte(ciphertext), nil
}

func (v *vaultProvider) DecryptWithContext(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	data := map[string]interface{}{
		"ciphertext": string(ciphertext),
	}
	if len(aad) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/decrypt/%s", v.mountPath, v.keyID), data)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, errors.New("vault: empty decrypt response")
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext not found")
	}
	return base64.StdEncoding.DecodeString(plaintextB64)
}

func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/%s", v.secretPath, key))
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Errorf("secret not found: %s", key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	kmsClient *kms.Client
	smClient  *secretsmanager.Client
	keyID     string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, errors.Wrap(err, "aws config")
	}
	return &awsProvider{
		kmsClient: kms.NewFromConfig(cfg),
		smClient:  secretsmanager.NewFromConfig(cfg),
		keyID:     getEnvOrDefault("KMS_MASTER_KEY_ID", "alias/slugbin-master"),
	}, nil
}

func (a *awsProvider) Name() string { return "aws-kms" }

func awsContext(aad []byte) map[string]string {
	if len(aad) == 0 {
		return nil
	}
	return map[string]string{"context": base64.StdEncoding.EncodeToString(aad)}
}

func (a *awsProvider) EncryptWithContext(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	result, err := a.kmsClient.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             &a.keyID,
		Plaintext:         plaintext,
		EncryptionContext: awsContext(aad),
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms encrypt")
	}
	return result.CiphertextBlob, nil
}

func (a *awsProvider) DecryptWithContext(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	result, err := a.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    ciphertext,
		EncryptionContext: awsContext(aad),
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms decrypt")
	}
	return result.Plaintext, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", errors.Wrapf(err, "get secret %s", key)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

// envProvider is an AES-GCM key from KMS_LOCAL_KEY, meant for development
// and single-node deployments.
type envProvider struct {
	aead cipher.AEAD
}

func NewEnvProvider(key string) (Provider, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, errors.Wrap(err, "KMS_LOCAL_KEY must be base64-encoded")
	}
	if len(decoded) != 32 {
		return nil, errors.Errorf("KMS_LOCAL_KEY must be exactly 32 bytes when decoded (got %d bytes)", len(decoded))
	}
	block, err := aes.NewCipher(decoded)
	if err != nil {
		return nil, errors.Wrap(err, "aes cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "gcm")
	}
	return &envProvider{aead: aead}, nil
}

func (e *envProvider) Name() string { return "local" }

func (e *envProvider) EncryptWithContext(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (e *envProvider) DecryptWithContext(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := e.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, ErrDecryptionFailed
	}
	out, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

func (e *envProvider) GetSecret(_ context.Context, key string) (string, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.Errorf("secret not found: %s", key)
	}
	return val, nil
}
