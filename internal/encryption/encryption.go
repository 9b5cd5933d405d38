// Package encryption seals findings payloads before they reach disk. Two
// interchangeable modes exist: "local" hands the payload to pgcrypto inside
// Postgres with a server-held symmetric key; "kms" generates a per-payload
// data key through AWS KMS, encrypts locally with AES-256-GCM, and stores the
// wrapped key next to the ciphertext (envelope encryption). The mode tag is
// persisted with every row, so decryption dispatches on the stored tag rather
// than the currently configured mode — old rows keep their original mode.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/jmoiron/sqlx"

	"github.com/dbpulse/ingest/internal/config"
	"github.com/dbpulse/ingest/internal/models"
)

// ErrDecryptionUnavailable marks a decrypt failure caused by the key service
// being unreachable (network, IAM). It is often transient and must not be
// conflated with corrupt data.
var ErrDecryptionUnavailable = errors.New("decryption unavailable")

// Envelope is a sealed payload plus everything needed to open it later.
// EncryptedDataKey is only set in kms mode.
type Envelope struct {
	Mode             models.EncryptionMode
	Ciphertext       []byte
	EncryptedDataKey []byte
}

// KMSClient is the subset of the AWS KMS API the gateway uses.
type KMSClient interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type Gateway struct {
	mode     models.EncryptionMode
	localKey string
	kmsKeyID string
	kms      KMSClient
}

func New(ctx context.Context, cfg config.EncryptionConfig) (*Gateway, error) {
	g := &Gateway{
		mode:     cfg.Mode,
		localKey: cfg.LocalKey,
		kmsKeyID: cfg.KMSKeyID,
	}

	if cfg.Mode == models.EncryptionModeKMS {
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.KMSRegion),
		}
		if cfg.AccessKeyID != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
			))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		g.kms = kms.NewFromConfig(awsCfg)
	}

	return g, nil
}

// NewWithKMSClient builds a kms-mode gateway around an existing client.
func NewWithKMSClient(client KMSClient, keyID string) *Gateway {
	return &Gateway{
		mode:     models.EncryptionModeKMS,
		kmsKeyID: keyID,
		kms:      client,
	}
}

// NewLocal builds a local-mode gateway around a server-held key.
func NewLocal(key string) *Gateway {
	return &Gateway{
		mode:     models.EncryptionModeLocal,
		localKey: key,
	}
}

func (g *Gateway) Mode() models.EncryptionMode {
	return g.mode
}

// Encrypt seals plaintext under the mode configured for this deployment.
// Local mode executes pgcrypto on q, so callers inside a transaction pass
// their tx and the ciphertext never round-trips through a second session.
func (g *Gateway) Encrypt(ctx context.Context, q sqlx.QueryerContext, plaintext string) (*Envelope, error) {
	switch g.mode {
	case models.EncryptionModeLocal:
		return g.encryptLocal(ctx, q, plaintext)
	case models.EncryptionModeKMS:
		return g.encryptKMS(ctx, plaintext)
	default:
		return nil, fmt.Errorf("unknown encryption mode %q", g.mode)
	}
}

// Decrypt opens an envelope, dispatching on the envelope's own mode tag so
// rows written under a previous deployment mode stay readable.
func (g *Gateway) Decrypt(ctx context.Context, q sqlx.QueryerContext, env *Envelope) (string, error) {
	switch env.Mode {
	case models.EncryptionModeLocal:
		return g.decryptLocal(ctx, q, env)
	case models.EncryptionModeKMS:
		return g.decryptKMS(ctx, env)
	default:
		return "", fmt.Errorf("unknown encryption mode %q on stored payload", env.Mode)
	}
}

func (g *Gateway) encryptLocal(ctx context.Context, q sqlx.QueryerContext, plaintext string) (*Envelope, error) {
	if g.localKey == "" {
		return nil, errors.New("local encryption key not configured")
	}

	var ciphertext []byte
	err := sqlx.GetContext(ctx, q, &ciphertext,
		`SELECT pgp_sym_encrypt($1, $2)`, plaintext, g.localKey)
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}

	return &Envelope{Mode: models.EncryptionModeLocal, Ciphertext: ciphertext}, nil
}

func (g *Gateway) decryptLocal(ctx context.Context, q sqlx.QueryerContext, env *Envelope) (string, error) {
	if g.localKey == "" {
		return "", errors.New("local encryption key not configured")
	}

	var plaintext string
	err := sqlx.GetContext(ctx, q, &plaintext,
		`SELECT pgp_sym_decrypt($1::bytea, $2)`, env.Ciphertext, g.localKey)
	if err != nil {
		return "", fmt.Errorf("decrypting payload: %w", err)
	}

	return plaintext, nil
}

func (g *Gateway) encryptKMS(ctx context.Context, plaintext string) (*Envelope, error) {
	out, err := g.kms.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   &g.kmsKeyID,
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}

	ciphertext, err := aesSeal(out.Plaintext, []byte(plaintext))
	if err != nil {
		return nil, fmt.Errorf("sealing payload: %w", err)
	}

	return &Envelope{
		Mode:             models.EncryptionModeKMS,
		Ciphertext:       ciphertext,
		EncryptedDataKey: out.CiphertextBlob,
	}, nil
}

func (g *Gateway) decryptKMS(ctx context.Context, env *Envelope) (string, error) {
	if g.kms == nil {
		return "", fmt.Errorf("%w: KMS client not configured", ErrDecryptionUnavailable)
	}
	if len(env.EncryptedDataKey) == 0 {
		return "", errors.New("stored payload has no encrypted data key")
	}

	// One KMS round-trip to unwrap the data key, then a local open. A KMS
	// failure here is usually transient, so it gets its own error identity.
	out, err := g.kms.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: env.EncryptedDataKey,
	})
	if err != nil {
		return "", fmt.Errorf("%w: unwrapping data key: %v", ErrDecryptionUnavailable, err)
	}

	plaintext, err := aesOpen(out.Plaintext, env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("opening payload: %w", err)
	}

	return string(plaintext), nil
}

func aesSeal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func aesOpen(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertext, nil)
}
