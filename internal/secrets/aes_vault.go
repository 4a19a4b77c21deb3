package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/quantgraph/quantgraph/pkg/schema"
)

const (
	keySize           = 32
	defaultIterations = 100_000
)

// VaultConfig selects how the vault key is obtained: a raw 32-byte
// MasterKey, or a Passphrase stretched with PBKDF2 over Salt.
type VaultConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

func (cfg VaultConfig) key() ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be %d bytes, got %d", keySize, len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, keySize)
}

// AESVault keeps credentials (advisor API keys, market-data tokens)
// AES-256-GCM encrypted in the secrets table. Each blob is sealed with
// the credential name as additional data, so a ciphertext copied onto
// another entry fails to resolve instead of leaking across names.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault builds a vault over the given secret store.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault gcm mode: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

// seal produces nonce||ciphertext with the credential name bound as
// additional authenticated data.
func (v *AESVault) seal(name string, value []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, value, []byte(name)), nil
}

func (v *AESVault) open(name string, blob []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(blob) < nonceSize {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "stored blob for %q is truncated", name)
	}
	value, err := v.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], []byte(name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault,
			"cannot decrypt %q: wrong vault key or tampered entry", name)
	}
	return value, nil
}

func (v *AESVault) Store(ctx context.Context, name string, value []byte) error {
	blob, err := v.seal(name, value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, name, blob)
}

func (v *AESVault) Resolve(ctx context.Context, name string) ([]byte, error) {
	blob, err := v.store.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	return v.open(name, blob)
}

func (v *AESVault) Delete(ctx context.Context, name string) error {
	return v.store.DeleteSecret(ctx, name)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}
