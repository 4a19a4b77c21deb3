package secrets

import "context"

// Well-known credential names.
const (
	KeyAdvisorAPI      = "advisor_api_key"
	KeyMarketDataToken = "marketdata_token"
)

// Vault resolves named credentials (advisor API keys, market data
// tokens) at runtime. Secrets are encrypted at rest (AES-256-GCM) and
// resolved in-memory only; they never land in settings files.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
