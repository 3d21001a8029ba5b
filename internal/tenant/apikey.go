package tenant

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hounfour/gateway/internal/pool"
)

// APIKey is the stored (hashed) form of a gateway key. The full key shown to
// the user once at creation has the form gw_<key_id>.<secret>.
type APIKey struct {
	KeyID     string
	TenantID  string
	Tier      pool.Tier
	Name      string
	KeyHash   string // bcrypt of the secret part only; KeyID is the lookup
	IsActive  bool
	ExpiresAt *time.Time
}

// KeyStore persists API keys. The in-memory implementation below serves
// tests and single-node deployments; production wires a durable store.
type KeyStore interface {
	Create(ctx context.Context, key *APIKey) error
	Get(ctx context.Context, keyID string) (*APIKey, error)
}

// MemoryKeyStore is a mutex-guarded in-memory KeyStore.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryKeyStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.KeyID]; exists {
		return errors.New("tenant: key id collision")
	}
	cp := *key
	s.keys[key.KeyID] = &cp
	return nil
}

func (s *MemoryKeyStore) Get(_ context.Context, keyID string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

// KeyManager creates and validates API keys.
type KeyManager struct {
	store KeyStore
}

func NewKeyManager(store KeyStore) *KeyManager {
	return &KeyManager{store: store}
}

// CreateKey mints a new key and returns the full secret form exactly once.
func (m *KeyManager) CreateKey(ctx context.Context, tenantID string, tier pool.Tier, name string) (*APIKey, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", err
	}
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", err
	}
	secret := hex.EncodeToString(secretBytes)

	fullKey := fmt.Sprintf("gw_%s.%s", keyID, secret)

	// Hash only the secret part; the id is the lookup handle.
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	key := &APIKey{
		KeyID:    keyID,
		TenantID: tenantID,
		Tier:     tier,
		Name:     name,
		KeyHash:  string(secretHash),
		IsActive: true,
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, "", err
	}
	return key, fullKey, nil
}

// ValidateKey checks a full key (gw_<id>.<secret>) and returns the record.
func (m *KeyManager) ValidateKey(ctx context.Context, fullKey string) (*APIKey, error) {
	if !strings.HasPrefix(fullKey, "gw_") {
		return nil, errors.New("tenant: invalid key format")
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, "gw_"), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, errors.New("tenant: invalid key format")
	}

	key, err := m.store.Get(ctx, parts[0])
	if err != nil {
		return nil, fmt.Errorf("tenant: key lookup failed: %w", err)
	}
	if key == nil {
		return nil, errors.New("tenant: invalid api key")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(parts[1])); err != nil {
		return nil, errors.New("tenant: invalid api key secret")
	}
	if !key.IsActive {
		return nil, errors.New("tenant: api key inactive")
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, errors.New("tenant: api key expired")
	}
	return key, nil
}
