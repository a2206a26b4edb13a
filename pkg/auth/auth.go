package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/binlift/binlift/pkg/log"
	"github.com/binlift/binlift/pkg/storage"
	"github.com/binlift/binlift/pkg/types"
)

// tokenPrefix marks binlift credentials so they are recognizable in secret
// scanners without revealing anything about the key.
const tokenPrefix = "blk_"

// tokenEntropyBytes is the random payload size of a generated token.
const tokenEntropyBytes = 32

// Manager issues and verifies API keys. Tokens are opaque random strings;
// only the salted SHA-256 hash is ever stored.
type Manager struct {
	store storage.Store
	salt  string
}

// NewManager creates a key manager hashing with the given process salt.
func NewManager(store storage.Store, salt string) *Manager {
	return &Manager{store: store, salt: salt}
}

// HashToken derives the stored lookup hash for a bearer token.
func (m *Manager) HashToken(token string) string {
	sum := sha256.Sum256([]byte(m.salt + token))
	return hex.EncodeToString(sum[:])
}

// generateToken mints a fresh bearer token.
func generateToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read entropy: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateKey mints a new API key for the user. The plaintext token is
// returned exactly once; it cannot be recovered afterwards.
func (m *Manager) CreateKey(userID string, tier types.APIKeyTier, perms []types.Permission, expiresAt *time.Time) (*types.APIKey, string, error) {
	if err := types.ValidateIdentifier(userID); err != nil {
		return nil, "", err
	}
	if err := types.ValidateTier(tier); err != nil {
		return nil, "", err
	}
	if err := types.ValidatePermissions(perms); err != nil {
		return nil, "", err
	}

	token, err := generateToken()
	if err != nil {
		return nil, "", err
	}

	key := &types.APIKey{
		KeyID:       uuid.New().String(),
		KeyHash:     m.HashToken(token),
		UserID:      userID,
		Tier:        tier,
		Permissions: perms,
		Status:      types.APIKeyStatusActive,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.PutAPIKey(key); err != nil {
		return nil, "", err
	}

	logger := log.WithComponent("auth")
	logger.Info().
		Str("user_id", userID).
		Str("key_id", key.KeyID).
		Str("tier", string(tier)).
		Msg("API key created")
	return key, token, nil
}

// Authenticate resolves a bearer token to its active key record. The
// token itself is never logged; failed lookups report nothing about why.
func (m *Manager) Authenticate(token string) (*types.APIKey, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing credential", types.ErrUnauthorized)
	}
	key, err := m.store.GetAPIKeyByHash(m.HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("%w: unknown credential", types.ErrUnauthorized)
	}
	if !key.Active(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: credential revoked or expired", types.ErrUnauthorized)
	}

	now := time.Now().UTC()
	key.LastUsedAt = &now
	if err := m.store.PutAPIKey(key); err != nil {
		logger := log.WithComponent("auth")
		logger.Warn().Err(err).Msg("Failed to record key usage")
	}
	return key, nil
}

// Require verifies the key grants the permission.
func Require(key *types.APIKey, perm types.Permission) error {
	if !key.HasPermission(perm) {
		return fmt.Errorf("%w: %s permission required", types.ErrForbidden, perm)
	}
	return nil
}

// ListKeys returns a user's keys.
func (m *Manager) ListKeys(userID string) ([]*types.APIKey, error) {
	if err := types.ValidateIdentifier(userID); err != nil {
		return nil, err
	}
	return m.store.ListAPIKeysByUser(userID)
}

// DeleteKey removes a key permanently.
func (m *Manager) DeleteKey(userID, keyID string) error {
	if err := types.ValidateIdentifier(userID); err != nil {
		return err
	}
	if err := types.ValidateIdentifier(keyID); err != nil {
		return err
	}
	return m.store.DeleteAPIKey(userID, keyID)
}

// Bootstrap mints the first admin key. It is one-shot: once any admin key
// exists, further calls are forbidden.
func (m *Manager) Bootstrap(userID string) (*types.APIKey, string, error) {
	exists, err := m.store.HasAdminKey()
	if err != nil {
		return nil, "", err
	}
	if exists {
		return nil, "", fmt.Errorf("%w: an admin key already exists", types.ErrForbidden)
	}
	return m.CreateKey(userID, types.TierEnterprise,
		[]types.Permission{types.PermissionRead, types.PermissionWrite, types.PermissionAdmin}, nil)
}
