package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// identifierAllowed is the whitelist for user_id and key_id characters.
// Path separators, dots, colons, and whitespace are rejected so identifiers
// are safe to embed in storage keys and URLs.
func identifierAllowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	default:
		return false
	}
}

// ValidateIdentifier checks a user_id or key_id against the whitelist.
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("%w: identifier is empty", ErrValidation)
	}
	if len(id) > 128 {
		return fmt.Errorf("%w: identifier exceeds 128 characters", ErrValidation)
	}
	for _, r := range id {
		if !identifierAllowed(r) {
			return fmt.Errorf("%w: identifier contains illegal character %q", ErrValidation, r)
		}
	}
	return nil
}

// ValidatePermissions rejects any permission outside the closed set.
func ValidatePermissions(perms []Permission) error {
	if len(perms) == 0 {
		return fmt.Errorf("%w: permissions are empty", ErrValidation)
	}
	for _, p := range perms {
		switch p {
		case PermissionRead, PermissionWrite, PermissionAdmin:
		default:
			return fmt.Errorf("%w: unknown permission %q", ErrValidation, p)
		}
	}
	return nil
}

// ValidateTier rejects tiers outside the closed set.
func ValidateTier(t APIKeyTier) error {
	switch t {
	case TierBasic, TierStandard, TierPremium, TierEnterprise:
		return nil
	default:
		return fmt.Errorf("%w: unknown tier %q", ErrValidation, t)
	}
}

// Validate checks an AnalysisConfig for illegal values. Zero-valued fields
// are not errors here; ApplyDefaults fills them first.
func (c *AnalysisConfig) Validate() error {
	switch c.AnalysisDepth {
	case DepthBasic, DepthStandard, DepthComprehensive:
	default:
		return fmt.Errorf("%w: unknown analysis_depth %q", ErrValidation, c.AnalysisDepth)
	}
	switch c.TranslationDetail {
	case DetailBasic, DetailStandard, DetailDetailed:
	default:
		return fmt.Errorf("%w: unknown translation_detail %q", ErrValidation, c.TranslationDetail)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout_seconds is negative", ErrValidation)
	}
	if strings.TrimSpace(c.Provider.ProviderID) == "" {
		return fmt.Errorf("%w: provider_id is empty", ErrValidation)
	}
	return nil
}

// ApplyDefaults fills zero-valued config fields with service defaults.
func (c *AnalysisConfig) ApplyDefaults(timeoutSeconds int) {
	if c.AnalysisDepth == "" {
		c.AnalysisDepth = DepthStandard
	}
	if c.TranslationDetail == "" {
		c.TranslationDetail = DetailStandard
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = timeoutSeconds
	}
}

// canonicalConfig is the subset of AnalysisConfig that determines a result.
// The provider API key is excluded: the same file analyzed with the same
// depth, detail, provider, and model yields the same document regardless of
// which credential paid for it.
type canonicalConfig struct {
	AnalysisDepth     AnalysisDepth     `json:"analysis_depth"`
	TranslationDetail TranslationDetail `json:"translation_detail"`
	ProviderID        string            `json:"provider_id"`
	Model             string            `json:"model"`
	EndpointURL       string            `json:"endpoint_url"`
}

// Canonical returns a stable serialization of the result-determining config
// fields. Serializing then parsing yields an identical structure.
func (c *AnalysisConfig) Canonical() string {
	cc := canonicalConfig{
		AnalysisDepth:     c.AnalysisDepth,
		TranslationDetail: c.TranslationDetail,
		ProviderID:        c.Provider.ProviderID,
		Model:             c.Provider.Model,
		EndpointURL:       c.Provider.EndpointURL,
	}
	data, _ := json.Marshal(cc) // struct of strings cannot fail to marshal
	return string(data)
}

// CacheKey derives the deduplication key for a (file, config) pair.
func CacheKey(fileHash string, cfg *AnalysisConfig) string {
	sum := sha256.Sum256([]byte(fileHash + "\x00" + cfg.Canonical()))
	return hex.EncodeToString(sum[:])
}
