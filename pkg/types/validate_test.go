package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestValidateIdentifier tests the identifier character whitelist
func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{name: "simple lowercase", id: "alice", wantErr: false},
		{name: "mixed with dash and underscore", id: "team-7_ops", wantErr: false},
		{name: "empty", id: "", wantErr: true},
		{name: "path separator", id: "a/b", wantErr: true},
		{name: "backslash", id: `a\b`, wantErr: true},
		{name: "dot", id: "a.b", wantErr: true},
		{name: "parent traversal", id: "..", wantErr: true},
		{name: "colon", id: "a:b", wantErr: true},
		{name: "whitespace", id: "a b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestValidatePermissions tests rejection of permissions outside the closed set
func TestValidatePermissions(t *testing.T) {
	assert.NoError(t, ValidatePermissions([]Permission{PermissionRead, PermissionWrite}))
	assert.NoError(t, ValidatePermissions([]Permission{PermissionAdmin}))
	assert.Error(t, ValidatePermissions(nil))
	assert.Error(t, ValidatePermissions([]Permission{"superuser"}))
}

// TestAnalysisConfigValidate tests enum validation after defaults
func TestAnalysisConfigValidate(t *testing.T) {
	cfg := AnalysisConfig{Provider: ProviderParams{ProviderID: "openai"}}
	cfg.ApplyDefaults(1200)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, DepthStandard, cfg.AnalysisDepth)
	assert.Equal(t, DetailStandard, cfg.TranslationDetail)
	assert.Equal(t, 1200, cfg.TimeoutSeconds)

	bad := cfg
	bad.AnalysisDepth = "exhaustive"
	assert.ErrorIs(t, bad.Validate(), ErrValidation)

	bad = cfg
	bad.Provider.ProviderID = ""
	assert.ErrorIs(t, bad.Validate(), ErrValidation)
}

// TestCanonicalStability tests that canonicalization round-trips to an
// identical structure and ignores the API key
func TestCanonicalStability(t *testing.T) {
	cfg := AnalysisConfig{
		AnalysisDepth:     DepthComprehensive,
		TranslationDetail: DetailDetailed,
		TimeoutSeconds:    600,
		Provider: ProviderParams{
			ProviderID:  "anthropic",
			Model:       "claude-sonnet",
			EndpointURL: "https://api.example.com",
			APIKey:      "secret-a",
		},
	}

	first := cfg.Canonical()

	var parsed map[string]string
	require.NoError(t, json.Unmarshal([]byte(first), &parsed))
	assert.Equal(t, "anthropic", parsed["provider_id"])
	assert.NotContains(t, first, "secret-a")

	// Same config with a different credential produces the same key.
	other := cfg
	other.Provider.APIKey = "secret-b"
	assert.Equal(t, first, other.Canonical())
	assert.Equal(t, CacheKey("abc", &cfg), CacheKey("abc", &other))

	// Different model produces a different key.
	other.Provider.Model = "claude-haiku"
	assert.NotEqual(t, CacheKey("abc", &cfg), CacheKey("abc", &other))
}

// TestJobStatusTerminal tests terminal-state classification
func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusInProgress.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
}

// TestPriorityRank tests dequeue ordering of priorities
func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityRank(PriorityUrgent), PriorityRank(PriorityHigh))
	assert.Less(t, PriorityRank(PriorityHigh), PriorityRank(PriorityNormal))
	assert.Less(t, PriorityRank(PriorityNormal), PriorityRank(PriorityLow))
	assert.Greater(t, PriorityRank("bogus"), PriorityRank(PriorityLow))
}

// TestAPIKeyActive tests status and expiry checks
func TestAPIKeyActive(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	key := &APIKey{Status: APIKeyStatusActive}
	assert.True(t, key.Active(now))

	key.ExpiresAt = &future
	assert.True(t, key.Active(now))

	key.ExpiresAt = &past
	assert.False(t, key.Active(now))

	key = &APIKey{Status: APIKeyStatusRevoked}
	assert.False(t, key.Active(now))
}
