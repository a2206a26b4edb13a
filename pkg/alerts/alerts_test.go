package alerts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binlift/binlift/pkg/types"
)

// TestCheckRaisesAndResolves tests the raise, dedup, and auto-resolve cycle
func TestCheckRaisesAndResolves(t *testing.T) {
	m := NewManager(DefaultThresholds())

	firing := m.Check(&types.SystemStats{JobsPending: 75})
	require.Len(t, firing, 1)
	assert.Equal(t, "queue_depth", firing[0].Rule)
	assert.Equal(t, SeverityWarning, firing[0].Severity)
	assert.Equal(t, StatusActive, firing[0].Status)
	id := firing[0].ID

	// Still firing: same alert, updated value, no duplicate.
	firing = m.Check(&types.SystemStats{JobsPending: 90})
	require.Len(t, firing, 1)
	assert.Equal(t, id, firing[0].ID)
	assert.Equal(t, float64(90), firing[0].Value)

	// Condition cleared: auto-resolved but still listed.
	firing = m.Check(&types.SystemStats{JobsPending: 3})
	assert.Empty(t, firing)

	all := m.List()
	require.Len(t, all, 1)
	assert.Equal(t, StatusResolved, all[0].Status)
	assert.NotNil(t, all[0].ResolvedAt)
}

// TestSeverityEscalation tests warning to critical promotion in place
func TestSeverityEscalation(t *testing.T) {
	m := NewManager(DefaultThresholds())

	firing := m.Check(&types.SystemStats{JobsPending: 75})
	require.Len(t, firing, 1)
	id := firing[0].ID

	firing = m.Check(&types.SystemStats{JobsPending: 500})
	require.Len(t, firing, 1)
	assert.Equal(t, id, firing[0].ID)
	assert.Equal(t, SeverityCritical, firing[0].Severity)
}

// TestFailureRatioMinSample tests that early failures do not alert
func TestFailureRatioMinSample(t *testing.T) {
	m := NewManager(DefaultThresholds())

	// One of two jobs failed: 50% but below the sample floor.
	firing := m.Check(&types.SystemStats{JobsCompleted: 1, JobsFailed: 1})
	assert.Empty(t, firing)

	firing = m.Check(&types.SystemStats{JobsCompleted: 4, JobsFailed: 8})
	require.Len(t, firing, 1)
	assert.Equal(t, "failure_ratio", firing[0].Rule)
	assert.Equal(t, SeverityCritical, firing[0].Severity)
}

// TestMultipleRules tests independent rules firing together
func TestMultipleRules(t *testing.T) {
	m := NewManager(DefaultThresholds())

	firing := m.Check(&types.SystemStats{
		JobsPending:   75,
		OpenBreakers:  2,
		BlobBytesUsed: 11 << 30,
	})
	require.Len(t, firing, 3)

	rules := map[string]bool{}
	for _, a := range firing {
		rules[a.Rule] = true
	}
	assert.True(t, rules["queue_depth"])
	assert.True(t, rules["open_breakers"])
	assert.True(t, rules["blob_usage"])
}

// TestAcknowledgeAndResolve tests the operator lifecycle
func TestAcknowledgeAndResolve(t *testing.T) {
	m := NewManager(DefaultThresholds())

	firing := m.Check(&types.SystemStats{JobsPending: 75})
	require.Len(t, firing, 1)
	id := firing[0].ID

	acked, err := m.Acknowledge(id)
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, acked.Status)
	assert.NotNil(t, acked.AcknowledgedAt)

	resolved, err := m.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)

	_, err = m.Acknowledge(id)
	assert.ErrorIs(t, err, types.ErrConflict)
	_, err = m.Resolve(id)
	assert.ErrorIs(t, err, types.ErrConflict)

	_, err = m.Acknowledge("no-such-alert")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// TestDisabledRule tests that zero thresholds disable rules
func TestDisabledRule(t *testing.T) {
	th := DefaultThresholds()
	th.QueueDepthWarning = 0
	m := NewManager(th)

	firing := m.Check(&types.SystemStats{JobsPending: 100000})
	assert.Empty(t, firing)
}
