package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/270aldo/ngx-orchestrator/internal/envelope"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New([]envelope.AgentDescriptor{
		{ID: "blaze", Capabilities: []string{"training", "general"}, Priority: 10},
		{ID: "sage", Capabilities: []string{"nutrition"}, Priority: 10},
		{ID: "wave", Capabilities: []string{"recovery", "training"}, Priority: 20},
		{ID: "spark", Capabilities: []string{"motivation"}, Priority: 30, Status: envelope.StatusDegraded},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

func TestNewValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := New([]envelope.AgentDescriptor{{ID: ""}}, logger)
	assert.Error(t, err)

	_, err = New([]envelope.AgentDescriptor{{ID: "a"}, {ID: "a"}}, logger)
	assert.Error(t, err)

	_, err = New([]envelope.AgentDescriptor{{ID: "a", Status: "rebooting"}}, logger)
	assert.Error(t, err)
}

func TestDefaultStatusIsOnline(t *testing.T) {
	r := testRegistry(t)
	d, ok := r.Get("blaze")
	require.True(t, ok)
	assert.Equal(t, envelope.StatusOnline, d.Status)
}

func TestResolveOrdering(t *testing.T) {
	r := testRegistry(t)

	ds := r.Resolve("training")
	require.Len(t, ds, 2)
	assert.Equal(t, "blaze", ds[0].ID)
	assert.Equal(t, "wave", ds[1].ID)
}

func TestResolveDegradedLast(t *testing.T) {
	r := testRegistry(t)
	r.UpdateStatus("blaze", envelope.StatusDegraded)

	ds := r.Resolve("training")
	require.Len(t, ds, 2)
	// wave is still online so it outranks the degraded blaze despite its
	// lower priority.
	assert.Equal(t, "wave", ds[0].ID)
	assert.Equal(t, "blaze", ds[1].ID)
}

func TestResolveExcludesOffline(t *testing.T) {
	r := testRegistry(t)
	r.UpdateStatus("wave", envelope.StatusOffline)

	ds := r.Resolve("recovery")
	assert.Empty(t, ds)
}

func TestUpdateStatusIgnoresUnknownAndInvalid(t *testing.T) {
	r := testRegistry(t)
	r.UpdateStatus("ghost", envelope.StatusOffline)
	r.UpdateStatus("blaze", "rebooting")

	d, ok := r.Get("blaze")
	require.True(t, ok)
	assert.Equal(t, envelope.StatusOnline, d.Status)
}

func TestLoadManifest(t *testing.T) {
	manifest := `
agents:
  - id: blaze
    display_name: BLAZE
    capabilities: [training]
    priority: 10
    fallback_text: "Training is briefly unavailable."
  - id: sage
    capabilities: [nutrition]
    priority: 20
`
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))

	r, err := Load(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "blaze", all[0].ID)
	assert.Equal(t, "BLAZE", all[0].DisplayName)
	assert.Equal(t, "Training is briefly unavailable.", all[0].FallbackText)
}

func TestStats(t *testing.T) {
	r := testRegistry(t)
	stats := r.Stats()
	assert.Equal(t, 4, stats["total"])
	byStatus := stats["by_status"].(map[string]int)
	assert.Equal(t, 3, byStatus["online"])
	assert.Equal(t, 1, byStatus["degraded"])
}
