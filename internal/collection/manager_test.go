package collection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cadreworks/cadre/internal/photodb"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(openTestDB(t), zap.NewNop())
}

func TestManagerAddAndGet(t *testing.T) {
	m := testManager(t)
	t.Cleanup(m.StopAll)

	col, err := m.Add("family", "", "", false, "DummyCollection", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "family", col.DisplayName, "display name defaults to the identifier")
	assert.Nil(t, col.worker, "disabled collections have no worker")

	got, ok := m.Get("family")
	require.True(t, ok)
	assert.Same(t, col, got)

	_, err = m.Add("family", "", "", false, "DummyCollection", map[string]any{})
	assert.ErrorIs(t, err, photodb.ErrDuplicateIdentifier)

	_, err = m.Add("1bad", "", "", false, "DummyCollection", map[string]any{})
	assert.ErrorIs(t, err, photodb.ErrInvalidIdentifier)

	_, err = m.Add("other", "", "", false, "NoSuchCollection", map[string]any{})
	assert.Error(t, err)

	_, err = m.Add("other", "", "bad cron", false, "DummyCollection", map[string]any{})
	assert.Error(t, err)
}

func TestManagerSettingsValidation(t *testing.T) {
	m := testManager(t)
	t.Cleanup(m.StopAll)

	_, err := m.Add("local", "", "", false, "FileSystemCollection", map[string]any{})
	var settingsErr *SettingsError
	require.ErrorAs(t, err, &settingsErr)
	assert.Contains(t, settingsErr.Fields, "root_path")
}

func TestManagerModifyRespawnsWorker(t *testing.T) {
	m := testManager(t)
	t.Cleanup(m.StopAll)

	col, err := m.Add("family", "", "", true, "DummyCollection", map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, col.worker, "enabled collections run a worker")

	name := "Family photos"
	modified, err := m.Modify(col, Patch{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Family photos", modified.DisplayName)
	assert.Equal(t, col.ID, modified.ID)
	assert.NotNil(t, modified.worker)
	assert.Nil(t, col.worker, "the old worker is drained")

	disabled := false
	modified, err = m.Modify(modified, Patch{Enabled: &disabled})
	require.NoError(t, err)
	assert.Nil(t, modified.worker)
}

func TestManagerRename(t *testing.T) {
	m := testManager(t)
	t.Cleanup(m.StopAll)

	col, err := m.Add("family", "", "", false, "DummyCollection", map[string]any{})
	require.NoError(t, err)
	_, err = m.Add("vacation", "", "", false, "DummyCollection", map[string]any{})
	require.NoError(t, err)

	taken := "vacation"
	_, err = m.Modify(col, Patch{Identifier: &taken})
	assert.ErrorIs(t, err, photodb.ErrDuplicateIdentifier)

	free := "archive"
	renamed, err := m.Modify(col, Patch{Identifier: &free})
	require.NoError(t, err)
	assert.Equal(t, "archive", renamed.Identifier)

	_, ok := m.Get("family")
	assert.False(t, ok)
}

func TestManagerRemoveCascades(t *testing.T) {
	m := testManager(t)
	t.Cleanup(m.StopAll)

	col, err := m.Add("family", "", "", false, "DummyCollection", map[string]any{})
	require.NoError(t, err)

	_, err = m.db.Exec(`INSERT INTO photos(collection_id, width, height) VALUES(?, 800, 600)`, col.ID)
	require.NoError(t, err)

	require.NoError(t, m.Remove(col))

	var count int
	require.NoError(t, m.db.QueryRow(`SELECT COUNT(*) FROM photos`).Scan(&count))
	assert.Zero(t, count)
}

func TestManagerInitReanimatesEnabled(t *testing.T) {
	m := testManager(t)

	_, err := m.Add("family", "", "", true, "DummyCollection", map[string]any{})
	require.NoError(t, err)
	_, err = m.Add("dormant", "", "", false, "DummyCollection", map[string]any{})
	require.NoError(t, err)
	m.StopAll()

	again := NewManager(m.db, zap.NewNop())
	require.NoError(t, again.Init())
	t.Cleanup(again.StopAll)

	col, ok := again.Get("family")
	require.True(t, ok)
	assert.NotNil(t, col.worker)

	col, ok = again.Get("dormant")
	require.True(t, ok)
	assert.Nil(t, col.worker)
}

func TestManagerInitToleratesUnknownClass(t *testing.T) {
	db := openTestDB(t)
	insertCollectionRow(t, db, "mystery", "VanishedCollection", `{}`)

	m := NewManager(db, zap.NewNop())
	require.NoError(t, m.Init())
	t.Cleanup(m.StopAll)

	// The collection is visible but dormant.
	col, ok := m.Get("mystery")
	require.True(t, ok)
	assert.Nil(t, col.Class())
	assert.Nil(t, col.worker)
}

func TestManualScanRequiresEnabledCollection(t *testing.T) {
	m := testManager(t)
	t.Cleanup(m.StopAll)

	_, err := m.Add("family", "", "", false, "DummyCollection", map[string]any{})
	require.NoError(t, err)

	assert.ErrorIs(t, m.ManualScan("family", 0), photodb.ErrNotFound)
	assert.ErrorIs(t, m.ManualScan("ghost", 0), photodb.ErrNotFound)

	enabled := true
	col, _ := m.Get("family")
	_, err = m.Modify(col, Patch{Enabled: &enabled})
	require.NoError(t, err)
	assert.NoError(t, m.ManualScan("family", 0))
}
