package selector

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-faker/faker/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadreworks/cadre/internal/filter"
	"github.com/cadreworks/cadre/internal/photodb"
)

func openSeededDB(t *testing.T) (*sql.DB, int64) {
	t.Helper()

	db, err := photodb.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, photodb.Setup(db))

	collectionID, err := photodb.UpsertCollection(db, photodb.CollectionRow{
		Identifier:  "family",
		DisplayName: faker.Word(),
		Enabled:     true,
		ClassName:   "DummyCollection",
	})
	require.NoError(t, err)
	return db, collectionID
}

func insertPhoto(t *testing.T, db *sql.DB, collectionID int64, captureDate any, cycleCount int) int64 {
	t.Helper()

	var id int64
	err := db.QueryRow(`INSERT INTO photos(collection_id, width, height, capture_date, cycle_count)
		VALUES(?, 800, 600, ?, ?) RETURNING id`, collectionID, captureDate, cycleCount).Scan(&id)
	require.NoError(t, err)
	return id
}

func cycleCounts(t *testing.T, db *sql.DB) map[int64]int {
	t.Helper()

	rows, err := db.Query(`SELECT id, cycle_count FROM photos`)
	require.NoError(t, err)
	defer rows.Close()

	counts := map[int64]int{}
	for rows.Next() {
		var id int64
		var count int
		require.NoError(t, rows.Scan(&id, &count))
		counts[id] = count
	}
	require.NoError(t, rows.Err())
	return counts
}

func mustParse(t *testing.T, source string) filter.Expr {
	t.Helper()
	expr, err := filter.Parse(source)
	require.NoError(t, err)
	return expr
}

func TestCycleFairness(t *testing.T) {
	db, collectionID := openSeededDB(t)

	ids := map[int64]bool{}
	for range 3 {
		ids[insertPhoto(t, db, collectionID, nil, 0)] = true
	}

	expr := mustParse(t, "true")

	// Three shuffled selections cover each photo exactly once.
	seen := map[int64]bool{}
	for range 3 {
		selection, err := Next(db, expr, filter.Shuffle)
		require.NoError(t, err)
		require.NotNil(t, selection)
		assert.True(t, ids[selection.PhotoID])
		assert.False(t, seen[selection.PhotoID], "photo repeated before the cycle completed")
		seen[selection.PhotoID] = true
	}

	for _, count := range cycleCounts(t, db) {
		assert.Equal(t, 1, count)
	}

	// A fourth selection starts the next cycle.
	selection, err := Next(db, expr, filter.Shuffle)
	require.NoError(t, err)
	require.NotNil(t, selection)
	assert.Equal(t, 2, cycleCounts(t, db)[selection.PhotoID])
}

func TestChronologicalSelection(t *testing.T) {
	db, collectionID := openSeededDB(t)

	old := insertPhoto(t, db, collectionID, "2020-01-01T00:00:00Z", 0)
	undated := insertPhoto(t, db, collectionID, nil, 0)
	recent := insertPhoto(t, db, collectionID, "2022-03-15T00:00:00Z", 0)

	expr := mustParse(t, "true")

	selection, err := Next(db, expr, filter.ChronologicalDescending)
	require.NoError(t, err)
	require.NotNil(t, selection)
	assert.Equal(t, recent, selection.PhotoID)

	selection, err = Next(db, expr, filter.ChronologicalDescending)
	require.NoError(t, err)
	require.NotNil(t, selection)
	assert.Equal(t, old, selection.PhotoID)

	// The undated photo is never a candidate; the cycle wraps back to
	// the recent one.
	selection, err = Next(db, expr, filter.ChronologicalDescending)
	require.NoError(t, err)
	require.NotNil(t, selection)
	assert.Equal(t, recent, selection.PhotoID)

	assert.Equal(t, 0, cycleCounts(t, db)[undated])
}

func TestChronologicalAscending(t *testing.T) {
	db, collectionID := openSeededDB(t)

	old := insertPhoto(t, db, collectionID, "2020-01-01T00:00:00Z", 0)
	insertPhoto(t, db, collectionID, "2022-03-15T00:00:00Z", 0)

	selection, err := Next(db, mustParse(t, "true"), filter.ChronologicalAscending)
	require.NoError(t, err)
	require.NotNil(t, selection)
	assert.Equal(t, old, selection.PhotoID)
}

func TestEmptyCandidateSet(t *testing.T) {
	db, _ := openSeededDB(t)

	selection, err := Next(db, mustParse(t, "true"), filter.Shuffle)
	require.NoError(t, err)
	assert.Nil(t, selection)
}

func TestDisabledCollectionIsExcluded(t *testing.T) {
	db, collectionID := openSeededDB(t)
	insertPhoto(t, db, collectionID, nil, 0)

	_, err := db.Exec(`UPDATE collections SET enabled = 0`)
	require.NoError(t, err)

	selection, err := Next(db, mustParse(t, "true"), filter.Shuffle)
	require.NoError(t, err)
	assert.Nil(t, selection)
}

func TestFilterRestrictsCandidates(t *testing.T) {
	db, collectionID := openSeededDB(t)

	var favorite int64
	err := db.QueryRow(`INSERT INTO photos(collection_id, width, height, favorite)
		VALUES(?, 800, 600, 1) RETURNING id`, collectionID).Scan(&favorite)
	require.NoError(t, err)
	insertPhoto(t, db, collectionID, nil, 0)

	for range 2 {
		selection, err := Next(db, mustParse(t, "favorite"), filter.Shuffle)
		require.NoError(t, err)
		require.NotNil(t, selection)
		assert.Equal(t, favorite, selection.PhotoID)
	}
}

func TestDisplayDateIsStamped(t *testing.T) {
	db, collectionID := openSeededDB(t)
	id := insertPhoto(t, db, collectionID, nil, 0)

	before := time.Now().Add(-time.Second)
	selection, err := Next(db, mustParse(t, "true"), filter.Shuffle)
	require.NoError(t, err)
	require.Equal(t, id, selection.PhotoID)

	var stored string
	require.NoError(t, db.QueryRow(`SELECT display_date FROM photos WHERE id = ?`, id).Scan(&stored))

	displayed, err := photodb.ParseTime(stored)
	require.NoError(t, err)
	assert.True(t, displayed.After(before))
}

func TestSurvivorCountsAreKeptOnDeletion(t *testing.T) {
	db, collectionID := openSeededDB(t)

	a := insertPhoto(t, db, collectionID, nil, 2)
	b := insertPhoto(t, db, collectionID, nil, 3)

	_, err := db.Exec(`DELETE FROM photos WHERE id = ?`, b)
	require.NoError(t, err)

	// The survivor keeps its cycle count and remains selectable.
	assert.Equal(t, 2, cycleCounts(t, db)[a])

	selection, err := Next(db, mustParse(t, "true"), filter.Shuffle)
	require.NoError(t, err)
	require.NotNil(t, selection)
	assert.Equal(t, a, selection.PhotoID)
	assert.Equal(t, 3, cycleCounts(t, db)[a])
}
