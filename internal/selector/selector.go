// Package selector picks the next photo to display. Fairness comes
// from a per-photo cycle counter rather than stored ordering state:
// selection is restricted to the candidates on the lowest cycle, and
// the picked photo is bumped past the pack, so over n calls a fixed
// candidate set of size n is covered exactly once before any repeat.
// The scheme survives photos joining or leaving between calls.
package selector

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cadreworks/cadre/internal/filter"
	"github.com/cadreworks/cadre/internal/photodb"
)

// Selection is the picked photo; the caller resolves a concrete URL
// through the owning collection.
type Selection struct {
	PhotoID      int64
	CollectionID int64
}

// Next atomically picks one photo matching the filter and order,
// stamping its display date and cycle count. Returns (nil, nil) when
// the candidate set is empty.
func Next(db *sql.DB, expr filter.Expr, order filter.Order) (*Selection, error) {
	return next(db, expr, order, time.Now())
}

func next(db *sql.DB, expr filter.Expr, order filter.Order, now time.Time) (*Selection, error) {
	orderSQL, extraFilterSQL := order.SQL()
	if extraFilterSQL == "" {
		extraFilterSQL = "1"
	}

	// The filter compiles from a closed grammar to a whitelisted
	// fragment, so interpolation is safe here.
	query := fmt.Sprintf(
		`WITH candidate_photos AS (
			SELECT photos.id AS id, photos.cycle_count AS cycle_count, photos.capture_date AS capture_date
			FROM photos JOIN collections ON collections.id = photos.collection_id
			WHERE collections.enabled AND (%s) AND (%s)
		),
		bounds AS (
			SELECT MIN(cycle_count) AS mn, MAX(cycle_count) AS mx FROM candidate_photos
		)
		UPDATE photos
		SET cycle_count = (SELECT MAX(mn + 1, mx) FROM bounds),
		    display_date = ?
		WHERE id IN (
			SELECT candidate_photos.id FROM candidate_photos, bounds
			WHERE candidate_photos.cycle_count = bounds.mn
			ORDER BY %s LIMIT 1
		)
		RETURNING id, collection_id`,
		expr.SQL(), extraFilterSQL, orderSQL)

	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var selection Selection
	err = tx.QueryRow(query, photodb.FormatTime(now)).Scan(&selection.PhotoID, &selection.CollectionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select photo: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &selection, nil
}
