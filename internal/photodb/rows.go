package photodb

import (
	"database/sql"
	"fmt"
)

// CollectionRow mirrors one row of the collections table. Settings stay
// as raw JSON here; the strategy layer decodes and validates them.
type CollectionRow struct {
	ID           int64
	Identifier   string
	DisplayName  string
	Schedule     string
	Enabled      bool
	ClassName    string
	SettingsJSON string
}

// UpsertCollection inserts the row, or updates it in place when ID is
// already taken. Returns the row id.
func UpsertCollection(db *sql.DB, row CollectionRow) (int64, error) {
	var id any
	if row.ID != 0 {
		id = row.ID
	}

	var newID int64
	err := db.QueryRow(
		`INSERT INTO collections(id, identifier, display_name, schedule, enabled, class_name, settings_json)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET identifier = excluded.identifier, display_name = excluded.display_name,
		 schedule = excluded.schedule, enabled = excluded.enabled, class_name = excluded.class_name,
		 settings_json = excluded.settings_json
		 RETURNING id`,
		id, row.Identifier, row.DisplayName, row.Schedule, row.Enabled, row.ClassName, row.SettingsJSON).Scan(&newID)
	if err != nil {
		return 0, fmt.Errorf("upsert collection %q: %w", row.Identifier, err)
	}

	return newID, nil
}

func ListCollections(db *sql.DB) ([]CollectionRow, error) {
	rows, err := db.Query(`SELECT id, identifier, display_name, schedule, enabled, class_name, settings_json FROM collections`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var out []CollectionRow
	for rows.Next() {
		var row CollectionRow
		var settings sql.NullString
		if err := rows.Scan(&row.ID, &row.Identifier, &row.DisplayName, &row.Schedule,
			&row.Enabled, &row.ClassName, &settings); err != nil {
			return nil, err
		}
		row.SettingsJSON = settings.String
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteCollection removes the row; owned photos go with it through
// ON DELETE CASCADE.
func DeleteCollection(db *sql.DB, identifier string) error {
	_, err := db.Exec(`DELETE FROM collections WHERE identifier = ?`, identifier)
	if err != nil {
		return fmt.Errorf("delete collection %q: %w", identifier, err)
	}
	return nil
}

// RefreshJobRow mirrors one row of the refresh_jobs table.
type RefreshJobRow struct {
	ID                 int64
	Identifier         string
	DisplayName        string
	Hostname           string
	Schedule           string
	Enabled            bool
	Filter             string
	Order              string
	AfficheOptionsJSON string
	PostCommandID      string
}

func UpsertRefreshJob(db *sql.DB, row RefreshJobRow) (int64, error) {
	var id any
	if row.ID != 0 {
		id = row.ID
	}

	var newID int64
	err := db.QueryRow(
		`INSERT INTO refresh_jobs(id, identifier, display_name, hostname, schedule, enabled, filter, "order", affiche_options_json, post_command_id)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET identifier = excluded.identifier, display_name = excluded.display_name,
		 hostname = excluded.hostname, schedule = excluded.schedule, enabled = excluded.enabled,
		 filter = excluded.filter, "order" = excluded."order",
		 affiche_options_json = excluded.affiche_options_json, post_command_id = excluded.post_command_id
		 RETURNING id`,
		id, row.Identifier, row.DisplayName, row.Hostname, row.Schedule, row.Enabled,
		row.Filter, row.Order, row.AfficheOptionsJSON, row.PostCommandID).Scan(&newID)
	if err != nil {
		return 0, fmt.Errorf("upsert refresh job %q: %w", row.Identifier, err)
	}

	return newID, nil
}

func ListRefreshJobs(db *sql.DB) ([]RefreshJobRow, error) {
	rows, err := db.Query(`SELECT id, identifier, display_name, hostname, schedule, enabled, filter, "order", affiche_options_json, post_command_id FROM refresh_jobs`)
	if err != nil {
		return nil, fmt.Errorf("list refresh jobs: %w", err)
	}
	defer rows.Close()

	var out []RefreshJobRow
	for rows.Next() {
		var row RefreshJobRow
		if err := rows.Scan(&row.ID, &row.Identifier, &row.DisplayName, &row.Hostname, &row.Schedule,
			&row.Enabled, &row.Filter, &row.Order, &row.AfficheOptionsJSON, &row.PostCommandID); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func DeleteRefreshJob(db *sql.DB, identifier string) error {
	_, err := db.Exec(`DELETE FROM refresh_jobs WHERE identifier = ?`, identifier)
	if err != nil {
		return fmt.Errorf("delete refresh job %q: %w", identifier, err)
	}
	return nil
}
