package collection

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cadreworks/cadre/internal/imageinfo"
	"github.com/cadreworks/cadre/internal/photodb"
)

// FileSystemCollection scans a directory tree for images. Source
// locator per photo: path relative to the root plus the file's
// modification time.
type FileSystemCollection struct{}

func (FileSystemCollection) Name() string { return "FileSystemCollection" }

func (FileSystemCollection) SettingsSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"root_path": map[string]any{"type": "string", "title": "Path"},
		},
		"required": []string{"root_path"},
	}
}

func (FileSystemCollection) SettingsDefault() map[string]any {
	return map[string]any{"root_path": "~/photos"}
}

func (FileSystemCollection) ValidateSettings(settings map[string]any) map[string]string {
	errs := map[string]string{}
	root, ok := settings["root_path"].(string)
	if !ok || root == "" {
		errs["root_path"] = "Missing data for required field."
	}
	for name := range settings {
		if name != "root_path" {
			errs[name] = "Unknown field."
		}
	}
	return errs
}

// realPath expands ~ and resolves symlinks, tolerating targets that do
// not exist yet.
func realPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

func ensureFsDataTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS fs_collections_data(
		photo_id INTEGER PRIMARY KEY REFERENCES photos(id) ON DELETE CASCADE,
		collection_id INTEGER NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
		path TEXT NOT NULL UNIQUE,
		modified_date TEXT NOT NULL,
		scan_token TEXT NOT NULL)`)
	return err
}

func (s *FileSystemCollection) Update(db *sql.DB, col *Collection, cancelled func() bool) error {
	if err := ensureFsDataTable(db); err != nil {
		return fmt.Errorf("create fs data table: %w", err)
	}

	root, err := realPath(stringSetting(col.Settings, "root_path"))
	if err != nil {
		return fmt.Errorf("resolve root path: %w", err)
	}

	log := col.logger()
	log.Info("scanning", zap.String("root", root))

	token := newScanToken()
	var added, updated int

	walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if cancelled() {
			log.Info("scan was cancelled")
			return fs.SkipAll
		}

		fileInfo, err := entry.Info()
		if err != nil {
			return nil
		}

		localPath := filepath.ToSlash(strings.TrimPrefix(strings.TrimPrefix(path, root), "/"))
		isNew, err := s.visitFile(db, col, token, path, localPath, fileInfo.ModTime())
		if err != nil {
			log.Warn("skipping file", zap.String("path", localPath), zap.Error(err))
			return nil
		}
		switch isNew {
		case visitAdded:
			added++
		case visitUpdated:
			updated++
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, fs.SkipAll) {
		return fmt.Errorf("scan %q: %w", root, walkErr)
	}

	deleted := 0
	if !cancelled() {
		deleted, err = sweepStale(db, "fs_collections_data", col.ID, token)
		if err != nil {
			return err
		}
	}

	log.Info("collection refreshed",
		zap.Int("added", added), zap.Int("updated", updated), zap.Int("deleted", deleted))
	return nil
}

type visitResult int

const (
	visitUnchanged visitResult = iota
	visitAdded
	visitUpdated
	visitSkipped
)

func (s *FileSystemCollection) visitFile(db *sql.DB, col *Collection, token,
	absPath, localPath string, modified time.Time) (visitResult, error) {

	var photoID int64
	var storedModified string
	err := db.QueryRow(`SELECT photo_id, modified_date FROM fs_collections_data WHERE collection_id = ? AND path = ?`,
		col.ID, localPath).Scan(&photoID, &storedModified)
	known := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return visitSkipped, err
	}

	if known {
		previous, err := photodb.ParseTime(storedModified)
		if err == nil && !modified.After(previous) {
			_, err := db.Exec(`UPDATE fs_collections_data SET scan_token = ? WHERE photo_id = ?`, token, photoID)
			return visitUnchanged, err
		}
	}

	info, err := imageinfo.Probe(absPath)
	if err != nil {
		// Not an image; leave any stale row for the sweep.
		return visitSkipped, nil
	}

	if !known {
		err = db.QueryRow(`INSERT INTO photos(collection_id, display_date, format, width, height, favorite, capture_date)
			VALUES(?, NULL, ?, ?, ?, NULL, ?) RETURNING id`,
			col.ID, info.Format, info.Width, info.Height,
			photodb.FormatNullableTime(info.CaptureDate)).Scan(&photoID)
		if err != nil {
			return visitSkipped, fmt.Errorf("insert photo %q: %w", localPath, err)
		}
	} else {
		_, err = db.Exec(`UPDATE photos SET format = ?, width = ?, height = ?, capture_date = ? WHERE id = ?`,
			info.Format, info.Width, info.Height, photodb.FormatNullableTime(info.CaptureDate), photoID)
		if err != nil {
			return visitSkipped, fmt.Errorf("update photo %q: %w", localPath, err)
		}
	}

	_, err = db.Exec(`INSERT INTO fs_collections_data(photo_id, collection_id, path, modified_date, scan_token)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(photo_id) DO UPDATE SET modified_date = excluded.modified_date, scan_token = excluded.scan_token`,
		photoID, col.ID, localPath, photodb.FormatTime(modified), token)
	if err != nil {
		return visitSkipped, fmt.Errorf("upsert fs data %q: %w", localPath, err)
	}

	if known {
		return visitUpdated, nil
	}
	return visitAdded, nil
}

// sweepStale deletes, in one transaction, every photo of the
// collection whose strategy row was not stamped with the current scan
// token. The cascade cleans the strategy table itself.
func sweepStale(db *sql.DB, dataTable string, collectionID int64, token string) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var stale int
	err = tx.QueryRow(
		`SELECT COUNT(photo_id) FROM `+dataTable+` WHERE collection_id = ? AND scan_token != ?`,
		collectionID, token).Scan(&stale)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(
		`DELETE FROM photos WHERE id IN (SELECT photo_id FROM `+dataTable+` WHERE collection_id = ? AND scan_token != ?)`,
		collectionID, token)
	if err != nil {
		return 0, err
	}

	return stale, tx.Commit()
}

func (s *FileSystemCollection) PhotoInfo(db *sql.DB, col *Collection, photoID int64) (*PhotoInfo, error) {
	var localPath string
	err := db.QueryRow(`SELECT path FROM fs_collections_data WHERE photo_id = ?`, photoID).Scan(&localPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no photo in collection %q with id %d", col.Identifier, photoID)
	}
	if err != nil {
		return nil, err
	}

	root, err := realPath(stringSetting(col.Settings, "root_path"))
	if err != nil {
		return nil, err
	}

	absPath := filepath.Join(root, filepath.FromSlash(localPath))
	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("photo file is gone: %w", err)
	}

	return &PhotoInfo{
		URL:         fileURI(absPath),
		Path:        localPath,
		DisplayName: col.DisplayName,
	}, nil
}

func fileURI(absPath string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(absPath)}
	return u.String()
}

func stringSetting(settings map[string]any, name string) string {
	value, _ := settings[name].(string)
	return value
}
