package collection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cadreworks/cadre/internal/photodb"
)

// AzpNode is one remote photo node as reported by the cloud account.
type AzpNode struct {
	ID           string
	Name         string
	ModifiedDate time.Time
	ContentDate  *time.Time
	Favorite     *bool
	Width        int
	Height       int
}

// AzpClient is the cloud photo source collaborator: list the account's
// photos and download one node into a directory.
type AzpClient interface {
	ListPhotos(ctx context.Context, offset, limit int) ([]AzpNode, error)
	DownloadNode(ctx context.Context, nodeID, dir string) (string, error)
	NodePath(ctx context.Context, nodeID string) (string, error)
}

// AmazonPhotosCollection mirrors an Amazon Photos account. Settings:
// the account's user agent string and session cookies. The photo URL
// is resolved lazily by downloading the node into a temp directory.
type AmazonPhotosCollection struct {
	// NewClient builds the remote client; tests inject a fake.
	NewClient func(userAgent string, cookies map[string]string) AzpClient

	// TempDir overrides the download directory (defaults to temp/azp
	// under the working directory).
	TempDir string
}

func (*AmazonPhotosCollection) Name() string { return "AmazonPhotosCollection" }

func (*AmazonPhotosCollection) SettingsSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"user_agent": map[string]any{"type": "string", "title": "User agent"},
			"cookies": map[string]any{
				"type": "object", "title": "Cookies",
				"additionalProperties": map[string]any{"type": "string"},
			},
		},
		"required": []string{"user_agent", "cookies"},
	}
}

func (*AmazonPhotosCollection) SettingsDefault() map[string]any {
	return map[string]any{
		"user_agent": "",
		"cookies":    map[string]any{},
	}
}

func (*AmazonPhotosCollection) ValidateSettings(settings map[string]any) map[string]string {
	errs := map[string]string{}
	if _, ok := settings["user_agent"].(string); !ok {
		errs["user_agent"] = "Missing data for required field."
	}
	if _, ok := settings["cookies"].(map[string]any); !ok {
		errs["cookies"] = "Missing data for required field."
	}
	for name := range settings {
		if name != "user_agent" && name != "cookies" {
			errs[name] = "Unknown field."
		}
	}
	return errs
}

// MergeSettings keeps stored cookie values when the patch carries the
// masked placeholder the API hands out.
func (*AmazonPhotosCollection) MergeSettings(stored, patch map[string]any) map[string]any {
	merged := map[string]any{}
	for name, value := range stored {
		merged[name] = value
	}
	for name, value := range patch {
		merged[name] = value
	}

	patchCookies, _ := patch["cookies"].(map[string]any)
	storedCookies, _ := stored["cookies"].(map[string]any)
	if patchCookies == nil || storedCookies == nil {
		return merged
	}

	cookies := map[string]any{}
	for name, value := range patchCookies {
		if s, ok := value.(string); ok && isMasked(s) {
			if previous, ok := storedCookies[name]; ok {
				cookies[name] = previous
				continue
			}
		}
		cookies[name] = value
	}
	merged["cookies"] = cookies
	return merged
}

func isMasked(value string) bool {
	if value == "" {
		return false
	}
	for _, c := range value {
		if c != '*' {
			return false
		}
	}
	return true
}

// MaskedSettings is the API representation: cookie values hidden.
func (*AmazonPhotosCollection) MaskedSettings(settings map[string]any) map[string]any {
	masked := map[string]any{}
	for name, value := range settings {
		masked[name] = value
	}
	if cookies, ok := settings["cookies"].(map[string]any); ok {
		hidden := map[string]any{}
		for name := range cookies {
			hidden[name] = "***"
		}
		masked["cookies"] = hidden
	}
	return masked
}

func ensureAzpDataTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS azp_collections_data(
		photo_id INTEGER PRIMARY KEY REFERENCES photos(id) ON DELETE CASCADE,
		collection_id INTEGER NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
		node_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		modified_date TEXT NOT NULL,
		scan_token TEXT NOT NULL)`)
	return err
}

const (
	azpBatchSize   = 10_000
	azpOffsetLimit = 10_000_000 // safeguard against a runaway listing
)

func (s *AmazonPhotosCollection) Update(db *sql.DB, col *Collection, cancelled func() bool) error {
	if err := ensureAzpDataTable(db); err != nil {
		return fmt.Errorf("create azp data table: %w", err)
	}

	client := s.client(col)
	log := col.logger()
	token := newScanToken()
	var added, updated int

	ctx := context.Background()
	offset := 0
	for !cancelled() {
		if offset >= azpOffsetLimit {
			break
		}

		nodes, err := client.ListPhotos(ctx, offset, azpBatchSize)
		if err != nil {
			return fmt.Errorf("list photos at offset %d: %w", offset, err)
		}
		if len(nodes) == 0 {
			break
		}
		offset += len(nodes)

		for _, node := range nodes {
			isNew, err := s.visitNode(db, col, token, node)
			if err != nil {
				log.Warn("skipping node", zap.String("node", node.ID), zap.Error(err))
				continue
			}
			switch isNew {
			case visitAdded:
				added++
			case visitUpdated:
				updated++
			}
		}
	}

	deleted := 0
	if !cancelled() {
		var err error
		deleted, err = sweepStale(db, "azp_collections_data", col.ID, token)
		if err != nil {
			return err
		}
	} else {
		log.Info("update was cancelled")
	}

	log.Info("collection refreshed",
		zap.Int("added", added), zap.Int("updated", updated), zap.Int("deleted", deleted))
	return nil
}

func (s *AmazonPhotosCollection) visitNode(db *sql.DB, col *Collection, token string, node AzpNode) (visitResult, error) {
	modified := node.ModifiedDate.UTC()

	var photoID int64
	var storedModified string
	err := db.QueryRow(`SELECT photo_id, modified_date FROM azp_collections_data WHERE collection_id = ? AND node_id = ?`,
		col.ID, node.ID).Scan(&photoID, &storedModified)
	known := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return visitSkipped, err
	}

	if known {
		previous, err := photodb.ParseTime(storedModified)
		if err == nil && !modified.After(previous) {
			_, err := db.Exec(`UPDATE azp_collections_data SET scan_token = ? WHERE photo_id = ?`, token, photoID)
			return visitUnchanged, err
		}
	}

	favorite := false
	if node.Favorite != nil {
		favorite = *node.Favorite
	}

	if !known {
		err = db.QueryRow(`INSERT INTO photos(collection_id, display_date, format, width, height, favorite, capture_date)
			VALUES(?, NULL, NULL, ?, ?, ?, ?) RETURNING id`,
			col.ID, node.Width, node.Height, favorite,
			photodb.FormatNullableTime(node.ContentDate)).Scan(&photoID)
		if err != nil {
			return visitSkipped, fmt.Errorf("insert photo for node %q: %w", node.ID, err)
		}
	} else {
		_, err = db.Exec(`UPDATE photos SET width = ?, height = ?, favorite = ?, capture_date = ? WHERE id = ?`,
			node.Width, node.Height, favorite, photodb.FormatNullableTime(node.ContentDate), photoID)
		if err != nil {
			return visitSkipped, fmt.Errorf("update photo for node %q: %w", node.ID, err)
		}
	}

	_, err = db.Exec(`INSERT INTO azp_collections_data(photo_id, collection_id, node_id, name, modified_date, scan_token)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(photo_id) DO UPDATE SET node_id = excluded.node_id, name = excluded.name,
		modified_date = excluded.modified_date, scan_token = excluded.scan_token`,
		photoID, col.ID, node.ID, node.Name, photodb.FormatTime(modified), token)
	if err != nil {
		return visitSkipped, fmt.Errorf("upsert azp data for node %q: %w", node.ID, err)
	}

	if known {
		return visitUpdated, nil
	}
	return visitAdded, nil
}

const azpCleanupTimeout = time.Hour

func (s *AmazonPhotosCollection) PhotoInfo(db *sql.DB, col *Collection, photoID int64) (*PhotoInfo, error) {
	var nodeID string
	err := db.QueryRow(`SELECT node_id FROM azp_collections_data WHERE photo_id = ?`, photoID).Scan(&nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no photo in collection %q with id %d", col.Identifier, photoID)
	}
	if err != nil {
		return nil, err
	}

	dir := s.TempDir
	if dir == "" {
		dir = filepath.Join("temp", "azp")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	cleanupDownloads(dir, col.logger())

	ctx := context.Background()
	client := s.client(col)
	downloadPath, err := client.DownloadNode(ctx, nodeID, dir)
	if err != nil {
		return nil, fmt.Errorf("download node %q: %w", nodeID, err)
	}

	nodePath, err := client.NodePath(ctx, nodeID)
	if err != nil {
		col.logger().Warn("failed to get node path", zap.String("node", nodeID), zap.Error(err))
		nodePath = filepath.Base(downloadPath)
	}

	return &PhotoInfo{
		URL:         fileURI(downloadPath),
		Path:        nodePath,
		DisplayName: col.DisplayName,
	}, nil
}

// cleanupDownloads unlinks temp downloads untouched for over an hour.
func cleanupDownloads(dir string, log *zap.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-azpCleanupTimeout)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				log.Warn("can't clean up old download", zap.String("file", entry.Name()), zap.Error(err))
			}
		}
	}
}

func (s *AmazonPhotosCollection) client(col *Collection) AzpClient {
	userAgent := stringSetting(col.Settings, "user_agent")
	cookies := map[string]string{}
	if raw, ok := col.Settings["cookies"].(map[string]any); ok {
		for name, value := range raw {
			if str, ok := value.(string); ok {
				cookies[name] = str
			}
		}
	}

	if s.NewClient != nil {
		return s.NewClient(userAgent, cookies)
	}
	return newAzpHTTPClient(userAgent, cookies)
}

// azpHTTPClient talks to the drive API directly. Endpoints follow the
// photo drive's node listing and content scheme.
type azpHTTPClient struct {
	userAgent string
	cookies   map[string]string
	driveURL  string
	client    *http.Client
}

func newAzpHTTPClient(userAgent string, cookies map[string]string) *azpHTTPClient {
	return &azpHTTPClient{
		userAgent: userAgent,
		cookies:   cookies,
		driveURL:  "https://www.amazon.com/drive/v1",
		client:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *azpHTTPClient) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.driveURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", c.userAgent)
	for name, value := range c.cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("drive API %s: %s", path, resp.Status)
	}
	return resp, nil
}

type azpNodePayload struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ModifiedDate time.Time `json:"modifiedDate"`
	ContentProperties struct {
		ContentDate *time.Time `json:"contentDate"`
		Image       struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"image"`
	} `json:"contentProperties"`
	Settings struct {
		Favorite *bool `json:"favorite"`
	} `json:"settings"`
	ParentMap map[string][]string `json:"parentMap"`
}

func (p azpNodePayload) toNode() AzpNode {
	return AzpNode{
		ID:           p.ID,
		Name:         p.Name,
		ModifiedDate: p.ModifiedDate,
		ContentDate:  p.ContentProperties.ContentDate,
		Favorite:     p.Settings.Favorite,
		Width:        p.ContentProperties.Image.Width,
		Height:       p.ContentProperties.Image.Height,
	}
}

func (c *azpHTTPClient) ListPhotos(ctx context.Context, offset, limit int) ([]AzpNode, error) {
	query := url.Values{}
	query.Set("filters", "type:(PHOTOS) AND things:(photo)")
	query.Set("offset", fmt.Sprint(offset))
	query.Set("limit", fmt.Sprint(limit))
	query.Set("resourceVersion", "V2")

	resp, err := c.get(ctx, "/search", query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Data []azpNodePayload `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode photo listing: %w", err)
	}

	nodes := make([]AzpNode, 0, len(payload.Data))
	for _, node := range payload.Data {
		nodes = append(nodes, node.toNode())
	}
	return nodes, nil
}

func (c *azpHTTPClient) DownloadNode(ctx context.Context, nodeID, dir string) (string, error) {
	resp, err := c.get(ctx, "/nodes/"+url.PathEscape(nodeID)+"/contentRedirection", url.Values{})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	path := filepath.Join(dir, nodeID+"_download")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.ReadFrom(resp.Body); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// NodePath reconstructs the folder path of a node by walking its
// FOLDER parents, guarding against parent cycles.
func (c *azpHTTPClient) NodePath(ctx context.Context, nodeID string) (string, error) {
	var segments []string
	visited := map[string]bool{}

	next := nodeID
	for next != "" && !visited[next] {
		visited[next] = true

		resp, err := c.get(ctx, "/nodes/"+url.PathEscape(next), url.Values{})
		if err != nil {
			return "", err
		}

		var node azpNodePayload
		err = json.NewDecoder(resp.Body).Decode(&node)
		resp.Body.Close()
		if err != nil {
			return "", err
		}

		if node.Name == "" {
			break
		}
		segments = append([]string{node.Name}, segments...)

		next = ""
		if parents := node.ParentMap["FOLDER"]; len(parents) > 0 {
			next = parents[0]
		}
	}

	path := ""
	for i, segment := range segments {
		if i > 0 {
			path += "/"
		}
		path += segment
	}
	return path, nil
}
