// Package collection maintains the catalog of photo collections: one
// scan strategy class per source kind, one background worker per
// enabled collection, and the bookkeeping that keeps the photos table
// in step with the source.
package collection

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"io"
	"time"

	"go.uber.org/zap"
)

// PhotoInfo locates a concrete, postable photo: a file:// URL or a
// freshly downloaded temp file, plus the side-channel metadata sent to
// display agents.
type PhotoInfo struct {
	URL         string
	Path        string
	DisplayName string
}

// Class is one scan strategy. The set is closed and registered
// explicitly; settings are an opaque JSON object the class validates.
type Class interface {
	Name() string
	SettingsSchema() map[string]any
	SettingsDefault() map[string]any
	// ValidateSettings returns a field -> message map, empty when valid.
	ValidateSettings(settings map[string]any) map[string]string
	// Update synchronizes the photos table with the source. cancelled
	// must be polled; once it returns true the scan ends cleanly.
	Update(db *sql.DB, col *Collection, cancelled func() bool) error
	// PhotoInfo resolves a photo of this collection to a postable URL.
	PhotoInfo(db *sql.DB, col *Collection, photoID int64) (*PhotoInfo, error)
}

// settingsMerger is implemented by classes that need to resolve masked
// secrets when settings are patched.
type settingsMerger interface {
	MergeSettings(stored, patch map[string]any) map[string]any
}

var classes = []Class{
	&FileSystemCollection{},
	&AmazonPhotosCollection{},
	&DummyCollection{},
}

// ClassNames lists the registered strategy classes in registration order.
func ClassNames() []string {
	names := make([]string, 0, len(classes))
	for _, c := range classes {
		names = append(names, c.Name())
	}
	return names
}

func ClassByName(name string) (Class, bool) {
	for _, c := range classes {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// Collection is one named photo source. The worker field is owned by
// the Manager; a disabled collection never has one.
type Collection struct {
	ID          int64
	Identifier  string
	DisplayName string
	Schedule    string
	Enabled     bool
	ClassName   string
	Settings    map[string]any

	class  Class
	worker *worker
	log    *zap.Logger
}

// Class returns the resolved strategy, nil when the stored class name
// is unknown (the collection stays dormant).
func (c *Collection) Class() Class { return c.class }

func (c *Collection) logger() *zap.Logger {
	if c.log == nil {
		return zap.NewNop()
	}
	return c.log
}

// tokenSource feeds scan token generation. Tests swap it for a
// deterministic reader.
var tokenSource io.Reader = rand.Reader

// newScanToken returns a fresh 64-bit token as 16 hex characters.
// Every row a scan visits is stamped with it; the post-scan sweep
// deletes rows carrying any other token.
func newScanToken() string {
	var buf [8]byte
	if _, err := io.ReadFull(tokenSource, buf[:]); err != nil {
		// crypto/rand does not fail on supported platforms; fall back
		// to a time-derived token to keep the scan usable.
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405")))[:16]
	}
	return hex.EncodeToString(buf[:])
}
