package collection

import (
	"database/sql"
	"fmt"
)

// DummyCollection scans nothing. It exists so a catalog can hold a
// placeholder entry and so tests can exercise worker plumbing without
// a real source.
type DummyCollection struct{}

func (DummyCollection) Name() string { return "DummyCollection" }

func (DummyCollection) SettingsSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (DummyCollection) SettingsDefault() map[string]any {
	return map[string]any{}
}

func (DummyCollection) ValidateSettings(settings map[string]any) map[string]string {
	errs := map[string]string{}
	for name := range settings {
		errs[name] = "Unknown field."
	}
	return errs
}

func (DummyCollection) Update(db *sql.DB, col *Collection, cancelled func() bool) error {
	return nil
}

func (DummyCollection) PhotoInfo(db *sql.DB, col *Collection, photoID int64) (*PhotoInfo, error) {
	return nil, fmt.Errorf("collection %q holds no photos", col.Identifier)
}
