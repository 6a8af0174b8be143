package collection

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cadreworks/cadre/internal/photodb"
)

// Manager owns every collection of one Expo instance: the identifier
// map, the persisted rows and the per-collection workers.
type Manager struct {
	db  *sql.DB
	log *zap.Logger

	mu           sync.Mutex
	byIdentifier map[string]*Collection
}

func NewManager(db *sql.DB, log *zap.Logger) *Manager {
	return &Manager{
		db:           db,
		log:          log.Named("collection"),
		byIdentifier: map[string]*Collection{},
	}
}

// Init reanimates every persisted collection. Unknown class names are
// logged; those collections stay dormant until fixed.
func (m *Manager) Init() error {
	rows, err := photodb.ListCollections(m.db)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		col, err := m.fromRow(row)
		if err != nil {
			m.log.Error("invalid collection in the photo DB",
				zap.String("identifier", row.Identifier), zap.Error(err))
			continue
		}

		m.byIdentifier[col.Identifier] = col
		if col.Enabled && col.class != nil {
			m.log.Info("starting", zap.String("identifier", col.Identifier))
			col.worker = startWorker(col, m.db, m.log)
		}
	}

	m.log.Info("started all collections")
	return nil
}

func (m *Manager) fromRow(row photodb.CollectionRow) (*Collection, error) {
	settings := map[string]any{}
	if row.SettingsJSON != "" {
		if err := json.Unmarshal([]byte(row.SettingsJSON), &settings); err != nil {
			return nil, fmt.Errorf("settings of %q: %w", row.Identifier, err)
		}
	}

	col := &Collection{
		ID:          row.ID,
		Identifier:  row.Identifier,
		DisplayName: row.DisplayName,
		Schedule:    row.Schedule,
		Enabled:     row.Enabled,
		ClassName:   row.ClassName,
		Settings:    settings,
		log:         m.log.With(zap.String("collection", row.Identifier)),
	}

	class, ok := ClassByName(row.ClassName)
	if !ok {
		m.log.Error("unknown collection class", zap.String("class", row.ClassName),
			zap.String("identifier", row.Identifier))
		return col, nil
	}
	col.class = class
	return col, nil
}

func (m *Manager) All() []*Collection {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Collection, 0, len(m.byIdentifier))
	for _, col := range m.byIdentifier {
		out = append(out, col)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

func (m *Manager) Get(identifier string) (*Collection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.byIdentifier[identifier]
	return col, ok
}

func validateSchedule(schedule string) error {
	if schedule == "" {
		// No automatic fire; manual scans only.
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// Add creates, persists and (when enabled) starts a new collection.
func (m *Manager) Add(identifier, displayName, schedule string, enabled bool,
	className string, settings map[string]any) (*Collection, error) {

	if !photodb.ValidIdentifier(identifier) {
		return nil, photodb.ErrInvalidIdentifier
	}
	if err := validateSchedule(schedule); err != nil {
		return nil, err
	}

	class, ok := ClassByName(className)
	if !ok {
		return nil, fmt.Errorf("unknown collection class: %q", className)
	}
	if errs := class.ValidateSettings(settings); len(errs) > 0 {
		return nil, &SettingsError{Fields: errs}
	}

	if displayName == "" {
		displayName = identifier
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byIdentifier[identifier]; exists {
		return nil, photodb.ErrDuplicateIdentifier
	}

	col := &Collection{
		Identifier:  identifier,
		DisplayName: displayName,
		Schedule:    schedule,
		Enabled:     enabled,
		ClassName:   className,
		Settings:    settings,
		class:       class,
		log:         m.log.With(zap.String("collection", identifier)),
	}

	if err := m.persist(col); err != nil {
		return nil, err
	}

	m.byIdentifier[identifier] = col
	if col.Enabled {
		col.worker = startWorker(col, m.db, m.log)
	}

	m.log.Info("added", zap.String("identifier", identifier))
	return col, nil
}

// Patch carries the fields of a PATCH request; nil means unchanged.
type Patch struct {
	Identifier  *string
	DisplayName *string
	Schedule    *string
	Enabled     *bool
	ClassName   *string
	Settings    map[string]any
}

// Modify applies a patch. The worker is destroyed and respawned on any
// change; an identifier rename must not collide.
func (m *Manager) Modify(col *Collection, patch Patch) (*Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identifier := col.Identifier
	if patch.Identifier != nil && *patch.Identifier != col.Identifier {
		identifier = *patch.Identifier
		if !photodb.ValidIdentifier(identifier) {
			return nil, photodb.ErrInvalidIdentifier
		}
		if _, exists := m.byIdentifier[identifier]; exists {
			return nil, photodb.ErrDuplicateIdentifier
		}
	}

	displayName := col.DisplayName
	if patch.DisplayName != nil {
		displayName = *patch.DisplayName
	}
	schedule := col.Schedule
	if patch.Schedule != nil {
		schedule = *patch.Schedule
		if err := validateSchedule(schedule); err != nil {
			return nil, err
		}
	}
	enabled := col.Enabled
	if patch.Enabled != nil {
		enabled = *patch.Enabled
	}
	className := col.ClassName
	if patch.ClassName != nil {
		className = *patch.ClassName
	}
	class, ok := ClassByName(className)
	if !ok {
		return nil, fmt.Errorf("unknown collection class: %q", className)
	}

	settings := col.Settings
	if patch.Settings != nil {
		settings = patch.Settings
		if merger, ok := class.(settingsMerger); ok && className == col.ClassName {
			settings = merger.MergeSettings(col.Settings, patch.Settings)
		}
	}
	if errs := class.ValidateSettings(settings); len(errs) > 0 {
		return nil, &SettingsError{Fields: errs}
	}

	if col.worker != nil {
		col.worker.stop()
		col.worker = nil
	}
	delete(m.byIdentifier, col.Identifier)

	next := &Collection{
		ID:          col.ID,
		Identifier:  identifier,
		DisplayName: displayName,
		Schedule:    schedule,
		Enabled:     enabled,
		ClassName:   className,
		Settings:    settings,
		class:       class,
		log:         m.log.With(zap.String("collection", identifier)),
	}

	if err := m.persist(next); err != nil {
		// Keep the old state reachable; its worker is gone but the
		// entity is intact.
		m.byIdentifier[col.Identifier] = col
		return nil, err
	}

	m.byIdentifier[identifier] = next
	if next.Enabled {
		next.worker = startWorker(next, m.db, m.log)
	}

	m.log.Info("modified", zap.String("identifier", identifier))
	return next, nil
}

// Remove stops the worker and deletes the row; owned photos cascade.
func (m *Manager) Remove(col *Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if col.worker != nil {
		col.worker.stop()
		col.worker = nil
	}
	delete(m.byIdentifier, col.Identifier)

	if err := photodb.DeleteCollection(m.db, col.Identifier); err != nil {
		return err
	}

	m.log.Info("removed", zap.String("identifier", col.Identifier))
	return nil
}

// ManualScan schedules an update of an enabled collection after delay.
func (m *Manager) ManualScan(identifier string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	col, ok := m.byIdentifier[identifier]
	if !ok || !col.Enabled || col.worker == nil {
		return photodb.ErrNotFound
	}

	col.worker.requestUpdate(delay)
	return nil
}

// PhotoInfo resolves a selected photo through its owning collection.
func (m *Manager) PhotoInfo(collectionID, photoID int64) (*PhotoInfo, error) {
	m.mu.Lock()
	var owner *Collection
	for _, col := range m.byIdentifier {
		if col.ID == collectionID {
			owner = col
			break
		}
	}
	m.mu.Unlock()

	if owner == nil || owner.class == nil {
		return nil, fmt.Errorf("no collection with id %d", collectionID)
	}

	return owner.class.PhotoInfo(m.db, owner, photoID)
}

// StopAll drains every worker; called on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, col := range m.byIdentifier {
		if col.worker != nil {
			m.log.Info("stopping", zap.String("identifier", col.Identifier))
			col.worker.stop()
			col.worker = nil
		}
	}
	m.log.Info("stopped all collections")
}

func (m *Manager) persist(col *Collection) error {
	settingsJSON, err := json.Marshal(col.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	id, err := photodb.UpsertCollection(m.db, photodb.CollectionRow{
		ID:           col.ID,
		Identifier:   col.Identifier,
		DisplayName:  col.DisplayName,
		Schedule:     col.Schedule,
		Enabled:      col.Enabled,
		ClassName:    col.ClassName,
		SettingsJSON: string(settingsJSON),
	})
	if err != nil {
		return err
	}

	col.ID = id
	return nil
}

// SettingsError carries per-field validation messages.
type SettingsError struct {
	Fields map[string]string
}

func (e *SettingsError) Error() string {
	return fmt.Sprintf("invalid settings: %v", e.Fields)
}

// APISettings is the outward representation of a collection's
// settings; classes holding secrets mask them.
func (c *Collection) APISettings() map[string]any {
	if masker, ok := c.class.(interface {
		MaskedSettings(map[string]any) map[string]any
	}); ok {
		return masker.MaskedSettings(c.Settings)
	}
	return c.Settings
}
