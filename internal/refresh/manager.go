package refresh

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cadreworks/cadre/internal/collection"
	"github.com/cadreworks/cadre/internal/filter"
	"github.com/cadreworks/cadre/internal/photodb"
)

// PhotoSource yields the next photo for a filter and order; the Expo
// application wires the selector and the collection catalog behind it.
type PhotoSource interface {
	NextPhoto(expr filter.Expr, order filter.Order) (*collection.PhotoInfo, error)
}

// Manager owns every refresh job of one Expo instance.
type Manager struct {
	db           *sql.DB
	log          *zap.Logger
	source       PhotoSource
	postCommands map[string][]string
	client       *http.Client

	mu           sync.Mutex
	byIdentifier map[string]*Job
}

func NewManager(db *sql.DB, log *zap.Logger, source PhotoSource, postCommands map[string][]string) *Manager {
	return &Manager{
		db:           db,
		log:          log.Named("refresh"),
		source:       source,
		postCommands: postCommands,
		client:       &http.Client{Timeout: 5 * time.Minute},
		byIdentifier: map[string]*Job{},
	}
}

// PostCommandIDs lists the configured post command handles.
func (m *Manager) PostCommandIDs() []string {
	ids := make([]string, 0, len(m.postCommands))
	for id := range m.postCommands {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Init loads persisted jobs and schedules the enabled ones. A job that
// no longer parses is logged and skipped.
func (m *Manager) Init() error {
	rows, err := photodb.ListRefreshJobs(m.db)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		job, err := m.fromRow(row)
		if err != nil {
			m.log.Error("invalid refresh job in the photo DB",
				zap.String("identifier", row.Identifier), zap.Error(err))
			continue
		}

		m.byIdentifier[job.Identifier] = job
		if job.Enabled {
			m.log.Info("starting", zap.String("identifier", job.Identifier))
			job.runner = startRunner(job, m, m.log)
		}
	}

	m.log.Info("scheduled all refreshes")
	return nil
}

func (m *Manager) fromRow(row photodb.RefreshJobRow) (*Job, error) {
	expr, err := filter.Parse(row.Filter)
	if err != nil {
		return nil, fmt.Errorf("filter of %q: %w", row.Identifier, err)
	}

	order, err := filter.ParseOrder(row.Order)
	if err != nil {
		return nil, fmt.Errorf("order of %q: %w", row.Identifier, err)
	}

	options := map[string]any{}
	if row.AfficheOptionsJSON != "" {
		if err := json.Unmarshal([]byte(row.AfficheOptionsJSON), &options); err != nil {
			return nil, fmt.Errorf("options of %q: %w", row.Identifier, err)
		}
	}

	return &Job{
		ID:             row.ID,
		Identifier:     row.Identifier,
		DisplayName:    row.DisplayName,
		Hostname:       row.Hostname,
		Schedule:       row.Schedule,
		Enabled:        row.Enabled,
		Filter:         expr,
		Order:          order,
		AfficheOptions: options,
		PostCommandID:  row.PostCommandID,
	}, nil
}

func (m *Manager) All() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Job, 0, len(m.byIdentifier))
	for _, job := range m.byIdentifier {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

func (m *Manager) Get(identifier string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.byIdentifier[identifier]
	return job, ok
}

// Spec carries the validated fields of a PUT request.
type Spec struct {
	Identifier     string
	DisplayName    string
	Hostname       string
	Schedule       string
	Enabled        bool
	Filter         string
	Order          string
	AfficheOptions map[string]any
	PostCommandID  string
}

func (m *Manager) validate(spec Spec) (*Job, error) {
	if !photodb.ValidIdentifier(spec.Identifier) {
		return nil, photodb.ErrInvalidIdentifier
	}
	if spec.Schedule != "" {
		if _, err := cron.ParseStandard(spec.Schedule); err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", spec.Schedule, err)
		}
	}

	expr, err := filter.Parse(spec.Filter)
	if err != nil {
		return nil, err
	}
	order, err := filter.ParseOrder(spec.Order)
	if err != nil {
		return nil, err
	}

	if spec.PostCommandID != "" {
		if _, ok := m.postCommands[spec.PostCommandID]; !ok {
			return nil, fmt.Errorf("unknown post command: %q", spec.PostCommandID)
		}
	}

	displayName := spec.DisplayName
	if displayName == "" {
		displayName = spec.Identifier
	}

	options := spec.AfficheOptions
	if options == nil {
		options = map[string]any{}
	}

	return &Job{
		Identifier:     spec.Identifier,
		DisplayName:    displayName,
		Hostname:       spec.Hostname,
		Schedule:       spec.Schedule,
		Enabled:        spec.Enabled,
		Filter:         expr,
		Order:          order,
		AfficheOptions: options,
		PostCommandID:  spec.PostCommandID,
	}, nil
}

// Add creates, persists and (when enabled) schedules a new job.
func (m *Manager) Add(spec Spec) (*Job, error) {
	job, err := m.validate(spec)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byIdentifier[job.Identifier]; exists {
		return nil, photodb.ErrDuplicateIdentifier
	}

	if err := m.persist(job); err != nil {
		return nil, err
	}

	m.byIdentifier[job.Identifier] = job
	if job.Enabled {
		job.runner = startRunner(job, m, m.log)
	}

	m.log.Info("added", zap.String("identifier", job.Identifier))
	return job, nil
}

// Patch carries the fields of a PATCH request; nil means unchanged.
type Patch struct {
	Identifier     *string
	DisplayName    *string
	Hostname       *string
	Schedule       *string
	Enabled        *bool
	Filter         *string
	Order          *string
	AfficheOptions map[string]any
	PostCommandID  *string
}

// Modify applies a patch, destroying and respawning the schedule.
func (m *Manager) Modify(job *Job, patch Patch) (*Job, error) {
	spec := Spec{
		Identifier:     job.Identifier,
		DisplayName:    job.DisplayName,
		Hostname:       job.Hostname,
		Schedule:       job.Schedule,
		Enabled:        job.Enabled,
		Filter:         job.Filter.String(),
		Order:          job.Order.String(),
		AfficheOptions: job.AfficheOptions,
		PostCommandID:  job.PostCommandID,
	}

	if patch.Identifier != nil {
		spec.Identifier = *patch.Identifier
	}
	if patch.DisplayName != nil {
		spec.DisplayName = *patch.DisplayName
	}
	if patch.Hostname != nil {
		spec.Hostname = *patch.Hostname
	}
	if patch.Schedule != nil {
		spec.Schedule = *patch.Schedule
	}
	if patch.Enabled != nil {
		spec.Enabled = *patch.Enabled
	}
	if patch.Filter != nil {
		spec.Filter = *patch.Filter
	}
	if patch.Order != nil {
		spec.Order = *patch.Order
	}
	if patch.AfficheOptions != nil {
		spec.AfficheOptions = patch.AfficheOptions
	}
	if patch.PostCommandID != nil {
		spec.PostCommandID = *patch.PostCommandID
	}

	next, err := m.validate(spec)
	if err != nil {
		return nil, err
	}
	next.ID = job.ID

	m.mu.Lock()
	defer m.mu.Unlock()

	if next.Identifier != job.Identifier {
		if _, exists := m.byIdentifier[next.Identifier]; exists {
			return nil, photodb.ErrDuplicateIdentifier
		}
	}

	if job.runner != nil {
		job.runner.stop()
		job.runner = nil
	}
	delete(m.byIdentifier, job.Identifier)

	if err := m.persist(next); err != nil {
		m.byIdentifier[job.Identifier] = job
		return nil, err
	}

	m.byIdentifier[next.Identifier] = next
	if next.Enabled {
		next.runner = startRunner(next, m, m.log)
	}

	m.log.Info("modified", zap.String("identifier", next.Identifier))
	return next, nil
}

func (m *Manager) Remove(job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.runner != nil {
		job.runner.stop()
		job.runner = nil
	}
	delete(m.byIdentifier, job.Identifier)

	if err := photodb.DeleteRefreshJob(m.db, job.Identifier); err != nil {
		return err
	}

	m.log.Info("removed", zap.String("identifier", job.Identifier))
	return nil
}

// ManualRefresh schedules (or reschedules) a one-shot fire at
// now + delay. Disabled jobs are rejected.
func (m *Manager) ManualRefresh(identifier string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.byIdentifier[identifier]
	if !ok || !job.Enabled {
		return photodb.ErrNotFound
	}

	if job.runner == nil {
		job.runner = startRunner(job, m, m.log)
	}
	job.runner.requestRefresh(delay)
	return nil
}

// StopAll drains every runner; called on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.byIdentifier {
		if job.runner != nil {
			job.runner.stop()
			job.runner = nil
		}
	}
	m.log.Info("stopped all refresh jobs")
}

func (m *Manager) persist(job *Job) error {
	optionsJSON, err := json.Marshal(job.AfficheOptions)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}

	id, err := photodb.UpsertRefreshJob(m.db, photodb.RefreshJobRow{
		ID:                 job.ID,
		Identifier:         job.Identifier,
		DisplayName:        job.DisplayName,
		Hostname:           job.Hostname,
		Schedule:           job.Schedule,
		Enabled:            job.Enabled,
		Filter:             job.Filter.String(),
		Order:              job.Order.String(),
		AfficheOptionsJSON: string(optionsJSON),
		PostCommandID:      job.PostCommandID,
	})
	if err != nil {
		return err
	}

	job.ID = id
	return nil
}
