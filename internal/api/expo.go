package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cadreworks/cadre/internal/collection"
	"github.com/cadreworks/cadre/internal/refresh"
)

// ExpoHandler is the Curator's HTTP surface.
type ExpoHandler struct {
	Collections *collection.Manager
	Jobs        *refresh.Manager
	Log         *zap.Logger
	WebDir      string
}

func (h *ExpoHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(h.Log))

	r.Get("/collections", h.listOrGetCollections)
	r.Put("/collections", h.putCollection)
	r.Patch("/collections", h.patchCollection)
	r.Delete("/collections", h.deleteCollection)

	r.Get("/schedules", h.listOrGetSchedules)
	r.Put("/schedules", h.putSchedule)
	r.Patch("/schedules", h.patchSchedule)
	r.Delete("/schedules", h.deleteSchedule)

	r.Post("/refresh", h.postRefresh)
	r.Post("/scan", h.postScan)

	r.Get("/schema/collection.json", h.schemaCollection)
	r.Get("/schema/{className}/settings.json", h.schemaCollectionSettings)
	r.Get("/schema/schedule.json", h.schemaSchedule)
	r.Get("/default/collection.json", h.defaultCollection)
	r.Get("/default/schedule.json", h.defaultSchedule)

	r.Handle("/*", http.FileServer(http.Dir(h.WebDir)))
	return r
}

func collectionToDict(col *collection.Collection) map[string]any {
	return map[string]any{
		"identifier":   col.Identifier,
		"display_name": col.DisplayName,
		"schedule":     col.Schedule,
		"enabled":      col.Enabled,
		"class_name":   col.ClassName,
		"settings":     col.APISettings(),
	}
}

func (h *ExpoHandler) listOrGetCollections(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		response := []map[string]any{}
		for _, col := range h.Collections.All() {
			response = append(response, collectionToDict(col))
		}
		writeJSON(w, http.StatusOK, response)
		return
	}

	col, ok := h.Collections.Get(identifier)
	if !ok {
		http.Error(w, "no collection for the given identifier", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, collectionToDict(col))
}

type putCollectionRequest struct {
	Identifier  *string        `json:"identifier"`
	DisplayName string         `json:"display_name"`
	Schedule    *string        `json:"schedule"`
	Enabled     *bool          `json:"enabled"`
	ClassName   *string        `json:"class_name"`
	Settings    map[string]any `json:"settings"`
}

func (h *ExpoHandler) putCollection(w http.ResponseWriter, r *http.Request) {
	var req putCollectionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	errs := fieldErrors{}
	if req.Identifier == nil {
		errs["identifier"] = "Missing data for required field."
	}
	if req.Schedule == nil {
		errs["schedule"] = "Missing data for required field."
	}
	if req.ClassName == nil {
		errs["class_name"] = "Missing data for required field."
	}
	if len(errs) > 0 {
		errs.write(w)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	settings := req.Settings
	if settings == nil {
		settings = map[string]any{}
	}

	col, err := h.Collections.Add(*req.Identifier, req.DisplayName, *req.Schedule,
		enabled, *req.ClassName, settings)
	if err != nil {
		h.Log.Debug("invalid collection arguments", zap.Error(err))
		writeDomainError(w, err)
		return
	}

	h.Log.Info("added collection", zap.String("identifier", col.Identifier))
	writeJSON(w, http.StatusOK, collectionToDict(col))
}

func (h *ExpoHandler) patchCollection(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		http.Error(w, `parameter "identifier" required`, http.StatusBadRequest)
		return
	}

	col, ok := h.Collections.Get(identifier)
	if !ok {
		http.Error(w, "no collection for the given identifier", http.StatusNotFound)
		return
	}

	var patch struct {
		Identifier  *string        `json:"identifier"`
		DisplayName *string        `json:"display_name"`
		Schedule    *string        `json:"schedule"`
		Enabled     *bool          `json:"enabled"`
		ClassName   *string        `json:"class_name"`
		Settings    map[string]any `json:"settings"`
	}
	if !decodeJSONBody(w, r, &patch) {
		return
	}

	modified, err := h.Collections.Modify(col, collection.Patch{
		Identifier:  patch.Identifier,
		DisplayName: patch.DisplayName,
		Schedule:    patch.Schedule,
		Enabled:     patch.Enabled,
		ClassName:   patch.ClassName,
		Settings:    patch.Settings,
	})
	if err != nil {
		h.Log.Debug("invalid collection arguments", zap.Error(err))
		writeDomainError(w, err)
		return
	}

	h.Log.Info("modified collection", zap.String("identifier", modified.Identifier))
	writeJSON(w, http.StatusOK, collectionToDict(modified))
}

func (h *ExpoHandler) deleteCollection(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		http.Error(w, `parameter "identifier" required`, http.StatusBadRequest)
		return
	}

	col, ok := h.Collections.Get(identifier)
	if !ok {
		http.Error(w, "no collection for the given identifier", http.StatusNotFound)
		return
	}

	if err := h.Collections.Remove(col); err != nil {
		writeDomainError(w, err)
		return
	}

	h.Log.Info("removed collection", zap.String("identifier", identifier))
	w.WriteHeader(http.StatusOK)
}

func refreshJobToDict(job *refresh.Job) map[string]any {
	return map[string]any{
		"identifier":      job.Identifier,
		"display_name":    job.DisplayName,
		"hostname":        job.Hostname,
		"schedule":        job.Schedule,
		"enabled":         job.Enabled,
		"filter":          job.Filter.String(),
		"order":           job.Order.String(),
		"post_command_id": job.PostCommandID,
		"affiche_options": job.AfficheOptions,
	}
}

func (h *ExpoHandler) listOrGetSchedules(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		hostname := r.URL.Query().Get("hostname")
		response := []map[string]any{}
		for _, job := range h.Jobs.All() {
			if hostname == "" || hostname == job.Hostname || hostname == job.ExternalHostname() {
				response = append(response, refreshJobToDict(job))
			}
		}
		writeJSON(w, http.StatusOK, response)
		return
	}

	job, ok := h.Jobs.Get(identifier)
	if !ok {
		http.Error(w, "no schedule for the given identifier", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, refreshJobToDict(job))
}

type putScheduleRequest struct {
	Identifier     *string        `json:"identifier"`
	DisplayName    string         `json:"display_name"`
	Hostname       *string        `json:"hostname"`
	Schedule       *string        `json:"schedule"`
	Enabled        *bool          `json:"enabled"`
	Filter         *string        `json:"filter"`
	Order          *string        `json:"order"`
	PostCommandID  *string        `json:"post_command_id"`
	AfficheOptions map[string]any `json:"affiche_options"`
}

func (h *ExpoHandler) putSchedule(w http.ResponseWriter, r *http.Request) {
	var req putScheduleRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	errs := fieldErrors{}
	if req.Identifier == nil {
		errs["identifier"] = "Missing data for required field."
	}
	if req.Hostname == nil {
		errs["hostname"] = "Missing data for required field."
	}
	if req.Schedule == nil {
		errs["schedule"] = "Missing data for required field."
	}
	if len(errs) > 0 {
		errs.write(w)
		return
	}

	spec := refresh.Spec{
		Identifier:     *req.Identifier,
		DisplayName:    req.DisplayName,
		Hostname:       *req.Hostname,
		Schedule:       *req.Schedule,
		Enabled:        true,
		Filter:         "true",
		Order:          "SHUFFLE",
		AfficheOptions: req.AfficheOptions,
	}
	if req.Enabled != nil {
		spec.Enabled = *req.Enabled
	}
	if req.Filter != nil {
		spec.Filter = *req.Filter
	}
	if req.Order != nil {
		spec.Order = *req.Order
	}
	if req.PostCommandID != nil {
		spec.PostCommandID = *req.PostCommandID
	}

	job, err := h.Jobs.Add(spec)
	if err != nil {
		h.Log.Debug("invalid schedule arguments", zap.Error(err))
		writeDomainError(w, err)
		return
	}

	h.Log.Info("added refresh job", zap.String("identifier", job.Identifier))
	writeJSON(w, http.StatusOK, refreshJobToDict(job))
}

func (h *ExpoHandler) patchSchedule(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		http.Error(w, `parameter "identifier" required`, http.StatusBadRequest)
		return
	}

	job, ok := h.Jobs.Get(identifier)
	if !ok {
		http.Error(w, "no schedule for the given identifier", http.StatusNotFound)
		return
	}

	var patch struct {
		Identifier     *string        `json:"identifier"`
		DisplayName    *string        `json:"display_name"`
		Hostname       *string        `json:"hostname"`
		Schedule       *string        `json:"schedule"`
		Enabled        *bool          `json:"enabled"`
		Filter         *string        `json:"filter"`
		Order          *string        `json:"order"`
		PostCommandID  *string        `json:"post_command_id"`
		AfficheOptions map[string]any `json:"affiche_options"`
	}
	if !decodeJSONBody(w, r, &patch) {
		return
	}

	modified, err := h.Jobs.Modify(job, refresh.Patch{
		Identifier:     patch.Identifier,
		DisplayName:    patch.DisplayName,
		Hostname:       patch.Hostname,
		Schedule:       patch.Schedule,
		Enabled:        patch.Enabled,
		Filter:         patch.Filter,
		Order:          patch.Order,
		AfficheOptions: patch.AfficheOptions,
		PostCommandID:  patch.PostCommandID,
	})
	if err != nil {
		h.Log.Debug("invalid schedule arguments", zap.Error(err))
		writeDomainError(w, err)
		return
	}

	h.Log.Info("modified refresh job", zap.String("identifier", modified.Identifier))
	writeJSON(w, http.StatusOK, refreshJobToDict(modified))
}

func (h *ExpoHandler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		http.Error(w, `parameter "identifier" required`, http.StatusBadRequest)
		return
	}

	job, ok := h.Jobs.Get(identifier)
	if !ok {
		http.Error(w, "no schedule for the given identifier", http.StatusNotFound)
		return
	}

	if err := h.Jobs.Remove(job); err != nil {
		writeDomainError(w, err)
		return
	}

	h.Log.Info("removed refresh job", zap.String("identifier", identifier))
	w.WriteHeader(http.StatusOK)
}

type triggerRequest struct {
	Identifier *string  `json:"identifier"`
	Delay      *float64 `json:"delay"`
}

func (r triggerRequest) delay() time.Duration {
	if r.Delay == nil || *r.Delay < 0 {
		return 0
	}
	return time.Duration(*r.Delay * float64(time.Second))
}

func (h *ExpoHandler) postRefresh(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Identifier == nil {
		fieldErrors{"identifier": "Missing data for required field."}.write(w)
		return
	}

	if err := h.Jobs.ManualRefresh(*req.Identifier, req.delay()); err != nil {
		http.Error(w, "no enabled schedule for the given identifier", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *ExpoHandler) postScan(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Identifier == nil {
		fieldErrors{"identifier": "Missing data for required field."}.write(w)
		return
	}

	if err := h.Collections.ManualScan(*req.Identifier, req.delay()); err != nil {
		http.Error(w, "no enabled collection for the given identifier", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
