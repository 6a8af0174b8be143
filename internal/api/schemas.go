package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cadreworks/cadre/internal/collection"
	"github.com/cadreworks/cadre/internal/filter"
)

// The /schema documents feed the UI's form generator. They are
// assembled by hand so the shapes track the request payloads exactly.

func (h *ExpoHandler) schemaCollection(w http.ResponseWriter, r *http.Request) {
	classNames := make([]any, 0)
	for _, name := range collection.ClassNames() {
		classNames = append(classNames, name)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"identifier":   map[string]any{"type": "string", "title": "Identifier", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
			"display_name": map[string]any{"type": "string", "title": "Name", "default": ""},
			"schedule":     map[string]any{"type": "string", "title": "Schedule"},
			"enabled":      map[string]any{"type": "boolean", "title": "Enabled", "default": true},
			"class_name":   map[string]any{"type": "string", "title": "Class name", "enum": classNames},
			"settings":     map[string]any{"type": "object", "title": "Settings", "default": map[string]any{}},
		},
		"required":      []string{"identifier", "schedule", "class_name"},
		"propertyOrder": []string{"identifier", "display_name", "schedule", "enabled", "class_name", "settings"},
	})
}

func (h *ExpoHandler) schemaCollectionSettings(w http.ResponseWriter, r *http.Request) {
	className := chi.URLParam(r, "className")
	class, ok := collection.ClassByName(className)
	if !ok {
		http.Error(w, "unknown collection class", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, class.SettingsSchema())
}

func (h *ExpoHandler) schemaSchedule(w http.ResponseWriter, r *http.Request) {
	orders := make([]any, 0)
	for _, name := range filter.OrderNames() {
		orders = append(orders, name)
	}

	postCommands := []any{""}
	for _, id := range h.Jobs.PostCommandIDs() {
		postCommands = append(postCommands, id)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"identifier":      map[string]any{"type": "string", "title": "Identifier", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
			"display_name":    map[string]any{"type": "string", "title": "Name", "default": ""},
			"hostname":        map[string]any{"type": "string", "title": "Hostname"},
			"schedule":        map[string]any{"type": "string", "title": "Schedule"},
			"enabled":         map[string]any{"type": "boolean", "title": "Enabled", "default": true},
			"filter":          map[string]any{"type": "string", "title": "Filter", "default": "true"},
			"order":           map[string]any{"type": "string", "title": "Order", "enum": orders, "default": "SHUFFLE"},
			"post_command_id": map[string]any{"type": "string", "title": "Post command", "enum": postCommands, "default": ""},
			"affiche_options": map[string]any{"type": "object", "title": "Affiche options", "default": map[string]any{}},
		},
		"required": []string{"identifier", "hostname", "schedule"},
		"propertyOrder": []string{"identifier", "display_name", "hostname", "schedule", "enabled",
			"filter", "order", "post_command_id", "affiche_options"},
	})
}

func (h *ExpoHandler) defaultCollection(w http.ResponseWriter, r *http.Request) {
	fs := collection.FileSystemCollection{}
	writeJSON(w, http.StatusOK, map[string]any{
		"identifier":   "local",
		"display_name": "",
		"schedule":     "0 */1 * * *",
		"enabled":      true,
		"class_name":   fs.Name(),
		"settings":     fs.SettingsDefault(),
	})
}

func (h *ExpoHandler) defaultSchedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"identifier":      "local",
		"display_name":    "",
		"hostname":        "localhost",
		"schedule":        "*/15 * * * *",
		"enabled":         true,
		"filter":          "true",
		"order":           "SHUFFLE",
		"post_command_id": "",
		"affiche_options": map[string]any{},
	})
}
