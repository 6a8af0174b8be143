package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cadreworks/cadre/internal/config"
	"github.com/cadreworks/cadre/internal/display"
)

// AfficheHandler is the Display Agent's HTTP surface.
type AfficheHandler struct {
	Engine *display.Engine
	Config *config.Affiche
	Log    *zap.Logger
	WebDir string

	// ExpoClient performs the /expo proxy lookup; overridable in tests.
	ExpoClient *http.Client
}

func (h *AfficheHandler) Routes() http.Handler {
	r := chi.NewRouter()

	// The streaming routes bypass the logging middleware so the
	// wrapped writer never buffers an open event stream.
	r.Get("/status/stream", h.statusStream)
	r.Get("/status/ws", h.statusWS)

	r.Group(func(r chi.Router) {
		r.Use(RequestLogger(h.Log))

		r.Post("/", h.upload)
		r.Get("/status", h.status)
		r.Get("/preview/{fileName}", h.preview)
		r.Get("/display_writer_options_schema.json", h.optionsSchema)
		r.Get("/display_writer_options_defaults.json", h.optionsDefaults)
		r.Get("/map_tiles.json", h.mapTiles)
		r.Get("/expo", h.expoProxy)

		r.Handle("/*", http.FileServer(http.Dir(h.WebDir)))
	})

	return r
}

// upload accepts a photo as a multipart file or a URL the agent
// fetches itself. The engine holds one job; a busy engine redirects
// the client back to the UI, which polls /status.
func (h *AfficheHandler) upload(w http.ResponseWriter, r *http.Request) {
	const redirectTarget = "/"

	file, header, err := r.FormFile("file")
	url := r.FormValue("url")
	if err != nil && url == "" {
		http.Redirect(w, r, redirectTarget, http.StatusFound)
		return
	}

	if h.Engine.Busy() {
		if err == nil {
			file.Close()
		}
		http.Redirect(w, r, redirectTarget, http.StatusFound)
		return
	}

	var staged string
	if err == nil {
		defer file.Close()
		h.Log.Info("received image", zap.String("file", header.Filename))
		staged, err = h.Engine.StageUpload(file, header.Filename)
	} else {
		staged, err = h.Engine.StageURL(url)
		if err != nil {
			h.Log.Debug("failed to download image", zap.String("url", url), zap.Error(err))
			http.Error(w, "failed to retrieve the file from the URL", http.StatusBadRequest)
			return
		}
	}
	if err != nil {
		h.Log.Error("failed to stage upload", zap.Error(err))
		http.Error(w, "failed to store the uploaded file", http.StatusInternalServerError)
		return
	}

	options := h.parseOptions(r)
	imageInfo := parseImageInfo(r)

	if err := h.Engine.Start(staged, options, imageInfo); err != nil {
		os.Remove(staged)
		http.Redirect(w, r, redirectTarget, http.StatusFound)
		return
	}

	http.Redirect(w, r, redirectTarget, http.StatusFound)
}

// parseOptions reads the configured writer options from the form,
// converting each to its declared type. Unconvertible values are
// dropped.
func (h *AfficheHandler) parseOptions(r *http.Request) map[string]any {
	options := map[string]any{}
	for name, spec := range h.Config.DisplayWriterOptions {
		raw := r.FormValue(name)
		if raw == "" {
			continue
		}

		switch spec.Type {
		case "number":
			if value, err := strconv.ParseFloat(raw, 64); err == nil {
				options[name] = value
			}
		case "boolean":
			if value, err := strconv.ParseBool(raw); err == nil {
				options[name] = value
			}
		default:
			options[name] = raw
		}
	}
	return options
}

func parseImageInfo(r *http.Request) map[string]any {
	raw := r.FormValue("info")
	if raw == "" {
		return map[string]any{}
	}

	info := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return map[string]any{}
	}
	return info
}

func (h *AfficheHandler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Snapshot())
}

func (h *AfficheHandler) preview(w http.ResponseWriter, r *http.Request) {
	fileName := chi.URLParam(r, "fileName")

	path := h.Engine.PreviewFile(fileName)
	if path == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if _, err := os.Stat(path); err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	http.ServeFile(w, r, path)
}

func (h *AfficheHandler) optionsSchema(w http.ResponseWriter, r *http.Request) {
	if path := h.Config.DisplayWriterOptionsSchemaPath; path != "" {
		http.ServeFile(w, r, path)
		return
	}

	properties := map[string]any{}
	for name, spec := range h.Config.DisplayWriterOptions {
		property := map[string]any{
			"type":    spec.Type,
			"title":   spec.DisplayName,
			"default": spec.Default,
		}
		if len(spec.Enum) > 0 {
			property["enum"] = spec.Enum
		}
		if spec.Placeholder != nil {
			property["placeholder"] = spec.Placeholder
		}
		properties[name] = property
	}

	writeJSON(w, http.StatusOK, map[string]any{"type": "object", "properties": properties})
}

func (h *AfficheHandler) optionsDefaults(w http.ResponseWriter, r *http.Request) {
	defaults := map[string]any{}
	for name, spec := range h.Config.DisplayWriterOptions {
		defaults[name] = spec.Default
	}
	writeJSON(w, http.StatusOK, defaults)
}

func (h *AfficheHandler) mapTiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Config.MapTiles)
}

// expoProxy asks the configured Curator which schedules target this
// agent, sparing the UI a cross-origin call.
func (h *AfficheHandler) expoProxy(w http.ResponseWriter, r *http.Request) {
	if h.Config.ExpoAddress == "" {
		http.Error(w, "no expo address configured", http.StatusServiceUnavailable)
		return
	}

	client := h.ExpoClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Get(h.Config.ExpoAddress + "/schedules?hostname=" + r.Host)
	if err != nil {
		h.Log.Warn("expo lookup failed", zap.Error(err))
		http.Error(w, "expo is unavailable", http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		http.Error(w, "expo is unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	io.Copy(w, resp.Body)
}
