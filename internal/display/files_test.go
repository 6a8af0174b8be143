package display

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStagingEngine(t *testing.T) *Engine {
	t.Helper()

	engine, err := NewEngine([]string{"true"}, t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return engine
}

func TestStageUpload(t *testing.T) {
	engine := newStagingEngine(t)

	staged, err := engine.StageUpload(strings.NewReader("image bytes"), "Holiday Photo.jpg")
	require.NoError(t, err)

	assert.Equal(t, engine.UploadDir, filepath.Dir(staged))

	name := filepath.Base(staged)
	assert.True(t, strings.HasPrefix(name, "Holiday_Photo_"), name)
	assert.True(t, strings.HasSuffix(name, ".jpg"), name)

	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, "image bytes", string(data))
}

func TestStageUploadSanitizesHostileNames(t *testing.T) {
	engine := newStagingEngine(t)

	staged, err := engine.StageUpload(strings.NewReader("x"), "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, engine.UploadDir, filepath.Dir(staged))
	assert.NotContains(t, filepath.Base(staged), "..")

	staged, err = engine.StageUpload(strings.NewReader("x"), ".hidden")
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(filepath.Base(staged), "."))
}

func TestStageUploadNamesAreUnique(t *testing.T) {
	engine := newStagingEngine(t)

	first, err := engine.StageUpload(strings.NewReader("x"), "photo.jpg")
	require.NoError(t, err)
	second, err := engine.StageUpload(strings.NewReader("x"), "photo.jpg")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestStageURLPrefersContentDisposition(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="named.png"`)
		w.Write([]byte("png bytes"))
	}))
	defer server.Close()

	engine := newStagingEngine(t)
	staged, err := engine.StageURL(server.URL + "/ignored")
	require.NoError(t, err)

	name := filepath.Base(staged)
	assert.True(t, strings.HasPrefix(name, "named_"), name)
	assert.True(t, strings.HasSuffix(name, ".png"), name)
}

func TestStageURLFallsBackToURLPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	}))
	defer server.Close()

	engine := newStagingEngine(t)

	staged, err := engine.StageURL(server.URL + "/photos/sunset.jpg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(staged), "sunset_"))

	// No suffix in the path: the fallback stem is used.
	staged, err = engine.StageURL(server.URL + "/photos/sunset")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(staged), urlFallbackStem+"_"))
}

func TestStageURLRejectsErrorResponses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	engine := newStagingEngine(t)
	_, err := engine.StageURL(server.URL + "/gone.jpg")
	assert.Error(t, err)
}
