package refresh

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cadreworks/cadre/internal/collection"
	"github.com/cadreworks/cadre/internal/filter"
	"github.com/cadreworks/cadre/internal/photodb"
)

// fixedSource returns the same photo on every selection.
type fixedSource struct {
	info *collection.PhotoInfo
	err  error
}

func (s *fixedSource) NextPhoto(filter.Expr, filter.Order) (*collection.PhotoInfo, error) {
	return s.info, s.err
}

type recordedRequest struct {
	contentType string
	form        url.Values
	filePart    string
	fileName    string
}

func recordingServer(t *testing.T) (*httptest.Server, *[]recordedRequest) {
	t.Helper()

	var requests []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{contentType: r.Header.Get("Content-Type")}

		if strings.HasPrefix(rec.contentType, "multipart/form-data") {
			require.NoError(t, r.ParseMultipartForm(1<<20))
			rec.form = r.MultipartForm.Value
			if files := r.MultipartForm.File["file"]; len(files) > 0 {
				rec.fileName = files[0].Filename
				f, err := files[0].Open()
				require.NoError(t, err)
				data, _ := io.ReadAll(f)
				f.Close()
				rec.filePart = string(data)
			}
		} else {
			require.NoError(t, r.ParseForm())
			rec.form = r.PostForm
		}

		requests = append(requests, rec)
		w.WriteHeader(http.StatusFound)
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func testManager(t *testing.T, source PhotoSource, postCommands map[string][]string) *Manager {
	t.Helper()

	db, err := photodb.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, photodb.Setup(db))

	return NewManager(db, zap.NewNop(), source, postCommands)
}

func testJob(t *testing.T, hostname string) *Job {
	t.Helper()

	expr, err := filter.Parse("true")
	require.NoError(t, err)

	return &Job{
		Identifier:     "frame",
		DisplayName:    "Frame",
		Hostname:       hostname,
		Enabled:        true,
		Filter:         expr,
		Order:          filter.Shuffle,
		AfficheOptions: map[string]any{"exposure": 1.2},
	}
}

func writeTempPhoto(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg bytes"), 0o644))
	return path
}

func TestLocalDispatchSendsURL(t *testing.T) {
	server, requests := recordingServer(t)
	hostname := strings.TrimPrefix(server.URL, "http://") // 127.0.0.1:port, loopback

	photoPath := writeTempPhoto(t)
	source := &fixedSource{info: &collection.PhotoInfo{
		URL:         "file://" + photoPath,
		Path:        "photo.jpg",
		DisplayName: "Family",
	}}

	m := testManager(t, source, nil)
	require.NoError(t, m.dispatch(testJob(t, hostname)))

	require.Len(t, *requests, 1)
	rec := (*requests)[0]
	assert.Contains(t, rec.contentType, "application/x-www-form-urlencoded")
	assert.Equal(t, "file://"+photoPath, rec.form.Get("url"))
	assert.Contains(t, rec.form.Get("info"), `"collection":"Family"`)
	assert.Equal(t, "1.2", rec.form.Get("exposure"))
}

func TestRemoteDispatchStreamsFile(t *testing.T) {
	server, requests := recordingServer(t)

	photoPath := writeTempPhoto(t)
	source := &fixedSource{info: &collection.PhotoInfo{
		URL:         "file://" + photoPath,
		Path:        "photo.jpg",
		DisplayName: "Family",
	}}

	m := testManager(t, source, nil)

	// A remote (non-loopback) target with a local file streams the
	// bytes as multipart. The hostname cannot actually be resolved to
	// the test server, so exercise the multipart path directly.
	job := testJob(t, "peer.example:80")
	assert.False(t, hostnameIsLocal(job.Hostname))

	infoJSON := `{"collection":"Family","path":"photo.jpg"}`
	require.NoError(t, m.postMultipart(server.URL, photoPath, infoJSON, job.AfficheOptions))

	require.Len(t, *requests, 1)
	rec := (*requests)[0]
	assert.Contains(t, rec.contentType, "multipart/form-data")
	assert.Equal(t, "jpeg bytes", rec.filePart)
	assert.Equal(t, "photo.jpg", rec.fileName)
	assert.Equal(t, []string{infoJSON}, rec.form["info"])
	assert.Equal(t, []string{"1.2"}, rec.form["exposure"])
}

func TestRemoteURLIsForwardedAsForm(t *testing.T) {
	server, requests := recordingServer(t)
	hostname := strings.TrimPrefix(server.URL, "http://")

	// A non-file URL is always forwarded for the agent to fetch, even
	// to a remote target.
	source := &fixedSource{info: &collection.PhotoInfo{
		URL:         "https://photos.example/node/42",
		Path:        "node/42",
		DisplayName: "Cloud",
	}}

	m := testManager(t, source, nil)
	require.NoError(t, m.dispatch(testJob(t, hostname)))

	require.Len(t, *requests, 1)
	assert.Equal(t, "https://photos.example/node/42", (*requests)[0].form.Get("url"))
}

func TestEmptySelectionIsNotAnError(t *testing.T) {
	m := testManager(t, &fixedSource{}, nil)
	require.NoError(t, m.dispatch(testJob(t, "localhost:9")))
}

func TestPostCommandDispatch(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "out.txt")
	photoPath := writeTempPhoto(t)

	source := &fixedSource{info: &collection.PhotoInfo{
		URL:         "file://" + photoPath,
		Path:        "photo.jpg",
		DisplayName: "Family",
	}}

	m := testManager(t, source, map[string][]string{
		"local_panel": {"sh", "-c", `printf '%s\n' "$@" > ` + outPath, "cmd", "%HOSTNAME%"},
	})

	job := testJob(t, "panel.local:80")
	job.PostCommandID = "local_panel"
	require.NoError(t, m.dispatch(job))

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	require.Len(t, lines, 6)
	assert.Equal(t, "panel.local:80", lines[0])
	assert.Equal(t, photoPath, lines[1])
	assert.Equal(t, "--options", lines[2])
	assert.Contains(t, lines[3], `"exposure":1.2`)
	assert.Equal(t, "--info", lines[4])
	assert.Contains(t, lines[5], `"collection":"Family"`)
}

func TestPostCommandRejectsRemoteURL(t *testing.T) {
	source := &fixedSource{info: &collection.PhotoInfo{
		URL:         "https://photos.example/node/42",
		DisplayName: "Cloud",
	}}

	m := testManager(t, source, map[string][]string{"local_panel": {"true"}})

	job := testJob(t, "panel.local:80")
	job.PostCommandID = "local_panel"
	assert.Error(t, m.dispatch(job))
}

func TestHostnameHelpers(t *testing.T) {
	host, port := splitHostPort("frame.local:8081")
	assert.Equal(t, "frame.local", host)
	assert.Equal(t, "8081", port)

	host, port = splitHostPort("frame.local")
	assert.Equal(t, "frame.local", host)
	assert.Empty(t, port)

	assert.True(t, hostnameIsLocal("localhost"))
	assert.True(t, hostnameIsLocal("localhost:8081"))
	assert.True(t, hostnameIsLocal("127.0.0.1:80"))
	assert.False(t, hostnameIsLocal("no.such.host.invalid:80"))

	external := externalHostname("localhost:8081")
	assert.NotEqual(t, "localhost:8081", external)
	assert.True(t, strings.HasSuffix(external, ":8081"))

	assert.Equal(t, "peer.example:80", externalHostname("peer.example:80"))
}

func TestDispatchTimeoutConfigured(t *testing.T) {
	m := testManager(t, &fixedSource{}, nil)
	assert.Equal(t, 5*time.Minute, m.client.Timeout)
}
