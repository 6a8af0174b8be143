package refresh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/cadreworks/cadre/internal/collection"
	"github.com/cadreworks/cadre/internal/imageinfo"
	"github.com/cadreworks/cadre/internal/logutil"
)

// dispatch resolves the next photo for the job and delivers it: either
// through a configured post command, or over HTTP to the agent.
func (m *Manager) dispatch(job *Job) error {
	info, err := m.source.NextPhoto(job.Filter, job.Order)
	if err != nil {
		return err
	}
	if info == nil {
		m.log.Info("no image available for refresh", zap.String("job", job.Identifier))
		return nil
	}

	m.log.Info("posting", logutil.Values(
		zap.String("url", info.URL), zap.String("hostname", job.Hostname)))

	payload := m.buildInfo(info)
	if job.PostCommandID != "" {
		return m.runPostCommand(job, info, payload)
	}
	return m.postPhoto(job, info, payload)
}

// buildInfo assembles the side-channel metadata: collection placement
// plus EXIF-derived fields when the photo is a local file.
func (m *Manager) buildInfo(info *collection.PhotoInfo) map[string]any {
	payload := map[string]any{
		"path":       info.Path,
		"collection": info.DisplayName,
	}

	if localPath := localFilePath(info.URL); localPath != "" {
		for name, value := range imageinfo.Fields(localPath) {
			payload[name] = value
		}
	}
	return payload
}

// localFilePath extracts a filesystem path from a file:// (or bare)
// URL; empty for anything remote.
func localFilePath(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if parsed.Scheme != "file" && parsed.Scheme != "" {
		return ""
	}
	path, err := url.PathUnescape(parsed.Path)
	if err != nil {
		path = parsed.Path
	}
	return path
}

// runPostCommand executes the configured argv template instead of
// posting over HTTP. %HOSTNAME% is substituted in each argument; the
// photo path, quantizer options and info JSON are appended.
func (m *Manager) runPostCommand(job *Job, info *collection.PhotoInfo, payload map[string]any) error {
	template, ok := m.postCommands[job.PostCommandID]
	if !ok || len(template) == 0 {
		return fmt.Errorf("unknown post command: %q", job.PostCommandID)
	}

	localPath := localFilePath(info.URL)
	if localPath == "" {
		return fmt.Errorf("post command %q needs a local file, got %q", job.PostCommandID, info.URL)
	}

	optionsJSON, err := json.Marshal(job.AfficheOptions)
	if err != nil {
		return err
	}
	infoJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	argv := make([]string, 0, len(template)+5)
	for _, arg := range template {
		argv = append(argv, strings.ReplaceAll(arg, "%HOSTNAME%", job.Hostname))
	}
	argv = append(argv, localPath, "--options", string(optionsJSON), "--info", string(infoJSON))

	cmd := exec.Command(argv[0], argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("post command %q: %w: %s", job.PostCommandID, err, output)
	}

	m.log.Debug("post command finished", zap.String("command", job.PostCommandID),
		zap.ByteString("output", output))
	return nil
}

// postPhoto delivers over HTTP. A local file going to a remote agent
// is streamed as multipart; everything else sends the URL and lets the
// agent fetch it.
func (m *Manager) postPhoto(job *Job, info *collection.PhotoInfo, payload map[string]any) error {
	hostURL := "http://" + job.Hostname

	infoJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	localPath := localFilePath(info.URL)
	if localPath != "" && !hostnameIsLocal(job.Hostname) {
		return m.postMultipart(hostURL, localPath, string(infoJSON), job.AfficheOptions)
	}
	return m.postForm(hostURL, info.URL, string(infoJSON), job.AfficheOptions)
}

func (m *Manager) postForm(hostURL, photoURL, infoJSON string, options map[string]any) error {
	form := url.Values{}
	form.Set("url", photoURL)
	form.Set("info", infoJSON)
	for name, value := range options {
		form.Set(name, fmt.Sprint(value))
	}

	resp, err := m.client.PostForm(hostURL, form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkPostStatus(resp)
}

func (m *Manager) postMultipart(hostURL, localPath, infoJSON string, options map[string]any) error {
	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}

	if err := writer.WriteField("info", infoJSON); err != nil {
		return err
	}
	for name, value := range options {
		if err := writer.WriteField(name, fmt.Sprint(value)); err != nil {
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}

	resp, err := m.client.Post(hostURL, writer.FormDataContentType(), &body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkPostStatus(resp)
}

func checkPostStatus(resp *http.Response) error {
	// Agents answer uploads with a redirect back to their UI.
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("agent answered %s", resp.Status)
	}
	return nil
}
