package display

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// urlFallbackStem names downloads whose URL yields no usable file name.
const urlFallbackStem = "url_image"

var fetchClient = &http.Client{Timeout: 5 * time.Minute}

// StageUpload writes an uploaded stream into the upload directory
// under a sanitized name tagged with a fresh job id.
func (e *Engine) StageUpload(r io.Reader, fileName string) (string, error) {
	staged := filepath.Join(e.UploadDir, taggedName(fileName, newJobID()))

	f, err := os.Create(staged)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(staged)
		return "", err
	}
	return staged, nil
}

// StageURL downloads the photo the caller pointed at. The file name
// comes from Content-Disposition, then from the URL path's last
// segment when it has a suffix, then from a fallback stem.
func (e *Engine) StageURL(rawURL string) (string, error) {
	resp, err := fetchClient.Get(rawURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %q: %s", rawURL, resp.Status)
	}

	return e.StageUpload(resp.Body, fileNameFromResponse(rawURL, resp))
}

func fileNameFromResponse(rawURL string, resp *http.Response) string {
	if disposition := resp.Header.Get("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := params["filename"]; name != "" {
				return path.Base(name)
			}
		}
	}

	if parsed, err := url.Parse(rawURL); err == nil {
		if unescaped, err := url.PathUnescape(parsed.Path); err == nil {
			if last := path.Base(unescaped); path.Ext(last) != "" {
				return last
			}
		}
	}

	return urlFallbackStem
}

// taggedName sanitizes a client-supplied file name and appends the job
// id to the stem, keeping the extension.
func taggedName(fileName, jobID string) string {
	base := sanitizeFileName(fileName)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem = urlFallbackStem
	}
	return stem + "_" + jobID + ext
}

// sanitizeFileName strips path components and anything outside a
// conservative character set, so the name is safe to join under the
// upload directory.
func sanitizeFileName(fileName string) string {
	base := path.Base(filepath.ToSlash(fileName))

	var b strings.Builder
	for _, c := range base {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteRune('_')
		}
	}

	return strings.TrimLeft(b.String(), ".")
}
