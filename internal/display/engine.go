// Package display runs the conversion pipeline of a display agent: a
// single-slot job around the writer subprocess, a preview file whose
// lifetime the engine owns, and a change feed for status observers.
package display

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrBusy is returned when an upload arrives while a job is running.
var ErrBusy = errors.New("a display job is already running")

type Status int

const (
	StatusReady Status = iota
	StatusFailed
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusFailed:
		return "FAILED"
	case StatusBusy:
		return "BUSY"
	}
	return "READY"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

type SubStatus int

const (
	SubStatusNone SubStatus = iota
	SubStatusLaunching
	SubStatusConverting
	SubStatusDisplaying
)

var subStatusNames = map[string]SubStatus{
	"LAUNCHING":  SubStatusLaunching,
	"CONVERTING": SubStatusConverting,
	"DISPLAYING": SubStatusDisplaying,
}

func (s SubStatus) String() string {
	switch s {
	case SubStatusLaunching:
		return "LAUNCHING"
	case SubStatusConverting:
		return "CONVERTING"
	case SubStatusDisplaying:
		return "DISPLAYING"
	}
	return "NONE"
}

func (s SubStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Snapshot is one observed state of the engine.
type Snapshot struct {
	Status    Status         `json:"status"`
	SubStatus SubStatus      `json:"subStatus"`
	Preview   string         `json:"preview,omitempty"`
	ImageInfo map[string]any `json:"imageInfo,omitempty"`
}

// statusLinePattern matches the writer's progress lines on stdout.
var statusLinePattern = regexp.MustCompile(`^Status: (LAUNCHING|CONVERTING|DISPLAYING)\s*$`)

// Engine drives one conversion at a time. The state quadruple
// (status, subStatus, previewPath, imageInfo) is guarded by mu; every
// mutation bumps version and re-arms notify, which is the broadcast
// waiters block on.
type Engine struct {
	command    []string
	UploadDir  string
	PreviewDir string
	log        *zap.Logger

	mu          sync.Mutex
	status      Status
	subStatus   SubStatus
	previewPath string
	imageInfo   map[string]any
	version     uint64
	notify      chan struct{}
}

// NewEngine prepares the temp directories, wiping stale files from
// previous runs, and returns a ready engine.
func NewEngine(command []string, tempDir string, log *zap.Logger) (*Engine, error) {
	if len(command) == 0 {
		return nil, errors.New("display writer command is empty")
	}

	uploadDir := filepath.Join(tempDir, "upload")
	previewDir := filepath.Join(tempDir, "preview")
	for _, dir := range []string{uploadDir, previewDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %q: %w", dir, err)
		}
		if err := deleteAllFiles(dir); err != nil {
			return nil, fmt.Errorf("clean %q: %w", dir, err)
		}
	}

	return &Engine{
		command:    command,
		UploadDir:  uploadDir,
		PreviewDir: previewDir,
		log:        log.Named("display"),
		notify:     make(chan struct{}),
	}, nil
}

func deleteAllFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// newJobID returns 120 random bits as 30 hex characters, used to tag
// upload and preview file names.
func newJobID() string {
	var buf [15]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%030x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{Status: e.status, SubStatus: e.subStatus}
	if e.previewPath != "" {
		snap.Preview = "/preview/" + filepath.Base(e.previewPath)
	}
	if e.imageInfo != nil {
		snap.ImageInfo = e.imageInfo
	}
	return snap
}

// SnapshotVersion returns the state and its change counter together;
// pass the counter to Wait to block until the next change.
func (e *Engine) SnapshotVersion() (Snapshot, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), e.version
}

// Wait blocks until the state moves past seen, the keep-alive timeout
// lapses (returning the unchanged snapshot), or ctx is cancelled
// (second return false).
func (e *Engine) Wait(ctx context.Context, seen uint64, timeout time.Duration) (Snapshot, uint64, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		e.mu.Lock()
		if e.version != seen {
			snap, version := e.snapshotLocked(), e.version
			e.mu.Unlock()
			return snap, version, true
		}
		notify := e.notify
		e.mu.Unlock()

		select {
		case <-notify:
		case <-deadline.C:
			e.mu.Lock()
			snap, version := e.snapshotLocked(), e.version
			e.mu.Unlock()
			return snap, version, true
		case <-ctx.Done():
			return Snapshot{}, seen, false
		}
	}
}

// bumpLocked records a state change and wakes every waiter.
func (e *Engine) bumpLocked() {
	e.version++
	close(e.notify)
	e.notify = make(chan struct{})
}

func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == StatusBusy
}

// Start claims the single job slot and launches the conversion for the
// staged upload. The upload file is owned by the job from here on and
// is unlinked when the job ends, whatever the outcome.
func (e *Engine) Start(imagePath string, options map[string]any, imageInfo map[string]any) error {
	e.mu.Lock()
	if e.status == StatusBusy {
		e.mu.Unlock()
		return ErrBusy
	}
	e.status = StatusBusy
	e.subStatus = SubStatusLaunching
	e.bumpLocked()
	e.mu.Unlock()

	jobID := newJobID()
	previewPath := filepath.Join(e.PreviewDir, "preview_"+jobID+".png")

	go e.runJob(imagePath, previewPath, options, imageInfo)
	return nil
}

func (e *Engine) runJob(imagePath, previewPath string, options, imageInfo map[string]any) {
	defer os.Remove(imagePath)

	err := e.convert(imagePath, previewPath, options, imageInfo)
	if err == nil {
		e.mu.Lock()
		e.status = StatusReady
		e.subStatus = SubStatusNone
		e.showPreviewLocked(previewPath, imageInfo)
		e.bumpLocked()
		e.mu.Unlock()
		return
	}

	e.log.Error("display job failed", zap.Error(err))

	e.mu.Lock()
	// The preview may already have swapped in at DISPLAYING; drop the
	// pointer before unlinking so readers never see a dead path.
	if e.previewPath == previewPath {
		e.previewPath = ""
		e.imageInfo = nil
	}
	e.status = StatusFailed
	e.subStatus = SubStatusNone
	e.bumpLocked()
	e.mu.Unlock()

	os.Remove(previewPath)
}

// convert runs the writer subprocess and follows its stdout protocol.
func (e *Engine) convert(imagePath, previewPath string, options, imageInfo map[string]any) error {
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return err
	}
	infoJSON, err := json.Marshal(imageInfo)
	if err != nil {
		return err
	}

	argv := append(append([]string{}, e.command...),
		imagePath, "--options", string(optionsJSON), "--info", string(infoJSON), "--preview", previewPath)

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn display writer: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		match := statusLinePattern.FindStringSubmatch(line)
		if match == nil {
			e.log.Debug("writer output", zap.String("line", line))
			continue
		}

		sub := subStatusNames[match[1]]
		e.mu.Lock()
		e.subStatus = sub
		if sub == SubStatusDisplaying {
			e.showPreviewLocked(previewPath, imageInfo)
		}
		e.bumpLocked()
		e.mu.Unlock()
	}

	if scanner.Err() != nil {
		// Reading stdout broke with the writer possibly still running;
		// kill it so Wait does not block on it.
		cmd.Process.Kill()
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("display writer: %w", err)
	}
	return nil
}

// showPreviewLocked swaps the preview pointer to path. The previous
// file is unlinked unless it is the same inode; a missing new file
// leaves the pointer untouched.
func (e *Engine) showPreviewLocked(path string, imageInfo map[string]any) {
	newInfo, err := os.Stat(path)
	if err != nil {
		return
	}

	if e.previewPath != "" {
		if oldInfo, err := os.Stat(e.previewPath); err == nil && os.SameFile(oldInfo, newInfo) {
			e.imageInfo = imageInfo
			return
		}
		os.Remove(e.previewPath)
	}

	e.previewPath = path
	e.imageInfo = imageInfo
}

// PreviewFile maps a requested preview name to the current preview
// path; empty when the name is stale or nothing is showing.
func (e *Engine) PreviewFile(name string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.previewPath == "" || filepath.Base(e.previewPath) != name {
		return ""
	}
	return e.previewPath
}
