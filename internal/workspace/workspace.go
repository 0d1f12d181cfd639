package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/manthysbr/nrvna/internal/core/domain"
)

// Well-known file names inside a job directory.
const (
	PromptFile = "prompt.txt"
	TypeFile   = "type.txt"
	ResultFile = "result.txt"
	ErrorFile  = "error.txt"
	ImagesDir  = "images"
)

// Advisory metadata files written at the workspace root by the daemon.
const (
	PidFile    = ".nrvnad.pid"
	ModelFile  = ".model"
	MmprojFile = ".mmproj"
)

// Workspace is the shared directory through which submitters, the daemon
// and retrievers coordinate. A job directory lives in exactly one of the
// five sub-trees at any instant; every transition between them is a single
// rename.
type Workspace struct {
	root string
}

func New(root string) *Workspace {
	return &Workspace{root: root}
}

func (w *Workspace) Root() string { return w.root }

func (w *Workspace) WritingDir() string    { return filepath.Join(w.root, "input", "writing") }
func (w *Workspace) ReadyDir() string      { return filepath.Join(w.root, "input", "ready") }
func (w *Workspace) ProcessingDir() string { return filepath.Join(w.root, "processing") }
func (w *Workspace) OutputDir() string     { return filepath.Join(w.root, "output") }
func (w *Workspace) FailedDir() string     { return filepath.Join(w.root, "failed") }

func (w *Workspace) WritingJob(id domain.JobID) string {
	return filepath.Join(w.WritingDir(), id.String())
}

func (w *Workspace) ReadyJob(id domain.JobID) string {
	return filepath.Join(w.ReadyDir(), id.String())
}

func (w *Workspace) ProcessingJob(id domain.JobID) string {
	return filepath.Join(w.ProcessingDir(), id.String())
}

func (w *Workspace) OutputJob(id domain.JobID) string {
	return filepath.Join(w.OutputDir(), id.String())
}

func (w *Workspace) FailedJob(id domain.JobID) string {
	return filepath.Join(w.FailedDir(), id.String())
}

// EnsureLayout creates the five sub-trees. Safe to call on an existing
// workspace; existing job directories are left untouched.
func (w *Workspace) EnsureLayout() error {
	for _, dir := range []string{
		w.WritingDir(),
		w.ReadyDir(),
		w.ProcessingDir(),
		w.OutputDir(),
		w.FailedDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// WriteMetadata records advisory daemon identity files at the workspace
// root. They are informational only and do not guard against a second
// daemon on the same workspace.
func (w *Workspace) WriteMetadata(pid int, incarnation, model, mmproj string) error {
	pidPayload := strconv.Itoa(pid) + "\n" + incarnation + "\n"
	if err := os.WriteFile(filepath.Join(w.root, PidFile), []byte(pidPayload), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.root, ModelFile), []byte(model+"\n"), 0o644); err != nil {
		return fmt.Errorf("write model file: %w", err)
	}
	if mmproj != "" {
		if err := os.WriteFile(filepath.Join(w.root, MmprojFile), []byte(mmproj+"\n"), 0o644); err != nil {
			return fmt.Errorf("write mmproj file: %w", err)
		}
	}
	return nil
}

// RecoverOrphans re-queues every job left under processing/ by a previous
// daemon. Jobs that cannot be renamed back to ready/ are moved to failed/
// so the tree never restarts with stale claims. Returns the ids requeued.
func (w *Workspace) RecoverOrphans() ([]domain.JobID, error) {
	entries, err := os.ReadDir(w.ProcessingDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read processing dir: %w", err)
	}

	var recovered []domain.JobID
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := domain.JobID(entry.Name())
		if err := os.Rename(w.ProcessingJob(id), w.ReadyJob(id)); err != nil {
			// Could not requeue; park it in failed/ rather than leave a
			// stale claim behind. Best effort.
			_ = os.Rename(w.ProcessingJob(id), w.FailedJob(id))
			continue
		}
		recovered = append(recovered, id)
	}
	return recovered, nil
}
