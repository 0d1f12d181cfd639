package workspace

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/manthysbr/nrvna/internal/core/domain"
)

// Flow retrieves jobs from a workspace. It is the read half of the
// filesystem protocol and never mutates anything; status is derived purely
// from which sub-tree holds the job's directory.
type Flow struct {
	logger *slog.Logger
	ws     *Workspace
}

func NewFlow(logger *slog.Logger, ws *Workspace) *Flow {
	return &Flow{logger: logger, ws: ws}
}

// Status reports where a job currently lives. Terminal trees are checked
// first so a job mid-rename is never reported as regressed.
func (f *Flow) Status(id domain.JobID) domain.Status {
	if dirExists(f.ws.OutputJob(id)) {
		return domain.StatusDone
	}
	if dirExists(f.ws.FailedJob(id)) {
		return domain.StatusFailed
	}
	if dirExists(f.ws.ProcessingJob(id)) {
		return domain.StatusRunning
	}
	if dirExists(f.ws.ReadyJob(id)) {
		return domain.StatusQueued
	}
	return domain.StatusMissing
}

// Exists reports whether the job is visible anywhere in the workspace.
func (f *Flow) Exists(id domain.JobID) bool {
	return f.Status(id) != domain.StatusMissing
}

// Get returns a snapshot of the job. For done jobs Content is the result,
// for failed jobs it is the error text; in-flight jobs carry no content.
// Returns false when the job is missing or its result cannot be read.
func (f *Flow) Get(id domain.JobID) (domain.Job, bool) {
	switch st := f.Status(id); st {
	case domain.StatusDone:
		resultPath := filepath.Join(f.ws.OutputJob(id), ResultFile)
		content, err := os.ReadFile(resultPath)
		if err != nil {
			f.logger.Debug("result file not found", "id", id)
			return domain.Job{}, false
		}
		return domain.Job{
			ID:        id,
			Status:    domain.StatusDone,
			Content:   string(content),
			Timestamp: dirModTime(f.ws.OutputJob(id)),
		}, true

	case domain.StatusFailed:
		content, _ := os.ReadFile(filepath.Join(f.ws.FailedJob(id), ErrorFile))
		return domain.Job{
			ID:        id,
			Status:    domain.StatusFailed,
			Content:   string(content),
			Timestamp: dirModTime(f.ws.FailedJob(id)),
		}, true

	case domain.StatusMissing:
		return domain.Job{}, false

	default:
		return domain.Job{ID: id, Status: st, Timestamp: time.Now()}, true
	}
}

// Latest returns the most recently finished job, successful or failed.
// Only terminal trees are observed; queued and running jobs do not count.
func (f *Flow) Latest() (domain.Job, bool) {
	jobs := f.List(1)
	if len(jobs) == 0 {
		return domain.Job{}, false
	}
	return jobs[0], true
}

// List returns up to max terminal jobs, newest first by directory mtime.
// max <= 0 lists everything. Entries carry no content; use Get for that.
func (f *Flow) List(max int) []domain.Job {
	jobs := append(
		f.listTree(f.ws.OutputDir(), domain.StatusDone),
		f.listTree(f.ws.FailedDir(), domain.StatusFailed)...,
	)

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Timestamp.After(jobs[j].Timestamp)
	})

	if max > 0 && len(jobs) > max {
		jobs = jobs[:max]
	}
	return jobs
}

func (f *Flow) listTree(dir string, status domain.Status) []domain.Job {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	dirs := lo.Filter(entries, func(e os.DirEntry, _ int) bool { return e.IsDir() })
	return lo.Map(dirs, func(e os.DirEntry, _ int) domain.Job {
		return domain.Job{
			ID:        domain.JobID(e.Name()),
			Status:    status,
			Timestamp: dirModTime(filepath.Join(dir, e.Name())),
		}
	})
}

// Error returns the failure text of a failed job, if any was recorded.
func (f *Flow) Error(id domain.JobID) (string, bool) {
	content, err := os.ReadFile(filepath.Join(f.ws.FailedJob(id), ErrorFile))
	if err != nil {
		return "", false
	}
	return string(content), true
}

// Prompt returns the job's original prompt, searching every sub-tree the
// job could inhabit, most-settled first.
func (f *Flow) Prompt(id domain.JobID) (string, bool) {
	for _, dir := range []string{
		f.ws.OutputJob(id),
		f.ws.FailedJob(id),
		f.ws.ProcessingJob(id),
		f.ws.ReadyJob(id),
		f.ws.WritingJob(id),
	} {
		content, err := os.ReadFile(filepath.Join(dir, PromptFile))
		if err == nil {
			return string(content), true
		}
	}
	return "", false
}

func dirExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func dirModTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Now()
	}
	return info.ModTime()
}
