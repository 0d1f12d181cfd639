package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/manthysbr/nrvna/internal/core/domain"
	"github.com/manthysbr/nrvna/internal/core/ports"
	"github.com/manthysbr/nrvna/internal/workspace"
)

// Outcome classifies one processing attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailed
	OutcomeNotFound
	OutcomeSystemError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "system_error"
	}
}

// EngineProvider hands out the per-worker inference engine.
type EngineProvider interface {
	Engine(worker int) ports.Engine
}

// Processor executes one claimed job end to end: claim, infer, finalize.
// The claim rename is the exclusivity mechanism; losing the race is a
// normal outcome, not an error.
type Processor struct {
	logger  *slog.Logger
	ws      *workspace.Workspace
	engines EngineProvider
	trace   func(domain.TraceRecord)
}

func NewProcessor(logger *slog.Logger, ws *workspace.Workspace, engines EngineProvider) *Processor {
	return &Processor{logger: logger, ws: ws, engines: engines}
}

// OnTerminal installs a hook invoked after every job that reaches a
// terminal tree. Used for the advisory trace archive.
func (p *Processor) OnTerminal(fn func(domain.TraceRecord)) {
	p.trace = fn
}

// Process claims the job and drives it to a terminal tree. After a
// successful claim the job always ends up in output/ or failed/; only a
// filesystem fault during finalization can leave it in processing/, which
// the next daemon start recovers.
func (p *Processor) Process(ctx context.Context, id domain.JobID, worker int) Outcome {
	if err := os.Rename(p.ws.ReadyJob(id), p.ws.ProcessingJob(id)); err != nil {
		p.logger.Debug("job already claimed or missing", "id", id)
		return OutcomeNotFound
	}
	p.logger.Info("job claimed", "id", id, "worker", worker)
	start := time.Now()

	prompt, err := os.ReadFile(filepath.Join(p.ws.ProcessingJob(id), workspace.PromptFile))
	if err != nil || len(prompt) == 0 {
		p.finalizeFailure(id, "Failed to read prompt file")
		p.record(id, domain.StatusFailed, domain.TypeText, worker, start, "Failed to read prompt file")
		return OutcomeFailed
	}

	typ := p.jobType(id)
	output, err := p.infer(ctx, id, worker, typ, string(prompt))
	if err != nil {
		p.logger.Warn("job failed during inference", "id", id, "worker", worker, "error", err)
		p.finalizeFailure(id, err.Error())
		p.record(id, domain.StatusFailed, typ, worker, start, err.Error())
		return OutcomeFailed
	}

	if !p.finalizeSuccess(id, output) {
		p.logger.Error("failed to finalize successful job", "id", id)
		return OutcomeSystemError
	}
	p.logger.Info("job completed", "id", id, "worker", worker,
		"chars", len(output), "elapsed", time.Since(start).Round(time.Millisecond))
	p.record(id, domain.StatusDone, typ, worker, start, "")
	return OutcomeSuccess
}

func (p *Processor) record(id domain.JobID, status domain.Status, typ domain.JobType, worker int, start time.Time, errText string) {
	if p.trace == nil {
		return
	}
	p.trace(domain.TraceRecord{
		ID:         id,
		Status:     status,
		JobType:    typ,
		Worker:     worker,
		StartedAt:  start,
		FinishedAt: time.Now(),
		Error:      errText,
	})
}

// infer dispatches to the worker's engine. A panic below the engine
// boundary becomes an ordinary error so the claimed job still reaches
// failed/ instead of sitting in processing/ until the next restart.
func (p *Processor) infer(ctx context.Context, id domain.JobID, worker int, typ domain.JobType, prompt string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic during inference", "id", id, "worker", worker, "panic", r)
			out, err = "", fmt.Errorf("panic during inference: %v", r)
		}
	}()

	eng := p.engines.Engine(worker)

	switch typ {
	case domain.TypeEmbed:
		vec, err := eng.Embed(ctx, prompt)
		if err != nil {
			return "", err
		}
		return formatEmbedding(vec), nil

	case domain.TypeVision:
		images := p.imagePaths(id)
		if len(images) == 0 {
			return "", fmt.Errorf("vision job has no images")
		}
		return eng.GenerateVision(ctx, prompt, images)

	default:
		return eng.Generate(ctx, prompt)
	}
}

func (p *Processor) jobType(id domain.JobID) domain.JobType {
	content, err := os.ReadFile(filepath.Join(p.ws.ProcessingJob(id), workspace.TypeFile))
	if err != nil {
		return domain.TypeText
	}
	return domain.ParseJobType(strings.TrimSpace(string(content)))
}

func (p *Processor) imagePaths(id domain.JobID) []string {
	dir := filepath.Join(p.ws.ProcessingJob(id), workspace.ImagesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths
}

// finalizeSuccess makes the result durable before the job becomes visible
// as done: temp write, fsync, rename to the final name, then the whole
// directory moves to output/ in one rename.
func (p *Processor) finalizeSuccess(id domain.JobID, result string) bool {
	jobDir := p.ws.ProcessingJob(id)
	tmpPath := filepath.Join(jobDir, workspace.ResultFile+".tmp")

	f, err := os.Create(tmpPath)
	if err != nil {
		return false
	}
	if _, err := f.WriteString(result); err != nil {
		f.Close()
		return false
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return false
	}
	if err := f.Close(); err != nil {
		return false
	}

	if err := os.Rename(tmpPath, filepath.Join(jobDir, workspace.ResultFile)); err != nil {
		return false
	}
	return os.Rename(jobDir, p.ws.OutputJob(id)) == nil
}

// finalizeFailure records the error text when it can and always attempts
// the move to failed/. A job whose error file could not be written still
// counts as failed.
func (p *Processor) finalizeFailure(id domain.JobID, errText string) {
	jobDir := p.ws.ProcessingJob(id)
	if err := os.WriteFile(filepath.Join(jobDir, workspace.ErrorFile), []byte(errText), 0o644); err != nil {
		p.logger.Warn("failed to write error file", "id", id, "error", err)
	}
	if err := os.Rename(jobDir, p.ws.FailedJob(id)); err != nil {
		p.logger.Error("failed to move job to failed", "id", id, "error", err)
	}
}

func formatEmbedding(vec []float32) string {
	var b strings.Builder
	for _, v := range vec {
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
		b.WriteByte('\n')
	}
	return b.String()
}
