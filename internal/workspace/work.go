package workspace

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/manthysbr/nrvna/internal/core/domain"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// Work submits jobs into a workspace. It is the write half of the
// filesystem protocol: a job is staged under input/writing and becomes
// visible to the daemon only through the final rename into input/ready.
type Work struct {
	logger       *slog.Logger
	ws           *Workspace
	maxPrompt    int64
	maxImageSize int64
}

// NewWork creates a submitter. maxPrompt and maxImage bound the prompt and
// per-image sizes in bytes; zero values select the defaults (10 MB, 50 MB).
func NewWork(logger *slog.Logger, ws *Workspace, maxPrompt, maxImage int64) (*Work, error) {
	if maxPrompt <= 0 {
		maxPrompt = 10 * 1024 * 1024
	}
	if maxImage <= 0 {
		maxImage = 50 * 1024 * 1024
	}
	if err := ws.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("init workspace: %w", err)
	}
	return &Work{logger: logger, ws: ws, maxPrompt: maxPrompt, maxImageSize: maxImage}, nil
}

// Submit stages a text job and publishes it.
func (w *Work) Submit(prompt string) domain.SubmitResult {
	return w.submit(prompt, domain.TypeText, nil)
}

// SubmitEmbed stages an embedding job and publishes it.
func (w *Work) SubmitEmbed(prompt string) domain.SubmitResult {
	return w.submit(prompt, domain.TypeEmbed, nil)
}

// SubmitVision stages a job with attached images. Images are validated
// before any directory is created; jobs with images are always typed
// vision regardless of the requested type. When an image sits on the
// workspace's filesystem the job holds only a symlink to it, so moving or
// deleting the source before the job runs leaves the job unable to read
// that image.
func (w *Work) SubmitVision(prompt string, imagePaths []string) domain.SubmitResult {
	return w.submit(prompt, domain.TypeVision, imagePaths)
}

func (w *Work) submit(prompt string, typ domain.JobType, imagePaths []string) domain.SubmitResult {
	if prompt == "" {
		w.logger.Debug("invalid prompt: empty")
		return reject(domain.ErrInvalidContent, "Prompt is empty")
	}
	if int64(len(prompt)) > w.maxPrompt {
		w.logger.Debug("prompt exceeds size limit", "size", len(prompt), "max", w.maxPrompt)
		return reject(domain.ErrInvalidSize,
			fmt.Sprintf("Prompt exceeds maximum size limit (%d bytes)", w.maxPrompt))
	}

	for _, img := range imagePaths {
		if kind, msg := w.validateImage(img); kind != domain.ErrNone {
			w.logger.Error(msg)
			return reject(kind, msg)
		}
	}

	id := domain.NewJobID()
	w.logger.Debug("generated job id", "id", id)

	jobDir := w.ws.WritingJob(id)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		w.logger.Error("failed to create job directory", "id", id, "error", err)
		return reject(domain.ErrIo, "Failed to create job directory")
	}

	if err := os.WriteFile(filepath.Join(jobDir, PromptFile), []byte(prompt), 0o644); err != nil {
		w.logger.Error("failed to write prompt file", "id", id, "error", err)
		w.cleanup(id)
		return reject(domain.ErrIo, "Failed to write prompt file")
	}

	if len(imagePaths) > 0 {
		if err := w.stageImages(jobDir, imagePaths); err != nil {
			w.logger.Error("failed to write image files", "id", id, "error", err)
			w.cleanup(id)
			return reject(domain.ErrIo, "Failed to write image files")
		}
		typ = domain.TypeVision
	}

	if typ != domain.TypeText {
		if err := os.WriteFile(filepath.Join(jobDir, TypeFile), []byte(typ.String()), 0o644); err != nil {
			w.logger.Error("failed to write type file", "id", id, "error", err)
			w.cleanup(id)
			return reject(domain.ErrIo, "Failed to write type file")
		}
	}

	if err := os.Rename(jobDir, w.ws.ReadyJob(id)); err != nil {
		w.logger.Error("failed to publish job", "id", id, "error", err)
		w.cleanup(id)
		return reject(domain.ErrIo, "Failed to publish job")
	}

	w.logger.Info("job submitted", "id", id, "type", typ)
	return domain.SubmitResult{OK: true, ID: id}
}

func (w *Work) validateImage(path string) (domain.ErrKind, string) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.ErrInvalidContent, "Image file not found: " + path
	}
	if !info.Mode().IsRegular() {
		return domain.ErrInvalidContent, "Image path is not a file: " + path
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return domain.ErrInvalidContent, "Image file has no extension: " + path
	}
	if !imageExtensions[ext] {
		return domain.ErrInvalidContent, "Unsupported image extension: " + path
	}
	if info.Size() > w.maxImageSize {
		return domain.ErrInvalidSize,
			fmt.Sprintf("Image exceeds size limit (%d bytes): %s", w.maxImageSize, path)
	}
	return domain.ErrNone, ""
}

// stageImages places each source image under images/ as image_<n><ext>.
// On the same filesystem an absolute symlink is preferred so large files
// are not duplicated; the symlink survives the job directory's renames.
// Across filesystems, or when symlinking fails, the file is copied.
func (w *Work) stageImages(jobDir string, imagePaths []string) error {
	imagesDir := filepath.Join(jobDir, ImagesDir)
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return fmt.Errorf("create images dir: %w", err)
	}

	for i, src := range imagePaths {
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("image file not found: %s", src)
		}
		dest := filepath.Join(imagesDir, fmt.Sprintf("image_%d%s", i, strings.ToLower(filepath.Ext(src))))

		if sameFilesystem(src, imagesDir) {
			abs, err := filepath.Abs(src)
			if err == nil && os.Symlink(abs, dest) == nil {
				continue
			}
		}
		if err := copyFile(src, dest); err != nil {
			return fmt.Errorf("copy image %s: %w", src, err)
		}
	}
	return nil
}

func (w *Work) cleanup(id domain.JobID) {
	if err := os.RemoveAll(w.ws.WritingJob(id)); err != nil {
		w.logger.Warn("failed to clean up job directory", "id", id, "error", err)
	}
}

func reject(kind domain.ErrKind, msg string) domain.SubmitResult {
	return domain.SubmitResult{OK: false, Err: kind, Message: msg}
}

func sameFilesystem(src, destDir string) bool {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false
	}
	destInfo, err := os.Stat(destDir)
	if err != nil {
		return false
	}
	srcStat, ok := srcInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	destStat, ok := destInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return srcStat.Dev == destStat.Dev
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
