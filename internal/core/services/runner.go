package services

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/manthysbr/nrvna/internal/config"
	"github.com/manthysbr/nrvna/internal/core/ports"
)

// visionEncodingMu serializes image encoding across all workers. The
// compute graph beneath the vision projector has shared state that
// corrupts when two encodings run at once, even with separate contexts.
var visionEncodingMu sync.Mutex

// modelRegistry shares loaded models between runners. Loading the same
// path twice returns the same Model; the underlying handle is released
// when the last holder is gone.
type modelRegistry struct {
	mu      sync.Mutex
	entries map[string]*modelEntry
}

type modelEntry struct {
	model ports.Model
	refs  int
}

var sharedModels = &modelRegistry{entries: make(map[string]*modelEntry)}

func (r *modelRegistry) acquire(backend ports.Backend, path string, opts ports.ModelOptions) (ports.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[path]; ok {
		e.refs++
		return e.model, nil
	}
	model, err := backend.LoadModel(path, opts)
	if err != nil {
		return nil, err
	}
	r.entries[path] = &modelEntry{model: model, refs: 1}
	return model, nil
}

func (r *modelRegistry) release(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[path]
	if !ok {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(r.entries, path)
	return e.model.Close()
}

// Runner executes inference for one worker. The model is shared and
// immutable; contexts are created per request so each job starts from a
// clean KV cache sized for its prompt.
type Runner struct {
	logger    *slog.Logger
	backend   ports.Backend
	modelPath string
	model     ports.Model
	vision    ports.VisionContext
	threads   int
	closed    bool
}

// NewRunner loads (or re-uses) the model at modelPath. When mmprojPath is
// non-empty a vision projector is attached; a projector that fails to
// load degrades the runner to text-only rather than failing startup.
func NewRunner(logger *slog.Logger, backend ports.Backend, modelPath, mmprojPath string, threads int) (*Runner, error) {
	model, err := sharedModels.acquire(backend, modelPath, ports.ModelOptions{GPULayers: config.GPULayers()})
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", modelPath, err)
	}

	r := &Runner{
		logger:    logger,
		backend:   backend,
		modelPath: modelPath,
		model:     model,
		threads:   threads,
	}

	if mmprojPath != "" {
		vision, err := backend.LoadVision(model, mmprojPath)
		if err != nil {
			logger.Warn("failed to load mmproj, running text-only", "path", mmprojPath, "error", err)
		} else {
			r.vision = vision
			logger.Info("multimodal support enabled", "mmproj", mmprojPath)
		}
	}
	return r, nil
}

// Generate runs a text completion.
func (r *Runner) Generate(ctx context.Context, prompt string) (string, error) {
	cfg := r.samplingConfig()
	formatted := r.formatPrompt(prompt)
	return r.generate(ctx, cfg, formatted)
}

func (r *Runner) generate(ctx context.Context, cfg config.Sampling, formatted string) (string, error) {
	tokens, err := r.model.Tokenize(formatted, true)
	if err != nil || len(tokens) == 0 {
		return "", fmt.Errorf("failed to tokenize input")
	}
	nPrompt := len(tokens)
	clampPredict(&cfg, nPrompt)

	mctx, err := r.model.NewContext(ports.ContextOptions{
		Ctx:     contextSize(cfg, nPrompt),
		Batch:   cfg.Batch,
		Threads: r.threads,
	})
	if err != nil {
		return "", fmt.Errorf("create context: %w", err)
	}
	defer mctx.Close()

	nPast := 0
	for nPast < nPrompt {
		end := nPast + cfg.Batch
		if end > nPrompt {
			end = nPrompt
		}
		if err := mctx.Decode(tokens[nPast:end], nPast); err != nil {
			return "", fmt.Errorf("decode prompt: %w", err)
		}
		nPast = end
	}

	out, err := r.decodeLoop(ctx, mctx, cfg, nPast)
	if err != nil {
		return "", err
	}
	return stripThinkBlocks(out), nil
}

// GenerateVision runs a completion over a prompt with attached images.
func (r *Runner) GenerateVision(ctx context.Context, prompt string, imagePaths []string) (string, error) {
	if r.vision == nil {
		return "", fmt.Errorf("vision job requires a multimodal projector")
	}

	cfg := r.samplingConfig()
	cfg.Temp = config.VisionTemp()
	r.logger.Info("vision job", "images", len(imagePaths), "temp", cfg.Temp)

	formatted := r.formatMultimodalPrompt(prompt, len(imagePaths))

	mctx, err := r.model.NewContext(ports.ContextOptions{
		Ctx:     cfg.MaxCtx,
		Batch:   cfg.Batch,
		Threads: r.threads,
	})
	if err != nil {
		return "", fmt.Errorf("create context: %w", err)
	}
	defer mctx.Close()

	// Held only around the encoding call; deferred so a panicking
	// projector cannot leave the mutex locked for every other worker.
	nPast, err := func() (int, error) {
		visionEncodingMu.Lock()
		defer visionEncodingMu.Unlock()
		return r.vision.EvalPrompt(mctx, formatted, imagePaths)
	}()
	if err != nil {
		return "", fmt.Errorf("eval multimodal prompt: %w", err)
	}
	clampPredict(&cfg, nPast)

	out, err := r.decodeLoop(ctx, mctx, cfg, nPast)
	if err != nil {
		return "", err
	}
	return stripThinkBlocks(out), nil
}

// Embed computes a sentence embedding with a fresh mean-pooling context.
func (r *Runner) Embed(ctx context.Context, text string) ([]float32, error) {
	tokens, err := r.model.Tokenize(text, true)
	if err != nil || len(tokens) == 0 {
		return nil, fmt.Errorf("failed to tokenize input")
	}

	mctx, err := r.model.NewContext(ports.ContextOptions{
		Ctx:         len(tokens) + 1,
		Batch:       len(tokens),
		Threads:     r.threads,
		Embeddings:  true,
		PoolingMean: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding context: %w", err)
	}
	defer mctx.Close()

	if err := mctx.Decode(tokens, 0); err != nil {
		return nil, fmt.Errorf("decode for embeddings: %w", err)
	}

	emb, ok := mctx.SeqEmbeddings()
	if !ok {
		emb, ok = mctx.LastEmbeddings()
	}
	if !ok {
		return nil, fmt.Errorf("failed to get embeddings")
	}
	r.logger.Info("generated embedding", "dims", len(emb))
	return emb, nil
}

// Close releases the runner's share of the model and its projector.
func (r *Runner) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.vision != nil {
		if err := r.vision.Close(); err != nil {
			r.logger.Warn("failed to close vision context", "error", err)
		}
	}
	return sharedModels.release(r.modelPath)
}

func (r *Runner) decodeLoop(ctx context.Context, mctx ports.ModelContext, cfg config.Sampling, nPast int) (string, error) {
	smpl := newSampler(cfg)
	var out strings.Builder

	for i := 0; i < cfg.Predict; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		tok := smpl.sample(mctx.Logits())
		smpl.accept(tok)
		if r.model.IsEOG(tok) {
			break
		}
		out.WriteString(r.model.TokenText(tok))

		if err := mctx.Decode([]ports.Token{tok}, nPast); err != nil {
			break
		}
		nPast++
	}
	return out.String(), nil
}

func (r *Runner) samplingConfig() config.Sampling {
	cfg := config.SamplingFromEnv()
	if train := r.model.TrainCtx(); train > 0 && train < cfg.MaxCtx {
		cfg.MaxCtx = train
	}
	return cfg
}

// formatPrompt wraps the raw prompt as a single user message when the
// model carries a chat template; base models see the prompt untouched.
func (r *Runner) formatPrompt(prompt string) string {
	if formatted, ok := r.model.ApplyChatTemplate(prompt); ok {
		return formatted
	}
	return prompt
}

// formatMultimodalPrompt prepends one media marker per image when the
// prompt carries none, images before text, then applies the template.
func (r *Runner) formatMultimodalPrompt(prompt string, imageCount int) string {
	marker := r.vision.Marker()
	content := prompt
	if !strings.Contains(prompt, marker) {
		content = strings.Repeat(marker, imageCount) + prompt
	}
	if formatted, ok := r.model.ApplyChatTemplate(content); ok {
		return formatted
	}
	return content
}

// clampPredict keeps prompt + prediction + headroom inside the window.
func clampPredict(cfg *config.Sampling, nPrompt int) {
	maxPredict := cfg.MaxCtx - nPrompt - 64
	if maxPredict < 0 {
		maxPredict = 0
	}
	if cfg.Predict > maxPredict {
		cfg.Predict = maxPredict
	}
}

func contextSize(cfg config.Sampling, nPrompt int) int {
	n := nPrompt + cfg.Predict + 64
	if n > cfg.MaxCtx {
		n = cfg.MaxCtx
	}
	return n
}

var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>\s*`)

// stripThinkBlocks removes reasoning spans emitted by models like
// DeepSeek-R1 and QwQ, plus any leading whitespace left behind.
func stripThinkBlocks(text string) string {
	return strings.TrimLeft(thinkBlockRe.ReplaceAllString(text, ""), " \t\n\r")
}

// EngineSet owns one engine per worker and hands them out by index.
type EngineSet struct {
	engines []ports.Engine
}

// NewEngineSet wraps pre-built engines, one per worker.
func NewEngineSet(engines []ports.Engine) *EngineSet {
	return &EngineSet{engines: engines}
}

// InitializeRunners pre-creates one Runner per worker on the calling
// goroutine, before the pool starts. The native backend registers its
// compute devices on first load and must do so from a single thread.
// CPU threads are divided evenly among workers.
func InitializeRunners(logger *slog.Logger, backend ports.Backend, modelPath, mmprojPath string, workers int) (*EngineSet, error) {
	threads := runtime.NumCPU() / workers
	if threads < 1 {
		threads = 1
	}
	logger.Info("initializing runners", "workers", workers, "threads_per_worker", threads)

	engines := make([]ports.Engine, 0, workers)
	for i := 0; i < workers; i++ {
		r, err := NewRunner(logger.With("worker", i), backend, modelPath, mmprojPath, threads)
		if err != nil {
			for _, e := range engines {
				e.Close()
			}
			return nil, fmt.Errorf("initialize runner %d: %w", i, err)
		}
		engines = append(engines, r)
	}
	return &EngineSet{engines: engines}, nil
}

// Engine returns the worker's engine. An unknown index is a programming
// error in the pool wiring, not a runtime condition.
func (s *EngineSet) Engine(worker int) ports.Engine {
	if worker < 0 || worker >= len(s.engines) {
		panic(fmt.Sprintf("no engine for worker %d", worker))
	}
	return s.engines[worker]
}

// Close closes every engine in the set.
func (s *EngineSet) Close() {
	for _, e := range s.engines {
		e.Close()
	}
}
