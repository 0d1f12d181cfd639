// Package echo provides a deterministic in-memory inference backend. It
// implements the full backend contract without any native library: text
// generation replays a pure function of the prompt, one token per byte.
// The daemon selects it with the "echo:" model prefix for dry runs; the
// test suites use it to exercise the runner and processor end to end.
package echo

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manthysbr/nrvna/internal/core/ports"
)

const (
	vocabSize       = 256
	eogToken        = ports.Token(0)
	visionMarker    = "<__media__>"
	tokensPerImage  = 16
	defaultTrainCtx = 4096
)

// Backend builds echo models. The zero value is not usable; use New.
type Backend struct {
	respond  func(prompt string) string
	trainCtx int

	visionActive        atomic.Int32
	visionMaxConcurrent atomic.Int32
	visionDelay         time.Duration

	mu     sync.Mutex
	loaded []string
	closed []string
}

// New creates a backend whose models echo the prompt back.
func New() *Backend {
	return &Backend{
		respond:  func(prompt string) string { return prompt },
		trainCtx: defaultTrainCtx,
	}
}

// WithResponder replaces the prompt-to-response function.
func (b *Backend) WithResponder(fn func(prompt string) string) *Backend {
	b.respond = fn
	return b
}

// WithTrainCtx overrides the advertised training context length.
func (b *Backend) WithTrainCtx(n int) *Backend {
	b.trainCtx = n
	return b
}

// WithVisionDelay makes image evaluation take a while, so tests can
// observe whether encodings overlap.
func (b *Backend) WithVisionDelay(d time.Duration) *Backend {
	b.visionDelay = d
	return b
}

// LoadCount reports how many times a path was loaded.
func (b *Backend) LoadCount(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.loaded {
		if p == path {
			n++
		}
	}
	return n
}

// CloseCount reports how many times a path was closed.
func (b *Backend) CloseCount(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.closed {
		if p == path {
			n++
		}
	}
	return n
}

// MaxConcurrentVision reports the peak number of simultaneous image
// evaluations observed.
func (b *Backend) MaxConcurrentVision() int {
	return int(b.visionMaxConcurrent.Load())
}

// LoadModel records the load and returns an echo model.
func (b *Backend) LoadModel(path string, _ ports.ModelOptions) (ports.Model, error) {
	b.mu.Lock()
	b.loaded = append(b.loaded, path)
	b.mu.Unlock()
	return &model{backend: b, path: path}, nil
}

// LoadVision attaches an echo projector to an echo model.
func (b *Backend) LoadVision(m ports.Model, mmprojPath string) (ports.VisionContext, error) {
	em, ok := m.(*model)
	if !ok {
		return nil, fmt.Errorf("model was not loaded by this backend")
	}
	return &visionContext{backend: b, model: em, path: mmprojPath}, nil
}

type model struct {
	backend *Backend
	path    string
}

func (m *model) TrainCtx() int  { return m.backend.trainCtx }
func (m *model) VocabSize() int { return vocabSize }

// Tokenize maps each byte to its own token. Byte 0 would collide with
// the end-of-generation token and is rejected.
func (m *model) Tokenize(text string, _ bool) ([]ports.Token, error) {
	tokens := make([]ports.Token, 0, len(text))
	for _, c := range []byte(text) {
		if c == 0 {
			return nil, fmt.Errorf("NUL byte in input")
		}
		tokens = append(tokens, ports.Token(c))
	}
	return tokens, nil
}

func (m *model) TokenText(t ports.Token) string { return string([]byte{byte(t)}) }
func (m *model) IsEOG(t ports.Token) bool       { return t == eogToken }

// ApplyChatTemplate reports no template; prompts pass through raw.
func (m *model) ApplyChatTemplate(string) (string, bool) { return "", false }

func (m *model) NewContext(opts ports.ContextOptions) (ports.ModelContext, error) {
	return &modelContext{model: m, opts: opts}, nil
}

func (m *model) Close() error {
	m.backend.mu.Lock()
	m.backend.closed = append(m.backend.closed, m.path)
	m.backend.mu.Unlock()
	return nil
}

// modelContext replays the backend's response one token per Logits call.
// Tokens decoded before the first Logits call are the prompt; everything
// after is generated feedback and only advances the position.
type modelContext struct {
	model    *model
	opts     ports.ContextOptions
	prompt   []byte
	response []byte
	sampling bool
	genIdx   int
	closed   bool
}

func (c *modelContext) Decode(tokens []ports.Token, _ int) error {
	if c.closed {
		return fmt.Errorf("context is closed")
	}
	if c.sampling {
		c.genIdx++
		return nil
	}
	for _, t := range tokens {
		c.prompt = append(c.prompt, byte(t))
	}
	return nil
}

func (c *modelContext) Logits() []float32 {
	if !c.sampling {
		c.sampling = true
		c.response = []byte(c.model.backend.respond(string(c.prompt)))
	}

	logits := make([]float32, vocabSize)
	for i := range logits {
		logits[i] = -100
	}
	if c.genIdx < len(c.response) {
		logits[c.response[c.genIdx]] = 100
	} else {
		logits[eogToken] = 100
	}
	return logits
}

// SeqEmbeddings returns prompt statistics as a fixed 4-dim vector.
func (c *modelContext) SeqEmbeddings() ([]float32, bool) {
	if !c.opts.Embeddings || !c.opts.PoolingMean {
		return nil, false
	}
	return c.embed(), true
}

func (c *modelContext) LastEmbeddings() ([]float32, bool) {
	if !c.opts.Embeddings {
		return nil, false
	}
	return c.embed(), true
}

func (c *modelContext) embed() []float32 {
	var sum float32
	min, max := float32(256), float32(0)
	for _, b := range c.prompt {
		v := float32(b)
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if len(c.prompt) == 0 {
		min = 0
	}
	return []float32{float32(len(c.prompt)), sum, min, max}
}

func (c *modelContext) Clear() {
	c.prompt = nil
	c.response = nil
	c.sampling = false
	c.genIdx = 0
}

func (c *modelContext) Close() error {
	c.closed = true
	return nil
}

type visionContext struct {
	backend *Backend
	model   *model
	path    string
}

func (v *visionContext) Marker() string { return visionMarker }

// EvalPrompt counts markers as image slots and feeds the prompt into the
// context. Concurrent evaluations are tracked so the caller's locking is
// observable.
func (v *visionContext) EvalPrompt(mctx ports.ModelContext, formattedPrompt string, imagePaths []string) (int, error) {
	active := v.backend.visionActive.Add(1)
	for {
		max := v.backend.visionMaxConcurrent.Load()
		if active <= max || v.backend.visionMaxConcurrent.CompareAndSwap(max, active) {
			break
		}
	}
	defer v.backend.visionActive.Add(-1)

	if v.backend.visionDelay > 0 {
		time.Sleep(v.backend.visionDelay)
	}

	if strings.Count(formattedPrompt, visionMarker) < len(imagePaths) {
		return 0, fmt.Errorf("prompt has fewer markers than images")
	}

	text := strings.ReplaceAll(formattedPrompt, visionMarker, "")
	tokens, err := v.model.Tokenize(text, true)
	if err != nil {
		return 0, err
	}
	if err := mctx.Decode(tokens, 0); err != nil {
		return 0, err
	}
	return len(tokens) + tokensPerImage*len(imagePaths), nil
}

func (v *visionContext) Close() error { return nil }
