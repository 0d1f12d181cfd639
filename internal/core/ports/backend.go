package ports

// Token is a model-vocabulary token id.
type Token int32

// ModelOptions controls how a model file is loaded.
type ModelOptions struct {
	GPULayers int
}

// ContextOptions controls a generation or embedding context.
type ContextOptions struct {
	Ctx         int
	Batch       int
	Threads     int
	Embeddings  bool
	PoolingMean bool
}

// Backend abstracts the native inference library. The runner drives it
// through these interfaces; the library's own types never leak above this
// package.
type Backend interface {
	// LoadModel maps a model file into memory. The returned Model is
	// immutable and safe to share across workers.
	LoadModel(path string, opts ModelOptions) (Model, error)

	// LoadVision attaches a multimodal projector to a loaded model.
	LoadVision(model Model, mmprojPath string) (VisionContext, error)
}

// Model is a loaded, immutable model.
type Model interface {
	// TrainCtx is the context length the model was trained with.
	TrainCtx() int

	// VocabSize is the number of entries in the model's vocabulary.
	VocabSize() int

	// Tokenize converts text to tokens. addSpecial controls whether
	// BOS-style special tokens are inserted.
	Tokenize(text string, addSpecial bool) ([]Token, error)

	// TokenText renders a token back to its text piece.
	TokenText(t Token) string

	// IsEOG reports whether the token ends generation.
	IsEOG(t Token) bool

	// ApplyChatTemplate formats text as a single user message using the
	// model's embedded chat template. ok is false when the model has no
	// template, in which case the prompt passes through raw.
	ApplyChatTemplate(userMessage string) (formatted string, ok bool)

	// NewContext creates a mutable per-worker context.
	NewContext(opts ContextOptions) (ModelContext, error)

	// Close releases the model.
	Close() error
}

// ModelContext is a mutable KV-cache-bearing context. Not safe for
// concurrent use; each worker owns its own.
type ModelContext interface {
	// Decode evaluates tokens at the given past position.
	Decode(tokens []Token, nPast int) error

	// Logits returns the logits of the last decoded token. The slice is
	// only valid until the next Decode.
	Logits() []float32

	// SeqEmbeddings returns the pooled sequence embedding, when the
	// context was created with pooling enabled.
	SeqEmbeddings() ([]float32, bool)

	// LastEmbeddings returns the last token's embedding.
	LastEmbeddings() ([]float32, bool)

	// Clear resets the KV cache so the context can serve the next job.
	Clear()

	// Close releases the context.
	Close() error
}

// VisionContext evaluates image inputs into a model context. Encoding is
// not reentrant in the underlying library; callers serialize access.
type VisionContext interface {
	// Marker is the placeholder string that marks an image position in a
	// multimodal prompt.
	Marker() string

	// EvalPrompt tokenizes the formatted prompt, encodes the images and
	// evaluates everything into mctx. Returns the resulting past-token
	// count from which text generation continues.
	EvalPrompt(mctx ModelContext, formattedPrompt string, imagePaths []string) (nPast int, err error)

	// Close releases the projector.
	Close() error
}
