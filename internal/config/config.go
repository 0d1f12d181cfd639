package config

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Sampling carries the generation parameters. Values are resolved from
// the environment per job, so a long-lived daemon picks up changes
// without restarting.
type Sampling struct {
	Predict       int
	MaxCtx        int
	Batch         int
	Temp          float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
	Seed          uint32
}

// SamplingFromEnv resolves the NRVNA_* generation parameters.
func SamplingFromEnv() Sampling {
	return Sampling{
		Predict:       envInt("NRVNA_PREDICT", 2048),
		MaxCtx:        envInt("NRVNA_MAX_CTX", 8192),
		Batch:         envInt("NRVNA_BATCH", 2048),
		Temp:          envFloat("NRVNA_TEMP", 0.8),
		TopK:          envInt("NRVNA_TOP_K", 40),
		TopP:          envFloat("NRVNA_TOP_P", 0.9),
		MinP:          envFloat("NRVNA_MIN_P", 0.05),
		RepeatPenalty: envFloat("NRVNA_REPEAT_PENALTY", 1.1),
		RepeatLastN:   envInt("NRVNA_REPEAT_LAST_N", 64),
		Seed:          uint32(envInt("NRVNA_SEED", 0)),
	}
}

// VisionTemp is the lowered temperature used for vision jobs.
func VisionTemp() float32 {
	return envFloat("NRVNA_VISION_TEMP", 0.3)
}

// GPULayers defaults to full offload on darwin and CPU-only elsewhere.
func GPULayers() int {
	def := 0
	if runtime.GOOS == "darwin" {
		def = 99
	}
	return envInt("NRVNA_GPU_LAYERS", def)
}

// MaxPromptSize bounds submitted prompts, in bytes.
func MaxPromptSize() int64 {
	return envSize("NRVNA_MAX_SIZE", 10*1024*1024)
}

// MaxImageSize bounds each attached image, in bytes.
func MaxImageSize() int64 {
	return envSize("NRVNA_MAX_IMAGE_SIZE", 50*1024*1024)
}

// ModelsDir is the auto-discovery root for bare model names.
func ModelsDir() string {
	return envStr("NRVNA_MODELS_DIR", "./models")
}

// TraceDB is the optional job-trace archive path. Empty disables it.
func TraceDB() string {
	return os.Getenv("NRVNA_TRACE_DB")
}

// OllamaURL is the base URL used by the remote-engine adapter.
func OllamaURL() string {
	return envStr("NRVNA_OLLAMA_URL", "http://localhost:11434")
}

// LogLevel parses NRVNA_LOG_LEVEL; def applies when unset or unknown.
func LogLevel(def slog.Level) slog.Level {
	return ParseLevel(os.Getenv("NRVNA_LOG_LEVEL"), def)
}

// LevelTrace sits below slog's debug for very chatty diagnostics.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string, def slog.Level) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return slog.LevelError
	case "WARN":
		return slog.LevelWarn
	case "INFO":
		return slog.LevelInfo
	case "DEBUG":
		return slog.LevelDebug
	case "TRACE":
		return LevelTrace
	default:
		return def
	}
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(name string, def float32) float32 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return def
	}
	return float32(f)
}

func envSize(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
