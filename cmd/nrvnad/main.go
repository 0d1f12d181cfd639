// nrvnad is the inference daemon: it owns the model, watches one
// workspace and drives queued jobs through the worker pool. Submission
// and retrieval stay in wrk/flw; the daemon never talks to clients
// directly.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/nrvna/internal/adapters/duckdb"
	"github.com/manthysbr/nrvna/internal/adapters/echo"
	"github.com/manthysbr/nrvna/internal/adapters/ollama"
	"github.com/manthysbr/nrvna/internal/config"
	"github.com/manthysbr/nrvna/internal/core/ports"
	"github.com/manthysbr/nrvna/internal/core/services"
	"github.com/manthysbr/nrvna/internal/workspace"
)

const version = "0.1.0"

func banner() {
	fmt.Print(`
   _ __      _ __      __   __     _ __       __ _
  | '_ \    | '__|     \ \ / /    | '_ \     / _` + "`" + ` |
  | | | |   | |         \ V /     | | | |   | (_| |
  |_| |_|   |_|          \_/      |_| |_|    \__,_|

             async   ·   inference primitive

`)
}

func usage() {
	banner()
	fmt.Print(`  wrkflw
    1. start daemon       $ nrvnad <model> <workspace> [workers]
    2. submit prompt      $ wrk <workspace> "prompt"
    3. retrieve inference $ flw <workspace> <job_id>

  model selects the engine:
    ollama:<name>   run against a local Ollama server
    echo:<name>     deterministic dry-run engine

  Options:
    -w, --workers <n>   Worker count (1-64, default 4)
        --mmproj <path> Multimodal projector for vision jobs
    -h, --help          Show this help
    -v, --version       Show version

  Environment Variables:
    NRVNA_LOG_LEVEL, NRVNA_PREDICT, NRVNA_MAX_CTX, NRVNA_TEMP, ...
    NRVNA_TRACE_DB      Path to an advisory DuckDB job archive
    NRVNA_OLLAMA_URL    Ollama base URL (default http://localhost:11434)

`)
}

func main() {
	godotenv.Load()

	level := config.LogLevel(slog.LevelInfo)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	os.Exit(run(logger, os.Args[1:]))
}

func run(logger *slog.Logger, args []string) int {
	var model, root, mmproj string
	workers := services.DefaultWorkers
	var positional []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-h", "--help", "--design":
			usage()
			return 0
		case "-v", "--version":
			fmt.Printf("nrvnad v%s\n", version)
			return 0
		case "--mmproj":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --mmproj requires a path")
				return 1
			}
			i++
			mmproj = args[i]
		case "-w", "--workers":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --workers requires a count")
				return 1
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: Invalid worker count: %s\n", args[i])
				return 1
			}
			workers = n
		default:
			positional = append(positional, args[i])
		}
	}

	if len(positional) < 2 || len(positional) > 3 {
		usage()
		return 1
	}
	model, root = positional[0], positional[1]
	if len(positional) == 3 {
		n, err := strconv.Atoi(positional[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Invalid worker count: %s\n", positional[2])
			return 1
		}
		workers = n
	}
	if workers < 1 || workers > services.MaxWorkers {
		fmt.Fprintln(os.Stderr, "Error: Workers must be between 1 and 64")
		return 1
	}

	banner()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engines, err := buildEngines(ctx, logger, model, mmproj, workers)
	if err != nil {
		logger.Error("engine initialization failed", "model", model, "error", err)
		return 1
	}
	defer engines.Close()

	var archive services.Archiver
	if path := config.TraceDB(); path != "" {
		db, err := duckdb.NewArchive(path)
		if err != nil {
			logger.Warn("trace archive unavailable", "path", path, "error", err)
		} else {
			defer db.Close()
			archive = db
			logger.Info("trace archive enabled", "path", path)
		}
	}

	ws := workspace.New(root)
	server := services.NewServer(logger, ws, engines, services.ServerConfig{
		Model:   model,
		Mmproj:  mmproj,
		Workers: workers,
	}, archive)

	fmt.Printf("  listening on %s\n  %s\n\n", root, model)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gCtx)
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutdown requested, stopping server")
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}
	logger.Info("daemon stopped")
	return 0
}

// buildEngines resolves the model argument to a set of per-worker
// engines. The prefix picks the backend; a bare path would need a native
// binding behind ports.Backend, which this build does not carry.
func buildEngines(ctx context.Context, logger *slog.Logger, model, mmproj string, workers int) (*services.EngineSet, error) {
	switch {
	case strings.HasPrefix(model, "echo:"):
		path := resolveModel(strings.TrimPrefix(model, "echo:"))
		return services.InitializeRunners(logger, echo.New(), path, mmproj, workers)

	case strings.HasPrefix(model, "ollama:"):
		name := strings.TrimPrefix(model, "ollama:")
		eng := ollama.New("", name)
		if err := eng.Ping(ctx); err != nil {
			return nil, err
		}
		shared := make([]ports.Engine, workers)
		for i := range shared {
			shared[i] = eng
		}
		return services.NewEngineSet(shared), nil

	default:
		return nil, fmt.Errorf("no native backend in this build; use ollama:<model> or echo:<name>")
	}
}

// resolveModel turns a bare model name into a path under the models
// directory. Anything already path-like passes through untouched.
func resolveModel(name string) string {
	if strings.ContainsRune(name, os.PathSeparator) {
		return name
	}
	return filepath.Join(config.ModelsDir(), name)
}
