// wrk submits jobs to a nrvna workspace. It only writes; the daemon
// picks the job up through the shared directory tree, so wrk works even
// when no daemon is running yet.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/manthysbr/nrvna/internal/config"
	"github.com/manthysbr/nrvna/internal/core/domain"
	"github.com/manthysbr/nrvna/internal/workspace"
)

const version = "0.1.0"

func usage() {
	fmt.Printf(`nrvna-ai Work Submission Tool v%s

Usage: wrk <workspace> [prompt...]
       wrk <workspace> -              (read prompt from stdin)
       echo "prompt" | wrk <workspace>

Options:
  -i, --image <path>   Attach an image (repeatable, implies vision job)
      --embed          Submit an embedding job
  -h, --help           Show this help
  -v, --version        Show version

Environment Variables:
  NRVNA_LOG_LEVEL      Log level (ERROR, WARN, INFO, DEBUG, TRACE)
  NRVNA_MAX_SIZE       Maximum prompt size in bytes
  NRVNA_MAX_IMAGE_SIZE Maximum image size in bytes

Examples:
  wrk ./workspace "Explain rename atomicity"
  wrk ./workspace --embed "text to embed"
  wrk ./workspace -i photo.jpg "What is in this picture?"
`, version)
}

func main() {
	godotenv.Load()

	level := config.LogLevel(slog.LevelWarn)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	os.Exit(run(logger, os.Args[1:]))
}

func run(logger *slog.Logger, args []string) int {
	for _, a := range args {
		switch a {
		case "-h", "--help":
			usage()
			return 0
		case "-v", "--version":
			fmt.Printf("wrk v%s\n", version)
			return 0
		}
	}

	if len(args) < 1 {
		usage()
		return 1
	}

	root := args[0]
	var promptParts []string
	var images []string
	embed := false
	fromStdin := false

	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "-i", "--image":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "Error: --image requires a path")
				return 1
			}
			i++
			images = append(images, rest[i])
		case "--embed":
			embed = true
		case "-":
			fromStdin = true
		default:
			promptParts = append(promptParts, rest[i])
		}
	}

	// No prompt on the command line and stdin is piped: read it there.
	if len(promptParts) == 0 && !fromStdin && !isatty.IsTerminal(os.Stdin.Fd()) {
		fromStdin = true
	}

	var prompt string
	if fromStdin {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read stdin: %v\n", err)
			return 1
		}
		prompt = strings.TrimRight(string(data), "\n")
	} else {
		prompt = strings.Join(promptParts, " ")
	}

	if prompt == "" {
		fmt.Fprintln(os.Stderr, "Error: Empty prompt provided")
		return 1
	}
	if embed && len(images) > 0 {
		fmt.Fprintln(os.Stderr, "Error: --embed and --image cannot be combined")
		return 1
	}

	work, err := workspace.NewWork(logger, workspace.New(root), config.MaxPromptSize(), config.MaxImageSize())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var res domain.SubmitResult
	switch {
	case embed:
		res = work.SubmitEmbed(prompt)
	case len(images) > 0:
		res = work.SubmitVision(prompt, images)
	default:
		res = work.Submit(prompt)
	}

	if !res.OK {
		fmt.Fprintf(os.Stderr, "Error: %s\n", res.Message)
		return 1
	}

	fmt.Println(res.ID)
	return 0
}
