// agent is a small autonomous loop built on nothing but the submit and
// retrieve primitives: assemble memory from prior outputs, submit one
// prompt, wait for the result, repeat until the model signals DONE. It
// exists to show that the workspace protocol is enough to build agents
// on; the daemon does not know it is talking to one.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"

	"github.com/manthysbr/nrvna/internal/config"
	"github.com/manthysbr/nrvna/internal/core/domain"
	"github.com/manthysbr/nrvna/internal/workspace"
)

const (
	defaultIterations = 4
	memoryBudget      = 2000
	planChars         = 500
	snippetChars      = 200
	pollInterval      = 200 * time.Millisecond
)

func main() {
	godotenv.Load()

	level := config.LogLevel(slog.LevelWarn)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	os.Exit(run(logger, os.Args[1:]))
}

func run(logger *slog.Logger, args []string) int {
	if len(args) < 2 {
		fmt.Println("Usage: agent <workspace> \"goal\" [iterations]")
		return 1
	}

	root, goal := args[0], args[1]
	iterations := defaultIterations
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil || n < 1 {
			fmt.Fprintf(os.Stderr, "Error: Invalid iteration count: %s\n", args[2])
			return 1
		}
		iterations = n
	}

	ws := workspace.New(root)
	work, err := workspace.NewWork(logger, ws, config.MaxPromptSize(), config.MaxImageSize())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	flow := workspace.NewFlow(logger, ws)

	for i := 1; i <= iterations; i++ {
		fmt.Printf("\n=== agent loop: iteration %d/%d ===\n", i, iterations)

		memory := loadMemory(flow)
		prompt := buildPrompt(goal, memory)

		res := work.Submit(prompt)
		if !res.OK {
			fmt.Fprintf(os.Stderr, "Error: %s\n", res.Message)
			return 1
		}
		fmt.Printf("submitted %s, waiting\n", res.ID)

		status := waitTerminal(flow, res.ID)
		if status != domain.StatusDone {
			errText, _ := flow.Error(res.ID)
			fmt.Fprintf(os.Stderr, "Error: job %s failed: %s\n", res.ID, errText)
			return 1
		}

		job, ok := flow.Get(res.ID)
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: job %s vanished after completion\n", res.ID)
			return 1
		}
		fmt.Printf("retrieved %d bytes\n%s\n", len(job.Content), snippet(job.Content))

		if strings.Contains(job.Content, "DONE") {
			fmt.Println("goal achieved (DONE signal received)")
			break
		}
	}

	fmt.Printf("\nfinal outputs in: %s\n", ws.OutputDir())
	return 0
}

// loadMemory assembles context from completed jobs: the oldest output is
// the plan and always leads, then recent outputs fill the remaining
// budget newest first.
func loadMemory(flow *workspace.Flow) string {
	done := lo.FilterMap(flow.List(0), func(j domain.Job, _ int) (domain.Job, bool) {
		if j.Status != domain.StatusDone {
			return domain.Job{}, false
		}
		full, ok := flow.Get(j.ID)
		return full, ok && full.Content != ""
	})
	if len(done) == 0 {
		return ""
	}

	var b strings.Builder
	plan := done[len(done)-1].Content
	b.WriteString("[PLAN]\n")
	b.WriteString(truncate(plan, planChars))
	b.WriteString("\n\n")

	for _, job := range done {
		if b.Len()+len(job.Content) < memoryBudget {
			b.WriteString(job.Content)
			b.WriteString("\n---\n")
			continue
		}
		if remaining := memoryBudget - b.Len(); remaining > 50 {
			b.WriteString(truncate(job.Content, remaining))
		}
		break
	}
	return b.String()
}

func buildPrompt(goal, memory string) string {
	return "You are an autonomous agent.\n" +
		"Goal: " + goal + "\n\n" +
		"Memory:\n" + memory + "\n\n" +
		"Continue the task.\n" +
		"DO NOT describe steps.\n" +
		"Write the actual content for the next step.\n" +
		"If the ENTIRE Goal is met, end with EXACTLY: DONE"
}

func waitTerminal(flow *workspace.Flow, id domain.JobID) domain.Status {
	for {
		if status := flow.Status(id); status.Terminal() {
			return status
		}
		time.Sleep(pollInterval)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func snippet(s string) string {
	if len(s) <= snippetChars {
		return s
	}
	return s[:snippetChars] + "..."
}
