// flw retrieves job results from a nrvna workspace. Like wrk it talks
// only to the directory tree, so results remain readable after the
// daemon has exited.
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alexeyco/simpletable"
	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/manthysbr/nrvna/internal/config"
	"github.com/manthysbr/nrvna/internal/core/domain"
	"github.com/manthysbr/nrvna/internal/workspace"
)

const (
	version      = "0.1.0"
	pollInterval = 100 * time.Millisecond
	waitTimeout  = 10 * time.Minute
	defaultList  = 10
)

func usage() {
	fmt.Printf(`nrvna-ai Flow Retrieval Tool v%s

Usage: flw <workspace> [job_id]
       flw <workspace> --list [n]

Arguments:
  workspace     Directory for job storage
  job_id        Specific job ID to retrieve (optional; latest job when
                omitted, read from stdin when piped)

Options:
  -w, --wait    Poll until the job reaches a terminal state
      --list    Show recent terminal jobs instead of a result
  -h, --help    Show this help
  -v, --version Show version

Exit codes:
  0  job done, result on stdout
  1  job missing or failed
  2  job not terminal yet

Environment Variables:
  NRVNA_LOG_LEVEL    Log level (ERROR, WARN, INFO, DEBUG, TRACE)

Examples:
  flw ./workspace
  flw ./workspace 1731808123456789_12345_1
  flw ./workspace --wait 1731808123456789_12345_1
  flw ./workspace --list 20
`, version)
}

func main() {
	godotenv.Load()

	level := config.LogLevel(slog.LevelWarn)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	os.Exit(run(logger, os.Args[1:]))
}

func run(logger *slog.Logger, args []string) int {
	wait := false
	list := false
	listN := defaultList
	var positional []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-h", "--help":
			usage()
			return 0
		case "-v", "--version":
			fmt.Printf("flw v%s\n", version)
			return 0
		case "-w", "--wait":
			wait = true
		case "--list":
			list = true
			if i+1 < len(args) {
				if n, err := strconv.Atoi(args[i+1]); err == nil && n > 0 {
					listN = n
					i++
				}
			}
		default:
			positional = append(positional, args[i])
		}
	}

	if len(positional) < 1 {
		usage()
		return 1
	}

	flow := workspace.NewFlow(logger, workspace.New(positional[0]))

	if list {
		printList(flow.List(listN))
		return 0
	}

	var id domain.JobID
	if len(positional) >= 2 {
		id = domain.JobID(positional[1])
	} else if !isatty.IsTerminal(os.Stdin.Fd()) {
		// Accept a piped id, so `wrk ... | flw -w ws` round-trips.
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			id = domain.JobID(strings.TrimSpace(scanner.Text()))
		}
	}

	if id == "" {
		job, ok := flow.Latest()
		if !ok {
			fmt.Fprintln(os.Stderr, "No jobs found")
			return 1
		}
		return report(job, "Latest job")
	}

	if wait {
		if err := waitTerminal(flow, id); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 2
		}
	}

	job, ok := flow.Get(id)
	if !ok {
		fmt.Fprintf(os.Stderr, "Job not found: %s\n", id)
		return 1
	}
	return report(job, "Job")
}

func report(job domain.Job, subject string) int {
	switch job.Status {
	case domain.StatusDone:
		fmt.Println(job.Content)
		return 0
	case domain.StatusFailed:
		fmt.Fprintf(os.Stderr, "%s failed: %s\n", subject, job.ID)
		if job.Content != "" {
			fmt.Fprintf(os.Stderr, "Error: %s\n", job.Content)
		}
		return 1
	default:
		fmt.Fprintf(os.Stderr, "%s not ready: %s (status: %s)\n",
			subject, job.ID, strings.ToUpper(job.Status.String()))
		return 2
	}
}

// waitTerminal polls the status tree until the job finishes. The job may
// legitimately not exist yet (wrk still staging it), so Missing keeps
// polling too.
func waitTerminal(flow *workspace.Flow, id domain.JobID) error {
	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(pollInterval),
		uint64(waitTimeout/pollInterval),
	)
	return backoff.Retry(func() error {
		if flow.Status(id).Terminal() {
			return nil
		}
		return fmt.Errorf("job %s not terminal yet", id)
	}, policy)
}

func printList(jobs []domain.Job) {
	table := simpletable.New()
	table.Header = &simpletable.Header{
		Cells: []*simpletable.Cell{
			{Align: simpletable.AlignLeft, Text: "ID"},
			{Align: simpletable.AlignLeft, Text: "STATUS"},
			{Align: simpletable.AlignLeft, Text: "FINISHED"},
		},
	}
	for _, job := range jobs {
		table.Body.Cells = append(table.Body.Cells, []*simpletable.Cell{
			{Text: string(job.ID)},
			{Text: strings.ToUpper(job.Status.String())},
			{Text: job.Timestamp.Format("2006-01-02 15:04:05")},
		})
	}
	table.SetStyle(simpletable.StyleCompactLite)
	fmt.Println(table.String())
}
