package services

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/nrvna/internal/adapters/echo"
	"github.com/manthysbr/nrvna/internal/core/domain"
	"github.com/manthysbr/nrvna/internal/workspace"
)

type memoryArchive struct {
	mu      sync.Mutex
	records []domain.TraceRecord
}

func (a *memoryArchive) Record(_ context.Context, rec domain.TraceRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *memoryArchive) snapshot() []domain.TraceRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.TraceRecord(nil), a.records...)
}

func startServer(t *testing.T, ws *workspace.Workspace, archive Archiver) (*Server, context.CancelFunc, chan error) {
	t.Helper()

	engines, err := InitializeRunners(testLogger(), echo.New(), t.Name()+".gguf", "", 2)
	require.NoError(t, err)
	t.Cleanup(engines.Close)

	server := NewServer(testLogger(), ws, engines, ServerConfig{
		Model:   "echo:" + t.Name(),
		Workers: 2,
	}, archive)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	return server, cancel, done
}

func stopServer(t *testing.T, cancel context.CancelFunc, done chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerProcessesQueuedJobs(t *testing.T) {
	ws := workspace.New(t.TempDir())
	work, err := workspace.NewWork(testLogger(), ws, 0, 0)
	require.NoError(t, err)

	prompts := []string{"alpha", "beta", "gamma"}
	ids := make([]domain.JobID, 0, len(prompts))
	for _, p := range prompts {
		res := work.Submit(p)
		require.True(t, res.OK)
		ids = append(ids, res.ID)
	}

	_, cancel, done := startServer(t, ws, nil)
	defer stopServer(t, cancel, done)

	flow := workspace.NewFlow(testLogger(), ws)
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if flow.Status(id) != domain.StatusDone {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	for i, id := range ids {
		job, ok := flow.Get(id)
		require.True(t, ok)
		assert.Equal(t, prompts[i], job.Content)
	}
}

func TestServerRecoversOrphanedJobs(t *testing.T) {
	ws := workspace.New(t.TempDir())
	require.NoError(t, ws.EnsureLayout())

	// A job stranded mid-flight by a crashed daemon.
	id := domain.NewJobID()
	require.NoError(t, os.MkdirAll(ws.ProcessingJob(id), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(ws.ProcessingJob(id), workspace.PromptFile), []byte("orphan"), 0o644))

	_, cancel, done := startServer(t, ws, nil)
	defer stopServer(t, cancel, done)

	flow := workspace.NewFlow(testLogger(), ws)
	require.Eventually(t, func() bool {
		return flow.Status(id) == domain.StatusDone
	}, 5*time.Second, 10*time.Millisecond)

	job, ok := flow.Get(id)
	require.True(t, ok)
	assert.Equal(t, "orphan", job.Content)
}

func TestServerWritesWorkspaceMetadata(t *testing.T) {
	ws := workspace.New(t.TempDir())

	server, cancel, done := startServer(t, ws, nil)
	defer stopServer(t, cancel, done)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(ws.Root(), workspace.PidFile))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	content, err := os.ReadFile(filepath.Join(ws.Root(), workspace.PidFile))
	require.NoError(t, err)
	assert.Contains(t, string(content), server.Incarnation())
}

func TestServerArchivesTerminalJobs(t *testing.T) {
	ws := workspace.New(t.TempDir())
	work, err := workspace.NewWork(testLogger(), ws, 0, 0)
	require.NoError(t, err)

	res := work.Submit("archive me")
	require.True(t, res.OK)

	archive := &memoryArchive{}
	server, cancel, done := startServer(t, ws, archive)
	defer stopServer(t, cancel, done)

	require.Eventually(t, func() bool {
		return len(archive.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec := archive.snapshot()[0]
	assert.Equal(t, res.ID, rec.ID)
	assert.Equal(t, domain.StatusDone, rec.Status)
	assert.Equal(t, server.Incarnation(), rec.Incarnation)
	assert.False(t, rec.FinishedAt.Before(rec.StartedAt))
}
