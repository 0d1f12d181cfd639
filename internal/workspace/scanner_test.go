package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/nrvna/internal/core/domain"
)

func TestScannerReturnsJobsInSubmissionOrder(t *testing.T) {
	w, ws := newTestWork(t)
	s := NewScanner(ws)

	var want []domain.JobID
	for i := 0; i < 5; i++ {
		res := w.Submit("prompt")
		require.True(t, res.OK)
		want = append(want, res.ID)
	}

	assert.Equal(t, want, s.Ready())
}

func TestScannerSkipsInvalidEntries(t *testing.T) {
	w, ws := newTestWork(t)
	s := NewScanner(ws)

	res := w.Submit("valid")
	require.True(t, res.OK)

	// Directory without a prompt file.
	require.NoError(t, os.MkdirAll(filepath.Join(ws.ReadyDir(), "no_prompt"), 0o755))
	// Directory with an empty prompt file.
	emptyDir := filepath.Join(ws.ReadyDir(), "empty_prompt")
	require.NoError(t, os.MkdirAll(emptyDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(emptyDir, PromptFile), nil, 0o644))
	// A stray regular file.
	require.NoError(t, os.WriteFile(filepath.Join(ws.ReadyDir(), "stray.txt"), []byte("x"), 0o644))

	assert.Equal(t, []domain.JobID{res.ID}, s.Ready())
}

func TestScannerMissingReadyDirYieldsEmpty(t *testing.T) {
	ws := New(filepath.Join(t.TempDir(), "never_created"))
	s := NewScanner(ws)

	assert.Empty(t, s.Ready())
}
