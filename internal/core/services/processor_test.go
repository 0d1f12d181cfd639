package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/nrvna/internal/core/domain"
	"github.com/manthysbr/nrvna/internal/core/ports"
	"github.com/manthysbr/nrvna/internal/workspace"
)

// stubEngine lets each test script the inference outcome.
type stubEngine struct {
	generate    func(prompt string) (string, error)
	embed       func(text string) ([]float32, error)
	lastImages  []string
	lastPrompt  string
	visionCalls int
}

func (s *stubEngine) Generate(_ context.Context, prompt string) (string, error) {
	s.lastPrompt = prompt
	if s.generate != nil {
		return s.generate(prompt)
	}
	return "out:" + prompt, nil
}

func (s *stubEngine) GenerateVision(_ context.Context, prompt string, imagePaths []string) (string, error) {
	s.visionCalls++
	s.lastPrompt = prompt
	s.lastImages = imagePaths
	return "vision:" + prompt, nil
}

func (s *stubEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if s.embed != nil {
		return s.embed(text)
	}
	return []float32{1, 2, 3}, nil
}

func (s *stubEngine) Close() error { return nil }

// singleEngine serves the same engine to every worker.
type singleEngine struct{ eng ports.Engine }

func (p singleEngine) Engine(int) ports.Engine { return p.eng }

func newTestProcessor(t *testing.T, eng ports.Engine) (*Processor, *workspace.Work, *workspace.Workspace) {
	t.Helper()
	ws := workspace.New(t.TempDir())
	work, err := workspace.NewWork(testLogger(), ws, 0, 0)
	require.NoError(t, err)
	return NewProcessor(testLogger(), ws, singleEngine{eng}), work, ws
}

func TestProcessorSuccessMovesJobToOutput(t *testing.T) {
	eng := &stubEngine{}
	p, work, ws := newTestProcessor(t, eng)

	res := work.Submit("compute this")
	require.True(t, res.OK)

	outcome := p.Process(context.Background(), res.ID, 0)
	assert.Equal(t, OutcomeSuccess, outcome)

	content, err := os.ReadFile(filepath.Join(ws.OutputJob(res.ID), workspace.ResultFile))
	require.NoError(t, err)
	assert.Equal(t, "out:compute this", string(content))

	// No temp artifacts and nothing left mid-flight.
	_, err = os.Stat(filepath.Join(ws.OutputJob(res.ID), workspace.ResultFile+".tmp"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(ws.ProcessingJob(res.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessorInferenceErrorMovesJobToFailed(t *testing.T) {
	eng := &stubEngine{generate: func(string) (string, error) {
		return "", errors.New("model exploded")
	}}
	p, work, ws := newTestProcessor(t, eng)

	res := work.Submit("doomed")
	require.True(t, res.OK)

	outcome := p.Process(context.Background(), res.ID, 0)
	assert.Equal(t, OutcomeFailed, outcome)

	errText, err := os.ReadFile(filepath.Join(ws.FailedJob(res.ID), workspace.ErrorFile))
	require.NoError(t, err)
	assert.Equal(t, "model exploded", string(errText))
}

func TestProcessorPanickingEngineMovesJobToFailed(t *testing.T) {
	eng := &stubEngine{generate: func(string) (string, error) {
		panic("engine blew up")
	}}
	p, work, ws := newTestProcessor(t, eng)

	res := work.Submit("doomed")
	require.True(t, res.OK)

	outcome := p.Process(context.Background(), res.ID, 0)
	assert.Equal(t, OutcomeFailed, outcome)

	errText, err := os.ReadFile(filepath.Join(ws.FailedJob(res.ID), workspace.ErrorFile))
	require.NoError(t, err)
	assert.Contains(t, string(errText), "engine blew up")

	// Nothing stuck mid-flight.
	_, err = os.Stat(ws.ProcessingJob(res.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessorLostClaimIsNotFound(t *testing.T) {
	p, _, _ := newTestProcessor(t, &stubEngine{})

	outcome := p.Process(context.Background(), domain.NewJobID(), 0)
	assert.Equal(t, OutcomeNotFound, outcome)
}

func TestProcessorSecondClaimLoses(t *testing.T) {
	eng := &stubEngine{}
	p, work, _ := newTestProcessor(t, eng)

	res := work.Submit("only once")
	require.True(t, res.OK)

	assert.Equal(t, OutcomeSuccess, p.Process(context.Background(), res.ID, 0))
	assert.Equal(t, OutcomeNotFound, p.Process(context.Background(), res.ID, 1))
}

func TestProcessorEmptyPromptFails(t *testing.T) {
	p, _, ws := newTestProcessor(t, &stubEngine{})

	// The submitter refuses empty prompts, so fabricate the job directly.
	id := domain.NewJobID()
	require.NoError(t, os.MkdirAll(ws.ReadyJob(id), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws.ReadyJob(id), workspace.PromptFile), nil, 0o644))

	outcome := p.Process(context.Background(), id, 0)
	assert.Equal(t, OutcomeFailed, outcome)

	errText, err := os.ReadFile(filepath.Join(ws.FailedJob(id), workspace.ErrorFile))
	require.NoError(t, err)
	assert.Equal(t, "Failed to read prompt file", string(errText))
}

func TestProcessorEmbedJobFormatsVector(t *testing.T) {
	eng := &stubEngine{embed: func(string) ([]float32, error) {
		return []float32{1.5, -2}, nil
	}}
	p, work, ws := newTestProcessor(t, eng)

	res := work.SubmitEmbed("embed me")
	require.True(t, res.OK)

	outcome := p.Process(context.Background(), res.ID, 0)
	assert.Equal(t, OutcomeSuccess, outcome)

	content, err := os.ReadFile(filepath.Join(ws.OutputJob(res.ID), workspace.ResultFile))
	require.NoError(t, err)
	assert.Equal(t, "1.5\n-2\n", string(content))
}

func TestProcessorVisionJobPassesStagedImages(t *testing.T) {
	eng := &stubEngine{}
	p, work, ws := newTestProcessor(t, eng)

	img := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(img, []byte("png-bytes"), 0o644))

	res := work.SubmitVision("what is this", []string{img})
	require.True(t, res.OK)

	outcome := p.Process(context.Background(), res.ID, 0)
	assert.Equal(t, OutcomeSuccess, outcome)

	require.Equal(t, 1, eng.visionCalls)
	require.Len(t, eng.lastImages, 1)
	assert.Equal(t, "image_0.png", filepath.Base(eng.lastImages[0]))

	content, err := os.ReadFile(filepath.Join(ws.OutputJob(res.ID), workspace.ResultFile))
	require.NoError(t, err)
	assert.Equal(t, "vision:what is this", string(content))
}

func TestProcessorVisionJobWithoutImagesFails(t *testing.T) {
	p, _, ws := newTestProcessor(t, &stubEngine{})

	id := domain.NewJobID()
	require.NoError(t, os.MkdirAll(ws.ReadyJob(id), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws.ReadyJob(id), workspace.PromptFile), []byte("look"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws.ReadyJob(id), workspace.TypeFile), []byte("vision\n"), 0o644))

	outcome := p.Process(context.Background(), id, 0)
	assert.Equal(t, OutcomeFailed, outcome)

	errText, err := os.ReadFile(filepath.Join(ws.FailedJob(id), workspace.ErrorFile))
	require.NoError(t, err)
	assert.Contains(t, string(errText), "no images")
}

func TestProcessorTerminalHookSeesBothOutcomes(t *testing.T) {
	eng := &stubEngine{generate: func(prompt string) (string, error) {
		if prompt == "bad" {
			return "", errors.New("nope")
		}
		return "ok", nil
	}}
	p, work, _ := newTestProcessor(t, eng)

	var records []domain.TraceRecord
	p.OnTerminal(func(rec domain.TraceRecord) { records = append(records, rec) })

	good := work.Submit("good")
	bad := work.Submit("bad")

	p.Process(context.Background(), good.ID, 0)
	p.Process(context.Background(), bad.ID, 1)

	require.Len(t, records, 2)
	assert.Equal(t, domain.StatusDone, records[0].Status)
	assert.Equal(t, good.ID, records[0].ID)
	assert.Equal(t, domain.StatusFailed, records[1].Status)
	assert.Equal(t, "nope", records[1].Error)
	assert.Equal(t, 1, records[1].Worker)
}
