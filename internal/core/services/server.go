package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/manthysbr/nrvna/internal/core/domain"
	"github.com/manthysbr/nrvna/internal/workspace"
)

// Archiver records terminal jobs somewhere durable for inspection.
// Implementations must tolerate being called from several workers at once.
type Archiver interface {
	Record(ctx context.Context, rec domain.TraceRecord) error
}

// ServerConfig carries daemon identity written into the workspace
// metadata files.
type ServerConfig struct {
	Model   string
	Mmproj  string
	Workers int
}

// Server ties the daemon together: recovery at startup, then a dispatcher
// feeding a pool of workers that each drive jobs through the processor.
type Server struct {
	logger      *slog.Logger
	ws          *workspace.Workspace
	cfg         ServerConfig
	processor   *Processor
	pool        *Pool
	dispatcher  *Dispatcher
	archive     Archiver
	incarnation string

	runCtx context.Context
}

// NewServer wires the services. engines must already hold one engine per
// worker; archive may be nil.
func NewServer(logger *slog.Logger, ws *workspace.Workspace, engines EngineProvider, cfg ServerConfig, archive Archiver) *Server {
	s := &Server{
		logger:      logger,
		ws:          ws,
		cfg:         cfg,
		archive:     archive,
		incarnation: uuid.NewString(),
	}

	s.processor = NewProcessor(logger, ws, engines)
	if archive != nil {
		s.processor.OnTerminal(s.recordTrace)
	}
	s.pool = NewPool(logger, cfg.Workers, func(id domain.JobID, worker int) {
		s.processor.Process(s.runCtx, id, worker)
	})
	s.dispatcher = NewDispatcher(logger, workspace.NewScanner(ws), s.pool)
	return s
}

// Incarnation identifies this daemon run in logs and trace records.
func (s *Server) Incarnation() string { return s.incarnation }

// Run prepares the workspace and blocks until the context is cancelled.
// Workers finish whatever is already queued before Run returns.
func (s *Server) Run(ctx context.Context) error {
	if err := s.ws.EnsureLayout(); err != nil {
		return fmt.Errorf("init workspace: %w", err)
	}

	recovered, err := s.ws.RecoverOrphans()
	if err != nil {
		return fmt.Errorf("recover orphans: %w", err)
	}
	if len(recovered) > 0 {
		s.logger.Info("recovered orphaned jobs", "count", len(recovered))
	}

	if err := s.ws.WriteMetadata(os.Getpid(), s.incarnation, s.cfg.Model, s.cfg.Mmproj); err != nil {
		s.logger.Warn("failed to write workspace metadata", "error", err)
	}

	s.logger.Info("server started",
		"workspace", s.ws.Root(), "workers", s.pool.Workers(), "incarnation", s.incarnation)

	// Jobs see a context that outlives shutdown, so the drain in Stop runs
	// queued jobs to completion instead of failing them as cancelled.
	s.runCtx = context.WithoutCancel(ctx)
	s.pool.Start()
	defer s.pool.Stop()

	err = s.dispatcher.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) recordTrace(rec domain.TraceRecord) {
	rec.Incarnation = s.incarnation
	if err := s.archive.Record(context.Background(), rec); err != nil {
		s.logger.Warn("failed to record job trace", "id", rec.ID, "error", err)
	}
}
