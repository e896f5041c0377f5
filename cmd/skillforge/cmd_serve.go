package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"skillforge/internal/api"
	"skillforge/internal/config"
	"skillforge/internal/domain"
	"skillforge/internal/eventbus"
	"skillforge/internal/hitl"
	"skillforge/internal/jobmanager"
	"skillforge/internal/persist"
	"skillforge/internal/taxonomy"
	"skillforge/internal/validation"
	"skillforge/internal/workflow"
	"skillforge/internal/workflow/refsteps"
)

// core bundles the wired components a running service needs.
type core struct {
	db    *persist.DB
	jobs  *jobmanager.Manager
	coord *hitl.Coordinator
	store *taxonomy.Store
	bus   *eventbus.Bus
	eng   *workflow.Engine
}

// buildCore wires every component bottom-up: persistence, event bus, job
// manager, taxonomy store, HITL coordinator, then the workflow engine over
// all of them.
func buildCore(cfg *config.Config) (*core, error) {
	db, err := persist.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New(0)
	jobs := jobmanager.New(persist.NewJobRepo(db), bus, jobmanager.Options{
		TTL:           cfg.MemoryTTL,
		SweepInterval: cfg.MemorySweepInterval,
	})

	store, err := taxonomy.New(cfg.StorageRoot, persist.NewSkillRepo(db),
		persist.NewTaxonomyClosureRepo(db), persist.NewSkillDependencyClosureRepo(db), db)
	if err != nil {
		jobs.Close()
		db.Close()
		return nil, err
	}

	coord := hitl.New(persist.NewHITLRepo(db), jobs, nil)

	// The Understand and Generate phases ship as deterministic reference
	// steps; a production deployment substitutes LLM-backed PhaseStep
	// implementations here. Validate always runs the rule-based validator.
	steps := workflow.Steps{
		Understand: refsteps.Understand{},
		Generate:   refsteps.Generate{},
		Validate:   validation.NewStep(validation.New(), store.Root()),
	}

	eng := workflow.New(jobs, persist.NewPhaseRunRepo(db), coord, bus, steps, store, workflow.Config{
		PhaseLLMTimeout:    cfg.PhaseLLMTimeout,
		HITLDefaultTimeout: cfg.HITLDefaultTimeout,
		WorkerConcurrency:  cfg.WorkerConcurrency,
	})

	return &core{db: db, jobs: jobs, coord: coord, store: store, bus: bus, eng: eng}, nil
}

func (c *core) close() {
	c.jobs.Close()
	c.db.Close()
}

// recoverJobs reloads every non-terminal job and hands the runnable ones
// back to the engine. Jobs parked on a human response stay parked until a
// response arrives.
func recoverJobs(c *core) error {
	if err := c.coord.Recover(); err != nil {
		return err
	}
	resumable, err := c.jobs.Resumable()
	if err != nil {
		return err
	}
	resumed := 0
	for _, job := range resumable {
		if job.Status == domain.JobStatusPendingHITL {
			continue
		}
		c.eng.Resume(job.JobID)
		resumed++
	}
	logger.Info("recovery complete",
		zap.Int("loaded", len(resumable)), zap.Int("resumed", resumed))
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the skillforge HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		c, err := buildCore(cfg)
		if err != nil {
			return err
		}
		defer c.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := c.store.StartWatcher(ctx); err != nil {
			return err
		}
		if err := recoverJobs(c); err != nil {
			return err
		}

		server := &http.Server{
			Addr:    addr,
			Handler: api.NewServer(c.jobs, c.eng, c.coord, c.store, c.bus, cfg.CORSOrigins).Routes(),
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("listening", zap.String("addr", addr))
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}
