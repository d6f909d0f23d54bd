package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Lookout/internal/annotation"
	"github.com/CZERTAINLY/Lookout/internal/api"
	"github.com/CZERTAINLY/Lookout/internal/discovery"
	"github.com/CZERTAINLY/Lookout/internal/history"
	"github.com/CZERTAINLY/Lookout/internal/log"
	"github.com/CZERTAINLY/Lookout/internal/service"
	"github.com/CZERTAINLY/Lookout/internal/store"
)

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("lookout",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	runner := service.NewRunner(service.LogStderr)
	scanner := bootstrap(ctx, runner)

	results, err := store.Open(config.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		_ = results.Close()
	}()

	pipeline := service.NewPipeline(results, runner, service.CommandsFromConfig(config.Commands), config.Severity)
	db, err := openHistory(ctx)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() {
			_ = db.Close()
		}()
		pipeline.WithJournal(history.NewJournal(db))
	}

	lister, err := discovery.FromConfig(config.Discovery, runner)
	if err != nil {
		return fmt.Errorf("initializing discovery: %w", err)
	}

	supervisor, err := service.NewSupervisor(service.ScheduleFromConfig(config), config.Concurrency, results, pipeline, lister)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Do(ctx)
	})
	if config.HTTP.Enabled {
		server := api.New(api.Deps{
			Results:   results,
			Queue:     supervisor.Scheduler(),
			Lister:    lister,
			Annotator: annotation.NewAnnotator(annotation.NewCache(), results),
			History:   db,
			Version:   api.Version{Lookout: buildVersion(), Scanner: scanner},
		})
		g.Go(func() error {
			return server.Run(ctx, config.HTTP.Listen)
		})
	}
	return g.Wait()
}

// bootstrap runs the setup commands and returns the scanner version. Both
// are best effort.
func bootstrap(ctx context.Context, exec service.Executor) string {
	setup := make([]service.Command, 0, len(config.Commands.Setup))
	for _, c := range config.Commands.Setup {
		setup = append(setup, service.CommandFromConfig(c))
	}
	if err := service.Setup(ctx, exec, setup); err != nil {
		slog.ErrorContext(ctx, "setup commands failed", "error", err)
	}

	if config.Commands.Version == nil {
		return ""
	}
	version, err := service.Version(ctx, exec, service.CommandFromConfig(*config.Commands.Version))
	if err != nil {
		slog.WarnContext(ctx, "can't get scanner version", "error", err)
		return ""
	}
	slog.InfoContext(ctx, "scanner version", "version", version)
	return version
}

// openHistory returns nil when run history is disabled.
func openHistory(ctx context.Context) (*sql.DB, error) {
	if config.History.Path == "" {
		return nil, nil
	}
	db, err := history.InitDB(ctx, config.History.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing history %s: %w", config.History.Path, err)
	}
	return db, nil
}
