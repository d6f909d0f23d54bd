package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/Lookout/internal/discovery"
	"github.com/CZERTAINLY/Lookout/internal/history"
	"github.com/CZERTAINLY/Lookout/internal/log"
	"github.com/CZERTAINLY/Lookout/internal/model"
	"github.com/CZERTAINLY/Lookout/internal/parallel"
	"github.com/CZERTAINLY/Lookout/internal/service"
	"github.com/CZERTAINLY/Lookout/internal/store"
)

var errScanFailed = errors.New("scan failed")

func doScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("lookout",
		slog.String("cmd", "scan"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	images := make([]string, 0, len(args))
	for _, arg := range args {
		image, ok := discovery.Normalize(arg)
		if !ok {
			return fmt.Errorf("%w: %q", model.ErrInvalidImage, arg)
		}
		images = append(images, image)
	}
	slices.Sort(images)
	images = slices.Compact(images)

	results, err := store.Open(config.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		_ = results.Close()
	}()

	if flagForce {
		for _, image := range images {
			if err := results.Delete(image); err != nil {
				return fmt.Errorf("deleting result of %s: %w", image, err)
			}
		}
	}

	runner := service.NewRunner(service.LogStderr)
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

	run := func(ctx context.Context, image string) (model.Report, error) {
		report := pipeline.Run(ctx, image)
		return report, report.Err
	}

	out := cmd.OutOrStdout()
	var failed []string
	for r := range parallel.Map(ctx, config.Concurrency, slices.Values(images), run) {
		status := "ok"
		switch {
		case r.Err == nil:
		case errors.Is(r.Err, service.ErrAlreadyScanned):
			status = "skipped"
		default:
			status = "failed"
			failed = append(failed, r.In)
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", r.In, r.Out.Stage, status)
	}

	if len(failed) > 0 {
		return fmt.Errorf("%w: %v", errScanFailed, failed)
	}
	return nil
}
