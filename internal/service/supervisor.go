package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Lookout/internal/model"
)

// Lister returns the images currently running.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// Schedule of the supervisor jobs. Discovery runs on Cron if set, on
// DiscoverEvery otherwise; with neither, or without a Lister, images come
// only from Enqueue calls.
type Schedule struct {
	Tick          time.Duration
	DiscoverEvery time.Duration
	Cron          string
}

func ScheduleFromConfig(cfg model.Config) Schedule {
	return Schedule{
		Tick:          cfg.TickPeriod(),
		DiscoverEvery: cfg.Discovery.Period(),
		Cron:          cfg.Discovery.Cron,
	}
}

// Supervisor runs the scheduler tick and the discovery feed on gocron jobs
// and executes launched pipelines in goroutines.
type Supervisor struct {
	schedule  Schedule
	scheduler *Scheduler
	pipeline  *Pipeline
	lister    Lister
	wg        sync.WaitGroup
	reports   chan<- model.Report
}

func NewSupervisor(schedule Schedule, limit int, store Lookup, pipeline *Pipeline, lister Lister) (*Supervisor, error) {
	if schedule.Tick <= 0 {
		return nil, errors.New("tick period must be positive")
	}
	if schedule.Cron != "" {
		if _, err := model.ParseCron(schedule.Cron); err != nil {
			return nil, fmt.Errorf("parsing discovery cron: %w", err)
		}
	}
	s := &Supervisor{
		schedule: schedule,
		pipeline: pipeline,
		lister:   lister,
	}
	s.scheduler = NewScheduler(store, s, limit)
	return s, nil
}

// WithReports makes the supervisor send the report of every finished
// pipeline to ch. Sends block, the caller must keep receiving until Do returns.
func (s *Supervisor) WithReports(ch chan<- model.Report) *Supervisor {
	s.reports = ch
	return s
}

func (s *Supervisor) Scheduler() *Scheduler {
	return s.scheduler
}

// Launch implements Launcher.
func (s *Supervisor) Launch(ctx context.Context, image string) {
	s.wg.Go(func() {
		report := s.pipeline.Run(ctx, image)
		logReport(ctx, report)
		if s.reports != nil {
			s.reports <- report
		}
	})
}

// Do runs the gocron jobs until ctx is canceled, then waits for the jobs and
// the running pipelines to finish.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")
	cron, err := s.newCron(ctx)
	if err != nil {
		return err
	}
	cron.Start()

	<-ctx.Done()

	if err := cron.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	s.wg.Wait()
	return nil
}

func (s *Supervisor) newCron(ctx context.Context) (gocron.Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}

	_, err = cron.NewJob(
		gocron.DurationJob(s.schedule.Tick),
		gocron.NewTask(func() { s.scheduler.Tick(ctx) }),
		gocron.WithName("tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing tick job: %w", err)
	}

	var discover gocron.JobDefinition
	switch {
	case s.lister == nil:
	case s.schedule.Cron != "":
		discover = gocron.CronJob(s.schedule.Cron, false)
	case s.schedule.DiscoverEvery > 0:
		discover = gocron.DurationJob(s.schedule.DiscoverEvery)
	}
	if discover == nil {
		slog.InfoContext(ctx, "discovery disabled")
		return cron, nil
	}

	_, err = cron.NewJob(
		discover,
		gocron.NewTask(func() { s.Discover(ctx) }),
		gocron.WithName("discovery"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing discovery job: %w", err)
	}
	return cron, nil
}

// Discover lists running images and queues them. Errors are logged only.
func (s *Supervisor) Discover(ctx context.Context) []string {
	if s.lister == nil {
		return nil
	}
	images, err := s.lister.List(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "discovery failed", "error", err)
		return nil
	}
	slog.DebugContext(ctx, "discovered images", "count", len(images))
	return s.scheduler.Enqueue(ctx, images)
}

func logReport(ctx context.Context, r model.Report) {
	var perr *model.ProcessError
	switch {
	case r.Err == nil:
		slog.InfoContext(ctx, "scan succeeded", "image", r.Image, "run_id", r.RunID)
	case errors.As(r.Err, &perr):
		slog.WarnContext(ctx, "scan failed", "image", r.Image, "run_id", r.RunID, "stage", perr.Stage.String(), "exit_code", perr.ExitCode)
	case errors.Is(r.Err, ErrAlreadyScanned), errors.Is(r.Err, ErrInterrupted):
		slog.DebugContext(ctx, "scan skipped", "image", r.Image, "reason", r.Err)
	default:
		slog.ErrorContext(ctx, "scan failed", "image", r.Image, "run_id", r.RunID, "stage", r.Stage.String(), "error", r.Err)
	}
}

// Setup runs the setup commands in order, e.g. registry and scanner logins.
// All commands are attempted and their failures joined.
func Setup(ctx context.Context, exec Executor, cmds []Command) error {
	var errs []error
	for _, cmd := range cmds {
		res := exec.Exec(ctx, cmd)
		switch {
		case res.Err != nil:
			errs = append(errs, fmt.Errorf("setup %s: %w", cmd.Path, res.Err))
		case res.ExitCode != 0:
			errs = append(errs, fmt.Errorf("setup %s: exit code %d: %s", cmd.Path, res.ExitCode, strings.Join(res.Stderr, "\n")))
		default:
			slog.DebugContext(ctx, "setup command succeeded", "path", cmd.Path)
		}
	}
	return errors.Join(errs...)
}

// Version returns the trimmed stdout of the version command.
func Version(ctx context.Context, exec Executor, cmd Command) (string, error) {
	res := exec.Exec(ctx, cmd)
	if res.Err != nil {
		return "", res.Err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s exited with %d", cmd.Path, res.ExitCode)
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}
