package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/Lookout/internal/log"
	"github.com/CZERTAINLY/Lookout/internal/model"
)

const storeErrorHeader = "STORE ERROR"

var (
	ErrAlreadyScanned = errors.New("already scanned")
	ErrInterrupted    = errors.New("interrupted")
)

// Store is the part of the result store used by the pipeline.
type Store interface {
	Exists(image string) (bool, error)
	WriteSuccess(image string, payload []byte) error
	WriteFailure(image string, diagnostic string) error
}

// Journal records pipeline runs which reached the pull stage.
type Journal interface {
	Started(ctx context.Context, report model.Report) error
	Finished(ctx context.Context, report model.Report) error
}

// Pipeline drives a single image through
// validate -> check_exists -> pull -> scan -> cleanup.
// A failed pull writes a failure record and stops. A failed scan writes a
// failure record and the image is still removed.
type Pipeline struct {
	store    Store
	exec     Executor
	commands Commands
	severity string
	journal  Journal
	now      func() time.Time
}

func NewPipeline(store Store, exec Executor, commands Commands, severity string) *Pipeline {
	return &Pipeline{
		store:    store,
		exec:     exec,
		commands: commands,
		severity: severity,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Pipeline) WithJournal(journal Journal) *Pipeline {
	p.journal = journal
	return p
}

type outcome int

const (
	advance outcome = iota
	fail
	interrupt
)

// next is the transition function of the pipeline.
func next(stage model.Stage, o outcome) model.Stage {
	if o == interrupt {
		return model.StageHalted
	}
	switch stage {
	case model.StageValidate, model.StageCheckExists, model.StagePull:
		if o == fail {
			return model.StageHalted
		}
		return stage + 1
	case model.StageScan, model.StageCleanup:
		return stage + 1
	default:
		return stage
	}
}

// Run executes the pipeline and returns a report of the run. Report.Stage
// is model.StageDone for completed runs, otherwise the stage it stopped in.
// Report.Err carries ErrAlreadyScanned, ErrInterrupted, model.ErrInvalidImage
// or a *model.ProcessError of a failed pull or scan.
func (p *Pipeline) Run(ctx context.Context, image string) model.Report {
	report := model.Report{
		RunID:   uuid.New(),
		Image:   image,
		Started: p.now(),
	}
	ctx = log.ContextAttrs(ctx,
		slog.String("image", image),
		slog.String("run_id", report.RunID.String()),
	)

	stage := model.StageValidate
	for stage != model.StageDone && stage != model.StageHalted {
		report.Stage = stage
		o := p.step(ctx, &report)
		stage = next(stage, o)
	}
	if stage == model.StageDone {
		report.Stage = model.StageDone
	}
	report.Stopped = p.now()

	if report.Stage >= model.StagePull && p.journal != nil {
		if err := p.journal.Finished(context.WithoutCancel(ctx), report); err != nil {
			slog.ErrorContext(ctx, "journal finish failed", "error", err)
		}
	}
	slog.DebugContext(ctx, "pipeline finished",
		"stage", report.Stage.String(),
		"elapsed", report.Stopped.Sub(report.Started).String(),
	)
	return report
}

func (p *Pipeline) step(ctx context.Context, report *model.Report) outcome {
	switch report.Stage {
	case model.StageValidate:
		return p.validate(ctx, report)
	case model.StageCheckExists:
		return p.checkExists(ctx, report)
	case model.StagePull:
		return p.pull(ctx, report)
	case model.StageScan:
		return p.scan(ctx, report)
	case model.StageCleanup:
		return p.cleanup(ctx, report)
	default:
		panic(fmt.Sprintf("no action for stage %s", report.Stage))
	}
}

func (p *Pipeline) validate(ctx context.Context, report *model.Report) outcome {
	if !model.ValidImage(report.Image) {
		slog.WarnContext(ctx, "invalid image")
		report.Err = fmt.Errorf("%w: %q", model.ErrInvalidImage, report.Image)
		return fail
	}
	return advance
}

func (p *Pipeline) checkExists(ctx context.Context, report *model.Report) outcome {
	exists, err := p.store.Exists(report.Image)
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "checking result store", "error", err)
		report.Err = err
		return fail
	case exists:
		slog.InfoContext(ctx, "already scanned")
		report.Err = ErrAlreadyScanned
		return fail
	}
	return advance
}

func (p *Pipeline) pull(ctx context.Context, report *model.Report) outcome {
	if p.journal != nil {
		if err := p.journal.Started(ctx, *report); err != nil {
			slog.ErrorContext(ctx, "journal start failed", "error", err)
		}
	}

	slog.InfoContext(ctx, "pulling")
	res := p.exec.Exec(ctx, p.commands.Pull.Expand(p.vars(report.Image)))
	if ctx.Err() != nil {
		report.Err = ErrInterrupted
		return interrupt
	}
	if res.OK() {
		return advance
	}

	report.Err = p.fail(ctx, model.StagePull, report.Image, res)
	return fail
}

func (p *Pipeline) scan(ctx context.Context, report *model.Report) outcome {
	slog.InfoContext(ctx, "scanning")
	res := p.exec.Exec(ctx, p.commands.Scan.Expand(p.vars(report.Image)))
	if ctx.Err() != nil {
		report.Err = ErrInterrupted
		return interrupt
	}
	slog.InfoContext(ctx, "scan complete", "exit_code", res.ExitCode)
	if res.OK() {
		if err := p.store.WriteSuccess(report.Image, res.Stdout); err != nil {
			slog.ErrorContext(ctx, "writing scan result", "error", err)
			report.Err = p.storeFailed(ctx, report.Image, err)
		}
		return advance
	}

	report.Err = p.fail(ctx, model.StageScan, report.Image, res)
	return fail
}

func (p *Pipeline) cleanup(ctx context.Context, report *model.Report) outcome {
	res := p.exec.Exec(ctx, p.commands.Remove.Expand(p.vars(report.Image)))
	if !res.OK() {
		slog.DebugContext(ctx, "removing image failed", "exit_code", res.ExitCode, "error", res.Err)
	}
	return advance
}

// fail writes the failure record and returns the error for the report
func (p *Pipeline) fail(ctx context.Context, stage model.Stage, image string, res Result) error {
	diag := res.Stderr
	if res.Err != nil {
		diag = append(diag, res.Err.Error())
	}
	perr := &model.ProcessError{
		Stage:      stage,
		Image:      image,
		ExitCode:   res.ExitCode,
		Diagnostic: diag,
	}
	slog.WarnContext(ctx, "process failed", "stage", stage.String(), "exit_code", res.ExitCode)
	if err := p.store.WriteFailure(image, perr.Record()); err != nil {
		slog.ErrorContext(ctx, "writing failure record", "error", err)
		return errors.Join(perr, err)
	}
	return perr
}

// storeFailed records a failed success write as a failure record, a run
// without any record would never be reclaimed
func (p *Pipeline) storeFailed(ctx context.Context, image string, err error) error {
	diag := fmt.Sprintf("%s: %s\n%s", storeErrorHeader, image, err)
	if ferr := p.store.WriteFailure(image, diag); ferr != nil {
		slog.ErrorContext(ctx, "no record written, the image keeps its scheduler slot", "error", ferr)
		return errors.Join(err, ferr)
	}
	return err
}

func (p *Pipeline) vars(image string) Vars {
	return Vars{Image: image, Severity: p.severity}
}
