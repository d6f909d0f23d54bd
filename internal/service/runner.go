package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"time"
)

const (
	maxStderrLine = 1 << 20
	waitDelay     = 5 * time.Second
)

// StderrFunc is called for every line the process writes to stderr.
type StderrFunc func(ctx context.Context, line string)

// Executor runs a command to completion.
type Executor interface {
	Exec(ctx context.Context, cmd Command) Result
}

// Result of a finished process. ExitCode is -1 when the process did not start
// or was killed. Err is set when the process could not be started or was
// stopped by the context, a non zero exit alone is not an error.
type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	ExitCode int
	Stdout   []byte
	Stderr   []string
	Err      error
}

func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Runner is an Executor backed by os/exec.
type Runner struct {
	stderrFunc StderrFunc
}

// NewRunner returns a runner; stderrFunc may be nil.
func NewRunner(stderrFunc StderrFunc) Runner {
	return Runner{stderrFunc: stderrFunc}
}

// LogStderr logs stderr lines on a debug level.
func LogStderr(ctx context.Context, line string) {
	slog.DebugContext(ctx, "stderr", "line", line)
}

// Exec starts the process and waits for it. Stdout is buffered, stderr is
// collected line by line and passed to the StderrFunc.
func (r Runner) Exec(ctx context.Context, proto Command) Result {
	res := Result{
		Path:     proto.Path,
		Args:     slices.Clone(proto.Args),
		ExitCode: -1,
	}

	if proto.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	// children inheriting stderr can keep it open after a kill
	cmd.WaitDelay = waitDelay
	var stdout bytes.Buffer
	stderr := &lineWriter{ctx: ctx, fn: r.stderrFunc}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		res.Err = err
		return res
	}

	err := cmd.Wait()
	res.Stopped = time.Now().UTC()
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.close()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		res.Err = ctx.Err()
	case err != nil && !errors.As(err, &exitErr):
		res.Err = err
	}
	return res
}

// lineWriter splits the stream into lines. exec.Cmd writes to it from a
// single goroutine.
type lineWriter struct {
	ctx   context.Context
	fn    StderrFunc
	buf   []byte
	lines []string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.line(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxStderrLine {
		w.line(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineWriter) line(b []byte) {
	line := string(bytes.TrimSuffix(b, []byte{'\r'}))
	w.lines = append(w.lines, line)
	if w.fn != nil {
		w.fn(w.ctx, line)
	}
}

func (w *lineWriter) close() []string {
	if len(w.buf) > 0 {
		w.line(w.buf)
		w.buf = nil
	}
	return w.lines
}
