package service_test

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/CZERTAINLY/Lookout/internal/model"
	"github.com/CZERTAINLY/Lookout/internal/service"
	"github.com/CZERTAINLY/Lookout/internal/store"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var commands = service.Commands{
	Pull:   service.Command{Path: "pull", Args: []string{"${image}"}},
	Scan:   service.Command{Path: "scan", Args: []string{"--severity-threshold=${severity}", "${image}"}},
	Remove: service.Command{Path: "remove", Args: []string{"${image}"}},
}

// fakeExec returns scripted results per command path and records the calls.
type fakeExec struct {
	mx      sync.Mutex
	results map[string]service.Result
	calls   []service.Command
}

func newFakeExec() *fakeExec {
	return &fakeExec{results: make(map[string]service.Result)}
}

func (f *fakeExec) with(path string, res service.Result) *fakeExec {
	f.results[path] = res
	return f
}

func (f *fakeExec) Exec(ctx context.Context, cmd service.Command) service.Result {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.calls = append(f.calls, cmd)
	if ctx.Err() != nil {
		return service.Result{Path: cmd.Path, ExitCode: -1, Err: ctx.Err()}
	}
	res, ok := f.results[cmd.Path]
	if !ok {
		res = service.Result{Stdout: []byte(cmd.Path + " " + cmd.Args[len(cmd.Args)-1])}
	}
	res.Path = cmd.Path
	res.Args = cmd.Args
	return res
}

func (f *fakeExec) paths() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	var ret []string
	for _, c := range f.calls {
		ret = append(ret, c.Path)
	}
	return ret
}

func (f *fakeExec) count(path, image string) int {
	f.mx.Lock()
	defer f.mx.Unlock()
	var n int
	for _, c := range f.calls {
		if c.Path == path && slices.Contains(c.Args, image) {
			n++
		}
	}
	return n
}

func newStore(t *testing.T) *store.Dir {
	t.Helper()
	d, err := store.Open(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

type fakeJournal struct {
	mx       sync.Mutex
	started  []model.Report
	finished []model.Report
}

func (j *fakeJournal) Started(_ context.Context, r model.Report) error {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.started = append(j.started, r)
	return nil
}

func (j *fakeJournal) Finished(_ context.Context, r model.Report) error {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.finished = append(j.finished, r)
	return nil
}
