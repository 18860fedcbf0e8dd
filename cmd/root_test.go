package cmd

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/config"
)

type fakeRunner struct {
	ran     bool
	tenant  string
	onceErr error
}

func (f *fakeRunner) Run(context.Context) error { f.ran = true; return nil }

func (f *fakeRunner) RunOnce(_ context.Context, tenantID string) error {
	f.tenant = tenantID
	return f.onceErr
}

func useFakeApp(t *testing.T, runner *fakeRunner) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, *config.Config, *zap.Logger) (Runner, error) {
		return runner, nil
	}
	t.Cleanup(func() { newApp = prev })
}

func execute(args ...string) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	return root.ExecuteContext(context.Background())
}

func TestServeRunsApp(t *testing.T) {
	runner := &fakeRunner{}
	useFakeApp(t, runner)

	require.NoError(t, execute("serve"))
	require.True(t, runner.ran)
}

func TestRunOnceRequiresTenant(t *testing.T) {
	runner := &fakeRunner{}
	useFakeApp(t, runner)

	err := execute("run-once")
	require.ErrorContains(t, err, "--tenant is required")
	require.Empty(t, runner.tenant)
}

func TestRunOncePassesTenant(t *testing.T) {
	runner := &fakeRunner{}
	useFakeApp(t, runner)

	require.NoError(t, execute("run-once", "--tenant", "alice"))
	require.Equal(t, "alice", runner.tenant)
}

func TestRunOncePropagatesFailure(t *testing.T) {
	runner := &fakeRunner{onceErr: errors.New("boom")}
	useFakeApp(t, runner)

	err := execute("run-once", "--tenant", "alice")
	require.ErrorContains(t, err, "run once alice: boom")
}

func TestBadConfigPathFails(t *testing.T) {
	useFakeApp(t, &fakeRunner{})

	err := execute("serve", "--config", t.TempDir()+"/missing.yaml")
	require.ErrorContains(t, err, "load config")
}
