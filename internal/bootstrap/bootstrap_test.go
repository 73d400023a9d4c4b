package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/agentmgr/internal/elevate"
	"github.com/loykin/agentmgr/internal/handoff"
	"github.com/loykin/agentmgr/internal/logger"
	"github.com/loykin/agentmgr/internal/process"
)

type fakeElevator struct {
	elevated bool
	runErr   error
	runs     [][]string
}

func (f *fakeElevator) IsElevated() bool { return f.elevated }

func (f *fakeElevator) RunElevated(_ context.Context, exe string, args []string, _ string) error {
	f.runs = append(f.runs, append([]string{exe}, args...))
	return f.runErr
}

type fakeLock struct{ calls int }

func (f *fakeLock) TerminateHolder(context.Context) error { f.calls++; return nil }

type harness struct {
	opts     Options
	elev     *fakeElevator
	lock     *fakeLock
	exits    []int
	acls     [][]string
	launches []process.Command
}

func newHarness(t *testing.T, exe string, elevated bool) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{elev: &fakeElevator{elevated: elevated}, lock: &fakeLock{}}
	h.opts = Options{
		InstallPath: filepath.Join(root, "install", "agentmgr"),
		DataDir:     filepath.Join(root, "data"),
		Args:        []string{"run", "--hidden"},
		Elevator:    h.elev,
		Lock:        h.lock,
		ApplyACL: func(_ context.Context, dirs ...string) error {
			h.acls = append(h.acls, dirs)
			return nil
		},
		Handoff: &handoff.Executor{
			Log:   logger.Discard(),
			Alive: func(int) bool { return false },
			Launch: func(c process.Command) (int, error) {
				h.launches = append(h.launches, c)
				return 4242, nil
			},
		},
		CopyAttempts: 2,
		CopyDelay:    time.Millisecond,
		Executable:   func() (string, error) { return exe, nil },
		Exit:         func(code int) { h.exits = append(h.exits, code) },
		Logger:       logger.Discard(),
	}
	return h
}

func writeExe(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
}

func TestInPlaceElevatedAppliesACLOnce(t *testing.T) {
	h := newHarness(t, "", true)
	h.opts.Executable = func() (string, error) { return h.opts.InstallPath, nil }
	writeExe(t, h.opts.InstallPath, "mgr")

	b := New(h.opts)
	out, err := b.EnsureElevatedAndLocated(t.Context())
	require.NoError(t, err)
	assert.Equal(t, OutcomeInPlace, out)
	assert.DirExists(t, h.opts.DataDir)
	require.Len(t, h.acls, 1)
	assert.Equal(t, []string{filepath.Dir(h.opts.InstallPath), h.opts.DataDir}, h.acls[0])
	assert.FileExists(t, filepath.Join(h.opts.DataDir, "acl_done.flag"))

	out, err = b.EnsureElevatedAndLocated(t.Context())
	require.NoError(t, err)
	assert.Equal(t, OutcomeInPlace, out)
	assert.Len(t, h.acls, 1, "marker prevents a second run")
	assert.Empty(t, h.exits)
	assert.Empty(t, h.elev.runs)
}

func TestInPlaceNotElevatedSkipsACL(t *testing.T) {
	h := newHarness(t, "", false)
	h.opts.Executable = func() (string, error) { return h.opts.InstallPath, nil }

	out, err := New(h.opts).EnsureElevatedAndLocated(t.Context())
	require.NoError(t, err)
	assert.Equal(t, OutcomeInPlace, out)
	assert.Empty(t, h.acls)
	assert.NoFileExists(t, filepath.Join(h.opts.DataDir, "acl_done.flag"))
}

func TestACLFailureLeavesMarkerAbsent(t *testing.T) {
	h := newHarness(t, "", true)
	h.opts.Executable = func() (string, error) { return h.opts.InstallPath, nil }
	h.opts.ApplyACL = func(context.Context, ...string) error { return errors.New("icacls failed") }

	out, err := New(h.opts).EnsureElevatedAndLocated(t.Context())
	require.NoError(t, err)
	assert.Equal(t, OutcomeInPlace, out)
	assert.NoFileExists(t, filepath.Join(h.opts.DataDir, "acl_done.flag"))
}

func TestNotElevatedElsewhereRelaunchesOnce(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "Downloads", "agentmgr")
	h := newHarness(t, exe, false)

	out, err := New(h.opts).EnsureElevatedAndLocated(t.Context())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRelaunchedElevated, out)
	assert.Equal(t, [][]string{{exe, "run", "--hidden"}}, h.elev.runs)
	assert.Equal(t, []int{0}, h.exits)
	assert.Empty(t, h.launches)
	assert.Zero(t, h.lock.calls)
}

func TestElevationDeclinedDoesNotExit(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "agentmgr")
	h := newHarness(t, exe, false)
	h.elev.runErr = errors.New("user cancelled")

	_, err := New(h.opts).EnsureElevatedAndLocated(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, elevate.ErrElevation)
	assert.Empty(t, h.exits)
	assert.NoFileExists(t, h.opts.InstallPath)
}

func TestElevatedElsewhereRelocates(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "Downloads", "agentmgr")
	writeExe(t, exe, "new build")
	h := newHarness(t, exe, true)

	out, err := New(h.opts).EnsureElevatedAndLocated(t.Context())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRelocated, out)
	assert.Equal(t, 1, h.lock.calls)

	data, err := os.ReadFile(h.opts.InstallPath)
	require.NoError(t, err)
	assert.Equal(t, "new build", string(data))

	require.Len(t, h.launches, 1)
	assert.Equal(t, h.opts.InstallPath, h.launches[0].Path)
	assert.Equal(t, []string{"run", "--hidden"}, h.launches[0].Args)
	assert.Len(t, h.acls, 1)
	assert.Equal(t, []int{0}, h.exits)
	assert.Empty(t, h.elev.runs)
}

func TestRelocationCopyExhausted(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "agentmgr")
	writeExe(t, exe, "new build")
	h := newHarness(t, exe, true)
	h.opts.Handoff.Copy = func(string, string) error { return errors.New("sharing violation") }

	out, err := New(h.opts).EnsureElevatedAndLocated(t.Context())
	assert.Equal(t, OutcomeRelocated, out)
	assert.ErrorIs(t, err, handoff.ErrCopyExhausted)
	assert.Empty(t, h.exits)
	assert.Empty(t, h.launches, "nothing to relaunch without a previous install")
}

func TestSamePath(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, SamePath(filepath.Join(dir, "a", "..", "mgr"), filepath.Join(dir, "mgr")))
	assert.False(t, SamePath(filepath.Join(dir, "mgr"), filepath.Join(dir, "other")))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "in_place", OutcomeInPlace.String())
	assert.Equal(t, "relocated", OutcomeRelocated.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}
