package update

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/agentmgr/internal/elevate"
	"github.com/loykin/agentmgr/internal/handoff"
	"github.com/loykin/agentmgr/internal/logger"
	"github.com/loykin/agentmgr/internal/process"
)

func TestNormalizeVersion(t *testing.T) {
	cases := map[string]string{
		"v1.2.3":           "1.2.3",
		"V 1.2.3":          "1.2.3",
		"1.2.3":            "1.2.3",
		"agentmgr-2.0.10":  "2.0.10",
		"v1.2.3-rc.1":      "1.2.3",
		"  v0.9.0\n":       "0.9.0",
		"nightly":          "nightly",
		"":                 "",
		"release 10.20.30": "10.20.30",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeVersion(in), "input %q", in)
	}
}

func TestIsNewer(t *testing.T) {
	assert.True(t, IsNewer("1.2.3", "1.2.4"))
	assert.True(t, IsNewer("v1.9.9", "1.10.0"), "numeric, not lexical")
	assert.True(t, IsNewer("", "0.0.1"))
	assert.True(t, IsNewer("dev", "0.0.1"))
	assert.False(t, IsNewer("1.2.3", "1.2.3"))
	assert.False(t, IsNewer("2.0.0", "1.99.99"))
	assert.False(t, IsNewer("1.0.0", "garbage"))
}

const releasesJSON = `[
  {"tag_name":"v1.2.0","draft":false,"prerelease":false,"body":"one-two","published_at":"2026-01-02T00:00:00Z",
   "assets":[{"name":"AgentMgr.exe","browser_download_url":"%[1]s/dl/1.2.0"}]},
  {"tag_name":"v1.10.0","draft":false,"prerelease":false,"published_at":"2026-03-01T00:00:00Z",
   "assets":[{"name":"agentmgr.exe","browser_download_url":"%[1]s/dl/1.10.0"}]},
  {"tag_name":"v2.0.0-beta","draft":false,"prerelease":true,
   "assets":[{"name":"agentmgr.exe","browser_download_url":"%[1]s/dl/2.0.0"}]},
  {"tag_name":"v1.11.0","draft":true,
   "assets":[{"name":"agentmgr.exe","browser_download_url":"%[1]s/dl/1.11.0"}]},
  {"tag_name":"v1.3.0","assets":[{"name":"other.zip","browser_download_url":"%[1]s/dl/x"}]},
  {"tag_name":"latest-build","assets":[{"name":"agentmgr.exe","browser_download_url":"%[1]s/dl/y"}]}
]`

func newGitHub(t *testing.T) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var auth atomic.Value
	auth.Store("")
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/repos/acme/agentmgr/releases":
			_, _ = fmt.Fprintf(w, releasesJSON, srv.URL)
		case "/repos/acme/agentmgr/releases/latest":
			_, _ = fmt.Fprintf(w, `{"tag_name":"v1.10.0","body":"notes","assets":[{"name":"agentmgr.exe","browser_download_url":"%s/dl/1.10.0"}]}`, srv.URL)
		case "/repos/acme/empty/releases/latest":
			_, _ = fmt.Fprint(w, `{"tag_name":"v1.0.0","assets":[]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &auth
}

func TestGitHubSource(t *testing.T) {
	srv, auth := newGitHub(t)
	src := &GitHubSource{Repo: "acme/agentmgr", Asset: "agentmgr.exe", APIURL: srv.URL, Token: "s3cret"}

	all, err := src.FetchAll(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "1.10.0", all[0].Version)
	assert.Equal(t, "1.2.0", all[1].Version)
	assert.Equal(t, srv.URL+"/dl/1.2.0", all[1].DownloadURL, "asset name matched case-insensitively")
	assert.Equal(t, "one-two", all[1].Notes)
	assert.Equal(t, "Bearer s3cret", auth.Load())

	latest, err := src.FetchLatest(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", latest.Version)
	assert.Equal(t, "v1.10.0", latest.Tag)

	_, err = (&GitHubSource{Repo: "acme/empty", Asset: "agentmgr.exe", APIURL: srv.URL}).FetchLatest(t.Context())
	assert.ErrorIs(t, err, ErrNoRelease)

	_, err = (&GitHubSource{Repo: "acme/missing", Asset: "x", APIURL: srv.URL}).FetchLatest(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")

	_, err = (&GitHubSource{}).FetchLatest(t.Context())
	assert.Error(t, err)
}

type fakeSource struct {
	rel Release
	err error
}

func (f fakeSource) FetchLatest(context.Context) (Release, error) { return f.rel, f.err }
func (f fakeSource) FetchAll(context.Context, int) ([]Release, error) {
	return []Release{f.rel}, f.err
}

func TestResolveRelease(t *testing.T) {
	src := fakeSource{rel: Release{Version: "1.4.0", Tag: "v1.4.0"}}

	rel, err := ResolveRelease(t.Context(), src, "")
	require.NoError(t, err)
	assert.Equal(t, "v1.4.0", rel.Tag)

	rel, err = ResolveRelease(t.Context(), src, "v1.4.0")
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", rel.Version)

	_, err = ResolveRelease(t.Context(), src, "1.3.9")
	assert.ErrorIs(t, err, ErrNoRelease)
}

type fakeElevator struct {
	err   error
	calls []string
	args  [][]string
}

func (f *fakeElevator) IsElevated() bool { return false }
func (f *fakeElevator) RunElevated(_ context.Context, exe string, args []string, _ string) error {
	f.calls = append(f.calls, exe)
	f.args = append(f.args, args)
	return f.err
}

type fixture struct {
	srv       *httptest.Server
	downloads *atomic.Int32
	dataDir   string
	install   string
	store     *handoff.Store
	elev      *fakeElevator
	exitCode  *atomic.Int32
	updater   *Updater
}

func newFixture(t *testing.T, body string) *fixture {
	t.Helper()
	f := &fixture{downloads: &atomic.Int32{}, exitCode: &atomic.Int32{}, elev: &fakeElevator{}}
	f.exitCode.Store(-1)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.downloads.Add(1)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(f.srv.Close)
	f.dataDir = t.TempDir()
	f.install = filepath.Join(t.TempDir(), "agentmgr")
	f.store = handoff.NewStore(f.dataDir)
	f.updater = New(Options{
		Source:      fakeSource{rel: Release{Version: "1.4.0", DownloadURL: f.srv.URL + "/dl"}},
		StagingDir:  filepath.Join(f.dataDir, "updates"),
		Asset:       "agentmgr",
		InstallPath: f.install,
		Handoffs:    f.store,
		Elevator:    f.elev,
		CopyDelay:   time.Millisecond,
		Logger:      logger.Discard(),
		Exit:        func(code int) { f.exitCode.Store(int32(code)) },
		VersionOf:   func(context.Context, string) (string, error) { return "agentmgr 1.4.0", nil },
	})
	return f
}

func (f *fixture) release() Release { return Release{Version: "1.4.0", DownloadURL: f.srv.URL + "/dl"} }

func TestCheck(t *testing.T) {
	f := newFixture(t, "bin")
	rel, newer, err := f.updater.Check(t.Context(), "1.3.9")
	require.NoError(t, err)
	assert.True(t, newer)
	assert.Equal(t, "1.4.0", rel.Version)

	_, newer, err = f.updater.Check(t.Context(), "v1.4.0")
	require.NoError(t, err)
	assert.False(t, newer)

	u := New(Options{Source: fakeSource{err: errors.New("rate limited")}, Logger: logger.Discard()})
	_, _, err = u.Check(t.Context(), "1.0.0")
	assert.Error(t, err)
}

func TestStageDownloadIdempotentUnlessForced(t *testing.T) {
	f := newFixture(t, "binary-v1.4.0")
	rel := f.release()

	p, err := f.updater.StageDownload(t.Context(), rel, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.dataDir, "updates", "1.4.0", "agentmgr"), p)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "binary-v1.4.0", string(data))

	_, err = f.updater.StageDownload(t.Context(), rel, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.downloads.Load(), "second stage reuses the file")

	extra := filepath.Join(filepath.Dir(p), "leftover")
	require.NoError(t, os.WriteFile(extra, []byte("x"), 0o644))
	_, err = f.updater.StageDownload(t.Context(), rel, true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.downloads.Load())
	_, err = os.Stat(extra)
	assert.True(t, os.IsNotExist(err), "force clears the version dir")
}

func TestStageDownloadFailureLeavesNothing(t *testing.T) {
	f := newFixture(t, "x")
	rel := Release{Version: "1.5.0", DownloadURL: f.srv.URL + "/broken"}
	_, err := f.updater.StageDownload(t.Context(), rel, false)
	require.Error(t, err)
	entries, _ := os.ReadDir(filepath.Join(f.dataDir, "updates", "1.5.0"))
	assert.Empty(t, entries)

	_, err = f.updater.StageDownload(t.Context(), Release{Version: "1.0.0"}, false)
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	f := newFixture(t, "x")
	require.NoError(t, f.updater.Verify(t.Context(), "/any", f.release()))

	u := New(Options{Logger: logger.Discard(), VersionOf: func(context.Context, string) (string, error) { return "1.3.0", nil }})
	assert.ErrorIs(t, u.Verify(t.Context(), "/any", f.release()), ErrVerify)

	u = New(Options{Logger: logger.Discard(), VersionOf: func(context.Context, string) (string, error) { return "", errors.New("exec format error") }})
	assert.ErrorIs(t, u.Verify(t.Context(), "/any", f.release()), ErrVerify)
}

func TestVerifyRunsStagedBinary(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("needs /bin/sh")
	}
	f := newFixture(t, "#!/bin/sh\n[ \"$1 $2\" = \"version --short\" ] && echo 1.4.0\n")
	u := New(Options{
		StagingDir: filepath.Join(f.dataDir, "updates"),
		Asset:      "agentmgr",
		Logger:     logger.Discard(),
	})
	p, err := u.StageDownload(t.Context(), f.release(), false)
	require.NoError(t, err)
	require.NoError(t, u.Verify(t.Context(), p, f.release()))
}

func TestStartUpdateHandsOffAndExits(t *testing.T) {
	f := newFixture(t, "new manager build")
	err := f.updater.StartUpdate(t.Context(), f.release(), []string{"--hidden"}, 500)
	require.NoError(t, err)
	assert.EqualValues(t, 0, f.exitCode.Load(), "process must exit after launching the helper")

	staged := filepath.Join(f.dataDir, "updates", "1.4.0", "agentmgr")
	require.Equal(t, []string{staged}, f.elev.calls)
	args := f.elev.args[0]
	require.Len(t, args, 3)
	assert.Equal(t, "handoff", args[0])

	req, err := f.store.Load(args[2])
	require.NoError(t, err)
	assert.Equal(t, 500, req.WaitPID)
	assert.Equal(t, staged, req.Source)
	assert.Equal(t, f.install, req.Destination)
	assert.Equal(t, []string{"--hidden"}, req.Args)
	assert.Equal(t, "1.4.0", req.Version)

	// the helper side: once pid 500 is gone the staged build is placed and launched with --hidden
	var launched []process.Command
	ex := &handoff.Executor{
		Store: f.store,
		Log:   logger.Discard(),
		Alive: func(pid int) bool { return false },
		Launch: func(c process.Command) (int, error) {
			launched = append(launched, c)
			return 501, nil
		},
	}
	out, err := ex.RunFile(t.Context(), args[2])
	require.NoError(t, err)
	assert.Equal(t, 501, out.NewPID)
	data, err := os.ReadFile(f.install)
	require.NoError(t, err)
	assert.Equal(t, "new manager build", string(data))
	require.Len(t, launched, 1)
	assert.Equal(t, f.install, launched[0].Path)
	assert.Equal(t, []string{"--hidden"}, launched[0].Args)
}

func TestStartUpdateElevationFailureAborts(t *testing.T) {
	f := newFixture(t, "new build")
	f.elev.err = fmt.Errorf("%w: user declined", elevate.ErrElevation)
	require.NoError(t, os.WriteFile(f.install, []byte("old build"), 0o755))

	err := f.updater.StartUpdate(t.Context(), f.release(), nil, 500)
	require.Error(t, err)
	assert.ErrorIs(t, err, elevate.ErrElevation)
	assert.EqualValues(t, -1, f.exitCode.Load(), "must not exit when elevation fails")

	entries, _ := os.ReadDir(f.store.Dir())
	assert.Empty(t, entries, "the hand-off request is discarded")
	data, _ := os.ReadFile(f.install)
	assert.Equal(t, "old build", string(data))
}

func TestStartUpdateVerifyFailureAborts(t *testing.T) {
	f := newFixture(t, "build")
	f.updater.opts.VersionOf = func(context.Context, string) (string, error) { return "1.3.0", nil }
	err := f.updater.StartUpdate(t.Context(), f.release(), nil, 500)
	assert.ErrorIs(t, err, ErrVerify)
	assert.Empty(t, f.elev.calls)
	assert.EqualValues(t, -1, f.exitCode.Load())
}

func TestStartReplacingStopsRunningManagerLast(t *testing.T) {
	stopper := func(f *fixture, calls *int, err error) func(context.Context) error {
		return func(context.Context) error {
			*calls++
			assert.Len(t, f.elev.calls, 1, "helper must be launched before the running manager is stopped")
			return err
		}
	}

	t.Run("download fails", func(t *testing.T) {
		f := newFixture(t, "build")
		var calls int
		rel := Release{Version: "1.4.0", DownloadURL: f.srv.URL + "/broken"}
		err := f.updater.StartReplacing(t.Context(), rel, nil, 500, stopper(f, &calls, nil))
		require.Error(t, err)
		assert.Zero(t, calls, "running manager must keep running")
		assert.Empty(t, f.elev.calls)
		assert.EqualValues(t, -1, f.exitCode.Load())
	})

	t.Run("elevation declined", func(t *testing.T) {
		f := newFixture(t, "build")
		f.elev.err = fmt.Errorf("%w: not root", elevate.ErrElevation)
		var calls int
		err := f.updater.StartReplacing(t.Context(), f.release(), nil, 500, stopper(f, &calls, nil))
		assert.ErrorIs(t, err, elevate.ErrElevation)
		assert.Zero(t, calls)
	})

	t.Run("stop fails withdraws request", func(t *testing.T) {
		f := newFixture(t, "build")
		var calls int
		err := f.updater.StartReplacing(t.Context(), f.release(), nil, 500, stopper(f, &calls, errors.New("still alive")))
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.EqualValues(t, -1, f.exitCode.Load())
		entries, _ := os.ReadDir(f.store.Dir())
		assert.Empty(t, entries, "the helper must find no request")
	})

	t.Run("success", func(t *testing.T) {
		f := newFixture(t, "build")
		var calls int
		err := f.updater.StartReplacing(t.Context(), f.release(), []string{"run"}, 500, stopper(f, &calls, nil))
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.EqualValues(t, 0, f.exitCode.Load())
		_, err = f.store.Load(f.elev.args[0][2])
		assert.NoError(t, err, "request stays for the helper")
	})
}
