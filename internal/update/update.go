// Package update checks for, stages and applies new manager builds. Applying
// hands off to the staged binary, which replaces the installed one after
// the running manager has exited.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/agentmgr/internal/elevate"
	"github.com/loykin/agentmgr/internal/handoff"
	"github.com/loykin/agentmgr/internal/history"
	"github.com/loykin/agentmgr/internal/logger"
	"github.com/loykin/agentmgr/internal/metrics"
)

const DefaultVerifyTimeout = 15 * time.Second

// ErrVerify means the staged binary did not report the expected version.
var ErrVerify = errors.New("staged binary failed verification")

type Options struct {
	Source      Source
	StagingDir  string // <data_dir>/updates
	Asset       string // file name inside a version directory
	InstallPath string // canonical manager path
	Handoffs    *handoff.Store
	Elevator    elevate.Elevator
	Client      *http.Client

	VerifyTimeout time.Duration
	CopyAttempts  int
	CopyDelay     time.Duration
	PollInterval  time.Duration

	Logger  *slog.Logger
	History history.Sink

	// Exit ends the process after the helper is launched; tests replace it.
	Exit func(code int)
	// VersionOf runs "<path> version --short"; tests replace it.
	VersionOf func(ctx context.Context, path string) (string, error)
}

type Updater struct {
	opts Options
	log  *slog.Logger
}

func New(opts Options) *Updater {
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = DefaultVerifyTimeout
	}
	if opts.CopyAttempts <= 0 {
		opts.CopyAttempts = handoff.DefaultCopyAttempts
	}
	if opts.CopyDelay <= 0 {
		opts.CopyDelay = handoff.DefaultCopyDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = handoff.DefaultPollInterval
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 2 * time.Minute}
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.VersionOf == nil {
		opts.VersionOf = runVersion
	}
	if opts.Elevator == nil {
		opts.Elevator = elevate.System{Log: opts.Logger}
	}
	return &Updater{opts: opts, log: logger.Component(opts.Logger, "update")}
}

// Check returns the latest release and whether it is newer than current.
func (u *Updater) Check(ctx context.Context, current string) (Release, bool, error) {
	rel, err := u.opts.Source.FetchLatest(ctx)
	metrics.IncUpdateEvent("check", err)
	if err != nil {
		return Release{}, false, err
	}
	newer := IsNewer(current, rel.Version)
	u.log.Info("update check", "current", current, "latest", rel.Version, "newer", newer)
	return rel, newer, nil
}

// Resolve finds the release for version; "" or "latest" means the newest one.
func (u *Updater) Resolve(ctx context.Context, version string) (Release, error) {
	return ResolveRelease(ctx, u.opts.Source, version)
}

// List returns up to limit releases, newest first.
func (u *Updater) List(ctx context.Context, limit int) ([]Release, error) {
	return u.opts.Source.FetchAll(ctx, limit)
}

// StagedPath is where StageDownload puts the artifact of rel.
func (u *Updater) StagedPath(rel Release) string {
	return filepath.Join(u.opts.StagingDir, rel.Version, u.opts.Asset)
}

// StageDownload downloads rel into its version directory. An existing staged
// file is reused unless force, which removes the version directory first.
func (u *Updater) StageDownload(ctx context.Context, rel Release, force bool) (string, error) {
	if rel.Version == "" || rel.DownloadURL == "" {
		return "", fmt.Errorf("stage: release is missing version or download url")
	}
	if u.opts.StagingDir == "" || u.opts.Asset == "" {
		return "", errors.New("stage: staging dir and asset name must be configured")
	}
	dest := u.StagedPath(rel)
	if force {
		if err := os.RemoveAll(filepath.Dir(dest)); err != nil {
			return "", fmt.Errorf("stage: clear %s: %w", filepath.Dir(dest), err)
		}
	} else if fi, err := os.Stat(dest); err == nil && fi.Mode().IsRegular() && fi.Size() > 0 {
		u.log.Debug("reusing staged download", "path", dest)
		return dest, nil
	}

	u.log.Info("downloading release", "version", rel.Version, "url", rel.DownloadURL)
	err := Download(ctx, u.opts.Client, rel.DownloadURL, dest)
	metrics.IncUpdateEvent("stage", err)
	if err != nil {
		return "", err
	}
	u.emit(ctx, history.Event{Type: history.EventUpdateStaged, Subject: rel.Version, Detail: dest}, nil)
	return dest, nil
}

// Verify runs the staged binary and requires it to report rel's version.
func (u *Updater) Verify(ctx context.Context, path string, rel Release) error {
	ctx, cancel := context.WithTimeout(ctx, u.opts.VerifyTimeout)
	defer cancel()
	out, err := u.opts.VersionOf(ctx, path)
	if err == nil && NormalizeVersion(out) != rel.Version {
		err = fmt.Errorf("%w: %s reports %q, want %s", ErrVerify, path, strings.TrimSpace(out), rel.Version)
	} else if err != nil {
		err = fmt.Errorf("%w: %v", ErrVerify, err)
	}
	metrics.IncUpdateEvent("verify", err)
	return err
}

// StartUpdate stages and verifies rel, persists a hand-off request that
// replaces the installed manager once currentPID exits, launches the staged
// binary elevated to execute it and then exits the process. When elevation
// fails the request is discarded, an error matching elevate.ErrElevation is
// returned and the installed manager is left alone.
func (u *Updater) StartUpdate(ctx context.Context, rel Release, relaunchArgs []string, currentPID int) error {
	return u.start(ctx, rel, relaunchArgs, currentPID, nil)
}

// StartReplacing is StartUpdate for a caller that is not the running
// manager. stopRunning ends that manager and is called only after the
// helper was launched; nothing is stopped when staging, verification or
// elevation fails. When stopRunning fails the request is withdrawn, so the
// waiting helper exits without touching the install, and its error is
// returned.
func (u *Updater) StartReplacing(ctx context.Context, rel Release, relaunchArgs []string, currentPID int, stopRunning func(context.Context) error) error {
	return u.start(ctx, rel, relaunchArgs, currentPID, stopRunning)
}

func (u *Updater) start(ctx context.Context, rel Release, relaunchArgs []string, currentPID int, stopRunning func(context.Context) error) error {
	if u.opts.Handoffs == nil || u.opts.InstallPath == "" {
		return errors.New("start update: hand-off store and install path must be configured")
	}
	staged, err := u.StageDownload(ctx, rel, false)
	if err != nil {
		return fmt.Errorf("start update: %w", err)
	}
	if err := u.Verify(ctx, staged, rel); err != nil {
		return fmt.Errorf("start update: %w", err)
	}

	req := handoff.NewRequest(currentPID, staged, u.opts.InstallPath, relaunchArgs)
	req.CopyAttempts = u.opts.CopyAttempts
	req.CopyDelay = u.opts.CopyDelay
	req.PollInterval = u.opts.PollInterval
	req.Version = rel.Version
	reqPath, err := u.opts.Handoffs.Save(req)
	if err != nil {
		return fmt.Errorf("start update: %w", err)
	}

	err = u.opts.Elevator.RunElevated(ctx, staged, handoff.Args(reqPath), filepath.Dir(staged))
	metrics.IncUpdateEvent("launch", err)
	if err != nil {
		_ = u.opts.Handoffs.Remove(reqPath)
		u.log.Error("update aborted, keeping the running build", "version", rel.Version, "error", err)
		u.emit(ctx, history.Event{Type: history.EventUpdateStarted, Subject: rel.Version}, err)
		return fmt.Errorf("start update: %w", err)
	}
	if stopRunning != nil {
		if err := stopRunning(ctx); err != nil {
			_ = u.opts.Handoffs.Remove(reqPath)
			u.log.Error("update withdrawn, running manager could not be stopped", "version", rel.Version, "error", err)
			u.emit(ctx, history.Event{Type: history.EventUpdateStarted, Subject: rel.Version}, err)
			return fmt.Errorf("start update: %w", err)
		}
	}
	u.emit(ctx, history.Event{Type: history.EventUpdateStarted, Subject: rel.Version, PID: currentPID, Detail: req.ID}, nil)
	u.log.Info("update helper launched, exiting", "version", rel.Version, "request", reqPath, "args", relaunchArgs)
	u.opts.Exit(0)
	return nil
}

func (u *Updater) emit(ctx context.Context, e history.Event, err error) {
	if herr := history.Emit(ctx, u.opts.History, e, err); herr != nil {
		u.log.Debug("history sink failed", "error", herr)
	}
}

func runVersion(ctx context.Context, path string) (string, error) {
	// #nosec G204 -- path is the staged download
	out, err := exec.CommandContext(ctx, path, "version", "--short").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
