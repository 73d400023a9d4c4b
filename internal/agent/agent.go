// Package agent installs and updates the supervised agent binary from its
// release archives and re-applies the service configuration afterwards.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/loykin/agentmgr/internal/history"
	"github.com/loykin/agentmgr/internal/logger"
	"github.com/loykin/agentmgr/internal/service"
	"github.com/loykin/agentmgr/internal/update"
)

const (
	DefaultReplaceAttempts = 10
	DefaultReplaceDelay    = 500 * time.Millisecond
)

// ErrBinaryNotInArchive means the release archive has no file named like the agent executable.
var ErrBinaryNotInArchive = errors.New("agent executable not found in archive")

// Controller is the part of service.Controller the installer drives.
type Controller interface {
	Stop(ctx context.Context, timeout time.Duration) (service.Result, error)
	Apply(ctx context.Context, store service.ConfigStore) (service.Result, error)
}

type Options struct {
	Source      update.Source
	BinaryPath  string // installed agent executable
	Executable  string // file name to pick from the archive, default base of BinaryPath
	Controller  Controller
	Store       service.ConfigStore
	StopTimeout time.Duration
	Client      *http.Client

	ReplaceAttempts int
	ReplaceDelay    time.Duration

	Logger  *slog.Logger
	History history.Sink
}

// Result describes an install.
type Result struct {
	Version    string         `json:"version"`
	BinaryPath string         `json:"binary_path"`
	Staged     bool           `json:"staged"` // binary was locked; applied on next ApplyStaged
	Service    service.Result `json:"service"`
}

type Installer struct {
	opts Options
	log  *slog.Logger
}

func NewInstaller(opts Options) *Installer {
	if opts.Executable == "" {
		opts.Executable = filepath.Base(opts.BinaryPath)
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = service.DefaultStopTimeout
	}
	if opts.ReplaceAttempts <= 0 {
		opts.ReplaceAttempts = DefaultReplaceAttempts
	}
	if opts.ReplaceDelay <= 0 {
		opts.ReplaceDelay = DefaultReplaceDelay
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Installer{opts: opts, log: logger.Component(opts.Logger, "agent")}
}

// StagedPath is where a binary waits when the installed one could not be replaced.
func (i *Installer) StagedPath() string { return i.opts.BinaryPath + ".staged" }

// Resolve finds the release for version; "" or "latest" means the newest one.
func (i *Installer) Resolve(ctx context.Context, version string) (update.Release, error) {
	return update.ResolveRelease(ctx, i.opts.Source, version)
}

// Install downloads the agent release, stops the service, replaces the
// binary and applies the service configuration, which starts it again.
func (i *Installer) Install(ctx context.Context, version string) (Result, error) {
	rel, err := i.Resolve(ctx, version)
	if err != nil {
		return Result{}, err
	}
	res := Result{Version: rel.Version, BinaryPath: i.opts.BinaryPath}
	dir := filepath.Dir(i.opts.BinaryPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return res, err
	}

	archive := filepath.Join(dir, ".agent-"+rel.Version+".zip")
	defer func() { _ = os.Remove(archive) }()
	i.log.Info("downloading agent", "version", rel.Version, "url", rel.DownloadURL)
	if err := update.Download(ctx, i.opts.Client, rel.DownloadURL, archive); err != nil {
		return res, err
	}
	fresh := i.opts.BinaryPath + ".new"
	defer func() { _ = os.Remove(fresh) }()
	if err := ExtractExecutable(archive, i.opts.Executable, fresh); err != nil {
		return res, err
	}

	if i.opts.Controller != nil {
		if sr, err := i.opts.Controller.Stop(ctx, i.opts.StopTimeout); err != nil {
			i.log.Warn("stopping service before replacement failed", "error", err, "forced_kill", sr.ForcedKill)
		}
	}

	if err := i.replace(ctx, fresh, i.opts.BinaryPath); err != nil {
		i.log.Warn("agent binary is locked, staging for later", "error", err, "staged", i.StagedPath())
		if err := os.Rename(fresh, i.StagedPath()); err != nil {
			return res, fmt.Errorf("stage agent binary: %w", err)
		}
		res.Staged = true
	} else {
		i.log.Info("agent binary replaced", "version", rel.Version, "path", i.opts.BinaryPath)
	}

	// with a staged binary this restarts the old one, so the agent keeps running
	if i.opts.Controller != nil && i.opts.Store != nil {
		sr, err := i.opts.Controller.Apply(ctx, i.opts.Store)
		res.Service = sr
		if err != nil {
			i.emit(ctx, rel.Version, err)
			return res, fmt.Errorf("apply service configuration: %w", err)
		}
	}
	i.emit(ctx, rel.Version, nil)
	return res, nil
}

// ApplyStaged stops the service and moves a staged binary over the
// installed one. It reports whether a staged binary was applied; the
// caller starts the service again through Apply.
func (i *Installer) ApplyStaged(ctx context.Context) (bool, error) {
	staged := i.StagedPath()
	if _, err := os.Stat(staged); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if i.opts.Controller != nil {
		if sr, err := i.opts.Controller.Stop(ctx, i.opts.StopTimeout); err != nil {
			i.log.Warn("stopping service before applying staged binary failed", "error", err, "forced_kill", sr.ForcedKill)
		}
	}
	if err := i.replace(ctx, staged, i.opts.BinaryPath); err != nil {
		return false, fmt.Errorf("apply staged agent binary: %w", err)
	}
	i.log.Info("applied staged agent binary", "path", i.opts.BinaryPath)
	return true, nil
}

func (i *Installer) replace(ctx context.Context, src, dst string) error {
	var err error
	for attempt := 1; attempt <= i.opts.ReplaceAttempts; attempt++ {
		if err = os.Rename(src, dst); err == nil {
			return nil
		}
		if attempt == i.opts.ReplaceAttempts {
			break
		}
		t := time.NewTimer(i.opts.ReplaceDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (i *Installer) emit(ctx context.Context, version string, err error) {
	e := history.Event{Type: history.EventAgentInstalled, Subject: version, Detail: i.opts.BinaryPath}
	if herr := history.Emit(ctx, i.opts.History, e, err); herr != nil {
		i.log.Debug("history sink failed", "error", herr)
	}
}

// ExtractExecutable copies the archive entry whose base name matches name
// (case-insensitive) to dest. Directory components in the archive are ignored.
func ExtractExecutable(archive, name, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(pathBase(f.Name), name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()
		// #nosec G304 -- dest is derived from the configured binary path
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, rc); err != nil { // #nosec G110 -- archive from the configured release source
			_ = out.Close()
			_ = os.Remove(dest)
			return err
		}
		return out.Close()
	}
	return fmt.Errorf("%w: %s", ErrBinaryNotInArchive, name)
}

// pathBase handles both separators since archives built on Windows may use backslashes.
func pathBase(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
