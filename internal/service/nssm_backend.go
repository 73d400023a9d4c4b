package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/loykin/agentmgr/internal/logger"
)

// rotation threshold handed to NSSM for the service's stdout/stderr file
const nssmRotateBytes = 10 * 1024 * 1024

// NSSMBackend wraps the service binary with NSSM so stdout/stderr can be
// redirected and rotated. Definitions go through nssm; start, stop and
// query go through sc so that they never block on the service.
type NSSMBackend struct {
	nssm   string
	runner Runner
	log    *slog.Logger
}

func NewNSSMBackend(nssmPath string, runner Runner, log *slog.Logger) *NSSMBackend {
	if nssmPath == "" {
		nssmPath = "nssm"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &NSSMBackend{nssm: nssmPath, runner: runner, log: logger.Component(log, "service.nssm")}
}

func (b *NSSMBackend) run(ctx context.Context, tool string, args ...string) (string, error) {
	out, err := b.runner.Run(ctx, tool, args...)
	text := strings.TrimSpace(decodeToolOutput(out))
	if err != nil {
		return text, fmt.Errorf("%s %s: %w: %s", tool, strings.Join(args, " "), err, text)
	}
	return text, nil
}

func (b *NSSMBackend) Install(ctx context.Context, def Definition) error {
	st, _, err := b.Query(ctx, def.Name)
	if err != nil && st != StateNotFound {
		return err
	}
	if st == StateNotFound {
		if _, err := b.run(ctx, b.nssm, "install", def.Name, def.BinaryPath); err != nil {
			return err
		}
		b.log.Info("service installed", "name", def.Name)
	} else if _, err := b.run(ctx, b.nssm, "set", def.Name, "Application", def.BinaryPath); err != nil {
		return err
	}

	startType := "SERVICE_DEMAND_START"
	if def.AutoStart {
		startType = "SERVICE_AUTO_START"
	}
	settings := [][]string{
		{"AppDirectory", def.WorkDir},
		{"DisplayName", def.DisplayName},
		{"Description", def.Description},
		{"Start", startType},
		{"AppRestartDelay", strconv.FormatInt(def.RestartDelay.Milliseconds(), 10)},
	}
	if len(def.Args) > 0 {
		settings = append(settings, []string{"AppParameters", strings.Join(quoteArgs(def.Args), " ")})
	}
	if def.LogPath != "" {
		settings = append(settings,
			[]string{"AppStdout", def.LogPath},
			[]string{"AppStderr", def.LogPath},
			[]string{"AppRotateFiles", "1"},
			[]string{"AppRotateOnline", "1"},
			[]string{"AppRotateBytes", strconv.Itoa(nssmRotateBytes)},
		)
	}
	for _, kv := range settings {
		if kv[1] == "" {
			continue
		}
		if _, err := b.run(ctx, b.nssm, append([]string{"set", def.Name}, kv...)...); err != nil {
			return err
		}
	}

	// AppEnvironmentExtra takes one KEY=VALUE per argument; reset clears it.
	if len(def.Env) == 0 {
		_, err = b.run(ctx, b.nssm, "reset", def.Name, "AppEnvironmentExtra")
	} else {
		_, err = b.run(ctx, b.nssm, append([]string{"set", def.Name, "AppEnvironmentExtra"}, def.Env...)...)
	}
	return err
}

func (b *NSSMBackend) Uninstall(ctx context.Context, name string) error {
	_, err := b.run(ctx, b.nssm, "remove", name, "confirm")
	return err
}

func (b *NSSMBackend) Start(ctx context.Context, name string) error {
	_, err := b.run(ctx, "sc", "start", name)
	return err
}

func (b *NSSMBackend) Stop(ctx context.Context, name string) error {
	_, err := b.run(ctx, "sc", "stop", name)
	return err
}

// Query runs "sc queryex" and parses STATE and PID. A missing service makes
// sc exit non-zero, so the text is inspected before the error.
func (b *NSSMBackend) Query(ctx context.Context, name string) (State, int, error) {
	text, err := b.run(ctx, "sc", "queryex", name)
	st := ParseState(text)
	if st == StateNotFound {
		return st, 0, nil
	}
	if err != nil {
		return StateUnknown, 0, err
	}
	if st == StateUnknown {
		return st, 0, fmt.Errorf("unrecognised sc output: %q", text)
	}
	return st, ParsePID(text), nil
}

func quoteArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t\"") {
			a = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		}
		out[i] = a
	}
	return out
}

// decodeToolOutput handles nssm printing UTF-16LE on Windows consoles.
func decodeToolOutput(b []byte) string {
	if len(b) >= 2 && len(b)%2 == 0 && b[1] == 0 {
		u := make([]rune, 0, len(b)/2)
		for i := 0; i+1 < len(b); i += 2 {
			r := rune(b[i]) | rune(b[i+1])<<8
			if r != 0 && r != 0xfeff {
				u = append(u, r)
			}
		}
		return string(u)
	}
	return string(b)
}
