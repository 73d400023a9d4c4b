package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// parseEnv turns KEY=VALUE pairs into a map. Keys keep their case.
func parseEnv(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env %q: want KEY=VALUE", kv)
		}
		env[k] = v
	}
	return env, nil
}

// withoutFlag drops a boolean flag from args.
func withoutFlag(args []string, name string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == name || strings.HasPrefix(a, name+"=") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// relaunchArgs builds the "run" command line the updated manager starts
// with. It keeps the --hidden and --in-place choices of the running
// manager's argv (executable first); without one the manager runs hidden.
func relaunchArgs(holder []string, configPath string) []string {
	hidden, inPlace := true, false
	if len(holder) > 1 && holder[1] == "run" {
		hidden = hasFlag(holder[2:], "--hidden") || hasFlag(holder[2:], "--daemonize")
		inPlace = hasFlag(holder[2:], "--in-place")
	}
	args := []string{"run"}
	if hidden {
		args = append(args, "--hidden")
	}
	if inPlace {
		args = append(args, "--in-place")
	}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return args
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name || a == name+"=true" {
			return true
		}
	}
	return false
}
