// Package env composes process environments: the OS base, KEY=VALUE files
// and explicit overrides, with simple ${VAR} expansion.
package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// fromOS caches the current process environment as the base.
func (e *Env) fromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	e.env = base
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithFiles returns a copy of e with the variables of each env file applied
// in order. Variables already set on e win over file values.
func (e *Env) WithFiles(paths ...string) (*Env, error) {
	c := &Env{Var: make(Var), env: e.env}
	for _, p := range paths {
		m, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range m {
			c.Var[k] = v
		}
	}
	for k, v := range e.Var {
		c.Var[k] = v
	}
	return c, nil
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply perProc (slice of "K=V") overrides
// ${VAR} references are expanded against the composed map. Output is sorted.
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.fromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProc))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perProc {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	return Pairs(expandAll(m))
}

// Service composes the environment handed to the supervised service: e.Var
// overridden by extra, ${VAR} expanded, entries with empty values dropped.
// The OS environment is not included; the service host provides its own.
func (e *Env) Service(extra map[string]string) []string {
	m := make(Var, len(e.Var)+len(extra))
	for k, v := range e.Var {
		m[k] = v
	}
	for k, v := range extra {
		m[k] = v
	}
	m = expandAll(m)
	for k, v := range m {
		if k == "" || strings.TrimSpace(v) == "" {
			delete(m, k)
		}
	}
	return Pairs(m)
}

// Pairs renders m as sorted KEY=VALUE entries.
func Pairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// ToMap parses KEY=VALUE entries; malformed entries are skipped.
func ToMap(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	return m
}

// LoadFile parses a simple .env file with KEY=VALUE lines. Blank lines and
// lines starting with # are ignored, an "export " prefix and matching outer
// quotes are stripped.
func LoadFile(path string) (Var, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	m := make(Var)
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		k := strings.TrimSpace(line[:i])
		v := unquote(strings.TrimSpace(line[i+1:]))
		m[k] = v
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func expandAll(m Var) Var {
	out := make(Var, len(m))
	for k, v := range m {
		out[k] = expand(v, m)
	}
	return out
}

// expand performs a single pass of ${VAR} substitution, no recursion.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
