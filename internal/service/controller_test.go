package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/loykin/agentmgr/internal/history"
	"github.com/loykin/agentmgr/internal/logger"
)

// fakeBackend is a scripted service host. Stop moves to stopTo, each Start
// moves to the next entry of startTo (the last one repeats).
type fakeBackend struct {
	mu       sync.Mutex
	state    State
	pid      int
	nextPID  int
	stopTo   State
	startTo  []State
	defs     []Definition
	starts   int
	stops    int
	removed  int
	queryErr error
	instErr  error
}

func newFake(st State) *fakeBackend {
	return &fakeBackend{state: st, nextPID: 100, stopTo: StateStopped, startTo: []State{StateRunning}}
}

func (f *fakeBackend) set(st State, pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state, f.pid = st, pid
}

func (f *fakeBackend) Install(_ context.Context, def Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.instErr != nil {
		return f.instErr
	}
	f.defs = append(f.defs, def)
	if f.state == StateNotFound {
		f.state = StateStopped
	}
	return nil
}

func (f *fakeBackend) Uninstall(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	f.state, f.pid = StateNotFound, 0
	return nil
}

func (f *fakeBackend) Start(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.startTo[min(f.starts, len(f.startTo)-1)]
	f.starts++
	f.state = st
	f.nextPID++
	f.pid = f.nextPID
	return nil
}

func (f *fakeBackend) Stop(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = f.stopTo
	if f.state == StateStopped {
		f.pid = 0
	}
	return nil
}

func (f *fakeBackend) Query(context.Context, string) (State, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return StateUnknown, 0, f.queryErr
	}
	return f.state, f.pid, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recordingSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]history.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type killRecorder struct {
	mu     sync.Mutex
	pids   []int
	effect func(pid int)
}

func (k *killRecorder) kill(pid int) error {
	k.mu.Lock()
	k.pids = append(k.pids, pid)
	effect := k.effect
	k.mu.Unlock()
	if effect != nil {
		effect(pid)
	}
	return nil
}

func (k *killRecorder) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.pids)
}

func newTestController(b Backend, k *killRecorder, sink history.Sink) *Controller {
	return New(b, Options{
		Name:         "agent",
		PollInterval: 5 * time.Millisecond,
		KillGrace:    60 * time.Millisecond,
		RestartGrace: 5 * time.Millisecond,
		StopTimeout:  60 * time.Millisecond,
		Killer:       k.kill,
		Alive:        func(int) bool { return false },
		Logger:       logger.Discard(),
		History:      sink,
	})
}

func writeBinary(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "agent.bin")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestConfigureRejectsBadBinary(t *testing.T) {
	fb := newFake(StateNotFound)
	c := newTestController(fb, &killRecorder{}, nil)

	for name, path := range map[string]string{
		"empty":     "",
		"missing":   filepath.Join(t.TempDir(), "nope"),
		"directory": t.TempDir(),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.Configure(t.Context(), path, nil)
			if !errors.Is(err, ErrServiceConfig) {
				t.Fatalf("expected ErrServiceConfig, got %v", err)
			}
			var ce *ConfigError
			if !errors.As(err, &ce) || ce.Service != "agent" {
				t.Fatalf("expected *ConfigError for agent, got %#v", err)
			}
		})
	}
	if len(fb.defs) != 0 {
		t.Fatalf("backend must not be touched for a bad binary")
	}
}

func TestConfigureInstallFailureIsConfigError(t *testing.T) {
	fb := newFake(StateNotFound)
	fb.instErr = errors.New("access denied")
	c := newTestController(fb, &killRecorder{}, nil)
	_, err := c.Configure(t.Context(), writeBinary(t), nil)
	if !errors.Is(err, ErrServiceConfig) {
		t.Fatalf("expected ErrServiceConfig, got %v", err)
	}
}

func TestConfigureInstallsAndStarts(t *testing.T) {
	fb := newFake(StateNotFound)
	sink := &recordingSink{}
	c := newTestController(fb, &killRecorder{}, sink)
	bin := writeBinary(t)

	res, err := c.Configure(t.Context(), bin, map[string]string{
		"B_VAR": "two",
		"A_VAR": "one",
		"EMPTY": "",
		"BLANK": "   ",
	})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !res.Reached || res.ForcedKill || res.State != StateRunning {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(fb.defs) != 1 {
		t.Fatalf("expected one install, got %d", len(fb.defs))
	}
	def := fb.defs[0]
	if def.BinaryPath != bin || def.WorkDir != filepath.Dir(bin) || def.DisplayName != "agent" {
		t.Fatalf("unexpected definition %+v", def)
	}
	if !slices.Equal(def.Env, []string{"A_VAR=one", "B_VAR=two"}) {
		t.Fatalf("env = %v", def.Env)
	}
	got := sink.types()
	if !slices.Contains(got, history.EventServiceConfigured) || !slices.Contains(got, history.EventServiceRestarted) {
		t.Fatalf("history events = %v", got)
	}
}

type staticStore struct {
	d   Desired
	err error
}

func (s staticStore) Current() (Desired, error) { return s.d, s.err }

func TestApply(t *testing.T) {
	fb := newFake(StateStopped)
	c := newTestController(fb, &killRecorder{}, nil)

	if _, err := c.Apply(t.Context(), staticStore{err: errors.New("unreadable")}); !errors.Is(err, ErrServiceConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
	res, err := c.Apply(t.Context(), staticStore{d: Desired{BinaryPath: writeBinary(t), Env: map[string]string{"K": "v"}}})
	if err != nil || res.State != StateRunning {
		t.Fatalf("apply: %+v %v", res, err)
	}
	if !slices.Equal(fb.defs[0].Env, []string{"K=v"}) {
		t.Fatalf("env = %v", fb.defs[0].Env)
	}
}

func TestStopGraceful(t *testing.T) {
	fb := newFake(StateRunning)
	fb.pid = 7
	k := &killRecorder{}
	c := newTestController(fb, k, nil)

	res, err := c.Stop(t.Context(), time.Second)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !res.Reached || res.ForcedKill || res.State != StateStopped {
		t.Fatalf("unexpected result %+v", res)
	}
	if k.count() != 0 {
		t.Fatalf("graceful stop must not kill")
	}
}

func TestStopAlreadyStoppedOrMissing(t *testing.T) {
	for _, st := range []State{StateStopped, StateNotFound} {
		fb := newFake(st)
		c := newTestController(fb, &killRecorder{}, nil)
		res, err := c.Stop(t.Context(), time.Second)
		if err != nil || !res.Reached || res.State != st {
			t.Fatalf("%s: %+v %v", st, res, err)
		}
		if fb.stops != 0 {
			t.Fatalf("%s: no stop request expected", st)
		}
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	fb := newFake(StateRunning)
	fb.pid = 4242
	fb.stopTo = StateStopPending
	k := &killRecorder{effect: func(int) { fb.set(StateStopped, 0) }}
	sink := &recordingSink{}
	c := newTestController(fb, k, sink)

	start := time.Now()
	res, err := c.Stop(t.Context(), 30*time.Millisecond)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("escalated before the timeout")
	}
	if !res.ForcedKill || !res.Reached || res.State != StateStopped {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(k.pids) != 1 || k.pids[0] != 4242 {
		t.Fatalf("killed pids = %v", k.pids)
	}
	if !slices.Contains(sink.types(), history.EventForcedKill) {
		t.Fatalf("expected forced_kill event, got %v", sink.types())
	}
}

func TestStopNotReachedAfterKill(t *testing.T) {
	fb := newFake(StateRunning)
	fb.pid = 9
	fb.stopTo = StateStopPending
	c := newTestController(fb, &killRecorder{}, nil)

	res, err := c.Stop(t.Context(), 20*time.Millisecond)
	if !errors.Is(err, ErrStateNotReached) {
		t.Fatalf("expected ErrStateNotReached, got %v", err)
	}
	if !res.ForcedKill || res.Reached || res.State != StateStopPending {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestStopQueryErrorsCountAsUnknown(t *testing.T) {
	fb := newFake(StateRunning)
	fb.queryErr = errors.New("rpc unavailable")
	c := newTestController(fb, &killRecorder{}, nil)

	res, err := c.Stop(t.Context(), 20*time.Millisecond)
	if !errors.Is(err, ErrStateNotReached) {
		t.Fatalf("expected ErrStateNotReached, got %v", err)
	}
	if res.State != StateUnknown || !res.ForcedKill {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestStartSemantics(t *testing.T) {
	fb := newFake(StateNotFound)
	c := newTestController(fb, &killRecorder{}, nil)
	if err := c.Start(t.Context()); !errors.Is(err, ErrServiceConfig) {
		t.Fatalf("start on missing service: %v", err)
	}

	fb.set(StateRunning, 5)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("start on running service: %v", err)
	}
	if fb.starts != 0 {
		t.Fatalf("running service must not be started again")
	}

	fb.set(StateStopped, 0)
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if fb.starts != 1 {
		t.Fatalf("starts = %d", fb.starts)
	}
}

func TestRestartRetriesAfterEscalation(t *testing.T) {
	fb := newFake(StateRunning)
	fb.pid = 50
	fb.startTo = []State{StateStartPending, StateRunning}
	fb.stopTo = StateStopped
	k := &killRecorder{effect: func(int) { fb.set(StateStopped, 0) }}
	c := newTestController(fb, k, nil)

	res, err := c.Restart(t.Context(), 30*time.Millisecond)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !res.ForcedKill || !res.Reached || res.State != StateRunning {
		t.Fatalf("unexpected result %+v", res)
	}
	if fb.starts != 2 {
		t.Fatalf("expected exactly one retry, starts = %d", fb.starts)
	}
}

func TestRestartGivesUp(t *testing.T) {
	fb := newFake(StateStopped)
	fb.startTo = []State{StateStartPending}
	c := newTestController(fb, &killRecorder{effect: func(int) { fb.set(StateStopped, 0) }}, nil)

	res, err := c.Restart(t.Context(), 20*time.Millisecond)
	if !errors.Is(err, ErrStateNotReached) {
		t.Fatalf("expected ErrStateNotReached, got %v", err)
	}
	if !res.ForcedKill || res.Reached {
		t.Fatalf("unexpected result %+v", res)
	}
	if fb.starts != 2 {
		t.Fatalf("starts = %d", fb.starts)
	}
}

func TestRestartMissingService(t *testing.T) {
	c := newTestController(newFake(StateNotFound), &killRecorder{}, nil)
	if _, err := c.Restart(t.Context(), 20*time.Millisecond); !errors.Is(err, ErrServiceConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRestartKillsLingeringProcess(t *testing.T) {
	fb := newFake(StateRunning)
	fb.pid = 77
	var mu sync.Mutex
	alive := map[int]bool{77: true}
	k := &killRecorder{effect: func(pid int) {
		mu.Lock()
		defer mu.Unlock()
		delete(alive, pid)
	}}
	c := New(fb, Options{
		Name:         "agent",
		PollInterval: 5 * time.Millisecond,
		KillGrace:    50 * time.Millisecond,
		RestartGrace: 5 * time.Millisecond,
		Killer:       k.kill,
		Alive: func(pid int) bool {
			mu.Lock()
			defer mu.Unlock()
			return alive[pid]
		},
		Logger: logger.Discard(),
	})

	res, err := c.Restart(t.Context(), time.Second)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if res.State != StateRunning {
		t.Fatalf("state = %s", res.State)
	}
	if len(k.pids) != 1 || k.pids[0] != 77 {
		t.Fatalf("lingering process should have been killed, got %v", k.pids)
	}
}

func TestRemove(t *testing.T) {
	fb := newFake(StateRunning)
	fb.pid = 3
	c := newTestController(fb, &killRecorder{}, nil)
	res, err := c.Remove(t.Context(), time.Second)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if fb.removed != 1 || res.State != StateNotFound {
		t.Fatalf("removed=%d result=%+v", fb.removed, res)
	}

	// removing again is a no-op
	if _, err := c.Remove(t.Context(), time.Second); err != nil || fb.removed != 1 {
		t.Fatalf("second remove: %v removed=%d", err, fb.removed)
	}
}

func TestStatus(t *testing.T) {
	fb := newFake(StateRunning)
	fb.pid = 11
	c := newTestController(fb, &killRecorder{}, nil)
	st, err := c.Status(t.Context())
	if err != nil || st.State != StateRunning || st.PID != 11 || st.Name != "agent" {
		t.Fatalf("status: %+v %v", st, err)
	}
	fb.queryErr = errors.New("boom")
	st, err = c.Status(t.Context())
	if err == nil || st.State != StateUnknown {
		t.Fatalf("status on error: %+v %v", st, err)
	}
}

func TestStopHonoursContext(t *testing.T) {
	fb := newFake(StateRunning)
	fb.stopTo = StateStopPending
	c := newTestController(fb, &killRecorder{}, nil)
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Stop(ctx, time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestOperationsAreSerialised(t *testing.T) {
	fb := newFake(StateStopped)
	c := newTestController(fb, &killRecorder{}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Restart(t.Context(), time.Second)
		}()
	}
	wg.Wait()
	st, _ := c.Status(t.Context())
	if st.State != StateRunning {
		t.Fatalf("state = %s", st.State)
	}
}
