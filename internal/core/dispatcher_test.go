package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type memResults struct {
	mu      sync.Mutex
	records map[string]Result
	saveErr   error
	deleteErr error
	saves     int
}

func newMemResults() *memResults {
	return &memResults{records: make(map[string]Result)}
}

func (m *memResults) SaveResult(ctx context.Context, rec Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.records[rec.CommandID] = rec
	return nil
}

func (m *memResults) GetResult(ctx context.Context, id string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Result{}, fmt.Errorf("%s: %w", id, ErrResultNotFound)
	}
	return rec, nil
}

func (m *memResults) DeleteResult(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.records, id)
	return nil
}

type clearHandler struct{}

func (clearHandler) Execute(ctx context.Context, cmd *Command) error     { return nil }
func (clearHandler) PostExecute(ctx context.Context, cmd *Command) error { return PersistResult(ctx, cmd) }

type scriptedHandler struct {
	execErr    error
	postErr    error
	panicOn    string
	saveBefore bool
	observed   *[]string
	observedMu *sync.Mutex
}

func (h *scriptedHandler) record(ev string) {
	if h.observed == nil {
		return
	}
	h.observedMu.Lock()
	*h.observed = append(*h.observed, ev)
	h.observedMu.Unlock()
}

func (h *scriptedHandler) Execute(ctx context.Context, cmd *Command) error {
	h.record("execute:" + string(cmd.State()))
	if h.panicOn == "execute" {
		panic("boom")
	}
	return h.execErr
}

func (h *scriptedHandler) PostExecute(ctx context.Context, cmd *Command) error {
	h.record("post_execute:" + string(cmd.State()))
	if h.panicOn == "post_execute" {
		panic("boom")
	}
	if h.saveBefore {
		if err := cmd.Save(ctx, Fields{"result": StringValue("partial")}); err != nil {
			return err
		}
	}
	return h.postErr
}

func fixedID(id string) Option {
	return WithIDGenerator(func() string { return id })
}

func newTestDispatcher(t *testing.T, store ResultStore, h Handler, specs []ParamSpec, opts ...Option) *Dispatcher {
	t.Helper()
	r := NewRegistry()
	if err := r.Register(Definition{Name: "clear_console", New: func() Handler { return clearHandler{} }}); err != nil {
		t.Fatalf("register clear_console: %v", err)
	}
	if h != nil {
		if err := r.Register(Definition{Name: "scripted", Params: specs, New: func() Handler { return h }}); err != nil {
			t.Fatalf("register scripted: %v", err)
		}
	}
	return NewDispatcher(r, store, opts...)
}

func TestDispatchPersistsDatastoreResult(t *testing.T) {
	store := newMemResults()
	d := newTestDispatcher(t, store, nil, nil, fixedID("42"))

	cmd, err := d.Dispatch(context.Background(), Request{
		Command:   "clear_console",
		SessionID: "hooked-1",
		Data:      map[string]Value{"result": StringValue("console cleared")},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if cmd.State() != StateCompleted {
		t.Fatalf("state = %s, want completed", cmd.State())
	}
	rec, err := store.GetResult(context.Background(), "42")
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if got := rec.Fields["result"]; !got.Equal(StringValue("console cleared")) {
		t.Fatalf("result = %#v, want console cleared", got)
	}
	if rec.SessionID != "hooked-1" || rec.Command != "clear_console" {
		t.Fatalf("unexpected record owner: %#v", rec)
	}
}

func TestDispatchPersistsAbsentResult(t *testing.T) {
	store := newMemResults()
	d := newTestDispatcher(t, store, nil, nil, fixedID("7"))

	if _, err := d.Dispatch(context.Background(), Request{Command: "clear_console", SessionID: "hooked-1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	rec, err := store.GetResult(context.Background(), "7")
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	v, ok := rec.Fields["result"]
	if !ok {
		t.Fatalf("expected result field to be present")
	}
	if !v.IsAbsent() {
		t.Fatalf("expected absent result, got %#v", v)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := newTestDispatcher(t, newMemResults(), nil, nil)
	cmd, err := d.Dispatch(context.Background(), Request{Command: "none", SessionID: "s1"})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
	if cmd != nil {
		t.Fatalf("no command must be created")
	}
	if d.Tracker().Len() != 0 {
		t.Fatalf("tracker must stay empty")
	}
}

func TestDispatchRejectsEmptySessionAndDuplicateParams(t *testing.T) {
	d := newTestDispatcher(t, newMemResults(), nil, nil)
	if _, err := d.Dispatch(context.Background(), Request{Command: "clear_console"}); !errors.Is(err, ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments, got %v", err)
	}
	_, err := d.Dispatch(context.Background(), Request{
		Command:   "clear_console",
		SessionID: "s1",
		Params:    []Param{{Name: "a", Value: StringValue("1")}, {Name: "a", Value: StringValue("2")}},
	})
	if !errors.Is(err, ErrDuplicateParameter) {
		t.Fatalf("expected ErrDuplicateParameter, got %v", err)
	}
}

func TestDispatchMissingRequiredParameter(t *testing.T) {
	store := newMemResults()
	h := &scriptedHandler{}
	d := newTestDispatcher(t, store, h, []ParamSpec{{Name: "text", Required: true}}, fixedID("m1"))

	cmd, err := d.Dispatch(context.Background(), Request{Command: "scripted", SessionID: "s1"})
	var missing *MissingParameterError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingParameterError, got %v", err)
	}
	if missing.Name != "text" {
		t.Fatalf("missing name = %q, want text", missing.Name)
	}
	if cmd.State() != StateFailed {
		t.Fatalf("state = %s, want failed", cmd.State())
	}
	if _, err := store.GetResult(context.Background(), "m1"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("failed command must not have a record, got %v", err)
	}
	if ErrorCode(err) != "missing_parameter" {
		t.Fatalf("error code = %q", ErrorCode(err))
	}
}

func TestDispatchOptionalParameterMayBeAbsent(t *testing.T) {
	h := &scriptedHandler{}
	d := newTestDispatcher(t, newMemResults(), h, []ParamSpec{{Name: "note"}})
	if _, err := d.Dispatch(context.Background(), Request{Command: "scripted", SessionID: "s1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func TestDispatchExecuteErrorSkipsPostExecute(t *testing.T) {
	var observed []string
	h := &scriptedHandler{execErr: errors.New("session gone"), observed: &observed, observedMu: &sync.Mutex{}}
	store := newMemResults()
	d := newTestDispatcher(t, store, h, nil, fixedID("e1"))

	cmd, err := d.Dispatch(context.Background(), Request{Command: "scripted", SessionID: "s1"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if cmd.State() != StateFailed || cmd.Err() == nil {
		t.Fatalf("expected failed state with cause, got %s / %v", cmd.State(), cmd.Err())
	}
	if len(observed) != 1 || observed[0] != "execute:executing" {
		t.Fatalf("post_execute must not run after failed execute: %v", observed)
	}
	if store.saves != 0 {
		t.Fatalf("expected no saves, got %d", store.saves)
	}
}

func TestDispatchPhasesAreSequential(t *testing.T) {
	var observed []string
	h := &scriptedHandler{observed: &observed, observedMu: &sync.Mutex{}}
	d := newTestDispatcher(t, newMemResults(), h, nil)

	if _, err := d.Dispatch(context.Background(), Request{Command: "scripted", SessionID: "s1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	want := []string{"execute:executing", "post_execute:post_executing"}
	if len(observed) != len(want) {
		t.Fatalf("observed = %v, want %v", observed, want)
	}
	for i := range want {
		if observed[i] != want[i] {
			t.Fatalf("observed = %v, want %v", observed, want)
		}
	}
}

func TestDispatchPostExecuteFailureRollsBackRecord(t *testing.T) {
	store := newMemResults()
	h := &scriptedHandler{saveBefore: true, postErr: errors.New("report malformed")}
	d := newTestDispatcher(t, store, h, nil, fixedID("r1"))

	cmd, err := d.Dispatch(context.Background(), Request{Command: "scripted", SessionID: "s1"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if cmd.State() != StateFailed {
		t.Fatalf("state = %s, want failed", cmd.State())
	}
	if _, err := store.GetResult(context.Background(), "r1"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("record must be rolled back, got %v", err)
	}
}

func TestDispatchRollbackFailureIsReported(t *testing.T) {
	store := newMemResults()
	store.deleteErr = errors.New("connection reset")
	cause := errors.New("report malformed")
	h := &scriptedHandler{saveBefore: true, postErr: cause}
	d := newTestDispatcher(t, store, h, nil, fixedID("r2"))

	cmd, err := d.Dispatch(context.Background(), Request{Command: "scripted", SessionID: "s1"})
	if !errors.Is(err, cause) {
		t.Fatalf("expected handler error in %v", err)
	}
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if perr.Op != "rollback" || perr.CommandID != "r2" {
		t.Fatalf("unexpected persistence error: %+v", perr)
	}
	if !errors.Is(err, store.deleteErr) {
		t.Fatalf("delete error must be wrapped, got %v", err)
	}
	if cmd.State() != StateFailed {
		t.Fatalf("state = %s, want failed", cmd.State())
	}
}

func TestDispatchPersistenceError(t *testing.T) {
	store := newMemResults()
	store.saveErr = errors.New("disk full")
	d := newTestDispatcher(t, store, nil, nil, fixedID("p1"))

	cmd, err := d.Dispatch(context.Background(), Request{Command: "clear_console", SessionID: "s1"})
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if perr.CommandID != "p1" {
		t.Fatalf("command id = %q, want p1", perr.CommandID)
	}
	if cmd.State() != StateFailed {
		t.Fatalf("state = %s, want failed", cmd.State())
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	for _, phase := range []string{"execute", "post_execute"} {
		h := &scriptedHandler{panicOn: phase}
		d := newTestDispatcher(t, newMemResults(), h, nil)
		cmd, err := d.Dispatch(context.Background(), Request{Command: "scripted", SessionID: "s1"})
		if err == nil {
			t.Fatalf("%s: expected error from panic", phase)
		}
		if cmd.State() != StateFailed {
			t.Fatalf("%s: state = %s, want failed", phase, cmd.State())
		}
	}
}

func TestDispatchCanceledContext(t *testing.T) {
	store := newMemResults()
	d := newTestDispatcher(t, store, nil, nil, fixedID("c1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmd, err := d.Dispatch(ctx, Request{Command: "clear_console", SessionID: "s1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cmd.State() != StateFailed {
		t.Fatalf("state = %s, want failed", cmd.State())
	}
}

func TestDispatchConcurrentCommands(t *testing.T) {
	store := newMemResults()
	d := newTestDispatcher(t, store, nil, nil)

	const n = 32
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd, err := d.Dispatch(context.Background(), Request{
				Command:   "clear_console",
				SessionID: fmt.Sprintf("s%d", i),
				Data:      map[string]Value{"result": NumberValue(float64(i))},
			})
			if err != nil {
				t.Errorf("dispatch %d: %v", i, err)
				return
			}
			ids[i] = cmd.ID()
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		rec, err := store.GetResult(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if !rec.Fields["result"].Equal(NumberValue(float64(i))) {
			t.Fatalf("record %s = %#v, want %d", id, rec.Fields["result"], i)
		}
	}
}

func TestSaveOutsidePostExecuteRejected(t *testing.T) {
	cmd := newCommand("x", "s1", "clear_console", Params{}, NewDatastore(nil), newMemResults(), func() time.Time { return time.Unix(0, 0) })
	if err := cmd.Save(context.Background(), Fields{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCommandTransitions(t *testing.T) {
	cmd := newCommand("x", "s1", "clear_console", Params{}, NewDatastore(nil), newMemResults(), time.Now)
	if err := cmd.transition(StatePostExecuting); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("created -> post_executing must be rejected, got %v", err)
	}
	if err := cmd.transition(StateExecuting); err != nil {
		t.Fatalf("created -> executing: %v", err)
	}
	if err := cmd.transition(StateCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("executing -> completed must be rejected, got %v", err)
	}
	if _, err := cmd.fail(errors.New("x")); err != nil {
		t.Fatalf("executing -> failed: %v", err)
	}
	if err := cmd.transition(StateExecuting); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failed is terminal, got %v", err)
	}
}
