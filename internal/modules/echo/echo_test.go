package echo

import (
	"context"
	"errors"
	"testing"

	"cmdrelay/internal/core"
	"cmdrelay/internal/storage/memory"
)

func newDispatcher(t *testing.T, store *memory.Store) *core.Dispatcher {
	t.Helper()
	r := core.NewRegistry()
	if err := r.Register(Definition()); err != nil {
		t.Fatalf("register: %v", err)
	}
	return core.NewDispatcher(r, store)
}

func TestEchoRecordsText(t *testing.T) {
	store := memory.New()
	d := newDispatcher(t, store)
	cmd, err := d.Dispatch(context.Background(), core.Request{
		Command:   Name,
		SessionID: "s1",
		Params:    []core.Param{{Name: ParamText, Value: core.StringValue("hello")}},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	rec, err := store.GetResult(context.Background(), cmd.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.Fields["result"].Equal(core.StringValue("hello")) {
		t.Fatalf("result = %#v", rec.Fields["result"])
	}
}

func TestEchoMissingText(t *testing.T) {
	store := memory.New()
	d := newDispatcher(t, store)
	cmd, err := d.Dispatch(context.Background(), core.Request{Command: Name, SessionID: "s1"})
	var missing *core.MissingParameterError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingParameterError, got %v", err)
	}
	if cmd.State() != core.StateFailed {
		t.Fatalf("state = %s, want failed", cmd.State())
	}
	if _, err := store.GetResult(context.Background(), cmd.ID()); !errors.Is(err, core.ErrResultNotFound) {
		t.Fatalf("failed command must not have a record, got %v", err)
	}
}
