// Package storagetest содержит общие проверки реализаций storage.Store.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"cmdrelay/internal/core"
	"cmdrelay/internal/storage"
)

// Run прогоняет набор проверок; open должен возвращать пустое хранилище.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"SaveAndGet", testSaveAndGet},
		{"AbsentResult", testAbsentResult},
		{"LastWriteWins", testLastWriteWins},
		{"IdempotentSave", testIdempotentSave},
		{"NotFound", testNotFound},
		{"Delete", testDelete},
		{"ListResults", testListResults},
		{"PurgeResults", testPurgeResults},
		{"PurgeBoundary", testPurgeBoundary},
		{"ListTieOrder", testListTieOrder},
		{"ConcurrentSaves", testConcurrentSaves},
		{"Audit", testAudit},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func record(id, session string, at time.Time, fields core.Fields) core.Result {
	return core.Result{CommandID: id, SessionID: session, Command: "clear_console", Fields: fields, SavedAt: at}
}

func mustSave(t *testing.T, s storage.Store, rec core.Result) {
	t.Helper()
	if err := s.SaveResult(context.Background(), rec); err != nil {
		t.Fatalf("save %s: %v", rec.CommandID, err)
	}
}

func mustGet(t *testing.T, s storage.Store, id string) core.Result {
	t.Helper()
	rec, err := s.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

func assertSame(t *testing.T, got, want core.Result) {
	t.Helper()
	if got.CommandID != want.CommandID || got.SessionID != want.SessionID || got.Command != want.Command {
		t.Fatalf("record owner = %+v, want %+v", got, want)
	}
	if !got.SavedAt.Equal(want.SavedAt) {
		t.Fatalf("saved_at = %v, want %v", got.SavedAt, want.SavedAt)
	}
	if len(got.Fields) != len(want.Fields) {
		t.Fatalf("fields = %v, want %v", got.Fields, want.Fields)
	}
	for k, v := range want.Fields {
		if g, ok := got.Fields[k]; !ok || !g.Equal(v) {
			t.Fatalf("field %s = %#v, want %#v", k, g, v)
		}
	}
}

func testSaveAndGet(t *testing.T, s storage.Store) {
	want := record("42", "hooked-1", base, core.Fields{"result": core.StringValue("console cleared")})
	mustSave(t, s, want)
	assertSame(t, mustGet(t, s, "42"), want)
}

func testAbsentResult(t *testing.T, s storage.Store) {
	want := record("7", "hooked-1", base, core.Fields{"result": core.Absent})
	mustSave(t, s, want)
	got := mustGet(t, s, "7")
	v, ok := got.Fields["result"]
	if !ok || !v.IsAbsent() {
		t.Fatalf("expected present absent result, got %#v (present=%v)", v, ok)
	}
}

func testLastWriteWins(t *testing.T, s storage.Store) {
	mustSave(t, s, record("1", "s1", base, core.Fields{"result": core.StringValue("first"), "extra": core.NumberValue(1)}))
	second := record("1", "s1", base.Add(time.Second), core.Fields{"result": core.StringValue("second")})
	mustSave(t, s, second)
	assertSame(t, mustGet(t, s, "1"), second)

	list, err := s.ListResults(context.Background(), storage.ResultQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("upsert must not append, got %d records", len(list))
	}
}

func testIdempotentSave(t *testing.T, s storage.Store) {
	rec := record("i1", "s1", base, core.Fields{"result": core.NumberValue(3.5)})
	mustSave(t, s, rec)
	once := mustGet(t, s, "i1")
	mustSave(t, s, rec)
	twice := mustGet(t, s, "i1")
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("second save changed state: %+v vs %+v", once, twice)
	}
}

func testNotFound(t *testing.T, s storage.Store) {
	if _, err := s.GetResult(context.Background(), "missing"); !errors.Is(err, core.ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}
}

func testDelete(t *testing.T, s storage.Store) {
	mustSave(t, s, record("d1", "s1", base, core.Fields{"result": core.StringValue("x")}))
	if err := s.DeleteResult(context.Background(), "d1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetResult(context.Background(), "d1"); !errors.Is(err, core.ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound after delete, got %v", err)
	}
	if err := s.DeleteResult(context.Background(), "d1"); err != nil {
		t.Fatalf("deleting a missing record must not fail: %v", err)
	}
}

func testListResults(t *testing.T, s storage.Store) {
	mustSave(t, s, record("a", "s1", base, core.Fields{}))
	mustSave(t, s, record("b", "s2", base.Add(time.Second), core.Fields{}))
	mustSave(t, s, record("c", "s1", base.Add(2*time.Second), core.Fields{}))

	list, err := s.ListResults(context.Background(), storage.ResultQuery{SessionID: "s1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].CommandID != "c" || list[1].CommandID != "a" {
		t.Fatalf("unexpected session list: %+v", list)
	}

	list, err = s.ListResults(context.Background(), storage.ResultQuery{Limit: 1})
	if err != nil {
		t.Fatalf("list limit: %v", err)
	}
	if len(list) != 1 || list[0].CommandID != "c" {
		t.Fatalf("unexpected limited list: %+v", list)
	}

	list, err = s.ListResults(context.Background(), storage.ResultQuery{Command: "echo"})
	if err != nil {
		t.Fatalf("list by command: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no echo results, got %d", len(list))
	}
}

func testPurgeResults(t *testing.T, s storage.Store) {
	mustSave(t, s, record("old", "s1", base, core.Fields{}))
	mustSave(t, s, record("new", "s1", base.Add(time.Hour), core.Fields{}))
	n, err := s.PurgeResults(context.Background(), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	if _, err := s.GetResult(context.Background(), "old"); !errors.Is(err, core.ErrResultNotFound) {
		t.Fatalf("old record must be purged, got %v", err)
	}
	mustGet(t, s, "new")
}

// Граница очистки точна до наносекунды: запись за 1ns до before удаляется,
// запись ровно в before остается.
func testPurgeBoundary(t *testing.T, s storage.Store) {
	cut := base.Add(time.Minute + 500*time.Nanosecond)
	mustSave(t, s, record("edge", "s1", cut.Add(-time.Nanosecond), core.Fields{}))
	mustSave(t, s, record("at", "s1", cut, core.Fields{}))
	mustSave(t, s, record("after", "s1", cut.Add(time.Nanosecond), core.Fields{}))

	n, err := s.PurgeResults(context.Background(), cut)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	if _, err := s.GetResult(context.Background(), "edge"); !errors.Is(err, core.ErrResultNotFound) {
		t.Fatalf("edge record must be purged, got %v", err)
	}
	mustGet(t, s, "at")
	mustGet(t, s, "after")
}

// Записи с одинаковым saved_at идут по command_id, в том числе на границе limit.
func testListTieOrder(t *testing.T, s storage.Store) {
	mustSave(t, s, record("t2", "s1", base, core.Fields{}))
	mustSave(t, s, record("t1", "s1", base, core.Fields{}))
	mustSave(t, s, record("t0", "s1", base.Add(-time.Nanosecond), core.Fields{}))
	mustSave(t, s, record("t3", "s1", base.Add(time.Nanosecond), core.Fields{}))

	list, err := s.ListResults(context.Background(), storage.ResultQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for _, rec := range list {
		got = append(got, rec.CommandID)
	}
	if want := []string{"t3", "t1", "t2", "t0"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}

	list, err = s.ListResults(context.Background(), storage.ResultQuery{Limit: 2})
	if err != nil {
		t.Fatalf("list limit: %v", err)
	}
	if len(list) != 2 || list[0].CommandID != "t3" || list[1].CommandID != "t1" {
		t.Fatalf("unexpected limited list: %+v", list)
	}
}

func testConcurrentSaves(t *testing.T, s storage.Store) {
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("cc-%d", i)
			errs <- s.SaveResult(context.Background(), record(id, "s1", base, core.Fields{"result": core.NumberValue(float64(i))}))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent save: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		rec := mustGet(t, s, fmt.Sprintf("cc-%d", i))
		if !rec.Fields["result"].Equal(core.NumberValue(float64(i))) {
			t.Fatalf("record cc-%d = %#v", i, rec.Fields["result"])
		}
	}
}

func testAudit(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	for _, subject := range []string{"op1", "op2", "op1"} {
		if err := s.SaveAudit(ctx, storage.AuditEvent{Subject: subject, Action: "clear_console", Source: "web", Status: "ok", TS: now}); err != nil {
			t.Fatalf("save audit: %v", err)
		}
	}
	events, err := s.QueryAudit(ctx, storage.AuditQuery{Subject: "op1", From: now.Add(-time.Minute), To: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Subject != "op1" || ev.Action != "clear_console" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}
