package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"cmdrelay/internal/storage"
	"cmdrelay/internal/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		mr := miniredis.RunT(t)
		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return New(client, "test", 0)
	})
}

func TestOpenPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := Open(context.Background(), Config{Addr: mr.Addr(), Prefix: "cr"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	addr := mr.Addr()
	mr.Close()
	if _, err := Open(context.Background(), Config{Addr: addr}); err == nil {
		t.Fatalf("expected error for unreachable server")
	}
}

func TestAuditCapTrimsOldEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	st := New(client, "cap", 2)

	ctx := context.Background()
	for _, s := range []string{"a", "b", "c"} {
		if err := st.SaveAudit(ctx, storage.AuditEvent{Subject: s, Action: "echo"}); err != nil {
			t.Fatalf("save audit: %v", err)
		}
	}
	events, err := st.QueryAudit(ctx, storage.AuditQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 || events[0].Subject != "c" || events[1].Subject != "b" {
		t.Fatalf("unexpected events: %+v", events)
	}
}
