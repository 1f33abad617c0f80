package core

import "testing"

func TestAllowlistAuthorizerAuthorize(t *testing.T) {
	a := NewAllowlistAuthorizer(map[string][]string{
		"web": {"op1", "op2"},
	})
	if err := a.Authorize(Subject{Source: "web", ID: "op1"}, Action{Command: "clear_console", SessionID: "s1"}); err != nil {
		t.Fatalf("expected allow, got error: %v", err)
	}
}

func TestAllowlistAuthorizerDenyUnknownID(t *testing.T) {
	a := NewAllowlistAuthorizer(map[string][]string{
		"web": {"op1"},
	})
	if err := a.Authorize(Subject{Source: "web", ID: "intruder"}, Action{Command: "clear_console"}); err == nil {
		t.Fatalf("expected deny")
	}
}

func TestAllowlistAuthorizerDenyUnknownSource(t *testing.T) {
	a := NewAllowlistAuthorizer(map[string][]string{
		"web": {"op1"},
	})
	if err := a.Authorize(Subject{Source: "console", ID: "op1"}, Action{Command: "clear_console"}); err == nil {
		t.Fatalf("expected deny")
	}
}

func TestAllowlistAuthorizerEmptySubject(t *testing.T) {
	a := NewAllowlistAuthorizer(map[string][]string{"web": {""}})
	if err := a.Authorize(Subject{Source: "web"}, Action{Command: "echo"}); err == nil {
		t.Fatalf("expected deny for empty subject")
	}
}
