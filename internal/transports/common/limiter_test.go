package common

import (
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(2, time.Second)
	now := time.Now()
	if !l.Allow("console:op1", now) {
		t.Fatalf("first should pass")
	}
	if !l.Allow("console:op1", now.Add(100*time.Millisecond)) {
		t.Fatalf("second should pass")
	}
	if l.Allow("console:op1", now.Add(200*time.Millisecond)) {
		t.Fatalf("third should be blocked")
	}
	if !l.Allow("web:op2", now.Add(200*time.Millisecond)) {
		t.Fatalf("other key should pass")
	}
	if !l.Allow("console:op1", now.Add(2*time.Second)) {
		t.Fatalf("should pass after window")
	}
}

func TestRateLimiterPrune(t *testing.T) {
	l := NewRateLimiter(1, time.Second)
	now := time.Now()
	l.Allow("a", now)
	l.Allow("b", now.Add(900*time.Millisecond))

	if removed := l.Prune(now.Add(1500 * time.Millisecond)); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if l.Allow("b", now.Add(1500*time.Millisecond)) {
		t.Fatalf("b is still inside its window")
	}
	if !l.Allow("a", now.Add(1500*time.Millisecond)) {
		t.Fatalf("a should pass after prune")
	}
}
