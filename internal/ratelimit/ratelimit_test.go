package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	l := New(2, time.Minute)

	if ok, _ := l.Allow("fp-1:submit"); !ok {
		t.Fatal("Allow() first call = false, want true")
	}
	if ok, _ := l.Allow("fp-1:submit"); !ok {
		t.Fatal("Allow() second call = false, want true")
	}
	ok, retryAfter := l.Allow("fp-1:submit")
	if ok {
		t.Fatal("Allow() third call = true, want false (over limit)")
	}
	if retryAfter <= 0 {
		t.Errorf("retryAfter = %v, want positive", retryAfter)
	}
}

func TestLimiter_SeparatesActionTags(t *testing.T) {
	l := New(1, time.Minute)

	if ok, _ := l.Allow("fp-1:submit"); !ok {
		t.Fatal("Allow(submit) = false, want true")
	}
	if ok, _ := l.Allow("fp-1:stream-retrieve"); !ok {
		t.Fatal("Allow(stream-retrieve) = false, want true (separate bucket)")
	}
}

func TestLimiter_WindowExpires(t *testing.T) {
	l := New(1, 5*time.Millisecond)

	if ok, _ := l.Allow("fp-1:submit"); !ok {
		t.Fatal("Allow() first call = false, want true")
	}
	if ok, _ := l.Allow("fp-1:submit"); ok {
		t.Fatal("Allow() second call immediately after = true, want false")
	}
	time.Sleep(10 * time.Millisecond)
	if ok, _ := l.Allow("fp-1:submit"); !ok {
		t.Fatal("Allow() after window expiry = false, want true")
	}
}

func TestLimiter_ZeroLimitDisablesThrottling(t *testing.T) {
	l := New(0, time.Minute)
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow("fp-1:submit"); !ok {
			t.Fatalf("Allow() call %d = false, want true (limiter disabled)", i)
		}
	}
}

func TestLimiter_Sweep(t *testing.T) {
	l := New(1, 5*time.Millisecond)
	l.Allow("fp-1:submit")
	time.Sleep(10 * time.Millisecond)

	if removed := l.Sweep(); removed != 1 {
		t.Fatalf("Sweep() = %d, want 1", removed)
	}
}
