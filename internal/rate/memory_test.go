package rate

import (
	"testing"
	"time"
)

func TestAllowFixedWindow(t *testing.T) {
	l := NewLimiter()
	for i := 0; i < 3; i++ {
		if !l.Allow("k", 3, time.Minute) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("k", 3, time.Minute) {
		t.Fatalf("request over the limit should be denied")
	}
	if !l.Allow("other", 3, time.Minute) {
		t.Fatalf("keys are independent")
	}
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l := NewLimiter()
	if !l.Allow("k", 1, 10*time.Millisecond) {
		t.Fatalf("first request should pass")
	}
	if l.Allow("k", 1, 10*time.Millisecond) {
		t.Fatalf("second request inside the window should be denied")
	}
	time.Sleep(15 * time.Millisecond)
	if !l.Allow("k", 1, 10*time.Millisecond) {
		t.Fatalf("window elapsed, request should pass again")
	}
}
