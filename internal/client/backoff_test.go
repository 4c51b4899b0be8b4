package client

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoff_NextDelay(t *testing.T) {
	b := Backoff{Base: 1000 * time.Millisecond, MaxAttempts: 5}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1000 * time.Millisecond},
		{1, 1000 * time.Millisecond},
		{2, 2000 * time.Millisecond},
		{3, 4000 * time.Millisecond},
		{4, 8000 * time.Millisecond},
		{5, 16000 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := b.NextDelay(tt.attempt); got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_MaxDelay(t *testing.T) {
	b := Backoff{Base: time.Second, MaxAttempts: 100, MaxDelay: 5 * time.Second}
	if got := b.NextDelay(4); got != 5*time.Second {
		t.Errorf("NextDelay(4) = %v, want capped 5s", got)
	}
	if got := b.NextDelay(200); got != 5*time.Second {
		t.Errorf("NextDelay(200) = %v, want capped 5s", got)
	}

	uncapped := Backoff{Base: time.Second, MaxAttempts: 1000}
	if got := uncapped.NextDelay(500); got <= 0 {
		t.Errorf("NextDelay(500) overflowed to %v", got)
	}
}

func TestBackoff_Exhausted(t *testing.T) {
	b := DefaultBackoff()
	for attempt := 1; attempt <= DefaultMaxReconnectAttempts; attempt++ {
		if b.Exhausted(attempt) {
			t.Errorf("Exhausted(%d) = true, want false", attempt)
		}
	}
	if !b.Exhausted(DefaultMaxReconnectAttempts + 1) {
		t.Errorf("Exhausted(%d) = false, want true", DefaultMaxReconnectAttempts+1)
	}
}

func TestBackoff_Jittered(t *testing.T) {
	d := 4 * time.Second

	off := Backoff{Base: time.Second, MaxAttempts: 5}
	if got := off.Jittered(d, rand.New(rand.NewSource(1))); got != d {
		t.Errorf("Jittered without jitter = %v, want %v", got, d)
	}

	on := Backoff{Base: time.Second, MaxAttempts: 5, Jitter: true}
	if got := on.Jittered(d, nil); got != d {
		t.Errorf("Jittered with nil rng = %v, want %v", got, d)
	}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		got := on.Jittered(d, rng)
		if got < d/2 || got >= d*3/2 {
			t.Fatalf("Jittered = %v, want within [%v, %v)", got, d/2, d*3/2)
		}
	}
}
