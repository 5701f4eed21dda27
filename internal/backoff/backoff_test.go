package backoff

import (
	"testing"
	"time"
)

func TestConstant(t *testing.T) {
	c := NewConstant(5 * time.Second)
	for attempt := 1; attempt <= 5; attempt++ {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want 5s", attempt, got)
		}
	}
}

func TestExponential(t *testing.T) {
	e := NewExponential(time.Second, 10*time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialWithJitter_Bounds(t *testing.T) {
	e := NewExponentialWithJitter(time.Second, 8*time.Second)

	for attempt := 1; attempt <= 6; attempt++ {
		base := NewExponential(time.Second, 8*time.Second).Delay(attempt)
		for range 50 {
			got := e.Delay(attempt)
			if got < base/2 || got > base {
				t.Fatalf("Delay(%d) = %v, want in [%v, %v]", attempt, got, base/2, base)
			}
		}
	}
}

func TestUntilReset(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	u := &UntilReset{ResetAt: now.Add(42 * time.Second), Now: clock, Min: time.Second}
	if got := u.Delay(1); got != 42*time.Second {
		t.Errorf("Delay = %v, want 42s", got)
	}

	// Сброс уже прошёл — минимальная задержка.
	u.ResetAt = now.Add(-time.Minute)
	if got := u.Delay(1); got != time.Second {
		t.Errorf("Delay after reset = %v, want 1s", got)
	}

	// Без ResetAt — fallback.
	u = &UntilReset{Now: clock, Min: time.Second, Fallback: NewConstant(7 * time.Second)}
	if got := u.Delay(3); got != 7*time.Second {
		t.Errorf("Delay without reset = %v, want 7s", got)
	}
}
