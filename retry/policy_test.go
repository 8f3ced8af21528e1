package retry

import (
	"errors"
	"testing"
	"time"
)

func TestPresets(t *testing.T) {
	d := Default()
	if d.MaxAttempts != 3 {
		t.Errorf("Default().MaxAttempts = %d, want 3", d.MaxAttempts)
	}
	if d.InitialDelay != 1*time.Second {
		t.Errorf("Default().InitialDelay = %v, want 1s", d.InitialDelay)
	}
	if d.MaxDelay != 30*time.Second {
		t.Errorf("Default().MaxDelay = %v, want 30s", d.MaxDelay)
	}

	c := Conflicts()
	if c.MaxAttempts != 5 {
		t.Errorf("Conflicts().MaxAttempts = %d, want 5", c.MaxAttempts)
	}
	if c.InitialDelay != 25*time.Millisecond {
		t.Errorf("Conflicts().InitialDelay = %v, want 25ms", c.InitialDelay)
	}

	n := NoRetry()
	if n.MaxAttempts != 1 {
		t.Errorf("NoRetry().MaxAttempts = %d, want 1", n.MaxAttempts)
	}
	if n.InitialDelay != 0 {
		t.Errorf("NoRetry().InitialDelay = %v, want 0", n.InitialDelay)
	}
}

func TestNextDelay(t *testing.T) {
	base := Policy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0,
	}

	tests := []struct {
		name    string
		policy  Policy
		attempt int
		wantMin time.Duration
		wantMax time.Duration
	}{
		{
			name:    "attempt 0 returns 0",
			policy:  base,
			attempt: 0,
		},
		{
			name:    "negative attempt returns 0",
			policy:  base,
			attempt: -1,
		},
		{
			name:    "attempt 1 returns initial delay",
			policy:  base,
			attempt: 1,
			wantMin: 100 * time.Millisecond,
			wantMax: 100 * time.Millisecond,
		},
		{
			name:    "attempt 2 applies multiplier",
			policy:  base,
			attempt: 2,
			wantMin: 200 * time.Millisecond,
			wantMax: 200 * time.Millisecond,
		},
		{
			name:    "attempt 4 applies multiplier cubed",
			policy:  base,
			attempt: 4,
			wantMin: 800 * time.Millisecond,
			wantMax: 800 * time.Millisecond,
		},
		{
			name: "caps at max delay",
			policy: Policy{
				MaxAttempts:  5,
				InitialDelay: 1 * time.Second,
				MaxDelay:     3 * time.Second,
				Multiplier:   2.0,
			},
			attempt: 3, // would be 4s uncapped
			wantMin: 3 * time.Second,
			wantMax: 3 * time.Second,
		},
		{
			name: "jitter stays within band",
			policy: Policy{
				MaxAttempts:  3,
				InitialDelay: 1 * time.Second,
				Multiplier:   1.0,
				Jitter:       0.1,
			},
			attempt: 1,
			wantMin: 900 * time.Millisecond,
			wantMax: 1100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Repeat to exercise the jittered cases.
			for i := 0; i < 100; i++ {
				got := tt.policy.NextDelay(tt.attempt)
				if got < tt.wantMin || got > tt.wantMax {
					t.Errorf("NextDelay(%d) = %v, want between %v and %v",
						tt.attempt, got, tt.wantMin, tt.wantMax)
					break
				}
			}
		})
	}
}

func TestNextDelay_JitterVaries(t *testing.T) {
	p := Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   1.0,
		Jitter:       0.2,
	}

	low, high := false, false
	for i := 0; i < 1000; i++ {
		d := p.NextDelay(1)
		if d < 950*time.Millisecond {
			low = true
		}
		if d > 1050*time.Millisecond {
			high = true
		}
	}
	if !low || !high {
		t.Errorf("jittered delays never left the center band (low=%v high=%v)", low, high)
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		attempt     int
		want        bool
	}{
		{name: "first attempt failed, should retry", maxAttempts: 3, attempt: 1, want: true},
		{name: "second attempt failed, should retry", maxAttempts: 3, attempt: 2, want: true},
		{name: "third attempt failed, max reached", maxAttempts: 3, attempt: 3, want: false},
		{name: "no retry policy", maxAttempts: 1, attempt: 1, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Policy{MaxAttempts: tt.maxAttempts}
			if got := p.ShouldRetry(tt.attempt, errors.New("transient")); got != tt.want {
				t.Errorf("ShouldRetry(%d, err) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}
