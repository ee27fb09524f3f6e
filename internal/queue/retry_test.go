package queue

import (
	"testing"
	"time"

	"github.com/evermail/dispatch/internal/config"
)

func TestBackoffGrowsExponentially(t *testing.T) {
	b := NewBackoff(config.RetryConfig{
		BaseDelay:   time.Second,
		MaxDelay:    time.Hour,
		MaxAttempts: 10,
	})

	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := b.Delay(attempt)

		expected := time.Second * (1 << (attempt - 1))
		low := time.Duration(float64(expected) * 0.9)
		high := time.Duration(float64(expected) * 1.1)
		if d < low || d > high {
			t.Errorf("Attempt %d: delay %v outside [%v, %v]", attempt, d, low, high)
		}
		if d <= prev/2 {
			t.Errorf("Attempt %d: delay %v did not grow from %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	b := NewBackoff(config.RetryConfig{
		BaseDelay:   time.Minute,
		MaxDelay:    10 * time.Minute,
		MaxAttempts: 50,
	})

	d := b.Delay(30)
	high := time.Duration(float64(10*time.Minute) * 1.1)
	if d > high {
		t.Errorf("Delay %v exceeds cap with jitter margin %v", d, high)
	}
}

func TestBackoffExhaustion(t *testing.T) {
	b := NewBackoff(config.RetryConfig{
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		MaxAttempts: 5,
	})

	if b.Exhausted(4) {
		t.Error("Attempt 4 of 5 should not be exhausted")
	}
	if !b.Exhausted(5) {
		t.Error("Attempt 5 of 5 should be exhausted")
	}
}
