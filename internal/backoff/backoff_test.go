package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential(t *testing.T) {
	e := Exponential{Initial: 100 * time.Millisecond, Max: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 4, want: 800 * time.Millisecond},
		{attempt: 5, want: time.Second},
		{attempt: 500, want: time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponential_Multiplier(t *testing.T) {
	e := Exponential{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Multiplier: 3}
	assert.Equal(t, 100*time.Millisecond, e.Delay(1))
	assert.Equal(t, 300*time.Millisecond, e.Delay(2))
	assert.Equal(t, 900*time.Millisecond, e.Delay(3))
}

func TestExponentialWithJitter(t *testing.T) {
	e := ExponentialWithJitter{Initial: 100 * time.Millisecond, Max: time.Second}
	for attempt := 1; attempt < 20; attempt++ {
		d := e.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestConstant(t *testing.T) {
	c := Constant{Interval: time.Second}
	assert.Equal(t, time.Second, c.Delay(1))
	assert.Equal(t, time.Second, c.Delay(99))
}
