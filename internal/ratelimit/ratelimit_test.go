package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCounter struct {
	count     int
	err       error
	lastSince time.Time
}

func (m *mockCounter) CountCreatedSince(ctx context.Context, requesterID int64, since time.Time) (int, error) {
	m.lastSince = since
	return m.count, m.err
}

func TestRateLimiter_Allow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		count int
		max   int
		want  bool
	}{
		{"under limit", 2, 3, true},
		{"at limit", 3, 3, false},
		{"over limit", 5, 3, false},
		{"disabled", 100, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := &mockCounter{count: tt.count}
			rl := New(counter, tt.max, time.Minute)

			ok, err := rl.Allow(context.Background(), 1, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			if tt.max > 0 {
				assert.Equal(t, now.Add(-time.Minute), counter.lastSince)
			}
		})
	}
}

func TestRateLimiter_CounterError(t *testing.T) {
	rl := New(&mockCounter{err: errors.New("db down")}, 1, time.Minute)
	ok, err := rl.Allow(context.Background(), 1, time.Now())
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestRateLimiter_Nil(t *testing.T) {
	var rl *RateLimiter
	ok, err := rl.Allow(context.Background(), 1, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
}
