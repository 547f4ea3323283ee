package wifi

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/edgenode/internal/testutil/testlog"
)

func TestFixedBackoffIsFlat(t *testing.T) {
	testlog.Start(t)

	b := FixedBackoff(500 * time.Millisecond)
	for _, attempt := range []int{0, 1, 2, 49} {
		if got := b.Delay(attempt, nil); got != 500*time.Millisecond {
			t.Fatalf("attempt %d got=%v", attempt, got)
		}
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	testlog.Start(t)

	b := Backoff{Initial: 250 * time.Millisecond, Multiplier: 2, Max: 5 * time.Second}
	if got := b.Delay(2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := b.Delay(3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := b.Delay(9, nil); got != 5*time.Second {
		t.Fatalf("attempt9 got=%v", got)
	}
}

func TestBackoffJitterRange(t *testing.T) {
	testlog.Start(t)

	b := Backoff{Initial: 250 * time.Millisecond, Multiplier: 1, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		got := b.Delay(1, rng)
		if got < 125*time.Millisecond || got >= 375*time.Millisecond {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
}

func TestSleepContextHonorsCancel(t *testing.T) {
	testlog.Start(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
