package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ignite/audience-dispatch/internal/domain"
)

func TestRateLimiterPerSecondWindow(t *testing.T) {
	_, client := newLockFactory(t)
	rl := NewRateLimiter(client, map[domain.Channel]RateLimit{domain.ChannelSMS: {PerSecond: 2, PerMinute: 100}})
	fixed := time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)
	rl.now = func() time.Time { return fixed }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := rl.Allow(ctx, domain.ChannelSMS, 1)
		if err != nil || !ok {
			t.Fatalf("call %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, _, err := rl.Allow(ctx, domain.ChannelSMS, 1)
	if err != nil || ok {
		t.Errorf("third call should be denied: ok=%v err=%v", ok, err)
	}

	fixed = fixed.Add(time.Second)
	if ok, _, _ := rl.Allow(ctx, domain.ChannelSMS, 1); !ok {
		t.Error("next second should allow")
	}
}

func TestRateLimiterPerMinuteWindow(t *testing.T) {
	_, client := newLockFactory(t)
	rl := NewRateLimiter(client, map[domain.Channel]RateLimit{domain.ChannelEmail: {PerMinute: 3}})
	fixed := time.Date(2024, 3, 1, 12, 0, 10, 0, time.UTC)
	rl.now = func() time.Time { return fixed }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		fixed = fixed.Add(time.Second)
		if ok, _, _ := rl.Allow(ctx, domain.ChannelEmail, 1); !ok {
			t.Fatalf("call %d denied", i)
		}
	}
	fixed = fixed.Add(time.Second)
	ok, wait, err := rl.Allow(ctx, domain.ChannelEmail, 1)
	if err != nil || ok {
		t.Fatalf("fourth call should be denied: ok=%v err=%v", ok, err)
	}
	if wait != 46*time.Second {
		t.Errorf("wait = %s, want 46s", wait)
	}
}

func TestRateLimiterUnlimitedChannel(t *testing.T) {
	_, client := newLockFactory(t)
	rl := NewRateLimiter(client, nil)
	for i := 0; i < 100; i++ {
		if err := rl.Wait(context.Background(), domain.ChannelEmail, 1); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRateLimiterWaitHonorsContext(t *testing.T) {
	_, client := newLockFactory(t)
	rl := NewRateLimiter(client, map[domain.Channel]RateLimit{domain.ChannelSMS: {PerMinute: 1}})
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	if err := rl.Wait(context.Background(), domain.ChannelSMS, 1); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx, domain.ChannelSMS, 1); err == nil {
		t.Error("expected context error while throttled")
	}
}
