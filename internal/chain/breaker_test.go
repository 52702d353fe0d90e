package chain

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.Failure()
		if !b.Allow() {
			t.Fatalf("breaker opened too early after %d failures", i+1)
		}
	}

	b.Failure()
	if b.Allow() {
		t.Fatal("breaker should be open after reaching the threshold")
	}
	if !b.Open() {
		t.Fatal("Open should report true")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if !b.Allow() {
		t.Fatal("success should reset the consecutive failure count")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	base := time.Now()
	clock := base
	b := NewBreaker(1, time.Minute)
	b.now = func() time.Time { return clock }

	b.Failure()
	if b.Allow() {
		t.Fatal("breaker should be open")
	}

	// 冷却期过后放行一个探测请求，其余仍被拒绝。
	clock = base.Add(2 * time.Minute)
	if !b.Allow() {
		t.Fatal("expected half-open probe to be allowed")
	}
	if b.Allow() {
		t.Fatal("only one probe may be in flight")
	}

	// 探测失败立刻重新打开。
	b.Failure()
	if b.Allow() {
		t.Fatal("failed probe should reopen the breaker")
	}

	// 再次冷却后探测成功则关闭。
	clock = clock.Add(2 * time.Minute)
	if !b.Allow() {
		t.Fatal("expected second probe to be allowed")
	}
	b.Success()
	if !b.Allow() {
		t.Fatal("successful probe should close the breaker")
	}
}
